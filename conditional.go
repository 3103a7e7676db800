package relaycache

import (
	"net/http"
	"strings"

	"github.com/relaycache/relaycache/store"
)

// ConditionalRequestBuilder derives If-* requests from a stored entry or
// variant set, and strips them back off again for the unconditional retry
// path: spec §4.5.
type ConditionalRequestBuilder struct{}

// BuildConditionalRequest clones req and adds If-None-Match / If-Modified-Since
// from entry's validators. If entry has neither, req is returned unchanged.
func (ConditionalRequestBuilder) BuildConditionalRequest(req *http.Request, entry *store.Entry) *http.Request {
	etag := entry.Header.Get("ETag")
	lastModified := entry.Header.Get("Last-Modified")
	if etag == "" && lastModified == "" {
		return req
	}
	clone := req.Clone(req.Context())
	if etag != "" {
		clone.Header.Set("If-None-Match", etag)
	}
	if lastModified != "" {
		clone.Header.Set("If-Modified-Since", lastModified)
	}
	return clone
}

// BuildConditionalRequestFromVariants clones req and sets If-None-Match to
// the comma-joined ETags of every known variant.
func (ConditionalRequestBuilder) BuildConditionalRequestFromVariants(req *http.Request, variants map[string]store.Variant) *http.Request {
	etags := make([]string, 0, len(variants))
	for etag := range variants {
		etags = append(etags, etag)
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("If-None-Match", strings.Join(etags, ", "))
	return clone
}

// BuildUnconditionalRequest clones req, strips every If-* conditional
// header, and adds Cache-Control/Pragma: no-cache so the backend is forced
// to answer with a fresh representation regardless of any intermediary.
func (ConditionalRequestBuilder) BuildUnconditionalRequest(req *http.Request) *http.Request {
	clone := req.Clone(req.Context())
	for _, h := range []string{"If-Modified-Since", "If-None-Match", "If-Match", "If-Unmodified-Since", "If-Range"} {
		clone.Header.Del(h)
	}
	clone.Header.Set("Cache-Control", "no-cache")
	clone.Header.Set("Pragma", "no-cache")
	return clone
}
