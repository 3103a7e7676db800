package relaycache

import (
	"net/http"
	"strconv"

	"github.com/relaycache/relaycache/internal/rfc2616"
)

// RequestPolicy decides whether a request is servable from cache at all.
type RequestPolicy struct{}

// IsServableFromCache implements spec §4.2: only GET requests, absent any
// no-store/no-cache directive, are candidates for cache lookup.
func (RequestPolicy) IsServableFromCache(req *http.Request) bool {
	if req.Method != http.MethodGet {
		return false
	}
	cc := rfc2616.ParseCacheControl(req.Header)
	if cc.NoStore() || cc.NoCache() {
		return false
	}
	if rfc2616.PragmaNoCache(req.Header) {
		return false
	}
	return true
}

// heuristicallyCacheableStatus lists the statuses that are cacheable by
// default per RFC 2616 §13.4: a response with any other status needs
// explicit freshness information to be stored.
var heuristicallyCacheableStatus = map[int]bool{
	http.StatusOK:                   true,
	http.StatusNonAuthoritativeInfo: true,
	http.StatusMultipleChoices:      true,
	http.StatusMovedPermanently:     true,
	http.StatusGone:                 true,
}

var knownStatusCodes = map[int]bool{
	200: true, 201: true, 202: true, 203: true, 204: true, 205: true, 206: true,
	300: true, 301: true, 302: true, 303: true, 304: true, 305: true, 307: true, 308: true,
	400: true, 401: true, 402: true, 403: true, 404: true, 405: true, 406: true, 407: true,
	408: true, 409: true, 410: true, 411: true, 412: true, 413: true, 414: true, 415: true,
	416: true, 417: true, 426: true,
	500: true, 501: true, 502: true, 503: true, 504: true, 505: true,
}

// ResponsePolicy decides whether a backend response may be stored.
type ResponsePolicy struct {
	MaxObjectSizeBytes int64
	SharedCache        bool
}

// IsResponseCacheable implements spec §4.3.
func (p ResponsePolicy) IsResponseCacheable(req *http.Request, resp *http.Response) bool {
	if rfc2616.UnsafeRequest(req) {
		return false
	}
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return false
	}
	if !knownStatusCodes[resp.StatusCode] {
		return false
	}
	if req.Header.Get("Range") != "" || resp.Header.Get("Content-Range") != "" {
		return false
	}

	respCC := rfc2616.ParseCacheControl(resp.Header)
	if respCC.NoStore() {
		return false
	}
	if p.SharedCache && respCC.Private() {
		return false
	}

	if length := resp.Header.Get("Content-Length"); length != "" {
		if n, err := strconv.ParseInt(length, 10, 64); err == nil && p.MaxObjectSizeBytes > 0 && n > p.MaxObjectSizeBytes {
			return false
		}
	}

	if hasExplicitFreshness(respCC, resp.Header) {
		return true
	}
	if resp.Header.Get("ETag") != "" || resp.Header.Get("Last-Modified") != "" {
		return true
	}
	return heuristicallyCacheableStatus[resp.StatusCode]
}

func hasExplicitFreshness(cc rfc2616.CacheControl, header http.Header) bool {
	if _, ok := cc.MaxAge(); ok {
		return true
	}
	if _, ok := cc.SMaxAge(); ok {
		return true
	}
	return header.Get("Expires") != ""
}
