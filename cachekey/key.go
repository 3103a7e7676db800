// Package cachekey builds the string keys the store packages index entries
// by: an origin-and-method-scoped prefix (spec §4.2's cache key prefix) plus
// a Vary-derived suffix that distinguishes a response's negotiated variants.
package cachekey

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/relaycache/relaycache/internal/rfc2616"
)

const (
	originSeparator = ":"
	methodSeparator = ":"
	varySeparator   = "\t"
)

// CacheKeyer derives store keys for one origin. The zero value is not
// usable; construct with NewCacheKeyer.
type CacheKeyer struct {
	OriginID     string
	OriginPrefix string
}

func NewCacheKeyer(originID string) CacheKeyer {
	return CacheKeyer{
		OriginID:     originID,
		OriginPrefix: originID + originSeparator,
	}
}

// GetKeyPrefix returns the key prefix for r: everything a candidate
// store.Entry must share with r before its Vary-derived suffix is even
// considered. A request-supplied "Cache-Key" header is folded into the
// prefix so a caller can partition storage explicitly, e.g. per tenant.
func (c CacheKeyer) GetKeyPrefix(r *http.Request) string {
	key := c.OriginID + originSeparator + r.Method + methodSeparator + r.URL.RequestURI() + varySeparator
	if ck := r.Header.Get("Cache-Key"); ck != "" {
		key += ck
	}
	return key
}

// AddVaryKeys extends prefix with req's value for every field varyHeader's
// Vary directive lists, producing the full key a store.Entry or
// store.Variant is indexed by. varyHeader is the candidate entry's own
// response header set (store.Entry.Header), never the live request's.
func (c CacheKeyer) AddVaryKeys(prefix string, req *http.Request, varyHeader http.Header) string {
	key := prefix
	for _, name := range rfc2616.GetListHeader(varyHeader, "Vary") {
		if !rfc2616.FieldAbsent(req.Header, name) {
			key += "\n" + strings.ToLower(name) + ": " + req.Header.Get(name)
		}
	}
	return key
}

// GetVaryHeaders reconstructs the http.Header a stored key's suffix encodes,
// so a live request's headers can be compared against it field by field
// (see rfc2616.HeadersMatch, used by the suitability checker's vary match).
func (c CacheKeyer) GetVaryHeaders(key string) http.Header {
	header := make(http.Header)
	lines := strings.Split(key, "\n")
	for i := 1; i < len(lines); i++ {
		name, value, ok := strings.Cut(lines[i], ": ")
		if !ok {
			continue
		}
		header.Add(name, value)
	}
	return header
}

// MethodPrefix splits a key's first line (as built by GetKeyPrefix, before
// any Vary-derived suffix) into the method and request-URI that produced
// it, discarding any request-supplied Cache-Key suffix. It reports false if
// line carries no method separator.
func MethodPrefix(line string) (method, requestURI string, ok bool) {
	method, remainder, found := strings.Cut(line, methodSeparator)
	if !found {
		return "", "", false
	}
	requestURI, _, _ = strings.Cut(remainder, varySeparator)
	return method, requestURI, true
}

// GetRequestFromKey rebuilds an *http.Request equivalent to the one that
// produced key: same method, same request URI, and the Vary-selecting
// header values the key's suffix encodes. It exists for callers, like a
// scheduled eager-refresh sweep, that only have a stored key and need to
// replay the request behind it.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	rest := strings.TrimPrefix(key, c.OriginPrefix)
	if rest == key {
		return nil, fmt.Errorf("cachekey: key %q does not belong to origin %q", key, c.OriginID)
	}
	firstLine, _, _ := strings.Cut(rest, "\n")
	method, requestURI, ok := MethodPrefix(firstLine)
	if !ok {
		return nil, fmt.Errorf("cachekey: key %q has no method prefix", key)
	}
	req, err := http.NewRequest(method, c.OriginID+requestURI, nil)
	if err != nil {
		return nil, fmt.Errorf("cachekey: rebuilding request from key %q: %w", key, err)
	}
	for name, values := range c.GetVaryHeaders(key) {
		req.Header[name] = values
	}
	return req, nil
}
