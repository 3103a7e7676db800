// Package rfc2616 implements the pure freshness, age and cache-control
// arithmetic of RFC 2616 §13 / §14, plus the RFC 5861 stale-while-revalidate
// and stale-if-error extensions. Nothing in this package touches the network
// or a store; every function is a value in, value out computation over
// headers and timestamps.
package rfc2616

import (
	"net/http"
	"strings"
)

// FieldAbsent reports whether the named header is not present at all (as
// opposed to present with an empty value).
func FieldAbsent(h http.Header, name string) bool {
	_, ok := h[http.CanonicalHeaderKey(name)]
	return !ok
}

// GetListHeader splits a comma-separated header value into its trimmed
// elements, honoring repeated header lines.
func GetListHeader(h http.Header, name string) []string {
	values := h.Values(name)
	list := make([]string, 0, len(values))
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				list = append(list, part)
			}
		}
	}
	return list
}

// UnsafeRequest reports whether the request method is one of the methods
// RFC 2616 §9.1.2 calls unsafe (methods that are expected to have side
// effects on the origin and therefore trigger invalidation).
func UnsafeRequest(r *http.Request) bool {
	switch r.Method {
	case http.MethodPut, http.MethodPost, http.MethodDelete, http.MethodPatch:
		return true
	default:
		return false
	}
}

// HeadersMatch compares two header sets over the given field names,
// case-insensitively on name, literally on value. A field absent on one side
// matches an empty value on the other. A "*" field name never matches.
func HeadersMatch(a, b http.Header, fields []string) bool {
	for _, name := range fields {
		if strings.EqualFold(strings.TrimSpace(name), "*") {
			return false
		}
		if a.Get(name) != b.Get(name) {
			return false
		}
	}
	return true
}
