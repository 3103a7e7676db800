package rfc2616

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CacheControl is a parsed "Cache-Control" header. Directive names are
// compared case-insensitively; the zero value has no directives.
type CacheControl struct {
	directives map[string]string
}

// ParseCacheControl parses the Cache-Control header field values found on
// either a request or a response. Repeated header lines are treated as one
// comma-separated list, per RFC 2616 §4.2. Last occurrence of a directive
// wins.
func ParseCacheControl(h http.Header) CacheControl {
	m := make(map[string]string)
	for _, header := range h.Values("Cache-Control") {
		for _, directive := range strings.Split(header, ",") {
			directive = strings.TrimSpace(directive)
			if directive == "" {
				continue
			}
			name, arg, _ := strings.Cut(directive, "=")
			m[strings.ToLower(strings.TrimSpace(name))] = strings.Trim(strings.TrimSpace(arg), `"`)
		}
	}
	return CacheControl{directives: m}
}

// Has reports whether the named directive is present, with or without an
// argument.
func (c CacheControl) Has(name string) bool {
	_, ok := c.directives[name]
	return ok
}

// Get returns the directive's argument and whether the directive is present.
func (c CacheControl) Get(name string) (string, bool) {
	v, ok := c.directives[name]
	return v, ok
}

func (c CacheControl) deltaSeconds(name string) (time.Duration, bool) {
	v, ok := c.directives[name]
	if !ok {
		return 0, false
	}
	seconds, err := strconv.ParseInt(v, 10, 64)
	if err != nil || seconds < 0 {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}

// MaxAge returns the "max-age" response (or request) directive.
func (c CacheControl) MaxAge() (time.Duration, bool) { return c.deltaSeconds("max-age") }

// SMaxAge returns the "s-maxage" response directive.
func (c CacheControl) SMaxAge() (time.Duration, bool) { return c.deltaSeconds("s-maxage") }

// MaxStale returns the request's "max-stale" directive. A bare "max-stale"
// (no argument) is reported as present with a duration of -1, meaning "any
// staleness is acceptable".
func (c CacheControl) MaxStale() (time.Duration, bool) {
	v, ok := c.directives["max-stale"]
	if !ok {
		return 0, false
	}
	if v == "" {
		return -1, true
	}
	seconds, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return -1, true
	}
	return time.Duration(seconds) * time.Second, true
}

// MinFresh returns the request's "min-fresh" directive.
func (c CacheControl) MinFresh() (time.Duration, bool) { return c.deltaSeconds("min-fresh") }

// StaleWhileRevalidate returns the RFC 5861 directive of the same name.
func (c CacheControl) StaleWhileRevalidate() (time.Duration, bool) {
	return c.deltaSeconds("stale-while-revalidate")
}

// StaleIfError returns the RFC 5861 directive of the same name.
func (c CacheControl) StaleIfError() (time.Duration, bool) { return c.deltaSeconds("stale-if-error") }

func (c CacheControl) NoStore() bool          { return c.Has("no-store") }
func (c CacheControl) NoCache() bool          { return c.Has("no-cache") }
func (c CacheControl) Private() bool          { return c.Has("private") }
func (c CacheControl) MustRevalidate() bool   { return c.Has("must-revalidate") }
func (c CacheControl) ProxyRevalidate() bool  { return c.Has("proxy-revalidate") }
func (c CacheControl) OnlyIfCached() bool     { return c.Has("only-if-cached") }
func (c CacheControl) NoTransform() bool      { return c.Has("no-transform") }

// PragmaNoCache reports whether an HTTP/1.0-style "Pragma: no-cache" request
// header is present. RFC 2616 §14.32 requires caches to treat it like
// Cache-Control: no-cache on requests only.
func PragmaNoCache(h http.Header) bool {
	for _, v := range GetListHeader(h, "Pragma") {
		if strings.EqualFold(v, "no-cache") {
			return true
		}
	}
	return false
}
