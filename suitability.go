package relaycache

import (
	"net/http"
	"time"

	"github.com/relaycache/relaycache/cachekey"
	"github.com/relaycache/relaycache/internal/rfc2616"
	"github.com/relaycache/relaycache/store"
)

// SuitabilityChecker matches a stored entry against a live request: spec
// §4.4.
type SuitabilityChecker struct {
	Validity rfc2616.ValidityPolicy
}

// CanUse implements can_cached_response_be_used.
func (s SuitabilityChecker) CanUse(req *http.Request, entry *store.Entry, now time.Time) bool {
	if entry.RequestMethod != req.Method {
		return false
	}
	if !s.varyMatches(req, entry) {
		return false
	}

	reqCC := rfc2616.ParseCacheControl(req.Header)
	fresh := s.Validity.IsFresh(entry.Header, entry.RequestDate, entry.ResponseDate, now)
	if !fresh {
		maxStale, ok := reqCC.MaxStale()
		if !ok {
			return false
		}
		if maxStale >= 0 {
			lifetime, _ := s.Validity.FreshnessLifetime(entry.Header)
			age := s.Validity.CurrentAge(entry.Header, entry.RequestDate, entry.ResponseDate, now)
			if age-lifetime > maxStale {
				return false
			}
		}
	}

	if reqCC.NoCache() || reqCC.NoStore() {
		return false
	}
	if maxAge, ok := reqCC.MaxAge(); ok {
		age := s.Validity.CurrentAge(entry.Header, entry.RequestDate, entry.ResponseDate, now)
		if age > maxAge {
			return false
		}
	}
	if minFresh, ok := reqCC.MinFresh(); ok {
		lifetime, _ := s.Validity.FreshnessLifetime(entry.Header)
		age := s.Validity.CurrentAge(entry.Header, entry.RequestDate, entry.ResponseDate, now)
		if lifetime-age < minFresh {
			return false
		}
	}

	return true
}

// varyMatches reports whether the live request agrees with the request that
// produced entry on every field entry's Vary names. The store's own key
// lookup already narrows candidates by these fields, but a store may be
// permissive about key equality (case folding, ordering); this is the
// authoritative field-by-field check the response actually promised.
func (SuitabilityChecker) varyMatches(req *http.Request, entry *store.Entry) bool {
	vary := rfc2616.GetListHeader(entry.Header, "Vary")
	if len(vary) == 0 {
		return true
	}
	for _, name := range vary {
		if name == "*" {
			return false
		}
	}
	stored := cachekey.CacheKeyer{}.GetVaryHeaders(entry.Key)
	return rfc2616.HeadersMatch(req.Header, stored, vary)
}

// IsConditional reports whether the request carries any conditional header.
func (SuitabilityChecker) IsConditional(req *http.Request) bool {
	for _, h := range []string{"If-Modified-Since", "If-None-Match", "If-Match", "If-Unmodified-Since", "If-Range"} {
		if req.Header.Get(h) != "" {
			return true
		}
	}
	return false
}

// AllConditionalsMatch reports whether the request's conditional headers are
// satisfied by the entry, meaning a 304 is the correct reply rather than the
// full body.
func (SuitabilityChecker) AllConditionalsMatch(req *http.Request, entry *store.Entry, now time.Time) bool {
	etag := entry.Header.Get("ETag")
	lastModified := entry.Header.Get("Last-Modified")

	if inm := req.Header.Get("If-None-Match"); inm != "" {
		if inm == "*" {
			return etag != ""
		}
		if etag == "" || !etagListContains(inm, etag) {
			return false
		}
	} else if ims := req.Header.Get("If-Modified-Since"); ims != "" {
		since, err := http.ParseTime(ims)
		if err != nil {
			return false
		}
		modified, err := http.ParseTime(lastModified)
		if err != nil || modified.After(since) {
			return false
		}
	} else {
		return false
	}
	return true
}

func etagListContains(list, etag string) bool {
	for _, item := range rfc2616.GetListHeader(http.Header{"X": []string{list}}, "X") {
		if item == etag || strippedWeak(item) == strippedWeak(etag) {
			return true
		}
	}
	return false
}

func strippedWeak(etag string) string {
	if len(etag) > 2 && etag[0] == 'W' && etag[1] == '/' {
		return etag[2:]
	}
	return etag
}
