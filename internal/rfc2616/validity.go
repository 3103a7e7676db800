package rfc2616

import (
	"net/http"
	"strconv"
	"time"
)

// ValidityPolicy is the pure age/freshness arithmetic of RFC 2616 §13.2 and
// §13.2.3, plus the RFC 5861 staleness-tolerance extensions. It never reads
// the clock itself and never touches a store; every "now" is supplied by the
// caller so tests can hold time fixed.
type ValidityPolicy struct {
	// Shared marks this policy as governing a cache shared by multiple
	// users, which activates s-maxage and private handling.
	Shared bool
	// HeuristicEnabled turns on RFC 2616 §13.2.4 heuristic freshness for
	// responses that carry no explicit freshness information.
	HeuristicEnabled bool
	// HeuristicCoefficient is the fraction of a response's age (since its
	// Last-Modified) used as a heuristic freshness lifetime. Default 0.1.
	HeuristicCoefficient float64
	// HeuristicDefaultLifetime is used when a response is heuristically
	// cacheable but carries no Last-Modified to base a coefficient on.
	HeuristicDefaultLifetime time.Duration
}

// EntryDate returns the entry's Date header, or responseDate if the header
// is absent or unparseable, per RFC 2616 §13.2.3's provision that caches add
// a Date header at storage time.
func EntryDate(header http.Header, responseDate time.Time) time.Time {
	if v := header.Get("Date"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			return t
		}
	}
	return responseDate
}

func ageHeaderValue(header http.Header) time.Duration {
	v := header.Get("Age")
	if v == "" {
		return 0
	}
	d, ok := parseDeltaSeconds(v)
	if !ok {
		return 0
	}
	return d
}

// ApparentAge is max(0, response_date - entry.Date).
func (ValidityPolicy) ApparentAge(header http.Header, responseDate time.Time) time.Duration {
	d := responseDate.Sub(EntryDate(header, responseDate))
	if d < 0 {
		return 0
	}
	return d
}

// CorrectedReceivedAge is max(apparent_age, Age header value).
func (p ValidityPolicy) CorrectedReceivedAge(header http.Header, responseDate time.Time) time.Duration {
	apparent := p.ApparentAge(header, responseDate)
	age := ageHeaderValue(header)
	if age > apparent {
		return age
	}
	return apparent
}

// ResponseDelay is response_date - request_date.
func (ValidityPolicy) ResponseDelay(requestDate, responseDate time.Time) time.Duration {
	d := responseDate.Sub(requestDate)
	if d < 0 {
		return 0
	}
	return d
}

// CorrectedInitialAge is corrected_received_age + response_delay.
func (p ValidityPolicy) CorrectedInitialAge(header http.Header, requestDate, responseDate time.Time) time.Duration {
	return p.CorrectedReceivedAge(header, responseDate) + p.ResponseDelay(requestDate, responseDate)
}

// ResidentTime is now - response_date.
func (ValidityPolicy) ResidentTime(responseDate, now time.Time) time.Duration {
	d := now.Sub(responseDate)
	if d < 0 {
		return 0
	}
	return d
}

// CurrentAge is corrected_initial_age + resident_time: the cache's best
// estimate of the response's age right now.
func (p ValidityPolicy) CurrentAge(header http.Header, requestDate, responseDate, now time.Time) time.Duration {
	return p.CorrectedInitialAge(header, requestDate, responseDate) + p.ResidentTime(responseDate, now)
}

// FreshnessLifetime returns the entry's freshness lifetime and whether it
// was derived from explicit information (s-maxage/max-age/Expires) as
// opposed to the heuristic fallback.
func (p ValidityPolicy) FreshnessLifetime(header http.Header) (time.Duration, bool) {
	cc := ParseCacheControl(header)
	if p.Shared {
		if s, ok := cc.SMaxAge(); ok {
			return s, true
		}
	}
	if m, ok := cc.MaxAge(); ok {
		return m, true
	}
	if exp := header.Get("Expires"); exp != "" {
		if expTime, err := http.ParseTime(exp); err == nil {
			date := EntryDate(header, expTime)
			if lifetime := expTime.Sub(date); lifetime > 0 {
				return lifetime, true
			}
			return 0, true
		}
		// An unparseable Expires value (including the literal "0") means
		// already expired.
		return 0, true
	}
	if p.HeuristicEnabled {
		return p.heuristicLifetime(header), false
	}
	return 0, false
}

func (p ValidityPolicy) heuristicLifetime(header http.Header) time.Duration {
	lm := header.Get("Last-Modified")
	date := header.Get("Date")
	if lm == "" || date == "" {
		return p.HeuristicDefaultLifetime
	}
	lastModified, err1 := http.ParseTime(lm)
	dateVal, err2 := http.ParseTime(date)
	if err1 != nil || err2 != nil || !dateVal.After(lastModified) {
		return p.HeuristicDefaultLifetime
	}
	coefficient := p.HeuristicCoefficient
	if coefficient <= 0 {
		coefficient = 0.1
	}
	return time.Duration(float64(dateVal.Sub(lastModified)) * coefficient)
}

// IsFresh reports whether the entry is fresh at time now.
func (p ValidityPolicy) IsFresh(header http.Header, requestDate, responseDate, now time.Time) bool {
	lifetime, _ := p.FreshnessLifetime(header)
	return lifetime > p.CurrentAge(header, requestDate, responseDate, now)
}

// IsRevalidatable reports whether the entry carries a validator usable to
// build a conditional request.
func (ValidityPolicy) IsRevalidatable(header http.Header) bool {
	return header.Get("ETag") != "" || header.Get("Last-Modified") != ""
}

func (ValidityPolicy) MustRevalidate(header http.Header) bool {
	return ParseCacheControl(header).MustRevalidate()
}

func (p ValidityPolicy) ProxyRevalidate(header http.Header) bool {
	cc := ParseCacheControl(header)
	return p.Shared && cc.ProxyRevalidate()
}

// MayReturnStaleIfError reports whether stale-if-error, from either the
// response's or the request's Cache-Control, permits serving the stale
// entry given its current staleness.
func (p ValidityPolicy) MayReturnStaleIfError(requestHeader, entryHeader http.Header, requestDate, responseDate, now time.Time) bool {
	lifetime, _ := p.FreshnessLifetime(entryHeader)
	age := p.CurrentAge(entryHeader, requestDate, responseDate, now)
	staleness := age - lifetime
	if n, ok := ParseCacheControl(entryHeader).StaleIfError(); ok {
		if staleness <= n {
			return true
		}
	}
	if n, ok := ParseCacheControl(requestHeader).StaleIfError(); ok {
		if staleness <= n {
			return true
		}
	}
	return false
}

// MayReturnStaleWhileRevalidating reports whether stale-while-revalidate
// permits serving the stale entry while a background refresh runs.
func (p ValidityPolicy) MayReturnStaleWhileRevalidating(entryHeader http.Header, requestDate, responseDate, now time.Time) bool {
	n, ok := ParseCacheControl(entryHeader).StaleWhileRevalidate()
	if !ok {
		return false
	}
	lifetime, _ := p.FreshnessLifetime(entryHeader)
	age := p.CurrentAge(entryHeader, requestDate, responseDate, now)
	return age-lifetime <= n
}

func parseDeltaSeconds(s string) (time.Duration, bool) {
	seconds, err := strconv.ParseInt(s, 10, 64)
	if err != nil || seconds < 0 {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}
