package rfc2616

import (
	"net/http"
	"testing"
	"time"
)

func TestCurrentAge(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	header := http.Header{}
	header.Set("Date", base.Format(http.TimeFormat))

	p := ValidityPolicy{}
	now := base.Add(10 * time.Second)
	age := p.CurrentAge(header, base, base, now)
	if age != 10*time.Second {
		t.Fatalf("expected age of 10s, got %v", age)
	}
}

func TestFreshnessCoherence(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	header := http.Header{}
	header.Set("Date", base.Format(http.TimeFormat))
	header.Set("Cache-Control", "max-age=60")

	p := ValidityPolicy{}

	for _, tc := range []struct {
		now   time.Time
		fresh bool
	}{
		{base.Add(30 * time.Second), true},
		{base.Add(60 * time.Second), false},
		{base.Add(90 * time.Second), false},
	} {
		lifetime, _ := p.FreshnessLifetime(header)
		age := p.CurrentAge(header, base, base, tc.now)
		want := lifetime > age
		if want != tc.fresh {
			t.Fatalf("freshness coherence violated at now=%v: lifetime=%v age=%v", tc.now, lifetime, age)
		}
		if got := p.IsFresh(header, base, base, tc.now); got != tc.fresh {
			t.Fatalf("IsFresh(%v) = %v, want %v", tc.now, got, tc.fresh)
		}
	}
}

func TestFreshnessLifetimeSharedPrefersSMaxAge(t *testing.T) {
	header := http.Header{}
	header.Set("Cache-Control", "max-age=60, s-maxage=120")

	shared := ValidityPolicy{Shared: true}
	if lifetime, ok := shared.FreshnessLifetime(header); !ok || lifetime != 120*time.Second {
		t.Fatalf("shared cache should prefer s-maxage, got %v %v", lifetime, ok)
	}

	private := ValidityPolicy{Shared: false}
	if lifetime, ok := private.FreshnessLifetime(header); !ok || lifetime != 60*time.Second {
		t.Fatalf("private cache should ignore s-maxage, got %v %v", lifetime, ok)
	}
}

func TestFreshnessLifetimeFallsBackToExpires(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	header := http.Header{}
	header.Set("Date", base.Format(http.TimeFormat))
	header.Set("Expires", base.Add(30*time.Second).Format(http.TimeFormat))

	p := ValidityPolicy{}
	lifetime, ok := p.FreshnessLifetime(header)
	if !ok || lifetime != 30*time.Second {
		t.Fatalf("expected 30s freshness lifetime from Expires, got %v %v", lifetime, ok)
	}
}

func TestMayReturnStaleIfError(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	header := http.Header{}
	header.Set("Date", base.Format(http.TimeFormat))
	header.Set("Cache-Control", "max-age=0, stale-if-error=60")

	p := ValidityPolicy{}
	req := http.Header{}

	if !p.MayReturnStaleIfError(req, header, base, base, base.Add(30*time.Second)) {
		t.Fatalf("expected stale-if-error to permit a 30s-stale response within the 60s budget")
	}
	if p.MayReturnStaleIfError(req, header, base, base, base.Add(90*time.Second)) {
		t.Fatalf("expected stale-if-error to reject a 90s-stale response past the 60s budget")
	}
}
