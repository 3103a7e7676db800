package relaycache

import (
	"net/http"
	"testing"
	"time"

	"github.com/relaycache/relaycache/internal/rfc2616"
	"github.com/relaycache/relaycache/store"
)

func staleEntry(now time.Time, cacheControl string) *store.Entry {
	return &store.Entry{
		RequestDate:  now.Add(-2 * time.Hour),
		ResponseDate: now.Add(-2 * time.Hour),
		Header: http.Header{
			"Date":          []string{now.Add(-2 * time.Hour).UTC().Format(http.TimeFormat)},
			"Cache-Control": []string{cacheControl},
		},
	}
}

func newRevalidateTestCache() *Cache {
	return &Cache{validity: rfc2616.ValidityPolicy{Shared: true}}
}

func TestStaleResponseNotAllowedForMustRevalidate(t *testing.T) {
	now := time.Now()
	c := newRevalidateTestCache()
	entry := staleEntry(now, "max-age=60, must-revalidate")
	req, _ := http.NewRequest(http.MethodGet, "https://example.test/", nil)

	if !c.staleResponseNotAllowed(rfc2616.ParseCacheControl(req.Header), entry, now) {
		t.Fatalf("expected must-revalidate on the entry to forbid ever masking its staleness")
	}
}

func TestStaleResponseNotAllowedForProxyRevalidateOnlyWhenShared(t *testing.T) {
	now := time.Now()
	entry := staleEntry(now, "max-age=60, proxy-revalidate")
	req, _ := http.NewRequest(http.MethodGet, "https://example.test/", nil)
	reqCC := rfc2616.ParseCacheControl(req.Header)

	shared := &Cache{validity: rfc2616.ValidityPolicy{Shared: true}}
	if !shared.staleResponseNotAllowed(reqCC, entry, now) {
		t.Fatalf("expected proxy-revalidate to forbid stale serving in a shared cache")
	}

	private := &Cache{validity: rfc2616.ValidityPolicy{Shared: false}}
	if private.staleResponseNotAllowed(reqCC, entry, now) {
		t.Fatalf("expected proxy-revalidate not to apply to a non-shared cache")
	}
}

func TestExplicitFreshnessRequestForMinFreshAndMaxAge(t *testing.T) {
	now := time.Now()
	c := newRevalidateTestCache()
	entry := staleEntry(now, "max-age=60")

	minFreshReq, _ := http.NewRequest(http.MethodGet, "https://example.test/", nil)
	minFreshReq.Header.Set("Cache-Control", "min-fresh=30")
	if !c.staleResponseNotAllowed(rfc2616.ParseCacheControl(minFreshReq.Header), entry, now) {
		t.Fatalf("expected a request min-fresh directive to forbid stale serving")
	}

	maxAgeReq, _ := http.NewRequest(http.MethodGet, "https://example.test/", nil)
	maxAgeReq.Header.Set("Cache-Control", "max-age=30")
	if !c.staleResponseNotAllowed(rfc2616.ParseCacheControl(maxAgeReq.Header), entry, now) {
		t.Fatalf("expected a request max-age directive to forbid stale serving")
	}
}

func TestExplicitFreshnessRequestMaxStaleBudget(t *testing.T) {
	now := time.Now()
	c := newRevalidateTestCache()
	// Entry is 2h stale (fresh for 60s, response-date 2h ago) -> staleness ~2h.
	entry := staleEntry(now, "max-age=60")

	withinBudget, _ := http.NewRequest(http.MethodGet, "https://example.test/", nil)
	withinBudget.Header.Set("Cache-Control", "max-stale=99999")
	if c.staleResponseNotAllowed(rfc2616.ParseCacheControl(withinBudget.Header), entry, now) {
		t.Fatalf("expected a generous max-stale budget to permit stale serving")
	}

	overBudget, _ := http.NewRequest(http.MethodGet, "https://example.test/", nil)
	overBudget.Header.Set("Cache-Control", "max-stale=10")
	if !c.staleResponseNotAllowed(rfc2616.ParseCacheControl(overBudget.Header), entry, now) {
		t.Fatalf("expected an exceeded max-stale budget to forbid stale serving")
	}
}

func TestExplicitFreshnessRequestBareMaxStaleIsUnbounded(t *testing.T) {
	now := time.Now()
	c := newRevalidateTestCache()
	entry := staleEntry(now, "max-age=60")

	req, _ := http.NewRequest(http.MethodGet, "https://example.test/", nil)
	req.Header.Set("Cache-Control", "max-stale")
	if c.staleResponseNotAllowed(rfc2616.ParseCacheControl(req.Header), entry, now) {
		t.Fatalf("expected a bare max-stale directive to accept any staleness")
	}
}

func TestStaleResponseNotAllowedForRequestNoCache(t *testing.T) {
	now := time.Now()
	c := newRevalidateTestCache()
	entry := staleEntry(now, "max-age=60")

	req, _ := http.NewRequest(http.MethodGet, "https://example.test/", nil)
	req.Header.Set("Cache-Control", "no-cache")
	if !c.staleResponseNotAllowed(rfc2616.ParseCacheControl(req.Header), entry, now) {
		t.Fatalf("expected request no-cache to forbid stale serving")
	}
}
