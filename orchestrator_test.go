package relaycache

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relaycache/relaycache/store"
)

func testOrigin() url.URL {
	u, _ := url.Parse("https://origin.example.test")
	return *u
}

// fakeBackend serves canned responses in order and counts dispatches.
type fakeBackend struct {
	calls     int32
	responses []func() *http.Response
}

func (b *fakeBackend) Execute(ctx context.Context, target *url.URL, req *http.Request) (*http.Response, error) {
	n := int(atomic.AddInt32(&b.calls, 1)) - 1
	if n >= len(b.responses) {
		panic("fakeBackend: more calls than configured responses")
	}
	resp := b.responses[n]()
	resp.Request = req
	return resp, nil
}

func (b *fakeBackend) callCount() int { return int(atomic.LoadInt32(&b.calls)) }

func plainResponse(status int, headers map[string]string, body string) func() *http.Response {
	return func() *http.Response {
		h := http.Header{}
		for k, v := range headers {
			h.Set(k, v)
		}
		return &http.Response{
			Status:     http.StatusText(status),
			StatusCode: status,
			Proto:      "HTTP/1.1",
			ProtoMajor: 1,
			ProtoMinor: 1,
			Header:     h,
			Body:       io.NopCloser(strings.NewReader(body)),
		}
	}
}

func newTestCache(backend Backend) (*Cache, *time.Time) {
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(Config{
		Store:     store.NewMemStore("https://origin.example.test"),
		Backend:   backend,
		OriginURL: testOrigin(),
	})
	c.clock = func() time.Time { return clock }
	return c, &clock
}

func doGet(t *testing.T, c *Cache, target string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	ctx := WithStatusRecorder(context.Background())
	resp, err := c.Execute(ctx, req.URL, req.WithContext(ctx))
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	status, _ := StatusFromContext(ctx)
	t.Logf("status=%s", status)
	return resp
}

func doGetStatus(t *testing.T, c *Cache, target string) (*http.Response, Status) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	ctx := WithStatusRecorder(context.Background())
	resp, err := c.Execute(ctx, req.URL, req.WithContext(ctx))
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	status, _ := StatusFromContext(ctx)
	return resp, status
}

// TestColdMissThenHit covers spec §8's first end-to-end scenario: a fresh
// response is fetched once and served from cache on the second identical
// request without a further backend dispatch.
func TestColdMissThenHit(t *testing.T) {
	backend := &fakeBackend{responses: []func() *http.Response{
		plainResponse(http.StatusOK, map[string]string{
			"Cache-Control": "max-age=60",
			"Date":          time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Format(http.TimeFormat),
		}, "hello"),
	}}
	c, _ := newTestCache(backend)

	resp1, status1 := doGetStatus(t, c, "https://origin.example.test/widgets")
	if status1 != StatusMiss {
		t.Fatalf("expected first request to be a MISS, got %s", status1)
	}
	body1, _ := io.ReadAll(resp1.Body)
	if string(body1) != "hello" {
		t.Fatalf("expected body %q, got %q", "hello", body1)
	}

	resp2, status2 := doGetStatus(t, c, "https://origin.example.test/widgets")
	if status2 != StatusHit {
		t.Fatalf("expected second request to be a HIT, got %s", status2)
	}
	body2, _ := io.ReadAll(resp2.Body)
	if string(body2) != "hello" {
		t.Fatalf("expected cached body %q, got %q", "hello", body2)
	}
	if backend.callCount() != 1 {
		t.Fatalf("expected exactly one backend dispatch, got %d", backend.callCount())
	}
}

// TestRevalidationOn304 covers spec §8's revalidation scenario: once an
// entry goes stale, a conditional request is issued and a 304 refreshes it
// in place without a full body re-fetch.
func TestRevalidationOn304(t *testing.T) {
	backend := &fakeBackend{responses: []func() *http.Response{
		plainResponse(http.StatusOK, map[string]string{
			"Cache-Control": "max-age=1",
			"ETag":          `"v1"`,
			"Date":          time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Format(http.TimeFormat),
		}, "hello"),
		plainResponse(http.StatusNotModified, map[string]string{
			"Cache-Control": "max-age=60",
			"Date":          time.Date(2024, 1, 1, 0, 0, 2, 0, time.UTC).Format(http.TimeFormat),
		}, ""),
	}}
	c, clock := newTestCache(backend)

	doGet(t, c, "https://origin.example.test/widgets")

	*clock = clock.Add(2 * time.Second)
	resp, status := doGetStatus(t, c, "https://origin.example.test/widgets")
	if status != StatusValidated {
		t.Fatalf("expected a VALIDATED status after a 304, got %s", status)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello" {
		t.Fatalf("expected the original body to survive a 304, got %q", body)
	}
	if resp.Header.Get("Cache-Control") != "max-age=60" {
		t.Fatalf("expected the 304's Cache-Control to refresh the entry, got %q", resp.Header.Get("Cache-Control"))
	}
	if backend.callCount() != 2 {
		t.Fatalf("expected exactly two backend dispatches, got %d", backend.callCount())
	}
}

// TestClockSkewRetryForcesUnconditionalDispatch covers spec §8's clock-skew
// scenario: a conditional revalidation gets back a 304 whose Date precedes
// the stored entry's own Date — a backend clock running behind, or one that
// mismatched a different cached copy — so the 304 cannot be trusted and the
// cache must retry once unconditionally rather than accept it.
func TestClockSkewRetryForcesUnconditionalDispatch(t *testing.T) {
	backend := &fakeBackend{responses: []func() *http.Response{
		plainResponse(http.StatusOK, map[string]string{
			"Cache-Control": "max-age=1",
			"ETag":          `"v1"`,
			"Date":          time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Format(http.TimeFormat),
		}, "hello"),
		plainResponse(http.StatusNotModified, map[string]string{
			"Date": time.Date(2023, 12, 31, 23, 59, 0, 0, time.UTC).Format(http.TimeFormat),
		}, ""),
		plainResponse(http.StatusOK, map[string]string{
			"Cache-Control": "max-age=60",
			"ETag":          `"v2"`,
			"Date":          time.Date(2024, 1, 1, 0, 0, 2, 0, time.UTC).Format(http.TimeFormat),
		}, "fresh"),
	}}
	c, clock := newTestCache(backend)

	doGet(t, c, "https://origin.example.test/widgets")

	*clock = clock.Add(2 * time.Second)
	resp := doGet(t, c, "https://origin.example.test/widgets")

	if backend.callCount() != 3 {
		t.Fatalf("expected the stale 304 to force a second, unconditional dispatch (3 total calls), got %d", backend.callCount())
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "fresh" {
		t.Fatalf("expected the unconditional retry's body, got %q", body)
	}
	if resp.Header.Get("ETag") != `"v2"` {
		t.Fatalf("expected the unconditional retry's ETag, got %q", resp.Header.Get("ETag"))
	}
}

// TestOnlyIfCachedMiss covers spec §8's only-if-cached scenario: a cache
// miss under Cache-Control: only-if-cached must never reach the backend.
func TestOnlyIfCachedMiss(t *testing.T) {
	backend := &fakeBackend{}
	c, _ := newTestCache(backend)

	req, err := http.NewRequest(http.MethodGet, "https://origin.example.test/widgets", nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Cache-Control", "only-if-cached")

	ctx := WithStatusRecorder(context.Background())
	resp, err := c.Execute(ctx, req.URL, req.WithContext(ctx))
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("expected a 504 for only-if-cached miss, got %d", resp.StatusCode)
	}
	if backend.callCount() != 0 {
		t.Fatalf("expected only-if-cached to never dispatch to the backend, got %d calls", backend.callCount())
	}
}

// TestStaleIfErrorSalvage covers spec §8's stale-if-error scenario: a
// revalidation attempt that fails with a 503 is masked by serving the
// existing stale entry, within the stale-if-error budget.
func TestStaleIfErrorSalvage(t *testing.T) {
	backend := &fakeBackend{responses: []func() *http.Response{
		plainResponse(http.StatusOK, map[string]string{
			"Cache-Control": "max-age=1, stale-if-error=300",
			"ETag":          `"v1"`,
			"Date":          time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Format(http.TimeFormat),
		}, "hello"),
		plainResponse(http.StatusServiceUnavailable, map[string]string{
			"Date": time.Date(2024, 1, 1, 0, 0, 2, 0, time.UTC).Format(http.TimeFormat),
		}, ""),
	}}
	c, clock := newTestCache(backend)

	doGet(t, c, "https://origin.example.test/widgets")

	*clock = clock.Add(2 * time.Second)
	resp, status := doGetStatus(t, c, "https://origin.example.test/widgets")
	if status != StatusHit {
		t.Fatalf("expected stale-if-error to salvage a HIT, got %s", status)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello" {
		t.Fatalf("expected the stale body to be served, got %q", body)
	}
	warning := resp.Header.Get("Warning")
	if !strings.Contains(warning, "110") {
		t.Fatalf("expected a 110 stale warning, got %q", warning)
	}
}

// TestVariantNegotiation covers spec §8's Vary negotiation scenario: a
// request for a resource with two stored representations is reconciled
// against the backend with a single multi-ETag conditional request.
func TestVariantNegotiation(t *testing.T) {
	backend := &fakeBackend{responses: []func() *http.Response{
		plainResponse(http.StatusOK, map[string]string{
			"Cache-Control": "max-age=60",
			"Vary":          "Accept-Language",
			"ETag":          `"en"`,
			"Date":          time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Format(http.TimeFormat),
		}, "hello"),
		plainResponse(http.StatusOK, map[string]string{
			"Cache-Control": "max-age=60",
			"Vary":          "Accept-Language",
			"ETag":          `"fr"`,
			"Date":          time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Format(http.TimeFormat),
		}, "bonjour"),
		func() *http.Response {
			// A third language falls back to the English representation
			// server-side: the backend answers the multi-ETag conditional
			// request with a 304 matching the already-known "en" variant.
			return &http.Response{
				Status:     "304 Not Modified",
				StatusCode: http.StatusNotModified,
				Proto:      "HTTP/1.1",
				ProtoMajor: 1,
				ProtoMinor: 1,
				Header: http.Header{
					"Etag": []string{`"en"`},
					"Date": []string{time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Format(http.TimeFormat)},
				},
				Body: http.NoBody,
			}
		},
	}}
	c, _ := newTestCache(backend)

	reqEn, _ := http.NewRequest(http.MethodGet, "https://origin.example.test/greeting", nil)
	reqEn.Header.Set("Accept-Language", "en")
	ctx := WithStatusRecorder(context.Background())
	c.Execute(ctx, reqEn.URL, reqEn.WithContext(ctx))

	reqFr, _ := http.NewRequest(http.MethodGet, "https://origin.example.test/greeting", nil)
	reqFr.Header.Set("Accept-Language", "fr")
	ctx2 := WithStatusRecorder(context.Background())
	c.Execute(ctx2, reqFr.URL, reqFr.WithContext(ctx2))

	// A third request for a language with no stored variant negotiates
	// against the two known ETags with a single conditional round trip.
	reqDe, _ := http.NewRequest(http.MethodGet, "https://origin.example.test/greeting", nil)
	reqDe.Header.Set("Accept-Language", "de")
	ctx3 := WithStatusRecorder(context.Background())
	resp, err := c.Execute(ctx3, reqDe.URL, reqDe.WithContext(ctx3))
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello" {
		t.Fatalf("expected the negotiated 304 to resolve to the English body, got %q", body)
	}
	if backend.callCount() != 3 {
		t.Fatalf("expected exactly three backend dispatches, got %d", backend.callCount())
	}
}
