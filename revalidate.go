package relaycache

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/relaycache/relaycache/internal/rfc2616"
	"github.com/relaycache/relaycache/revalidate"
	"github.com/relaycache/relaycache/store"
)

// revalidate implements spec §4.8.b: either serve the stale entry
// immediately and refresh it in the background, or perform a synchronous
// conditional round trip.
func (c *Cache) revalidate(ctx context.Context, target *url.URL, req *http.Request, entry *store.Entry) (*http.Response, error) {
	now := c.now()
	reqCC := rfc2616.ParseCacheControl(req.Header)
	staleForbidden := c.staleResponseNotAllowed(reqCC, entry, now)

	if c.pool.Enabled() && !staleForbidden && c.validity.MayReturnStaleWhileRevalidating(entry.Header, entry.RequestDate, entry.ResponseDate, now) {
		resp, err := c.generator.Generate(ctx, req, entry, now)
		if err != nil {
			return nil, err
		}
		addWarning(resp.Header, 110, "Response is stale")
		c.tag(ctx, StatusHit)
		addVia(resp.Header, req.Proto, req.ProtoMajor, req.ProtoMinor)

		bgReq := req.Clone(context.Background())
		c.pool.Submit(context.Background(), revalidate.Task{
			Key: entry.Key,
			Run: func(bgCtx context.Context) {
				c.backgroundRevalidate(bgCtx, target, bgReq, entry)
			},
		})
		return resp, nil
	}

	return c.syncRevalidate(ctx, target, req, entry, staleForbidden)
}

func (c *Cache) syncRevalidate(ctx context.Context, target *url.URL, req *http.Request, entry *store.Entry, staleForbidden bool) (*http.Response, error) {
	condReq := c.conditional.BuildConditionalRequest(req, entry)
	requestDate := c.now()
	resp, err := c.backend.Execute(ctx, target, condReq)
	responseDate := c.now()

	if err != nil {
		if !staleForbidden {
			stale, genErr := c.generator.Generate(ctx, req, entry, c.now())
			if genErr != nil {
				return nil, genErr
			}
			addWarning(stale.Header, 111, "Revalidation failed")
			c.tag(ctx, StatusHit)
			addVia(stale.Header, req.Proto, req.ProtoMajor, req.ProtoMinor)
			return stale, nil
		}
		return syntheticResponse(req, http.StatusGatewayTimeout, "revalidation failed"), nil
	}

	if responseIsTooOld(resp, entry) {
		return c.dispatchUnconditionalAndHandle(ctx, target, req)
	}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		updated, err := c.store.UpdateCacheEntry(ctx, target, req, entry, resp, requestDate, responseDate)
		if err != nil {
			c.log.Warn().Err(&StorageError{Op: "update_cache_entry", Err: err}).Msg("failed to update revalidated entry")
			return resp, nil
		}
		c.tag(ctx, StatusValidated)
		now := c.now()
		respOut, err := c.respondFromEntry(ctx, req, updated, now)
		if err != nil {
			return nil, err
		}
		addVia(respOut.Header, req.Proto, req.ProtoMajor, req.ProtoMinor)
		return respOut, nil

	case resp.StatusCode == http.StatusOK:
		c.tag(ctx, StatusValidated)
		return c.handleBackendResponse(ctx, target, req, resp, requestDate, responseDate)

	case staleIfErrorEligible[resp.StatusCode] && !staleForbidden && c.validity.MayReturnStaleIfError(req.Header, entry.Header, entry.RequestDate, entry.ResponseDate, c.now()):
		stale, err := c.generator.Generate(ctx, req, entry, c.now())
		if err != nil {
			return nil, err
		}
		addWarning(stale.Header, 110, "Response is stale")
		c.tag(ctx, StatusHit)
		addVia(stale.Header, req.Proto, req.ProtoMajor, req.ProtoMinor)
		return stale, nil

	default:
		return c.handleBackendResponse(ctx, target, req, resp, requestDate, responseDate)
	}
}

// staleResponseNotAllowed reports whether entry's own directives or req's
// Cache-Control forbid ever masking its staleness, whether by serving it
// stale-while-revalidate, salvaging it on a revalidation failure, or
// salvaging it stale-if-error. must-revalidate always applies;
// proxy-revalidate applies only in a shared cache (ValidityPolicy.Shared).
func (c *Cache) staleResponseNotAllowed(reqCC rfc2616.CacheControl, entry *store.Entry, now time.Time) bool {
	if reqCC.NoCache() || reqCC.NoStore() {
		return true
	}
	if c.validity.MustRevalidate(entry.Header) || c.validity.ProxyRevalidate(entry.Header) {
		return true
	}
	return c.explicitFreshnessRequest(reqCC, entry, now)
}

// explicitFreshnessRequest reports whether req demands a response that
// meets an explicit freshness bound the stale entry cannot: any min-fresh
// or max-age directive rules out ever answering with a stale entry, and a
// max-stale directive rules it out once the entry's staleness exceeds the
// budget. A malformed max-stale value is treated the same as none, since a
// bare "max-stale" is itself a valid, unbounded budget.
func (c *Cache) explicitFreshnessRequest(reqCC rfc2616.CacheControl, entry *store.Entry, now time.Time) bool {
	if _, ok := reqCC.MinFresh(); ok {
		return true
	}
	if _, ok := reqCC.MaxAge(); ok {
		return true
	}
	budget, ok := reqCC.MaxStale()
	if !ok || budget < 0 {
		// Absent, bare, or malformed: no numeric ceiling on staleness.
		return false
	}
	lifetime, _ := c.validity.FreshnessLifetime(entry.Header)
	age := c.validity.CurrentAge(entry.Header, entry.RequestDate, entry.ResponseDate, now)
	return age-lifetime > budget
}

// backgroundRevalidate is the task body submitted to the AsyncRevalidator.
// It runs the same synchronous revalidation logic against a detached
// context so cancellation of the original request does not abort it, and
// discards the result — the point is the side effect on the store.
func (c *Cache) backgroundRevalidate(ctx context.Context, target *url.URL, req *http.Request, entry *store.Entry) {
	resp, err := c.syncRevalidate(ctx, target, req, entry, false)
	if err != nil {
		c.log.Warn().Err(err).Str("key", entry.Key).Msg("background revalidation failed")
		return
	}
	if resp.Body != nil {
		defer resp.Body.Close()
	}
}
