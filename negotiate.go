package relaycache

import (
	"context"
	"net/http"
	"net/url"
	"sync/atomic"

	"github.com/relaycache/relaycache/store"
)

// negotiateVariants implements spec §4.8.a: reconcile a request against a
// known set of Vary'd representations via a single conditional round trip
// carrying every known ETag.
func (c *Cache) negotiateVariants(ctx context.Context, target *url.URL, req *http.Request, variants map[string]store.Variant) (*http.Response, error) {
	condReq := c.conditional.BuildConditionalRequestFromVariants(req, variants)
	requestDate := c.now()
	resp, err := c.backend.Execute(ctx, target, condReq)
	responseDate := c.now()
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	if resp.StatusCode != http.StatusNotModified {
		return c.handleBackendResponse(ctx, target, req, resp, requestDate, responseDate)
	}

	etag := resp.Header.Get("ETag")
	variant, matched := variants[etag]
	if etag == "" || !matched {
		c.log.Warn().Str("etag", etag).Msg("variant 304 with missing or unmatched ETag, retrying unconditionally")
		return c.dispatchUnconditionalAndHandle(ctx, target, req)
	}

	if responseIsTooOld(resp, variant.Entry) {
		return c.dispatchUnconditionalAndHandle(ctx, target, req)
	}

	updated, err := c.store.UpdateVariantCacheEntry(ctx, target, condReq, variant.Entry, resp, requestDate, responseDate, variant.CacheKey)
	if err != nil {
		c.log.Warn().Err(&StorageError{Op: "update_variant_cache_entry", Err: err}).Msg("failed to update variant entry")
		return resp, nil
	}
	if err := c.store.ReuseVariantEntryFor(ctx, target, req, store.Variant{ETag: etag, CacheKey: variant.CacheKey, Entry: updated}); err != nil {
		c.log.Warn().Err(err).Msg("failed to promote variant entry")
	}
	atomic.AddUint64(&c.updates, 1)
	c.metrics.ObserveUpdate()

	c.tag(ctx, StatusValidated)
	now := c.now()
	respOut, err := c.respondFromEntry(ctx, req, updated, now)
	if err != nil {
		return nil, err
	}
	addVia(respOut.Header, req.Proto, req.ProtoMajor, req.ProtoMinor)
	return respOut, nil
}

// dispatchUnconditionalAndHandle implements the "retry once unconditionally"
// rule of spec §7, used for both the missing/unmatched-ETag case and
// clock-skew detection.
func (c *Cache) dispatchUnconditionalAndHandle(ctx context.Context, target *url.URL, req *http.Request) (*http.Response, error) {
	uncond := c.conditional.BuildUnconditionalRequest(req)
	requestDate := c.now()
	resp, err := c.backend.Execute(ctx, target, uncond)
	responseDate := c.now()
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	return c.handleBackendResponse(ctx, target, req, resp, requestDate, responseDate)
}
