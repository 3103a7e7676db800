// Package relaycache implements the core of an RFC 2616 / RFC 5861
// conformant HTTP caching decorator: a CacheOrchestrator that mediates
// hit/miss/revalidate/negotiate decisions between an application's HTTP
// client and a backend transport, backed by a pluggable store.Store.
package relaycache

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaycache/relaycache/cachekey"
	"github.com/relaycache/relaycache/internal/rfc2616"
	"github.com/relaycache/relaycache/invalidate"
	"github.com/relaycache/relaycache/metrics"
	"github.com/relaycache/relaycache/revalidate"
	"github.com/relaycache/relaycache/store"
)

// Cache is the CacheOrchestrator: an http.RoundTripper decorator that
// answers requests from its Store when it can, and falls through to its
// Backend otherwise, folding the answer back into the Store.
type Cache struct {
	store   store.Store
	backend Backend
	origin  url.URL
	log     zerolog.Logger
	keyer   cachekey.CacheKeyer

	requestPolicy  RequestPolicy
	responsePolicy ResponsePolicy
	suitability    SuitabilityChecker
	conditional    ConditionalRequestBuilder
	generator      ResponseGenerator
	reqCompliance  RequestCompliance
	respCompliance ResponseCompliance
	validity       rfc2616.ValidityPolicy

	pool    *revalidate.Pool
	updater invalidate.Scheduler
	metrics *metrics.Recorder
	cfg     Config

	hits    uint64
	misses  uint64
	updates uint64

	clock func() time.Time
}

// New builds a Cache from a Config, mirroring the teacher's own
// single-config-value constructor rather than a chain of setters.
func New(cfg Config) *Cache {
	cfg = cfg.withDefaults()

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("origin", cfg.OriginURL.String()).Logger()

	backend := cfg.Backend
	if backend == nil {
		backend = RoundTripperBackend{Transport: http.DefaultTransport}
	}

	validity := rfc2616.ValidityPolicy{
		Shared:                   cfg.SharedCache,
		HeuristicEnabled:         cfg.HeuristicCachingEnabled,
		HeuristicCoefficient:     cfg.HeuristicCoefficient,
		HeuristicDefaultLifetime: cfg.HeuristicDefaultLifetime,
	}

	c := &Cache{
		store:          cfg.Store,
		backend:        backend,
		origin:         cfg.OriginURL,
		log:            logger,
		keyer:          cachekey.NewCacheKeyer(cfg.OriginURL.String()),
		requestPolicy:  RequestPolicy{},
		responsePolicy: ResponsePolicy{MaxObjectSizeBytes: cfg.MaxObjectSizeBytes, SharedCache: cfg.SharedCache},
		suitability:    SuitabilityChecker{Validity: validity},
		conditional:    ConditionalRequestBuilder{},
		generator:      ResponseGenerator{Validity: validity},
		reqCompliance:  RequestCompliance{},
		validity:       validity,
		pool:           revalidate.New(cfg.AsyncWorkersMax, logger),
		metrics:        cfg.Metrics,
		cfg:            cfg,
		clock:          time.Now,
	}
	c.respCompliance = ResponseCompliance{Now: c.now}
	c.updater = invalidate.Scheduler{Invalidate: c.invalidateUpdateTarget}
	c.pool.OnDrop = func() { c.metrics.ObservePoolDrop() }
	return c
}

// tag records s both on req's status recorder and, if metrics are
// configured, as a Prometheus observation.
func (c *Cache) tag(ctx context.Context, s Status) {
	setStatus(ctx, s)
	c.metrics.ObserveOutcome(string(s))
}

// invalidateUpdateTarget flushes cache entries for a resource named by a
// Cache-Update response header, run either immediately or from a
// time.AfterFunc callback per invalidate.Scheduler.
func (c *Cache) invalidateUpdateTarget(u *url.URL) {
	synthetic := &http.Request{Method: http.MethodGet, URL: u, Header: make(http.Header)}
	if err := c.store.FlushCacheEntriesFor(context.Background(), u, synthetic); err != nil {
		c.log.Warn().Err(err).Str("url", u.String()).Msg("scheduled Cache-Update invalidation failed")
	}
}

// Stats returns the observational hit/miss/update counters of spec §5.
func (c *Cache) Stats() (hits, misses, updates uint64) {
	return atomic.LoadUint64(&c.hits), atomic.LoadUint64(&c.misses), atomic.LoadUint64(&c.updates)
}

// SupportsRangeHeaders is always false: Range/Content-Range handling is
// explicitly out of scope, per the non-goals this cache carries forward
// from its source.
func (c *Cache) SupportsRangeHeaders() bool { return false }

// RoundTrip implements http.RoundTripper, dispatching req against req.URL as
// the target.
func (c *Cache) RoundTrip(req *http.Request) (*http.Response, error) {
	return c.Execute(req.Context(), req.URL, req)
}

// Execute is the Backend-shaped entry point: spec §4.8's execute(target,
// request, context).
func (c *Cache) Execute(ctx context.Context, target *url.URL, req *http.Request) (*http.Response, error) {
	c.tag(ctx, StatusMiss)

	if c.reqCompliance.SelfOptions(req) {
		c.tag(ctx, StatusModuleResponse)
		return selfOptionsResponse(req), nil
	}

	if err := c.reqCompliance.Check(req); err != nil {
		var fatal *FatalRequestNoncompliance
		if errors.As(err, &fatal) {
			c.tag(ctx, StatusModuleResponse)
			return fatal.Response(req), nil
		}
		return nil, err
	}

	req = req.Clone(ctx)
	c.reqCompliance.Normalize(req)

	if rfc2616.UnsafeRequest(req) {
		if err := c.store.FlushCacheEntriesFor(ctx, target, req); err != nil {
			c.log.Warn().Err(err).Msg("invalidation on unsafe method failed")
		}
	}

	if !c.requestPolicy.IsServableFromCache(req) {
		return c.dispatchAndHandle(ctx, target, req)
	}

	entry, err := c.store.GetCacheEntry(ctx, target, req)
	if err != nil {
		c.log.Warn().Err(err).Msg("cache lookup failed, falling back to backend")
		return c.dispatchAndHandle(ctx, target, req)
	}

	if entry == nil {
		return c.handleMiss(ctx, target, req)
	}
	return c.handleHit(ctx, target, req, entry)
}

func (c *Cache) now() time.Time { return c.clock() }

func (c *Cache) handleMiss(ctx context.Context, target *url.URL, req *http.Request) (*http.Response, error) {
	atomic.AddUint64(&c.misses, 1)

	if rfc2616.ParseCacheControl(req.Header).OnlyIfCached() {
		c.tag(ctx, StatusModuleResponse)
		return syntheticResponse(req, http.StatusGatewayTimeout, "not cached"), nil
	}

	variants, err := c.store.GetVariantCacheEntriesWithETags(ctx, target, req)
	if err != nil {
		c.log.Warn().Err(err).Msg("variant lookup failed")
	}
	if len(variants) > 0 {
		return c.negotiateVariants(ctx, target, req, variants)
	}

	return c.dispatchAndHandle(ctx, target, req)
}

func (c *Cache) handleHit(ctx context.Context, target *url.URL, req *http.Request, entry *store.Entry) (*http.Response, error) {
	atomic.AddUint64(&c.hits, 1)
	now := c.now()

	if c.suitability.CanUse(req, entry, now) {
		resp, err := c.respondFromEntry(ctx, req, entry, now)
		if err != nil {
			return nil, err
		}
		if !c.validity.IsFresh(entry.Header, entry.RequestDate, entry.ResponseDate, now) {
			addWarning(resp.Header, 110, "Response is stale")
		}
		c.tag(ctx, StatusHit)
		addVia(resp.Header, req.Proto, req.ProtoMajor, req.ProtoMinor)
		return resp, nil
	}

	if rfc2616.ParseCacheControl(req.Header).OnlyIfCached() {
		c.tag(ctx, StatusModuleResponse)
		return syntheticResponse(req, http.StatusGatewayTimeout, "cached entry not usable"), nil
	}

	if c.validity.IsRevalidatable(entry.Header) {
		return c.revalidate(ctx, target, req, entry)
	}

	return c.dispatchAndHandle(ctx, target, req)
}

func (c *Cache) respondFromEntry(ctx context.Context, req *http.Request, entry *store.Entry, now time.Time) (*http.Response, error) {
	if c.suitability.IsConditional(req) && c.suitability.AllConditionalsMatch(req, entry, now) {
		return c.generator.GenerateNotModified(req, entry), nil
	}
	return c.generator.Generate(ctx, req, entry, now)
}

// dispatchAndHandle sends req to the backend unconditionally and folds the
// result through handleBackendResponse.
func (c *Cache) dispatchAndHandle(ctx context.Context, target *url.URL, req *http.Request) (*http.Response, error) {
	requestDate := c.now()
	resp, err := c.backend.Execute(ctx, target, req)
	responseDate := c.now()
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	return c.handleBackendResponse(ctx, target, req, resp, requestDate, responseDate)
}

// handleBackendResponse implements spec §4.8.c.
func (c *Cache) handleBackendResponse(ctx context.Context, target *url.URL, req *http.Request, resp *http.Response, requestDate, responseDate time.Time) (*http.Response, error) {
	resp.Request = req
	c.respCompliance.Normalize(resp)
	c.cfg.Rules.Apply(resp)
	addVia(resp.Header, resp.Proto, resp.ProtoMajor, resp.ProtoMinor)

	if rfc2616.UnsafeRequest(req) {
		c.invalidateLocations(ctx, target, req, resp)
		for _, upd := range invalidate.FromResponse(req, resp) {
			c.updater.Schedule(upd)
		}
	}

	if !c.responsePolicy.IsResponseCacheable(req, resp) {
		if err := c.store.FlushInvalidatedCacheEntriesFor(ctx, target, req); err != nil {
			c.log.Warn().Err(err).Msg("invalidation of uncacheable response's prior entry failed")
		}
		return resp, nil
	}

	if existing, err := c.store.GetCacheEntry(ctx, target, req); err == nil && existing != nil {
		if alreadyHaveNewerCacheEntry(existing, resp, responseDate) {
			return resp, nil
		}
	}

	stored, err := c.store.CacheAndReturnResponse(ctx, target, req, resp, requestDate, responseDate)
	if err != nil {
		var rejected *store.AllocationRejectedError
		if errors.As(err, &rejected) {
			c.log.Debug().Err(&AllocationRejected{Reason: "response body exceeds allocation limit", Err: rejected}).Msg("response not cacheable")
			if flushErr := c.store.FlushInvalidatedCacheEntriesFor(ctx, target, req); flushErr != nil {
				c.log.Warn().Err(flushErr).Msg("invalidation after allocation rejection failed")
			}
			return resp, nil
		}
		c.log.Warn().Err(&StorageError{Op: "cache_and_return_response", Err: err}).Msg("failed to store response")
		return resp, nil
	}
	atomic.AddUint64(&c.updates, 1)
	c.metrics.ObserveUpdate()
	return stored, nil
}

// alreadyHaveNewerCacheEntry compares Date headers, matching the guard the
// source this state machine is modeled on applies immediately before
// writing a backend response into the store.
func alreadyHaveNewerCacheEntry(existing *store.Entry, resp *http.Response, responseDate time.Time) bool {
	respDate, err := http.ParseTime(resp.Header.Get("Date"))
	if err != nil {
		return false
	}
	existingDate := rfc2616.EntryDate(existing.Header, existing.ResponseDate)
	return respDate.Before(existingDate)
}

func (c *Cache) invalidateLocations(ctx context.Context, target *url.URL, req *http.Request, resp *http.Response) {
	for _, name := range []string{"Location", "Content-Location"} {
		v := resp.Header.Get(name)
		if v == "" {
			continue
		}
		ref, err := url.Parse(v)
		if err != nil {
			continue
		}
		resolved := target.ResolveReference(ref)
		if resolved.Host != target.Host {
			continue
		}
		synthetic := &http.Request{Method: http.MethodGet, URL: resolved, Header: make(http.Header)}
		if err := c.store.FlushCacheEntriesFor(ctx, resolved, synthetic); err != nil {
			c.log.Warn().Err(err).Str("location", v).Msg("invalidation of Location target failed")
		}
	}
}

// staleIfErrorEligible is the closed set of 5xx statuses stale-if-error may
// salvage: spec §7's retry policy / §4.8.b.
var staleIfErrorEligible = map[int]bool{500: true, 502: true, 503: true, 504: true}

func responseIsTooOld(resp *http.Response, entry *store.Entry) bool {
	backendDate, err := http.ParseTime(resp.Header.Get("Date"))
	if err != nil {
		// A backend that fails to parse leaves the clock-skew check
		// unresolved; skip the unconditional retry rather than guess.
		return false
	}
	entryDate := rfc2616.EntryDate(entry.Header, entry.ResponseDate)
	return backendDate.Before(entryDate)
}

