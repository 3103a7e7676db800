package relaycache

import (
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaycache/relaycache/config/rules"
	"github.com/relaycache/relaycache/metrics"
	"github.com/relaycache/relaycache/store"
)

// Config is the CacheConfig of spec §6: it configures one Cache instance
// end to end, mirroring the teacher's own top-level Config-plus-constructor
// shape rather than a telescoping set of constructors.
type Config struct {
	// Store persists cache entries. Required.
	Store store.Store
	// Backend dispatches requests this Cache decides not to serve from
	// Store. If nil, http.DefaultTransport is used.
	Backend Backend
	// OriginURL identifies the origin this Cache fronts, used to derive
	// the cache-key namespace and the default Backend target.
	OriginURL url.URL
	// Logger to use. If nil, logging is disabled (zerolog.Nop).
	Logger *zerolog.Logger
	// Metrics records cache outcome counters, if set. Nil disables metrics
	// entirely rather than recording into a throwaway registry.
	Metrics *metrics.Recorder

	// Rules optionally overrides or defaults Cache-Control on origin
	// responses before ResponsePolicy ever sees them.
	Rules rules.Rules

	// MaxObjectSizeBytes is the largest response body this Cache will
	// store. Default 8192.
	MaxObjectSizeBytes int64
	// SharedCache activates s-maxage/private shared-cache semantics.
	SharedCache bool
	// HeuristicCachingEnabled turns on RFC 2616 §13.2.4 heuristic
	// freshness for responses without explicit freshness information.
	HeuristicCachingEnabled bool
	// HeuristicCoefficient is the fraction of (Date - Last-Modified) used
	// as a heuristic freshness lifetime. Default 0.1.
	HeuristicCoefficient float64
	// HeuristicDefaultLifetime is used when no Last-Modified is present
	// to derive a coefficient from.
	HeuristicDefaultLifetime time.Duration

	// AsyncWorkersMax bounds the background revalidation pool; 0 disables
	// the asynchronous stale-while-revalidate branch entirely.
	AsyncWorkersMax int
	// AsyncWorkersCore is not consulted by Cache: the revalidation pool
	// keeps no idle workers and starts one goroutine per accepted task.
	AsyncWorkersCore int
	// AsyncWorkerIdleLifetime is not consulted by Cache: a pool goroutine
	// exits as soon as its task finishes.
	AsyncWorkerIdleLifetime time.Duration
	// RevalidationQueueSize is not consulted by Cache: the pool has no
	// queue, and a task submitted while AsyncWorkersMax tasks are running
	// is dropped.
	RevalidationQueueSize int
	// MaxUpdateRetries is not consulted by Cache: the clock-skew and
	// missing-ETag unconditional retries each happen at most once per
	// request.
	MaxUpdateRetries int
}

func (c Config) withDefaults() Config {
	if c.MaxObjectSizeBytes == 0 {
		c.MaxObjectSizeBytes = 8192
	}
	if c.HeuristicCoefficient == 0 {
		c.HeuristicCoefficient = 0.1
	}
	if c.MaxUpdateRetries == 0 {
		c.MaxUpdateRetries = 1
	}
	if c.RevalidationQueueSize == 0 {
		c.RevalidationQueueSize = 128
	}
	return c
}
