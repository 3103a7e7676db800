// Package metrics exposes Prometheus counters for cache outcomes, grouped
// the way an operator would want to alert on them: hit, miss, validated
// (304-driven revalidation) and module (a response relaycache generated
// itself, e.g. a synthetic OPTIONS or 504).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder tracks per-origin cache outcome counters. A nil *Recorder is
// valid and records nothing, so wiring metrics into a Cache is optional.
type Recorder struct {
	outcomes  *prometheus.CounterVec
	updates   prometheus.Counter
	poolDrops prometheus.Counter
}

// New registers a Recorder's metrics against reg. Passing
// prometheus.DefaultRegisterer matches the package-level promauto pattern
// used elsewhere in this stack.
func New(reg prometheus.Registerer, origin string) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "relaycache_outcomes_total",
			Help:        "Total number of requests by cache outcome.",
			ConstLabels: prometheus.Labels{"origin": origin},
		}, []string{"outcome"}),
		updates: factory.NewCounter(prometheus.CounterOpts{
			Name:        "relaycache_store_updates_total",
			Help:        "Total number of writes to the cache store.",
			ConstLabels: prometheus.Labels{"origin": origin},
		}),
		poolDrops: factory.NewCounter(prometheus.CounterOpts{
			Name:        "relaycache_revalidation_pool_drops_total",
			Help:        "Total number of background revalidation tasks dropped because the pool was saturated.",
			ConstLabels: prometheus.Labels{"origin": origin},
		}),
	}
}

// ObserveOutcome increments the counter for a single CacheResponseStatus
// value (CACHE_MISS, CACHE_HIT, VALIDATED, CACHE_MODULE_RESPONSE).
func (r *Recorder) ObserveOutcome(outcome string) {
	if r == nil {
		return
	}
	r.outcomes.WithLabelValues(outcome).Inc()
}

// ObserveUpdate records a write to the store.
func (r *Recorder) ObserveUpdate() {
	if r == nil {
		return
	}
	r.updates.Inc()
}

// ObservePoolDrop records a background revalidation task that was not
// accepted by the async pool.
func (r *Recorder) ObservePoolDrop() {
	if r == nil {
		return
	}
	r.poolDrops.Inc()
}
