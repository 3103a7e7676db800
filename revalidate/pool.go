// Package revalidate implements the AsyncRevalidator of spec §4.8.b: a
// bounded worker pool that runs background stale-while-revalidate refreshes,
// single-flighted per cache key.
package revalidate

import (
	"context"
	"sync"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

// Task is a unit of background revalidation work, identified by Key so
// concurrent submissions for the same key are deduplicated.
type Task struct {
	Key string
	Run func(ctx context.Context)
}

// Pool runs at most Max tasks concurrently and never runs two tasks for the
// same key at once: a second Submit for a key already in flight is dropped
// silently, since the in-flight task will produce an equally fresh result.
type Pool struct {
	max      int
	log      zerolog.Logger
	mu       sync.Mutex
	inFlight map[string]struct{}
	sem      chan struct{}
	wg       sync.WaitGroup

	// OnDrop, if set, is called once for every task Submit declines to run
	// because the pool was saturated. Optional; nil disables the callback.
	OnDrop func()
}

// New creates a Pool bounded to max concurrent background tasks. max <= 0
// disables the pool: Submit becomes a synchronous no-op-reporting call that
// callers should not make (the orchestrator checks Enabled first).
func New(max int, log zerolog.Logger) *Pool {
	p := &Pool{
		max:      max,
		log:      log,
		inFlight: make(map[string]struct{}),
	}
	if max > 0 {
		p.sem = make(chan struct{}, max)
	}
	return p
}

// Enabled reports whether this pool accepts background work.
func (p *Pool) Enabled() bool { return p != nil && p.max > 0 }

// Submit enqueues t if no task for t.Key is already in flight. Returns true
// if the task was accepted.
func (p *Pool) Submit(ctx context.Context, t Task) bool {
	if !p.Enabled() {
		return false
	}
	p.mu.Lock()
	if _, busy := p.inFlight[t.Key]; busy {
		p.mu.Unlock()
		return false
	}
	p.inFlight[t.Key] = struct{}{}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	default:
		// Pool saturated: drop the task rather than block the caller that
		// is trying to serve a stale response quickly.
		p.mu.Lock()
		delete(p.inFlight, t.Key)
		p.mu.Unlock()
		p.log.Warn().Str("key", t.Key).Msg("background revalidation pool saturated, dropping task")
		if p.OnDrop != nil {
			p.OnDrop()
		}
		return false
	}

	traceID := xid.New().String()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			<-p.sem
			p.mu.Lock()
			delete(p.inFlight, t.Key)
			p.mu.Unlock()
			if r := recover(); r != nil {
				p.log.Error().Interface("panic", r).Str("key", t.Key).Str("trace", traceID).Msg("background revalidation task panicked")
			}
		}()
		p.log.Trace().Str("key", t.Key).Str("trace", traceID).Msg("background revalidation started")
		t.Run(ctx)
	}()
	return true
}

// Wait blocks until every submitted task has finished. Intended for tests
// and graceful shutdown, not the request path.
func (p *Pool) Wait() {
	if p == nil {
		return
	}
	p.wg.Wait()
}
