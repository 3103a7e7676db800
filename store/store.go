// Package store defines the CacheStore and ResourceFactory adapter
// interfaces that the relaycache orchestrator delegates persistence to, plus
// the CacheEntry data model those adapters exchange. Concrete backends live
// in the store/sqlite, store/leveldb and store/redisstore subpackages.
package store

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Entry is the persisted artifact for one (request-target, cache-key) pair.
// It is treated as immutable once created; an update produces a fresh Entry
// value that a Store replaces in place.
type Entry struct {
	Key           string
	RequestMethod string
	RequestDate   time.Time
	ResponseDate  time.Time
	StatusCode    int
	StatusReason  string
	Proto         string
	ProtoMajor    int
	ProtoMinor    int
	Header        http.Header
	Body          Handle
	// VariantMap maps a variant cache key to the ETag that selects it, for
	// entries whose response carries a Vary header. Empty for entries that
	// do not vary.
	VariantMap map[string]string
}

// datesValid reports response_date >= request_date, the entry-lifecycle
// invariant that must hold for any entry accepted by a Store.
func (e *Entry) datesValid() bool {
	return !e.ResponseDate.Before(e.RequestDate)
}

// Variant is one representation of a varying resource: the entry it
// resolves to, keyed by the ETag the backend returned for that
// representation.
type Variant struct {
	ETag     string
	CacheKey string
	Entry    *Entry
}

// Handle is an opaque reference to a stored response body, owned by a
// ResourceFactory. Callers obtain a reader with Open and must Close that
// reader. A Handle has no Close and no reference count of its own; when the
// underlying bytes are released is up to the ResourceFactory.
type Handle interface {
	// Open returns a fresh reader over the body. Each call returns an
	// independent reader positioned at the start.
	Open(ctx context.Context) (ReadCloser, error)
	// Size returns the body length in bytes, or -1 if unknown.
	Size() int64
}

// ReadCloser is the stream returned by Handle.Open.
type ReadCloser interface {
	Read(p []byte) (int, error)
	Close() error
}

// ResourceFactory allocates and releases response body storage on behalf of
// a Store. Generate is called once per stored response; Copy is called when
// an existing body is being attached to a second Entry (e.g. a variant
// negotiation promoting an existing representation) without re-reading the
// backend.
type ResourceFactory interface {
	Generate(ctx context.Context, key string, body []byte) (Handle, error)
	Copy(ctx context.Context, key string, h Handle) (Handle, error)
}

// AllocationRejectedError is returned by a ResourceFactory's Generate when a
// body exceeds the factory's configured size ceiling. The orchestrator
// treats it as "not cacheable" rather than as a storage failure.
type AllocationRejectedError struct {
	Size  int64
	Limit int64
}

func (e *AllocationRejectedError) Error() string {
	return fmt.Sprintf("store: body of %d bytes exceeds allocation limit of %d", e.Size, e.Limit)
}

// Store is the CacheStore adapter interface. Implementations must be
// safe for concurrent use; the orchestrator relies on a Store making its
// own get/update/invalidate operations atomic with respect to lookups on
// the same key, since it provides no locking of its own beyond
// single-flighting background revalidation.
type Store interface {
	GetCacheEntry(ctx context.Context, target *url.URL, req *http.Request) (*Entry, error)
	GetVariantCacheEntriesWithETags(ctx context.Context, target *url.URL, req *http.Request) (map[string]Variant, error)
	CacheAndReturnResponse(ctx context.Context, target *url.URL, req *http.Request, resp *http.Response, requestDate, responseDate time.Time) (*http.Response, error)
	UpdateCacheEntry(ctx context.Context, target *url.URL, req *http.Request, old *Entry, resp304 *http.Response, requestDate, responseDate time.Time) (*Entry, error)
	UpdateVariantCacheEntry(ctx context.Context, target *url.URL, condReq *http.Request, old *Entry, resp304 *http.Response, requestDate, responseDate time.Time, variantCacheKey string) (*Entry, error)
	ReuseVariantEntryFor(ctx context.Context, target *url.URL, req *http.Request, v Variant) error
	FlushCacheEntriesFor(ctx context.Context, target *url.URL, req *http.Request) error
	FlushInvalidatedCacheEntriesFor(ctx context.Context, target *url.URL, req *http.Request) error
	// Entries returns every entry currently stored, in no particular order,
	// for maintenance work a client runs outside the request path, like a
	// scheduled eager-refresh sweep. Implementations need not offer a
	// consistent snapshot under concurrent writes.
	Entries(ctx context.Context) ([]*Entry, error)
}
