package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/relaycache/relaycache/cachekey"
)

// MemStore is an in-process, non-durable Store backed by a map. It is the
// reference implementation the orchestrator's own tests run against, and a
// reasonable default for single-process deployments that don't need
// persistence across restarts.
type MemStore struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	keyer    cachekey.CacheKeyer
	resource *MemResourceFactory
}

// NewMemStore creates an empty in-memory store scoped to one origin, with no
// ceiling on stored body size.
func NewMemStore(originID string) *MemStore {
	return NewMemStoreWithLimit(originID, 0)
}

// NewMemStoreWithLimit creates an empty in-memory store that rejects bodies
// larger than maxObjectSizeBytes (0 means unlimited).
func NewMemStoreWithLimit(originID string, maxObjectSizeBytes int64) *MemStore {
	return &MemStore{
		entries:  make(map[string]*Entry),
		keyer:    cachekey.NewCacheKeyer(originID),
		resource: NewMemResourceFactoryWithLimit(maxObjectSizeBytes),
	}
}

func (m *MemStore) primaryKey(req *http.Request) string {
	return m.keyer.GetKeyPrefix(req)
}

func (m *MemStore) GetCacheEntry(ctx context.Context, target *url.URL, req *http.Request) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	prefix := m.primaryKey(req)
	// A request with no Vary-selecting headers stored yet still matches the
	// bare prefix key (an entry stored before any Vary was known).
	if e, ok := m.entries[prefix]; ok {
		return e, nil
	}
	var best *Entry
	for key, e := range m.entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if m.keyer.AddVaryKeys(prefix, req, e.Header) == key {
			best = e
		}
	}
	return best, nil
}

func (m *MemStore) GetVariantCacheEntriesWithETags(ctx context.Context, target *url.URL, req *http.Request) (map[string]Variant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	prefix := m.primaryKey(req)
	variants := make(map[string]Variant)
	for key, e := range m.entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		etag := e.Header.Get("ETag")
		if etag == "" {
			continue
		}
		variants[etag] = Variant{ETag: etag, CacheKey: key, Entry: e}
	}
	return variants, nil
}

func (m *MemStore) CacheAndReturnResponse(ctx context.Context, target *url.URL, req *http.Request, resp *http.Response, requestDate, responseDate time.Time) (*http.Response, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("relaycache: reading backend body: %w", err)
	}
	resp.Body.Close()

	prefix := m.primaryKey(req)
	key := m.keyer.AddVaryKeys(prefix, req, resp.Header)

	handle, err := m.resource.Generate(ctx, key, body)
	if err != nil {
		return nil, err
	}

	entry := &Entry{
		Key:           key,
		RequestMethod: req.Method,
		RequestDate:   requestDate,
		ResponseDate:  responseDate,
		StatusCode:    resp.StatusCode,
		StatusReason:  resp.Status,
		Proto:         resp.Proto,
		ProtoMajor:    resp.ProtoMajor,
		ProtoMinor:    resp.ProtoMinor,
		Header:        resp.Header.Clone(),
		Body:          handle,
	}

	m.mu.Lock()
	m.entries[key] = entry
	m.mu.Unlock()

	return m.materialize(ctx, entry)
}

func (m *MemStore) UpdateCacheEntry(ctx context.Context, target *url.URL, req *http.Request, old *Entry, resp304 *http.Response, requestDate, responseDate time.Time) (*Entry, error) {
	updated := &Entry{
		Key:           old.Key,
		RequestMethod: old.RequestMethod,
		RequestDate:   requestDate,
		ResponseDate:  responseDate,
		StatusCode:    old.StatusCode,
		StatusReason:  old.StatusReason,
		Proto:         old.Proto,
		ProtoMajor:    old.ProtoMajor,
		ProtoMinor:    old.ProtoMinor,
		Header:        mergeHeaders(old.Header, resp304.Header),
		Body:          old.Body,
		VariantMap:    old.VariantMap,
	}
	m.mu.Lock()
	m.entries[updated.Key] = updated
	m.mu.Unlock()
	return updated, nil
}

func (m *MemStore) UpdateVariantCacheEntry(ctx context.Context, target *url.URL, condReq *http.Request, old *Entry, resp304 *http.Response, requestDate, responseDate time.Time, variantCacheKey string) (*Entry, error) {
	updated, err := m.UpdateCacheEntry(ctx, target, condReq, old, resp304, requestDate, responseDate)
	if err != nil {
		return nil, err
	}
	updated.Key = variantCacheKey
	m.mu.Lock()
	m.entries[variantCacheKey] = updated
	m.mu.Unlock()
	return updated, nil
}

func (m *MemStore) ReuseVariantEntryFor(ctx context.Context, target *url.URL, req *http.Request, v Variant) error {
	prefix := m.primaryKey(req)
	key := m.keyer.AddVaryKeys(prefix, req, v.Entry.Header)
	m.mu.Lock()
	m.entries[key] = v.Entry
	m.mu.Unlock()
	return nil
}

func (m *MemStore) FlushCacheEntriesFor(ctx context.Context, target *url.URL, req *http.Request) error {
	prefix := m.keyer.OriginPrefix + req.Method + ":" + target.RequestURI()
	return m.flushPrefix(prefix)
}

func (m *MemStore) FlushInvalidatedCacheEntriesFor(ctx context.Context, target *url.URL, req *http.Request) error {
	return m.FlushCacheEntriesFor(ctx, target, req)
}

func (m *MemStore) Entries(ctx context.Context) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	return entries, nil
}

func (m *MemStore) flushPrefix(prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			delete(m.entries, key)
		}
	}
	m.resource.evict(prefix)
	return nil
}

// materialize turns a stored Entry back into an *http.Response with a fresh
// body reader, for immediate return to the caller that just stored it.
func (m *MemStore) materialize(ctx context.Context, e *Entry) (*http.Response, error) {
	rc, err := e.Body.Open(ctx)
	if err != nil {
		return nil, err
	}
	return &http.Response{
		Status:     e.StatusReason,
		StatusCode: e.StatusCode,
		Proto:      e.Proto,
		ProtoMajor: e.ProtoMajor,
		ProtoMinor: e.ProtoMinor,
		Header:     e.Header.Clone(),
		Body:       rc,
	}, nil
}

func mergeHeaders(stored, incoming304 http.Header) http.Header {
	merged := stored.Clone()
	for name, values := range incoming304 {
		merged[name] = values
	}
	return merged
}

// MemResourceFactory stores bodies as plain byte slices in memory, keyed the
// same way MemStore keys its entries. A blob has no lifecycle of its own: it
// is released only when MemStore.flushPrefix evicts every store key that
// shares its prefix, at which point ordinary garbage collection reclaims it.
// MaxBytes, if positive, is the largest body Generate will accept; a larger
// body is rejected rather than stored.
type MemResourceFactory struct {
	mu       sync.Mutex
	blobs    map[string]*memBlob
	MaxBytes int64
}

type memBlob struct {
	data []byte
}

// NewMemResourceFactory builds a factory with no size ceiling. Use
// NewMemResourceFactoryWithLimit to reject oversized bodies.
func NewMemResourceFactory() *MemResourceFactory {
	return NewMemResourceFactoryWithLimit(0)
}

// NewMemResourceFactoryWithLimit builds a factory that rejects any body
// larger than maxBytes with an AllocationRejectedError. maxBytes <= 0 means
// unlimited.
func NewMemResourceFactoryWithLimit(maxBytes int64) *MemResourceFactory {
	return &MemResourceFactory{blobs: make(map[string]*memBlob), MaxBytes: maxBytes}
}

func (f *MemResourceFactory) Generate(ctx context.Context, key string, body []byte) (Handle, error) {
	if f.MaxBytes > 0 && int64(len(body)) > f.MaxBytes {
		return nil, &AllocationRejectedError{Size: int64(len(body)), Limit: f.MaxBytes}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	b := &memBlob{data: body}
	f.blobs[key] = b
	return &memHandle{blob: b}, nil
}

func (f *MemResourceFactory) Copy(ctx context.Context, key string, h Handle) (Handle, error) {
	mh, ok := h.(*memHandle)
	if !ok {
		data, err := readAll(ctx, h)
		if err != nil {
			return nil, err
		}
		return f.Generate(ctx, key, data)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[key] = mh.blob
	return &memHandle{blob: mh.blob}, nil
}

// evict drops every blob whose key shares prefix, mirroring the entries
// MemStore.flushPrefix just removed.
func (f *MemResourceFactory) evict(prefix string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key := range f.blobs {
		if strings.HasPrefix(key, prefix) {
			delete(f.blobs, key)
		}
	}
}

func readAll(ctx context.Context, h Handle) ([]byte, error) {
	rc, err := h.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

type memHandle struct {
	blob *memBlob
}

func (h *memHandle) Open(ctx context.Context) (ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(h.blob.data)), nil
}

func (h *memHandle) Size() int64 { return int64(len(h.blob.data)) }

// sortedKeys is a small debugging helper used by tests that want a
// deterministic dump of a store's contents.
func (m *MemStore) sortedKeys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
