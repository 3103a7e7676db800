// Package redisstore implements a store.Store backed by Redis via
// redis/go-redis/v9, for deployments that already run Redis and want a
// cache shared across multiple relaycache processes.
package redisstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaycache/relaycache/cachekey"
	"github.com/relaycache/relaycache/store"
)

// Store is a store.Store backed by a Redis key space. Every entry is one
// JSON-encoded record; there is no separate TTL-driven expiry since
// freshness is the orchestrator's concern, not Redis's — entries are only
// ever removed by explicit invalidation.
type Store struct {
	rdb   *redis.Client
	keyer cachekey.CacheKeyer
}

// New wraps an already-configured *redis.Client.
func New(rdb *redis.Client, originID string) *Store {
	return &Store{rdb: rdb, keyer: cachekey.NewCacheKeyer(originID)}
}

type record struct {
	RequestMethod string            `json:"request_method"`
	RequestDate   time.Time         `json:"request_date"`
	ResponseDate  time.Time         `json:"response_date"`
	StatusCode    int               `json:"status_code"`
	StatusReason  string            `json:"status_reason"`
	Proto         string            `json:"proto"`
	ProtoMajor    int               `json:"proto_major"`
	ProtoMinor    int               `json:"proto_minor"`
	Header        http.Header       `json:"header"`
	VariantMap    map[string]string `json:"variant_map,omitempty"`
	Body          []byte            `json:"body"`
}

func redisKey(cacheKey string) string { return "relaycache:entry:" + cacheKey }

func (s *Store) primaryKey(req *http.Request) string {
	return s.keyer.GetKeyPrefix(req)
}

func (s *Store) get(ctx context.Context, key string) (*store.Entry, error) {
	data, err := s.rdb.Get(ctx, redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("relaycache/redisstore: get: %w", err)
	}
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("relaycache/redisstore: decoding entry: %w", err)
	}
	return r.toEntry(key), nil
}

func (r *record) toEntry(key string) *store.Entry {
	return &store.Entry{
		Key:           key,
		RequestMethod: r.RequestMethod,
		RequestDate:   r.RequestDate,
		ResponseDate:  r.ResponseDate,
		StatusCode:    r.StatusCode,
		StatusReason:  r.StatusReason,
		Proto:         r.Proto,
		ProtoMajor:    r.ProtoMajor,
		ProtoMinor:    r.ProtoMinor,
		Header:        r.Header,
		VariantMap:    r.VariantMap,
		Body:          bodyHandle(r.Body),
	}
}

func (s *Store) put(ctx context.Context, e *store.Entry, body []byte) error {
	r := record{
		RequestMethod: e.RequestMethod,
		RequestDate:   e.RequestDate,
		ResponseDate:  e.ResponseDate,
		StatusCode:    e.StatusCode,
		StatusReason:  e.StatusReason,
		Proto:         e.Proto,
		ProtoMajor:    e.ProtoMajor,
		ProtoMinor:    e.ProtoMinor,
		Header:        e.Header,
		VariantMap:    e.VariantMap,
		Body:          body,
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("relaycache/redisstore: encoding entry: %w", err)
	}
	// No TTL: expiry is a freshness-lifetime decision the orchestrator
	// already makes on read, not something Redis should second-guess.
	if err := s.rdb.Set(ctx, redisKey(e.Key), data, 0).Err(); err != nil {
		return fmt.Errorf("relaycache/redisstore: set: %w", err)
	}
	return nil
}

// scanKeys walks the keyspace for entries whose cache key has the given
// prefix using SCAN rather than KEYS, so a large keyspace doesn't block
// other clients.
func (s *Store) scanKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, redisKey(prefix)+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), "relaycache:entry:"))
	}
	return keys, iter.Err()
}

func (s *Store) GetCacheEntry(ctx context.Context, target *url.URL, req *http.Request) (*store.Entry, error) {
	prefix := s.primaryKey(req)
	if e, err := s.get(ctx, prefix); err != nil {
		return nil, err
	} else if e != nil {
		return e, nil
	}

	keys, err := s.scanKeys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	var best *store.Entry
	for _, key := range keys {
		e, err := s.get(ctx, key)
		if err != nil || e == nil {
			continue
		}
		if s.keyer.AddVaryKeys(prefix, req, e.Header) == key {
			best = e
		}
	}
	return best, nil
}

func (s *Store) GetVariantCacheEntriesWithETags(ctx context.Context, target *url.URL, req *http.Request) (map[string]store.Variant, error) {
	prefix := s.primaryKey(req)
	keys, err := s.scanKeys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	variants := make(map[string]store.Variant)
	for _, key := range keys {
		e, err := s.get(ctx, key)
		if err != nil || e == nil {
			continue
		}
		etag := e.Header.Get("ETag")
		if etag == "" {
			continue
		}
		variants[etag] = store.Variant{ETag: etag, CacheKey: key, Entry: e}
	}
	return variants, nil
}

func (s *Store) CacheAndReturnResponse(ctx context.Context, target *url.URL, req *http.Request, resp *http.Response, requestDate, responseDate time.Time) (*http.Response, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("relaycache/redisstore: reading backend body: %w", err)
	}
	resp.Body.Close()

	prefix := s.primaryKey(req)
	key := s.keyer.AddVaryKeys(prefix, req, resp.Header)

	entry := &store.Entry{
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
	}
	if err := s.put(ctx, entry, body); err != nil {
		return nil, err
	}
	return &http.Response{
		Status:     entry.StatusReason,
		StatusCode: entry.StatusCode,
		Proto:      entry.Proto,
		ProtoMajor: entry.ProtoMajor,
		ProtoMinor: entry.ProtoMinor,
		Header:     entry.Header.Clone(),
		Body:       io.NopCloser(bytes.NewReader(body)),
	}, nil
}

func (s *Store) UpdateCacheEntry(ctx context.Context, target *url.URL, req *http.Request, old *store.Entry, resp304 *http.Response, requestDate, responseDate time.Time) (*store.Entry, error) {
	body, err := readAll(ctx, old.Body)
	if err != nil {
		return nil, err
	}
	updated := &store.Entry{
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
		VariantMap:    old.VariantMap,
	}
	if err := s.put(ctx, updated, body); err != nil {
		return nil, err
	}
	updated.Body = bodyHandle(body)
	return updated, nil
}

func (s *Store) UpdateVariantCacheEntry(ctx context.Context, target *url.URL, condReq *http.Request, old *store.Entry, resp304 *http.Response, requestDate, responseDate time.Time, variantCacheKey string) (*store.Entry, error) {
	updated, err := s.UpdateCacheEntry(ctx, target, condReq, old, resp304, requestDate, responseDate)
	if err != nil {
		return nil, err
	}
	updated.Key = variantCacheKey
	if err := s.put(ctx, updated, []byte(updated.Body.(bodyHandle))); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) ReuseVariantEntryFor(ctx context.Context, target *url.URL, req *http.Request, v store.Variant) error {
	prefix := s.primaryKey(req)
	key := s.keyer.AddVaryKeys(prefix, req, v.Entry.Header)
	body, err := readAll(ctx, v.Entry.Body)
	if err != nil {
		return err
	}
	reused := *v.Entry
	reused.Key = key
	return s.put(ctx, &reused, body)
}

func (s *Store) FlushCacheEntriesFor(ctx context.Context, target *url.URL, req *http.Request) error {
	prefix := s.keyer.OriginPrefix + req.Method + ":" + target.RequestURI()
	keys, err := s.scanKeys(ctx, prefix)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = redisKey(k)
	}
	if err := s.rdb.Del(ctx, redisKeys...).Err(); err != nil {
		return fmt.Errorf("relaycache/redisstore: flush: %w", err)
	}
	return nil
}

func (s *Store) FlushInvalidatedCacheEntriesFor(ctx context.Context, target *url.URL, req *http.Request) error {
	return s.FlushCacheEntriesFor(ctx, target, req)
}

func (s *Store) Entries(ctx context.Context) ([]*store.Entry, error) {
	var entries []*store.Entry
	iter := s.rdb.Scan(ctx, 0, "relaycache:entry:*", 0).Iterator()
	for iter.Next(ctx) {
		key := strings.TrimPrefix(iter.Val(), "relaycache:entry:")
		e, err := s.get(ctx, key)
		if err != nil || e == nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, iter.Err()
}

func readAll(ctx context.Context, h store.Handle) ([]byte, error) {
	if bh, ok := h.(bodyHandle); ok {
		return []byte(bh), nil
	}
	rc, err := h.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func mergeHeaders(stored, incoming304 http.Header) http.Header {
	merged := stored.Clone()
	for name, values := range incoming304 {
		merged[name] = values
	}
	return merged
}

type bodyHandle []byte

func (h bodyHandle) Open(ctx context.Context) (store.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(h)), nil
}

func (h bodyHandle) Size() int64 { return int64(len(h)) }
