// Package sqlite implements a store.Store backed by a SQLite database via
// glebarez/go-sqlite (a cgo-free driver), for single-node deployments that
// want a cache surviving process restarts without running a separate
// database server.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/relaycache/relaycache/cachekey"
	"github.com/relaycache/relaycache/store"
)

// Store is a store.Store backed by a single SQLite table. Response bodies
// are stored inline as BLOBs. No size ceiling is enforced here; a Cache's
// ResponsePolicy rejects only responses whose Content-Length exceeds
// MaxObjectSizeBytes, so a body without Content-Length is stored whatever
// its size.
type Store struct {
	db    *sql.DB
	keyer cachekey.CacheKeyer
	// writeMu serializes writes; SQLite allows only one writer at a time and
	// WAL mode still needs this to avoid SQLITE_BUSY under concurrent
	// updates from revalidation.
	writeMu sync.Mutex
}

// Open creates or reopens a SQLite-backed store at filename. An empty
// filename opens a shared in-memory database, primarily for tests.
func Open(filename, originID string) (*Store, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("relaycache/sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, keyer: cachekey.NewCacheKeyer(originID)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cache_entries (
			key            TEXT PRIMARY KEY,
			request_method TEXT NOT NULL,
			request_date   INTEGER NOT NULL,
			response_date  INTEGER NOT NULL,
			status_code    INTEGER NOT NULL,
			status_reason  TEXT NOT NULL,
			proto          TEXT NOT NULL,
			proto_major    INTEGER NOT NULL,
			proto_minor    INTEGER NOT NULL,
			header         BLOB NOT NULL,
			variant_map    BLOB,
			body           BLOB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS cache_entries_prefix_idx ON cache_entries (key)`,
		`PRAGMA journal_mode=WAL`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("relaycache/sqlite: migrate: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) primaryKey(req *http.Request) string {
	return s.keyer.GetKeyPrefix(req)
}

type row struct {
	key                                          string
	requestMethod, statusReason, proto           string
	requestDate, responseDate                    int64
	statusCode, protoMajor, protoMinor           int
	header, variantMap, body                     []byte
}

func (s *Store) scanRow(scanner interface{ Scan(...any) error }) (*row, error) {
	var r row
	var variantMap []byte
	if err := scanner.Scan(&r.key, &r.requestMethod, &r.requestDate, &r.responseDate,
		&r.statusCode, &r.statusReason, &r.proto, &r.protoMajor, &r.protoMinor,
		&r.header, &variantMap, &r.body); err != nil {
		return nil, err
	}
	r.variantMap = variantMap
	return &r, nil
}

func (r *row) toEntry() (*store.Entry, error) {
	var header http.Header
	if err := json.Unmarshal(r.header, &header); err != nil {
		return nil, fmt.Errorf("relaycache/sqlite: decoding header: %w", err)
	}
	var variantMap map[string]string
	if len(r.variantMap) > 0 {
		if err := json.Unmarshal(r.variantMap, &variantMap); err != nil {
			return nil, fmt.Errorf("relaycache/sqlite: decoding variant map: %w", err)
		}
	}
	return &store.Entry{
		Key:           r.key,
		RequestMethod: r.requestMethod,
		RequestDate:   time.Unix(r.requestDate, 0).UTC(),
		ResponseDate:  time.Unix(r.responseDate, 0).UTC(),
		StatusCode:    r.statusCode,
		StatusReason:  r.statusReason,
		Proto:         r.proto,
		ProtoMajor:    r.protoMajor,
		ProtoMinor:    r.protoMinor,
		Header:        header,
		Body:          blobHandle(r.body),
		VariantMap:    variantMap,
	}, nil
}

const entryColumns = `key, request_method, request_date, response_date, status_code, status_reason, proto, proto_major, proto_minor, header, variant_map, body`

func (s *Store) GetCacheEntry(ctx context.Context, target *url.URL, req *http.Request) (*store.Entry, error) {
	prefix := s.primaryKey(req)
	if e, err := s.getExact(ctx, prefix); err == nil && e != nil {
		return e, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM cache_entries WHERE key LIKE ?`, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("relaycache/sqlite: query: %w", err)
	}
	defer rows.Close()

	var best *store.Entry
	for rows.Next() {
		r, err := s.scanRow(rows)
		if err != nil {
			return nil, err
		}
		entry, err := r.toEntry()
		if err != nil {
			return nil, err
		}
		if s.keyer.AddVaryKeys(prefix, req, entry.Header) == entry.Key {
			best = entry
		}
	}
	return best, rows.Err()
}

func (s *Store) getExact(ctx context.Context, key string) (*store.Entry, error) {
	r, err := s.scanRow(s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM cache_entries WHERE key = ?`, key))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r.toEntry()
}

func (s *Store) GetVariantCacheEntriesWithETags(ctx context.Context, target *url.URL, req *http.Request) (map[string]store.Variant, error) {
	prefix := s.primaryKey(req)
	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM cache_entries WHERE key LIKE ?`, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("relaycache/sqlite: query: %w", err)
	}
	defer rows.Close()

	variants := make(map[string]store.Variant)
	for rows.Next() {
		r, err := s.scanRow(rows)
		if err != nil {
			return nil, err
		}
		entry, err := r.toEntry()
		if err != nil {
			return nil, err
		}
		etag := entry.Header.Get("ETag")
		if etag == "" {
			continue
		}
		variants[etag] = store.Variant{ETag: etag, CacheKey: entry.Key, Entry: entry}
	}
	return variants, rows.Err()
}

func (s *Store) CacheAndReturnResponse(ctx context.Context, target *url.URL, req *http.Request, resp *http.Response, requestDate, responseDate time.Time) (*http.Response, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("relaycache/sqlite: reading backend body: %w", err)
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
	entry.Body = blobHandle(body)
	return materialize(entry), nil
}

func (s *Store) put(ctx context.Context, e *store.Entry, body []byte) error {
	headerJSON, err := json.Marshal(e.Header)
	if err != nil {
		return fmt.Errorf("relaycache/sqlite: encoding header: %w", err)
	}
	var variantJSON []byte
	if len(e.VariantMap) > 0 {
		variantJSON, err = json.Marshal(e.VariantMap)
		if err != nil {
			return fmt.Errorf("relaycache/sqlite: encoding variant map: %w", err)
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO cache_entries
		(`+entryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Key, e.RequestMethod, e.RequestDate.Unix(), e.ResponseDate.Unix(),
		e.StatusCode, e.StatusReason, e.Proto, e.ProtoMajor, e.ProtoMinor,
		headerJSON, variantJSON, body)
	if err != nil {
		return fmt.Errorf("relaycache/sqlite: write: %w", err)
	}
	return nil
}

func (s *Store) UpdateCacheEntry(ctx context.Context, target *url.URL, req *http.Request, old *store.Entry, resp304 *http.Response, requestDate, responseDate time.Time) (*store.Entry, error) {
	body, err := s.bodyOf(ctx, old)
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
	updated.Body = blobHandle(body)
	return updated, nil
}

func (s *Store) UpdateVariantCacheEntry(ctx context.Context, target *url.URL, condReq *http.Request, old *store.Entry, resp304 *http.Response, requestDate, responseDate time.Time, variantCacheKey string) (*store.Entry, error) {
	updated, err := s.UpdateCacheEntry(ctx, target, condReq, old, resp304, requestDate, responseDate)
	if err != nil {
		return nil, err
	}
	updated.Key = variantCacheKey
	if err := s.put(ctx, updated, []byte(updated.Body.(blobHandle))); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) ReuseVariantEntryFor(ctx context.Context, target *url.URL, req *http.Request, v store.Variant) error {
	prefix := s.primaryKey(req)
	key := s.keyer.AddVaryKeys(prefix, req, v.Entry.Header)
	body, err := s.bodyOf(ctx, v.Entry)
	if err != nil {
		return err
	}
	reused := *v.Entry
	reused.Key = key
	return s.put(ctx, &reused, body)
}

func (s *Store) FlushCacheEntriesFor(ctx context.Context, target *url.URL, req *http.Request) error {
	prefix := s.keyer.OriginPrefix + req.Method + ":" + target.RequestURI()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key LIKE ?`, prefix+"%")
	if err != nil {
		return fmt.Errorf("relaycache/sqlite: flush: %w", err)
	}
	return nil
}

func (s *Store) FlushInvalidatedCacheEntriesFor(ctx context.Context, target *url.URL, req *http.Request) error {
	return s.FlushCacheEntriesFor(ctx, target, req)
}

func (s *Store) Entries(ctx context.Context) ([]*store.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM cache_entries`)
	if err != nil {
		return nil, fmt.Errorf("relaycache/sqlite: query: %w", err)
	}
	defer rows.Close()

	var entries []*store.Entry
	for rows.Next() {
		r, err := s.scanRow(rows)
		if err != nil {
			return nil, err
		}
		entry, err := r.toEntry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *Store) bodyOf(ctx context.Context, e *store.Entry) ([]byte, error) {
	if bh, ok := e.Body.(blobHandle); ok {
		return []byte(bh), nil
	}
	rc, err := e.Body.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func materialize(e *store.Entry) *http.Response {
	return &http.Response{
		Status:     e.StatusReason,
		StatusCode: e.StatusCode,
		Proto:      e.Proto,
		ProtoMajor: e.ProtoMajor,
		ProtoMinor: e.ProtoMinor,
		Header:     e.Header.Clone(),
		Body:       io.NopCloser(strings.NewReader(string(e.Body.(blobHandle)))),
	}
}

func mergeHeaders(stored, incoming304 http.Header) http.Header {
	merged := stored.Clone()
	for name, values := range incoming304 {
		merged[name] = values
	}
	return merged
}

// blobHandle is a store.Handle over bytes already resident from the row that
// produced it; SQLite has no separate blob-streaming story worth adding
// here, so bodies round-trip through memory on every read.
type blobHandle []byte

func (h blobHandle) Open(ctx context.Context) (store.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(string(h))), nil
}

func (h blobHandle) Size() int64 { return int64(len(h)) }
