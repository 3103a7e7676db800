package relaycache

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/relaycache/relaycache/internal/rfc2616"
	"github.com/relaycache/relaycache/store"
)

// notModifiedHeaders is the RFC 2616 §10.3.5 list of headers a 304 reply
// must carry from the entry it validates.
var notModifiedHeaders = []string{"Date", "ETag", "Content-Location", "Expires", "Cache-Control", "Vary"}

// ResponseGenerator materializes a stored entry into an HTTP response,
// either full or 304: spec §4.6.
type ResponseGenerator struct {
	Validity rfc2616.ValidityPolicy
}

// Generate produces a full response over the entry's stored body, stamping
// Age and, when applicable, Warning: 113.
func (g ResponseGenerator) Generate(ctx context.Context, req *http.Request, entry *store.Entry, now time.Time) (*http.Response, error) {
	body, err := entry.Body.Open(ctx)
	if err != nil {
		return nil, &StorageError{Op: "open body", Err: err}
	}

	header := entry.Header.Clone()
	age := g.Validity.CurrentAge(entry.Header, entry.RequestDate, entry.ResponseDate, now)
	header.Set("Age", fmt.Sprintf("%d", int64(age.Seconds())))

	lifetime, _ := g.Validity.FreshnessLifetime(entry.Header)
	if age >= 24*time.Hour && lifetime > 24*time.Hour {
		addWarning(header, 113, "Heuristic Expiration")
	}

	return &http.Response{
		Status:     entry.StatusReason,
		StatusCode: entry.StatusCode,
		Proto:      entry.Proto,
		ProtoMajor: entry.ProtoMajor,
		ProtoMinor: entry.ProtoMinor,
		Header:     header,
		Body:       body,
		Request:    req,
	}, nil
}

// GenerateNotModified produces a 304 reply carrying only the headers RFC
// 2616 §10.3.5 mandates.
func (ResponseGenerator) GenerateNotModified(req *http.Request, entry *store.Entry) *http.Response {
	header := make(http.Header)
	for _, name := range notModifiedHeaders {
		if v := entry.Header.Values(name); len(v) > 0 {
			header[http.CanonicalHeaderKey(name)] = v
		}
	}
	return &http.Response{
		Status:     "304 Not Modified",
		StatusCode: http.StatusNotModified,
		Proto:      entry.Proto,
		ProtoMajor: entry.ProtoMajor,
		ProtoMinor: entry.ProtoMinor,
		Header:     header,
		Body:       http.NoBody,
		Request:    req,
	}
}

// addWarning appends an RFC 2616 §14.46 Warning header value.
func addWarning(header http.Header, code int, text string) {
	header.Add("Warning", fmt.Sprintf(`%d relaycache "%s"`, code, text))
}

// selfOptionsResponse answers the self-directed OPTIONS * request of spec
// §4.8 step 2, identifying the cache and the methods it understands.
func selfOptionsResponse(req *http.Request) *http.Response {
	header := make(http.Header)
	header.Set("Allow", "GET, HEAD, POST, PUT, DELETE, PATCH, OPTIONS")
	header.Set("Content-Length", "0")
	addVia(header, req.Proto, req.ProtoMajor, req.ProtoMinor)
	return &http.Response{
		Status:     "200 OK",
		StatusCode: http.StatusOK,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     header,
		Body:       http.NoBody,
		Request:    req,
	}
}
