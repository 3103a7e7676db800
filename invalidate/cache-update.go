// Package invalidate implements delayed, header-driven cache invalidation:
// an origin response to an unsafe request can name additional resources to
// invalidate via a Cache-Update header, optionally after a delay.
package invalidate

import (
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/relaycache/relaycache/internal/rfc2616"
)

var delayDirective = regexp.MustCompile(`(?i)\bdelay=(\d+)`)

// Update is a single `Cache-Update` header entry: a resource to invalidate,
// optionally after Delay has elapsed.
type Update struct {
	URL   *url.URL
	Delay time.Duration
}

// FromResponse extracts the updates named by a response's Cache-Update
// headers. Only meaningful for responses to unsafe requests; the header is
// ignored otherwise.
func FromResponse(req *http.Request, resp *http.Response) []Update {
	if !rfc2616.UnsafeRequest(req) {
		return nil
	}
	updates := make([]Update, 0, len(resp.Header.Values("Cache-Update")))
	for _, raw := range resp.Header.Values("Cache-Update") {
		path, _, _ := strings.Cut(raw, ";")
		resolved := req.URL.ResolveReference(&url.URL{Path: strings.TrimSpace(path)})
		updates = append(updates, Update{URL: resolved, Delay: parseDelay(raw)})
	}
	return updates
}

func parseDelay(directive string) time.Duration {
	if m := delayDirective.FindStringSubmatch(directive); m != nil {
		if seconds, err := strconv.Atoi(m[1]); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}

// Scheduler runs each Update's invalidation after its delay via
// time.AfterFunc, calling back into invalidate for the resolved URL.
type Scheduler struct {
	Invalidate func(u *url.URL)
}

// Schedule fires s.Invalidate immediately (delay 0) or after upd.Delay.
func (s Scheduler) Schedule(upd Update) {
	if upd.Delay <= 0 {
		s.Invalidate(upd.URL)
		return
	}
	time.AfterFunc(upd.Delay, func() { s.Invalidate(upd.URL) })
}
