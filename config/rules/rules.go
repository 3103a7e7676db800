// Package rules applies path/prefix/query-matched Cache-Control overrides
// and default headers to an origin response before the orchestrator ever
// sees it, letting an operator correct an origin's caching headers without
// touching the origin.
package rules

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// Rules is an ordered list of per-origin override rules. The first Rule
// whose selectors match a response's request wins.
type Rules []Rule

// Rule optionally overrides or defaults an origin response's Cache-Control
// header, and can force additional response headers, based on the request
// that produced the response. An empty Method matches only GET.
type Rule struct {
	Prefix   string            `yaml:"prefix"`
	Path     string            `yaml:"path"`
	Method   string            `yaml:"method"`
	Default  string            `yaml:"default"`
	Override string            `yaml:"override"`
	Query    map[string]string `yaml:"query"`
	Headers  map[string]string `yaml:"headers"`
}

// Apply finds the first Rule matching res.Request and applies its
// Cache-Control override or default and any extra headers to res in place.
// Rules never touch a non-200 response: an operator override should not
// make an error response look cacheable that the compliance layer didn't
// already allow.
func (r Rules) Apply(res *http.Response) {
	if res.StatusCode != http.StatusOK {
		return
	}
	if rule := r.find(res.Request); rule != nil {
		rule.applyTo(res)
	}
}

func (r Rules) find(req *http.Request) *Rule {
	for i := range r {
		if r[i].matches(req) {
			return &r[i]
		}
	}
	return nil
}

func (rule Rule) matches(req *http.Request) bool {
	method := rule.Method
	if method == "" {
		method = http.MethodGet
	}
	if req.Method != method {
		return false
	}
	if rule.Path != "" && rule.Path != req.URL.Path {
		return false
	}
	if rule.Prefix != "" && !strings.HasPrefix(req.URL.Path, rule.Prefix) {
		return false
	}
	if len(rule.Query) == 0 {
		return true
	}
	q := req.URL.Query()
	for name, value := range rule.Query {
		if value == "" && !q.Has(name) {
			return false
		}
		if value != "" && q.Get(name) != value {
			return false
		}
	}
	return true
}

func (rule Rule) applyTo(res *http.Response) {
	switch {
	case rule.Override != "":
		log.Trace().Str("path", res.Request.URL.Path).Msg("overriding Cache-Control from rule")
		res.Header.Set("Cache-Control", rule.Override)
	case rule.Default != "" && res.Header.Get("Cache-Control") == "":
		log.Trace().Str("path", res.Request.URL.Path).Msg("applying default Cache-Control from rule")
		res.Header.Set("Cache-Control", rule.Default)
	}
	for name, value := range rule.Headers {
		res.Header.Set(name, value)
	}
}
