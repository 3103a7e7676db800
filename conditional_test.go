package relaycache

import (
	"net/http"
	"strings"
	"testing"

	"github.com/relaycache/relaycache/store"
)

func TestBuildConditionalRequestUsesETagAndLastModified(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "https://example.test/widgets", nil)
	entry := &store.Entry{Header: http.Header{
		"Etag":          []string{`"v1"`},
		"Last-Modified": []string{"Mon, 01 Jan 2024 00:00:00 GMT"},
	}}

	cond := ConditionalRequestBuilder{}.BuildConditionalRequest(req, entry)
	if cond.Header.Get("If-None-Match") != `"v1"` {
		t.Fatalf("expected If-None-Match to carry the entry's ETag, got %q", cond.Header.Get("If-None-Match"))
	}
	if cond.Header.Get("If-Modified-Since") != "Mon, 01 Jan 2024 00:00:00 GMT" {
		t.Fatalf("expected If-Modified-Since to carry the entry's Last-Modified, got %q", cond.Header.Get("If-Modified-Since"))
	}
}

func TestBuildConditionalRequestNoValidatorsReturnsOriginal(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "https://example.test/widgets", nil)
	entry := &store.Entry{Header: http.Header{}}

	cond := ConditionalRequestBuilder{}.BuildConditionalRequest(req, entry)
	if cond != req {
		t.Fatalf("expected the original request to be returned unchanged when no validator exists")
	}
}

func TestBuildConditionalRequestFromVariantsJoinsETags(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "https://example.test/widgets", nil)
	variants := map[string]store.Variant{
		`"en"`: {ETag: `"en"`},
		`"fr"`: {ETag: `"fr"`},
	}

	cond := ConditionalRequestBuilder{}.BuildConditionalRequestFromVariants(req, variants)
	inm := cond.Header.Get("If-None-Match")
	if !strings.Contains(inm, `"en"`) || !strings.Contains(inm, `"fr"`) {
		t.Fatalf("expected If-None-Match to contain both variant ETags, got %q", inm)
	}
}

func TestBuildUnconditionalRequestStripsValidators(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "https://example.test/widgets", nil)
	req.Header.Set("If-None-Match", `"v1"`)
	req.Header.Set("If-Modified-Since", "Mon, 01 Jan 2024 00:00:00 GMT")

	uncond := ConditionalRequestBuilder{}.BuildUnconditionalRequest(req)
	if uncond.Header.Get("If-None-Match") != "" || uncond.Header.Get("If-Modified-Since") != "" {
		t.Fatalf("expected all conditional headers to be stripped, got %+v", uncond.Header)
	}
	if uncond.Header.Get("Cache-Control") != "no-cache" {
		t.Fatalf("expected Cache-Control: no-cache to force a fresh response, got %q", uncond.Header.Get("Cache-Control"))
	}
}
