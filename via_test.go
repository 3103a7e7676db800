package relaycache

import (
	"net/http"
	"strings"
	"testing"
)

func TestAddViaOmitsHTTPProtocolToken(t *testing.T) {
	h := http.Header{}
	addVia(h, "HTTP/1.1", 1, 1)
	via := h.Get("Via")
	if !strings.HasPrefix(via, "1.1 ") {
		t.Fatalf("expected an HTTP Via entry to omit the protocol name, got %q", via)
	}
}

func TestAddViaIncludesNonHTTPProtocolToken(t *testing.T) {
	h := http.Header{}
	addVia(h, "FTP/1.0", 1, 0)
	via := h.Get("Via")
	if !strings.HasPrefix(via, "FTP/1.0 ") {
		t.Fatalf("expected a non-HTTP-labeled Via entry to keep its protocol token, got %q", via)
	}
}

func TestAddViaAppendsRatherThanReplaces(t *testing.T) {
	h := http.Header{}
	h.Add("Via", "1.0 upstream-proxy")
	addVia(h, "HTTP/1.1", 1, 1)

	values := h.Values("Via")
	if len(values) != 2 {
		t.Fatalf("expected the existing Via entry to survive, got %v", values)
	}
	if values[0] != "1.0 upstream-proxy" {
		t.Fatalf("expected the upstream Via entry to stay first, got %q", values[0])
	}
}
