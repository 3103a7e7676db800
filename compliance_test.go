package relaycache

import (
	"errors"
	"net/http"
	"testing"
)

func TestSelfOptionsRequiresZeroMaxForwards(t *testing.T) {
	req, _ := http.NewRequest(http.MethodOptions, "*", nil)
	rc := RequestCompliance{}

	if rc.SelfOptions(req) {
		t.Fatalf("expected no Max-Forwards header to mean 'not our request'")
	}

	req.Header.Set("Max-Forwards", "0")
	if !rc.SelfOptions(req) {
		t.Fatalf("expected Max-Forwards: 0 on OPTIONS * to be recognized as our request")
	}

	req.Header.Set("Max-Forwards", "3")
	if rc.SelfOptions(req) {
		t.Fatalf("expected a nonzero Max-Forwards to mean the request is meant for a downstream hop")
	}
}

func TestCheckRejectsUnknownMethod(t *testing.T) {
	req, _ := http.NewRequest("BREW", "https://example.test/", nil)
	rc := RequestCompliance{}

	err := rc.Check(req)
	var fatal *FatalRequestNoncompliance
	if !errors.As(err, &fatal) || fatal.Code != ErrUnknownMethod {
		t.Fatalf("expected an ErrUnknownMethod fatal noncompliance, got %v", err)
	}
}

func TestCheckRejectsWeakETagOnRange(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "https://example.test/", nil)
	req.Header.Set("Range", "bytes=0-99")
	req.Header.Set("If-Range", `W/"v1"`)
	rc := RequestCompliance{}

	err := rc.Check(req)
	var fatal *FatalRequestNoncompliance
	if !errors.As(err, &fatal) || fatal.Code != ErrWeakETagOnRange {
		t.Fatalf("expected an ErrWeakETagOnRange fatal noncompliance, got %v", err)
	}
}

func TestNormalizeRequestKeepsLastCacheControl(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "https://example.test/", nil)
	req.Header.Add("Cache-Control", "max-age=10")
	req.Header.Add("Cache-Control", "no-cache")
	RequestCompliance{}.Normalize(req)

	if got := req.Header.Values("Cache-Control"); len(got) != 1 || got[0] != "no-cache" {
		t.Fatalf("expected duplicate Cache-Control lines collapsed to the last one, got %v", got)
	}
}

func TestResponseComplianceNormalizeSynthesizesDate(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	ResponseCompliance{}.Normalize(resp)

	if resp.Header.Get("Date") == "" {
		t.Fatalf("expected a missing Date header to be synthesized")
	}
}

func TestResponseComplianceNormalizeClampsNegativeAge(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	resp.Header.Set("Age", "-5")
	ResponseCompliance{}.Normalize(resp)

	if resp.Header.Get("Age") != "0" {
		t.Fatalf("expected a negative Age to be clamped to 0, got %q", resp.Header.Get("Age"))
	}
}
