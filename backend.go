package relaycache

import (
	"context"
	"net/http"
	"net/url"
)

// Backend is the transport a Cache dispatches uncached requests through,
// with the destination passed explicitly as target. An http.RoundTripper is
// adapted with RoundTripperBackend. A Cache itself satisfies Backend, so
// caches can be nested; it also implements http.RoundTripper and can be
// plugged into httputil.ReverseProxy as a Transport.
type Backend interface {
	Execute(ctx context.Context, target *url.URL, req *http.Request) (*http.Response, error)
}

// BackendFunc adapts a function to a Backend.
type BackendFunc func(ctx context.Context, target *url.URL, req *http.Request) (*http.Response, error)

func (f BackendFunc) Execute(ctx context.Context, target *url.URL, req *http.Request) (*http.Response, error) {
	return f(ctx, target, req)
}

// RoundTripperBackend adapts an http.RoundTripper (such as
// http.DefaultTransport) to a Backend. It sends a clone of req whose URL is
// replaced by target.
type RoundTripperBackend struct {
	Transport http.RoundTripper
}

func (b RoundTripperBackend) Execute(ctx context.Context, target *url.URL, req *http.Request) (*http.Response, error) {
	rt := b.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	clone := req.Clone(ctx)
	clone.URL = target
	clone.RequestURI = ""
	return rt.RoundTrip(clone)
}
