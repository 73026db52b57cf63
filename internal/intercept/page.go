package intercept

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/Rorqualx/captcharelay-go/internal/types"
)

// EventCall is one event-style call: configured with Open, started with Send,
// and completed by invoking the listeners registered with OnLoad.
type EventCall interface {
	Open(method, url string) error
	Send(body []byte) error
	OnLoad(fn func())
	// ResponseText returns the materialized response content.
	// It is only meaningful once the load listeners have fired.
	ResponseText() string
}

// EventSource creates event-style calls.
type EventSource interface {
	NewCall() EventCall
}

// EventSourceFunc adapts a function to the EventSource interface.
type EventSourceFunc func() EventCall

// NewCall calls f().
func (f EventSourceFunc) NewCall() EventCall { return f() }

// RoundTripperFunc adapts a function to http.RoundTripper.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

// RoundTrip calls f(req).
func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

// FetchInit carries the optional parameters of a Fetch call.
type FetchInit struct {
	Method string
	Header http.Header
	Body   io.Reader
}

var errNoFetchEntry = errors.New("page has no fetch entry point")

// Page holds the two process-wide entry points calls are issued through.
// Install replaces them with wrapping equivalents; everything that issues
// calls looks them up at call time, so an installation takes effect for
// every caller at once.
type Page struct {
	mu     sync.RWMutex
	events EventSource
	fetch  http.RoundTripper
}

// NewPage creates a page with the given native entry points.
func NewPage(events EventSource, fetch http.RoundTripper) *Page {
	return &Page{events: events, fetch: fetch}
}

// NewCall creates an event-style call through the current entry point.
func (p *Page) NewCall() EventCall {
	p.mu.RLock()
	src := p.events
	p.mu.RUnlock()
	return src.NewCall()
}

// RoundTrip issues a promise-style call through the current entry point.
// Page therefore satisfies http.RoundTripper.
func (p *Page) RoundTrip(req *http.Request) (*http.Response, error) {
	p.mu.RLock()
	rt := p.fetch
	p.mu.RUnlock()
	if rt == nil {
		return nil, errNoFetchEntry
	}
	return rt.RoundTrip(req)
}

// Client returns an http.Client that issues its calls through the page.
func (p *Page) Client() *http.Client {
	return &http.Client{Transport: p}
}

// Fetch issues a promise-style call for target, which may be a URL string,
// a *url.URL or a prepared *http.Request. init may be nil.
//
// Fetch has to build a request before any entry point sees the call, so other
// target types fail here with types.ErrNoCallTarget instead of being forwarded.
// A string target is relayed exactly as given, not in its re-escaped form.
func (p *Page) Fetch(ctx context.Context, target any, init *FetchInit) (*http.Response, error) {
	req, err := newFetchRequest(ctx, target, init)
	if err != nil {
		return nil, err
	}
	return p.RoundTrip(req)
}

func newFetchRequest(ctx context.Context, target any, init *FetchInit) (*http.Request, error) {
	if init == nil {
		init = &FetchInit{}
	}

	switch t := target.(type) {
	case *http.Request:
		if t == nil || t.URL == nil {
			return nil, types.ErrNoCallTarget
		}
		return t.WithContext(ctx), nil
	case *url.URL:
		if t == nil {
			return nil, types.ErrNoCallTarget
		}
		return buildRequest(ctx, t.String(), init)
	case string:
		if t == "" {
			return nil, types.ErrNoCallTarget
		}
		req, err := buildRequest(ctx, t, init)
		if err != nil {
			return nil, err
		}
		return withCallTarget(req, t), nil
	default:
		return nil, types.ErrNoCallTarget
	}
}

func buildRequest(ctx context.Context, rawURL string, init *FetchInit) (*http.Request, error) {
	method := init.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, init.Body)
	if err != nil {
		return nil, err
	}
	for k, vs := range init.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return req, nil
}

type callTargetKey struct{}

// callTarget is the literal target a request was built from. It only applies
// while the request still carries the URL parsed from it.
type callTarget struct {
	raw string
	u   *url.URL
}

func withCallTarget(req *http.Request, raw string) *http.Request {
	ctx := context.WithValue(req.Context(), callTargetKey{}, callTarget{raw: raw, u: req.URL})
	return req.WithContext(ctx)
}

// requestTarget returns the target req was built from by Fetch, falling back
// to the request URL.
func requestTarget(req *http.Request) (string, bool) {
	if req != nil {
		if ct, ok := req.Context().Value(callTargetKey{}).(callTarget); ok && ct.u == req.URL {
			return ct.raw, true
		}
	}
	return CallTarget(req)
}
