// Package transport provides the native network entry points a page issues
// calls through: an event-style call object and a promise-style round tripper,
// both backed by net/http.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/captcharelay-go/internal/intercept"
	"github.com/Rorqualx/captcharelay-go/internal/security"
)

const (
	defaultTimeout = 30 * time.Second
	// defaultMaxBody bounds how much of an event-style response is materialized.
	defaultMaxBody = 16 * 1024 * 1024
)

var (
	// ErrInvalidState is returned when Open or Send is called out of order.
	ErrInvalidState = errors.New("call is in an invalid state")
	// ErrBodyTooLarge is recorded when an event-style response exceeds the limit.
	ErrBodyTooLarge = errors.New("response body exceeds limit")
)

// Config contains configuration for the native entry points.
type Config struct {
	Timeout  time.Duration
	ProxyURL string
	MaxBody  int64
	Client   *http.Client // Override for testing
}

// New creates the HTTP client shared by both entry points.
func New(cfg Config) (*http.Client, error) {
	if cfg.Client != nil {
		return cfg.Client, nil
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	base := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.ProxyURL != "" {
		proxy, err := url.Parse(cfg.ProxyURL)
		if err != nil || proxy.Host == "" {
			return nil, fmt.Errorf("invalid proxy url %q", security.RedactProxyURL(cfg.ProxyURL))
		}
		base.Proxy = http.ProxyURL(proxy)
		log.Debug().Str("proxy", security.RedactProxyURL(cfg.ProxyURL)).Msg("Outbound proxy configured")
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: base,
	}, nil
}

// NewPage creates a page whose entry points are backed by client.
func NewPage(client *http.Client, maxBody int64) *intercept.Page {
	return intercept.NewPage(NewEventSource(client, maxBody), RoundTripper(client))
}

// RoundTripper returns the promise-style entry point for client.
// Calls are issued with client.Do, so client timeouts and redirects apply.
func RoundTripper(client *http.Client) http.RoundTripper {
	return intercept.RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL != nil && req.URL.Host == "" {
			return nil, fmt.Errorf("request url %q is not absolute", req.URL.String())
		}
		return client.Do(req)
	})
}

// EventSource creates event-style calls.
type EventSource struct {
	client  *http.Client
	maxBody int64
}

// NewEventSource creates an event-style entry point backed by client.
func NewEventSource(client *http.Client, maxBody int64) *EventSource {
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	return &EventSource{client: client, maxBody: maxBody}
}

// NewCall implements intercept.EventSource.
func (s *EventSource) NewCall() intercept.EventCall {
	return &Call{
		client:  s.client,
		maxBody: s.maxBody,
		header:  http.Header{},
		done:    make(chan struct{}),
	}
}

type callState int

const (
	stateUnsent callState = iota
	stateOpened
	stateLoading
	stateDone
)

// Call is one event-style call. Send issues the request in the background;
// when the response has been fully materialized the load listeners run
// in registration order.
type Call struct {
	client  *http.Client
	maxBody int64

	mu        sync.Mutex
	state     callState
	ctx       context.Context
	method    string
	url       string
	header    http.Header
	listeners []func()

	status       int
	respHeader   http.Header
	responseText string
	err          error
	done         chan struct{}
}

// Open configures the call. It may be called again before Send.
func (c *Call) Open(method, rawURL string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state > stateOpened {
		return ErrInvalidState
	}
	if method == "" {
		method = http.MethodGet
	}
	c.method = method
	c.url = rawURL
	c.state = stateOpened
	return nil
}

// SetRequestHeader adds a request header. Only valid between Open and Send.
func (c *Call) SetRequestHeader(key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateOpened {
		return ErrInvalidState
	}
	c.header.Add(key, value)
	return nil
}

// WithContext binds the call to ctx. Cancelling it aborts the request.
func (c *Call) WithContext(ctx context.Context) *Call {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
	return c
}

// OnLoad registers fn to run once the response has completed.
func (c *Call) OnLoad(fn func()) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Send starts the request. It returns as soon as the request is issued.
func (c *Call) Send(body []byte) error {
	c.mu.Lock()
	if c.state != stateOpened {
		c.mu.Unlock()
		return ErrInvalidState
	}
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, c.method, c.url, reader)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	req.Header = c.header.Clone()
	c.state = stateLoading
	c.mu.Unlock()

	go c.run(req)
	return nil
}

func (c *Call) run(req *http.Request) {
	status, header, text, err := c.fetch(req)

	c.mu.Lock()
	c.status, c.respHeader, c.responseText, c.err = status, header, text, err
	c.state = stateDone
	listeners := append([]func(){}, c.listeners...)
	c.mu.Unlock()
	defer close(c.done)

	if err != nil {
		log.Debug().
			Err(err).
			Str("method", req.Method).
			Str("url", req.URL.String()).
			Msg("Event-style call failed")
		return
	}

	for _, fn := range listeners {
		c.dispatch(fn)
	}
}

// Unwrap returns the *Call underneath any wrapping EventCall.
func Unwrap(ec intercept.EventCall) (*Call, bool) {
	for ec != nil {
		switch v := ec.(type) {
		case *Call:
			return v, true
		case interface{ Unwrap() intercept.EventCall }:
			ec = v.Unwrap()
		default:
			return nil, false
		}
	}
	return nil, false
}

// dispatch runs one listener; a panic in one listener does not stop the others.
func (c *Call) dispatch(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Recovered from panic in load listener")
		}
	}()
	fn()
}

func (c *Call) fetch(req *http.Request) (int, http.Header, string, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return resp.StatusCode, resp.Header, "", err
	}
	if int64(len(data)) > c.maxBody {
		return resp.StatusCode, resp.Header, "", ErrBodyTooLarge
	}
	return resp.StatusCode, resp.Header, intercept.DecodeText(data, resp.Header.Get("Content-Type")), nil
}

// ResponseText returns the decoded response body once the call is done.
func (c *Call) ResponseText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.responseText
}

// Status returns the HTTP status code, or 0 before completion.
func (c *Call) Status() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Header returns the response headers once the call is done.
func (c *Call) Header() http.Header {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.respHeader
}

// Err returns the network error of a finished call.
func (c *Call) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed when the call has finished, successfully or not,
// after the load listeners have returned.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the call has finished or ctx is done.
func (c *Call) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
