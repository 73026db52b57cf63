package intercept

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// eventSource wraps the event-style entry point.
type eventSource struct {
	next EventSource
	ic   *Interceptor
}

func (s *eventSource) NewCall() EventCall {
	c := s.next.NewCall()
	if s.ic.disposed.Load() || c == nil {
		return c
	}
	return &eventCall{EventCall: c, ic: s.ic}
}

// eventCall records the open arguments of one call and attaches the
// completion listener on send. Everything else goes straight to the original.
type eventCall struct {
	EventCall
	ic *Interceptor

	mu     sync.Mutex
	method string
	url    string
}

// Unwrap returns the wrapped call.
func (c *eventCall) Unwrap() EventCall { return c.EventCall }

func (c *eventCall) Open(method, url string) error {
	c.mu.Lock()
	c.method, c.url = method, url
	c.mu.Unlock()
	return c.EventCall.Open(method, url)
}

func (c *eventCall) Send(body []byte) error {
	if !c.ic.disposed.Load() {
		c.mu.Lock()
		call := InterceptedCall{
			ID:     NewCallID(),
			Method: c.method,
			URL:    c.url,
			Kind:   EventStyle,
		}
		c.mu.Unlock()

		inner := c.EventCall
		inner.OnLoad(func() { c.ic.onEventLoad(call, inner) })
	}
	return c.EventCall.Send(body)
}

// onEventLoad runs inside the original call's completion dispatch, so it must
// never panic into it.
func (ic *Interceptor) onEventLoad(call InterceptedCall, inner EventCall) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("call_id", call.ID).
				Msg("Recovered from panic in load listener")
		}
	}()

	ic.Deliver(call, func() (string, error) {
		return inner.ResponseText(), nil
	})
}
