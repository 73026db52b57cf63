package intercept

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/captcharelay-go/internal/security"
	"github.com/Rorqualx/captcharelay-go/internal/types"
)

// Interceptor is one installation of the call wrappers on a Page.
//
// Lifecycle: Install wraps the page's entry points; Dispose restores them.
// Installations compose: a second Install wraps the first. Disposing an
// installation that is no longer outermost leaves its wrappers in place as
// pure pass-through so the installations above it keep working.
type Interceptor struct {
	page       *Page
	rules      RuleSet
	relay      *Relay
	observer   Observer
	maxPayload int64

	origEvents EventSource
	origFetch  http.RoundTripper
	events     *eventSource
	fetch      *roundTripper

	disposed    atomic.Bool
	disposeOnce sync.Once
	tasks       sync.WaitGroup
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithObserver reports classification and relay outcomes to o.
func WithObserver(o Observer) Option {
	return func(ic *Interceptor) {
		if o != nil {
			ic.observer = o
		}
	}
}

// WithMaxPayload limits the size of relayed promise-style bodies.
// Larger bodies still reach the caller in full but are not relayed.
func WithMaxPayload(n int64) Option {
	return func(ic *Interceptor) {
		if n > 0 {
			ic.maxPayload = n
		}
	}
}

// Install wraps page's entry points so that calls matching rules are relayed on ch.
// The rules are copied; later changes to the slice have no effect on this installation.
func Install(page *Page, ch Channel, rules RuleSet, opts ...Option) (*Interceptor, error) {
	ic, err := newInterceptor(page, ch, rules, opts...)
	if err != nil {
		return nil, err
	}

	page.mu.Lock()
	ic.wrap(page.events, page.fetch)
	page.mu.Unlock()

	log.Info().
		Strs("providers", ic.rules.IDs()).
		Int64("max_payload", ic.maxPayload).
		Msg("Traffic interceptor installed")

	return ic, nil
}

// Replace installs rules in place of ic in a single step, so every call is
// seen by one of the two installations. When ic is still outermost the new
// installation wraps ic's original entry points and ic keeps serving only the
// calls that reached its wrappers before the swap. Otherwise the new
// installation goes on top and ic becomes pass-through, as with Dispose.
// ic must not be used for anything but Wait afterwards.
func (ic *Interceptor) Replace(ch Channel, rules RuleSet, opts ...Option) (*Interceptor, error) {
	next, err := newInterceptor(ic.page, ch, rules, opts...)
	if err != nil {
		return nil, err
	}

	p := ic.page
	p.mu.Lock()
	es, _ := p.events.(*eventSource)
	rt, _ := p.fetch.(*roundTripper)
	outermost := !ic.disposed.Load() && es == ic.events && rt == ic.fetch
	if outermost {
		next.wrap(ic.origEvents, ic.origFetch)
	} else {
		ic.disposed.Store(true)
		next.wrap(p.events, p.fetch)
	}
	p.mu.Unlock()

	ic.disposeOnce.Do(func() {})

	log.Info().
		Strs("providers", next.rules.IDs()).
		Bool("in_place", outermost).
		Msg("Traffic interceptor replaced")

	return next, nil
}

func newInterceptor(page *Page, ch Channel, rules RuleSet, opts ...Option) (*Interceptor, error) {
	if page == nil {
		return nil, types.ErrNilPage
	}
	if ch == nil {
		return nil, types.ErrNilChannel
	}
	if err := rules.Validate(); err != nil {
		return nil, err
	}

	ic := &Interceptor{
		page:       page,
		rules:      rules.Clone(),
		relay:      NewRelay(ch),
		observer:   nopObserver{},
		maxPayload: DefaultMaxPayload,
	}
	for _, opt := range opts {
		opt(ic)
	}
	return ic, nil
}

// wrap points the page at ic's wrappers around events and fetch.
// The caller holds page.mu.
func (ic *Interceptor) wrap(events EventSource, fetch http.RoundTripper) {
	ic.origEvents, ic.origFetch = events, fetch
	ic.events = &eventSource{next: events, ic: ic}
	ic.fetch = &roundTripper{next: fetch, ic: ic}
	ic.page.events, ic.page.fetch = ic.events, ic.fetch
}

// Rules returns a copy of the installed rule set.
func (ic *Interceptor) Rules() RuleSet {
	return ic.rules.Clone()
}

// Dispose removes the installation. Calls already in flight finish their
// relay work; calls issued afterwards are not intercepted.
// Safe to call multiple times.
func (ic *Interceptor) Dispose() {
	ic.disposeOnce.Do(func() {
		ic.disposed.Store(true)

		p := ic.page
		p.mu.Lock()
		restored := false
		if es, ok := p.events.(*eventSource); ok && es == ic.events {
			p.events = ic.origEvents
			restored = true
		}
		if rt, ok := p.fetch.(*roundTripper); ok && rt == ic.fetch {
			p.fetch = ic.origFetch
			restored = true
		}
		p.mu.Unlock()

		log.Info().
			Bool("restored", restored).
			Msg("Traffic interceptor disposed")
	})
}

// Wait blocks until every detached relay task has finished.
// It is meant for shutdown and tests, never for a caller's path.
func (ic *Interceptor) Wait() {
	ic.tasks.Wait()
}

// Deliver classifies call and, only if a provider matches, reads the payload
// once and relays it to every matching provider. It returns the number of
// messages published.
func (ic *Interceptor) Deliver(call InterceptedCall, read func() (string, error)) int {
	matches := ic.classify(call)
	if len(matches) == 0 {
		return 0
	}
	return ic.relayAll(call, matches, read)
}

// DeliverAsync classifies call on the calling goroutine and runs the read and
// relay for a match on a detached task.
func (ic *Interceptor) DeliverAsync(call InterceptedCall, read func() (string, error)) bool {
	matches := ic.classify(call)
	if len(matches) == 0 {
		return false
	}
	ic.spawn(func() {
		ic.relayAll(call, matches, read)
	})
	return true
}

// NewCallID returns an identifier for log correlation.
func NewCallID() string {
	return uuid.NewString()
}

func (ic *Interceptor) classify(call InterceptedCall) []ProviderRule {
	matches := ic.rules.Match(call.URL)

	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
	}
	ic.observer.Classified(call, ids)

	if len(matches) == 0 {
		log.Trace().
			Str("call_id", call.ID).
			Str("type", string(call.Kind)).
			Str("url", security.RedactURL(call.URL)).
			Msg("Call did not match any provider")
		return nil
	}

	log.Debug().
		Str("call_id", call.ID).
		Str("type", string(call.Kind)).
		Str("method", call.Method).
		Str("url", security.RedactURL(call.URL)).
		Strs("providers", ids).
		Msg("Call matched provider rules")
	return matches
}

func (ic *Interceptor) relayAll(call InterceptedCall, matches []ProviderRule, read func() (string, error)) int {
	payload, err := read()
	if err != nil {
		for _, m := range matches {
			ic.fail(call, types.NewExtractError(m.ID, call.URL, err))
		}
		return 0
	}

	published := 0
	for _, m := range matches {
		msg, err := ic.relay.Publish(call, m.ID, payload)
		if err != nil {
			var relayErr *types.RelayError
			if !errors.As(err, &relayErr) {
				relayErr = types.NewPublishError(m.ID, call.URL, err)
			}
			ic.fail(call, relayErr)
			continue
		}
		published++
		ic.observer.Relayed(msg)

		log.Debug().
			Str("call_id", call.ID).
			Str("provider", m.ID).
			Str("type", string(msg.Type)).
			Int("bytes", len(msg.Data)).
			Msg("Payload relayed")
	}
	return published
}

func (ic *Interceptor) fail(call InterceptedCall, err *types.RelayError) {
	ic.observer.RelayFailed(call, err)
	log.Warn().
		Err(err.Err).
		Str("call_id", call.ID).
		Str("stage", err.Stage).
		Str("provider", err.Provider).
		Str("url", security.RedactURL(call.URL)).
		Msg("Relay failed")
}

// spawn runs fn on a detached goroutine. Panics are recovered and logged;
// nothing propagates to the goroutine that spawned it.
func (ic *Interceptor) spawn(fn func()) {
	ic.tasks.Add(1)
	go func() {
		defer ic.tasks.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("Recovered from panic in relay task")
			}
		}()
		fn()
	}()
}
