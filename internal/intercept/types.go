// Package intercept wraps a page's two network call entry points and relays
// the response payload of calls whose URL matches a provider's interest list.
//
// The wrapped entry points behave exactly like the originals: the same
// arguments reach the wrapped entry point, the same values come back,
// and no relay work ever runs on, or fails, the caller's path.
package intercept

import (
	"github.com/Rorqualx/captcharelay-go/internal/types"
)

// TransportKind identifies which entry point produced a call.
// Its string value is the "type" field of a RelayMessage.
type TransportKind string

const (
	// EventStyle is the two-phase open/send call with a completion listener.
	EventStyle TransportKind = "xhr"
	// PromiseStyle is the single call that returns once the response has settled.
	PromiseStyle TransportKind = "fetch"
)

// InterceptedCall is the metadata recorded when a wrapped call is initiated.
// It is immutable once created.
type InterceptedCall struct {
	ID     string
	Method string
	URL    string
	Kind   TransportKind
}

// ProviderRule is the interest list of one provider.
type ProviderRule struct {
	ID          string   `yaml:"id" json:"id"`
	URLPatterns []string `yaml:"url_patterns" json:"urlPatterns"`
}

// RuleSet is an ordered collection of provider rules.
type RuleSet []ProviderRule

// RelayMessage is published on the broadcast channel for every matched call and provider.
type RelayMessage struct {
	Type        TransportKind `json:"type"`
	Data        string        `json:"data"`
	URL         string        `json:"url"`
	CaptchaType string        `json:"captchaType"`
}

// Channel is the page-global broadcast channel relay messages are published on.
type Channel interface {
	Publish(msg RelayMessage) error
}

// ChannelFunc adapts a function to the Channel interface.
type ChannelFunc func(msg RelayMessage) error

// Publish calls f(msg).
func (f ChannelFunc) Publish(msg RelayMessage) error { return f(msg) }

// Observer is told about classification and relay outcomes.
// Implementations must be safe for concurrent use and must not block.
type Observer interface {
	// Classified is called once per completed call with the ids of the matched providers.
	Classified(call InterceptedCall, providers []string)
	// Relayed is called after a message was accepted by the channel.
	Relayed(msg RelayMessage)
	// RelayFailed is called when a matched call produced no message.
	RelayFailed(call InterceptedCall, err *types.RelayError)
}

type nopObserver struct{}

func (nopObserver) Classified(InterceptedCall, []string)          {}
func (nopObserver) Relayed(RelayMessage)                          {}
func (nopObserver) RelayFailed(InterceptedCall, *types.RelayError) {}
