// Package types provides shared types, interfaces, and errors for the application.
package types

import "errors"

// Sentinel errors for consistent error handling across the application.
// These errors can be checked with errors.Is() for type-safe error handling.
var (
	// Call target errors
	ErrNoCallTarget = errors.New("call target is missing or not URL-like")

	// Relay errors
	ErrPayloadTooLarge = errors.New("response payload exceeds relay limit")
	ErrRelayPanic      = errors.New("relay publisher panicked")
	ErrHubClosed       = errors.New("broadcast channel is closed")

	// Installation errors
	ErrNilPage          = errors.New("page is nil")
	ErrNilChannel       = errors.New("broadcast channel is nil")
	ErrNoProviders      = errors.New("no provider rules configured")
	ErrInvalidProviders = errors.New("invalid provider rules")

	// Page watch errors
	ErrBrowserDisabled = errors.New("browser is not enabled")
	ErrPageNotFound    = errors.New("watched page not found")
	ErrTooManyPages    = errors.New("maximum number of watched pages reached")
	ErrWatcherClosed   = errors.New("page watcher is closed")

	// Request errors
	ErrInvalidRequest   = errors.New("invalid request")
	ErrInvalidURL       = errors.New("invalid URL")
	ErrURLRequired      = errors.New("url is required")
	ErrInvalidTransport = errors.New("transport must be \"xhr\" or \"fetch\"")
)

// Relay stages reported in RelayError.Stage.
const (
	StageExtract = "extract"
	StagePublish = "publish"
)

// RelayError provides detailed information about a relay that did not happen.
// It implements the error interface and supports error unwrapping.
type RelayError struct {
	Stage    string // "extract" or "publish"
	Provider string // Matched provider identifier
	URL      string // Call target that matched
	Err      error  // Underlying error (for unwrapping)
}

// Error implements the error interface.
func (e *RelayError) Error() string {
	msg := "relay " + e.Stage + " failed for provider " + e.Provider
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *RelayError) Unwrap() error {
	return e.Err
}

// NewExtractError creates an error for a response body that could not be read.
func NewExtractError(provider, url string, err error) *RelayError {
	return &RelayError{Stage: StageExtract, Provider: provider, URL: url, Err: err}
}

// NewPublishError creates an error for a message the channel refused.
func NewPublishError(provider, url string, err error) *RelayError {
	return &RelayError{Stage: StagePublish, Provider: provider, URL: url, Err: err}
}
