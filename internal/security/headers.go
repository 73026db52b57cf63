// Package security provides input checks and log redaction for the relay API.
package security

import (
	"errors"
	"fmt"
	"net/textproto"
	"strings"
)

// Header limits for caller-supplied request headers.
const (
	MaxHeaderNameLength  = 256
	MaxHeaderValueLength = 8192
	MaxTotalHeadersSize  = 65536
)

var (
	ErrHeaderNameEmpty     = errors.New("header name cannot be empty")
	ErrHeaderNameTooLong   = errors.New("header name exceeds maximum length of 256 bytes")
	ErrHeaderValueTooLong  = errors.New("header value exceeds maximum length of 8KB")
	ErrTotalHeadersTooLong = errors.New("total headers size exceeds maximum of 64KB")
	ErrInvalidHeaderName   = errors.New("header name contains invalid characters")
	ErrInvalidHeaderChar   = errors.New("header value contains invalid characters")
	ErrBlockedHeader       = errors.New("header is managed by the transport")
)

// transportHeaders are set by the HTTP transport itself. Supplying them
// would change message framing rather than the call.
var transportHeaders = map[string]bool{
	"Host":              true,
	"Connection":        true,
	"Keep-Alive":        true,
	"Content-Length":    true,
	"Transfer-Encoding": true,
	"Te":                true,
	"Trailer":           true,
	"Upgrade":           true,
}

// ValidateHeaders checks headers a caller wants attached to a relayed call.
func ValidateHeaders(headers map[string]string) error {
	var total int
	for name, value := range headers {
		if err := validateHeaderName(name); err != nil {
			return fmt.Errorf("invalid header name %q: %w", name, err)
		}
		if err := validateHeaderValue(value); err != nil {
			return fmt.Errorf("invalid value for header %q: %w", name, err)
		}
		total += len(name) + len(value) + 4
		if total > MaxTotalHeadersSize {
			return ErrTotalHeadersTooLong
		}
	}
	return nil
}

func validateHeaderName(name string) error {
	switch {
	case name == "":
		return ErrHeaderNameEmpty
	case len(name) > MaxHeaderNameLength:
		return ErrHeaderNameTooLong
	}
	for _, c := range name {
		if c < 33 || c > 126 || c == ':' {
			return ErrInvalidHeaderName
		}
	}

	canonical := textproto.CanonicalMIMEHeaderKey(name)
	if transportHeaders[canonical] || strings.HasPrefix(canonical, "Proxy-") {
		return ErrBlockedHeader
	}
	return nil
}

// validateHeaderValue rejects control characters, tabs included.
func validateHeaderValue(value string) error {
	if len(value) > MaxHeaderValueLength {
		return ErrHeaderValueTooLong
	}
	for _, c := range value {
		if c < 32 || c >= 127 {
			return ErrInvalidHeaderChar
		}
	}
	return nil
}
