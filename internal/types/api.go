package types

import (
	"fmt"
	"net/url"
	"strings"
)

// Request validation limits.
const (
	MaxURLLength       = 8192
	MaxMethodLength    = 16
	MaxRequestBodySize = 256 * 1024 // 256KB
	MaxHeaders         = 50
)

// Transport values accepted by FetchRequest.Transport.
const (
	TransportXHR   = "xhr"
	TransportFetch = "fetch"
)

// Response status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// FetchRequest asks the daemon to issue a call through the intercepted page.
type FetchRequest struct {
	URL       string            `json:"url"`
	Method    string            `json:"method,omitempty"`
	Body      string            `json:"body,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Transport string            `json:"transport,omitempty"` // "xhr" or "fetch" (default)
}

// Validate validates the request and fills defaults.
func (r *FetchRequest) Validate() error {
	if r.URL == "" {
		return ErrURLRequired
	}
	if err := validateURL(r.URL); err != nil {
		return err
	}

	if r.Method == "" {
		r.Method = "GET"
	}
	if len(r.Method) > MaxMethodLength {
		return fmt.Errorf("%w: method exceeds maximum length of %d", ErrInvalidRequest, MaxMethodLength)
	}
	r.Method = strings.ToUpper(r.Method)

	if len(r.Body) > MaxRequestBodySize {
		return fmt.Errorf("%w: body exceeds maximum size of %d", ErrInvalidRequest, MaxRequestBodySize)
	}
	if len(r.Headers) > MaxHeaders {
		return fmt.Errorf("%w: too many headers (max %d)", ErrInvalidRequest, MaxHeaders)
	}

	switch r.Transport {
	case "":
		r.Transport = TransportFetch
	case TransportXHR, TransportFetch:
	default:
		return ErrInvalidTransport
	}
	return nil
}

// FetchResponse carries the unmodified result of a page call.
type FetchResponse struct {
	Status     string            `json:"status"`
	Message    string            `json:"message,omitempty"`
	StatusCode int               `json:"statusCode,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body"`
	Transport  string            `json:"transport"`
}

// WatchRequest asks the daemon to open and observe a browser page.
type WatchRequest struct {
	URL string `json:"url"`
}

// Validate validates the watch request.
func (r *WatchRequest) Validate() error {
	if r.URL == "" {
		return ErrURLRequired
	}
	return validateURL(r.URL)
}

// PageInfo describes a watched browser page.
type PageInfo struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	CreatedAt int64  `json:"createdAt"`
}

// Response is the generic JSON envelope returned by the API.
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Version string `json:"version,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func validateURL(raw string) error {
	if len(raw) > MaxURLLength {
		return fmt.Errorf("%w: url exceeds maximum length of %d", ErrInvalidURL, MaxURLLength)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidURL)
	}
	return nil
}
