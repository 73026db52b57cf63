package types

import (
	"errors"
	"testing"
)

func TestFetchRequestValidate_Defaults(t *testing.T) {
	req := FetchRequest{URL: "https://example.com/recaptcha/api2/reload"}
	if err := req.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if req.Method != "GET" {
		t.Errorf("Expected default method GET, got %q", req.Method)
	}
	if req.Transport != TransportFetch {
		t.Errorf("Expected default transport %q, got %q", TransportFetch, req.Transport)
	}
}

func TestFetchRequestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		req     FetchRequest
		wantErr error
	}{
		{"missing url", FetchRequest{}, ErrURLRequired},
		{"bad scheme", FetchRequest{URL: "file:///etc/passwd"}, ErrInvalidURL},
		{"no host", FetchRequest{URL: "http://"}, ErrInvalidURL},
		{"bad transport", FetchRequest{URL: "https://a.test/", Transport: "ws"}, ErrInvalidTransport},
		{"long method", FetchRequest{URL: "https://a.test/", Method: "VERYLONGMETHODNAME"}, ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestFetchRequestValidate_NormalizesMethod(t *testing.T) {
	req := FetchRequest{URL: "http://a.test/x", Method: "post", Transport: TransportXHR}
	if err := req.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if req.Method != "POST" {
		t.Errorf("Expected POST, got %q", req.Method)
	}
}

func TestWatchRequestValidate(t *testing.T) {
	if err := (&WatchRequest{}).Validate(); !errors.Is(err, ErrURLRequired) {
		t.Errorf("Expected ErrURLRequired, got %v", err)
	}
	if err := (&WatchRequest{URL: "https://www.google.com/recaptcha/api2/demo"}).Validate(); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestRelayErrorUnwrap(t *testing.T) {
	err := NewExtractError("recap", "/recaptcha/api2/reload", ErrPayloadTooLarge)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Error("Expected errors.Is to find ErrPayloadTooLarge")
	}
	if err.Stage != StageExtract {
		t.Errorf("Expected stage %q, got %q", StageExtract, err.Stage)
	}

	var relayErr *RelayError
	if !errors.As(error(NewPublishError("lemin", "/x", ErrHubClosed)), &relayErr) {
		t.Fatal("Expected errors.As to match *RelayError")
	}
	if relayErr.Provider != "lemin" {
		t.Errorf("Expected provider lemin, got %q", relayErr.Provider)
	}
}
