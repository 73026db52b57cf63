package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/Rorqualx/captcharelay-go/internal/intercept"
	"github.com/Rorqualx/captcharelay-go/pkg/version"
)

// maxLineSize bounds one NDJSON line; relayed payloads can be large.
const maxLineSize = 32 * 1024 * 1024

type streamConfig struct {
	BaseURL string
	APIKey  string
	Filter  string
}

// streamURL builds the /v1/messages URL with the optional provider filter.
func (c streamConfig) streamURL() (string, error) {
	u, err := url.Parse(strings.TrimRight(c.BaseURL, "/") + "/v1/messages")
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if c.Filter != "" {
		q := u.Query()
		q.Set("captchaType", c.Filter)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// openStream connects to the relay stream. The caller closes the body.
func openStream(ctx context.Context, client *http.Client, cfg streamConfig) (io.ReadCloser, error) {
	target, err := cfg.streamURL()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/x-ndjson")
	req.Header.Set("User-Agent", version.UserAgent())
	if cfg.APIKey != "" {
		req.Header.Set("X-API-Key", cfg.APIKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("stream returned %s", resp.Status)
	}
	return resp.Body, nil
}

// readMessages decodes NDJSON relay messages from r and calls fn for each.
// Empty lines are heartbeats and are skipped.
func readMessages(r io.Reader, fn func(intercept.RelayMessage)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		line := sc.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var msg intercept.RelayMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			return fmt.Errorf("invalid stream line: %w", err)
		}
		fn(msg)
	}
	return sc.Err()
}
