package intercept

import (
	"io"
	"mime"
	"strings"

	"golang.org/x/net/html/charset"

	"github.com/Rorqualx/captcharelay-go/internal/types"
)

// DefaultMaxPayload is the largest body relayed when no limit is configured.
const DefaultMaxPayload = 10 * 1024 * 1024

// DecodeText converts a response body to text.
// Bodies are taken as UTF-8 unless contentType declares another known charset.
func DecodeText(body []byte, contentType string) string {
	if contentType == "" {
		return string(body)
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return string(body)
	}
	label := strings.TrimSpace(params["charset"])
	if label == "" || strings.EqualFold(label, "utf-8") || strings.EqualFold(label, "utf8") {
		return string(body)
	}
	enc, _ := charset.Lookup(label)
	if enc == nil {
		return string(body)
	}
	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return string(body)
	}
	return string(out)
}

// readPayload reads r to completion as text, failing once more than limit bytes arrive.
func readPayload(r io.Reader, limit int64, contentType string) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return "", err
	}
	if int64(len(data)) > limit {
		return "", types.ErrPayloadTooLarge
	}
	return DecodeText(data, contentType), nil
}
