package middleware

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// sensitiveParams are query parameters redacted before logging.
var sensitiveParams = []string{
	"key", "token", "api_key", "apikey", "password", "secret", "auth",
	"access_token", "refresh_token", "credential",
}

// sanitizeURLForLogging redacts sensitive query parameters.
func sanitizeURLForLogging(rawURL string) string {
	if rawURL == "" {
		return ""
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "[invalid-url]"
	}
	if parsed.RawQuery == "" {
		return rawURL
	}

	query := parsed.Query()
	redacted := false
	for key := range query {
		for _, param := range sensitiveParams {
			if strings.EqualFold(key, param) {
				query.Set(key, "[REDACTED]")
				redacted = true
				break
			}
		}
	}
	if !redacted {
		return rawURL
	}

	parsed.RawQuery = query.Encode()
	return parsed.String()
}

// maskIP keeps the /24 (IPv4) or /48 (IPv6) prefix of a remote address.
func maskIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return "[redacted]"
	}
	if ip4 := ip.To4(); ip4 != nil {
		return ip4.Mask(net.CIDRMask(24, 32)).String() + "/24"
	}
	return ip.Mask(net.CIDRMask(48, 128)).String() + "/48"
}

// Logging logs one line per completed request.
// Server errors log at error level, client errors at warn.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := wrapWriter(w)

		next.ServeHTTP(sw, r)

		var event *zerolog.Event
		switch {
		case sw.statusCode >= 500:
			event = log.Error()
		case sw.statusCode >= 400:
			event = log.Warn()
		default:
			event = log.Info()
		}

		event.
			Str("method", r.Method).
			Str("path", sanitizeURLForLogging(r.URL.String())).
			Str("remote_addr", maskIP(r.RemoteAddr)).
			Int("status", sw.statusCode).
			Int64("bytes", sw.bytes).
			Dur("duration", time.Since(start)).
			Msg("Request completed")
	})
}
