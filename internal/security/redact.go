package security

import (
	"net/url"
	"strings"
)

// sensitiveParams are query parameter name fragments whose values are masked.
var sensitiveParams = []string{
	"password",
	"secret",
	"token",
	"key",
	"auth",
	"session",
	"sid",
	"credential",
}

// RedactURL masks credentials and secret-looking query values for logging.
// Challenge endpoints often carry site keys and tokens in the query.
func RedactURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "[invalid-url]"
	}

	if parsed.User != nil {
		parsed.User = url.User("[REDACTED]")
	}
	if parsed.RawQuery != "" {
		q := parsed.Query()
		for name := range q {
			if isSensitive(name) {
				q[name] = []string{"[REDACTED]"}
			}
		}
		parsed.RawQuery = q.Encode()
	}
	return parsed.String()
}

// RedactProxyURL masks the password of a proxy URL, keeping the user name.
func RedactProxyURL(proxyURL string) string {
	if proxyURL == "" {
		return ""
	}
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return "[invalid-proxy-url]"
	}
	if parsed.User != nil {
		if _, ok := parsed.User.Password(); ok {
			parsed.User = url.UserPassword(parsed.User.Username(), "[REDACTED]")
		}
	}
	return parsed.String()
}

func isSensitive(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range sensitiveParams {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
