package middleware

import (
	"crypto/subtle"
	"net/http"
)

// APIKey rejects requests that do not carry key in the X-API-Key header.
// Query parameters are not accepted since they end up in logs and history.
// An empty key disables the check.
// /health is always reachable.
func APIKey(key string) Middleware {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}

			got := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				WriteError(w, http.StatusUnauthorized, "Invalid or missing API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
