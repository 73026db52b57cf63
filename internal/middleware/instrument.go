package middleware

import (
	"net/http"
	"strconv"
	"time"
)

// Instrument reports the duration of every request to observe, labelled with
// the matched route pattern. Unmatched requests are reported as "unmatched".
func Instrument(observe func(route, status string, d time.Duration)) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := wrapWriter(w)

			next.ServeHTTP(sw, r)

			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			observe(route, strconv.Itoa(sw.statusCode), time.Since(start))
		})
	}
}
