package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/rs/zerolog/log"
)

// Recovery turns a handler panic into a 500 JSON error.
// Panics after the response has started streaming only end the stream.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := wrapWriter(w)

		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			log.Error().
				Interface("error", rec).
				Str("stack", string(debug.Stack())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Msg("Panic recovered")

			if !sw.wroteHeader {
				WriteError(sw, http.StatusInternalServerError, "Internal server error")
			}
		}()
		next.ServeHTTP(sw, r)
	})
}
