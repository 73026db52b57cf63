package middleware

import (
	"net/http"

	"github.com/rs/zerolog/log"
)

// CORS allows cross-origin requests from the listed origins only.
// With no origins configured no CORS headers are sent, so browsers block
// cross-origin reads of the relay stream.
func CORS(allowedOrigins []string) Middleware {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = struct{}{}
	}
	if len(allowed) == 0 {
		log.Debug().Msg("No CORS origins configured, cross-origin requests will be rejected")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" {
				if _, ok := allowed[origin]; ok {
					h := w.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
					h.Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					h.Set("Vary", "Origin")
				} else {
					log.Debug().Str("origin", origin).Msg("CORS request from non-allowed origin")
				}
			}

			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
