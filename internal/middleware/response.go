package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/captcharelay-go/internal/types"
	"github.com/Rorqualx/captcharelay-go/pkg/version"
)

// WriteJSON writes v as a JSON response.
func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// WriteError writes the API error envelope.
func WriteError(w http.ResponseWriter, statusCode int, message string) {
	WriteJSON(w, statusCode, types.Response{
		Status:  types.StatusError,
		Message: message,
		Version: version.Full(),
	})
}
