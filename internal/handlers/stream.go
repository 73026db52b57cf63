package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/captcharelay-go/internal/intercept"
	"github.com/Rorqualx/captcharelay-go/internal/metrics"
	"github.com/Rorqualx/captcharelay-go/internal/middleware"
)

// captchaTypeFilter accepts messages whose provider is in the comma-separated list.
// An empty list accepts everything.
func captchaTypeFilter(raw string) func(intercept.RelayMessage) bool {
	if raw == "" {
		return nil
	}
	want := make(map[string]struct{})
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			want[id] = struct{}{}
		}
	}
	if len(want) == 0 {
		return nil
	}
	return func(msg intercept.RelayMessage) bool {
		_, ok := want[msg.CaptchaType]
		return ok
	}
}

// handleMessages streams relay messages as newline-delimited JSON until the
// client disconnects or the hub closes.
func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		middleware.WriteError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	sub, err := h.hub.Subscribe(h.config.SubscriberBuffer, captchaTypeFilter(r.URL.Query().Get("captchaType")))
	if err != nil {
		writeError(w, err)
		return
	}
	defer func() {
		sub.Close()
		stats := h.hub.Stats()
		metrics.UpdateHubMetrics(stats.Subscribers, stats.Dropped)
	}()

	stats := h.hub.Stats()
	metrics.UpdateHubMetrics(stats.Subscribers, stats.Dropped)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log.Debug().
		Str("filter", r.URL.Query().Get("captchaType")).
		Msg("Relay stream subscriber connected")

	enc := json.NewEncoder(w)
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			log.Debug().Msg("Relay stream subscriber disconnected")
			return

		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			if err := enc.Encode(msg); err != nil {
				log.Debug().Err(err).Msg("Relay stream write failed")
				return
			}
			flusher.Flush()
			ticker.Reset(h.heartbeat)

		case <-ticker.C:
			if _, err := w.Write([]byte("\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
