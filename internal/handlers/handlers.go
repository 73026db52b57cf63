// Package handlers provides the HTTP API of the relay daemon.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/captcharelay-go/internal/broadcast"
	"github.com/Rorqualx/captcharelay-go/internal/config"
	"github.com/Rorqualx/captcharelay-go/internal/intercept"
	"github.com/Rorqualx/captcharelay-go/internal/metrics"
	"github.com/Rorqualx/captcharelay-go/internal/middleware"
	"github.com/Rorqualx/captcharelay-go/internal/providers"
	"github.com/Rorqualx/captcharelay-go/internal/types"
	"github.com/Rorqualx/captcharelay-go/pkg/version"
)

// maxJSONBody bounds API request bodies.
const maxJSONBody = types.MaxRequestBodySize + 64*1024

// RuleSource exposes the active provider rules.
type RuleSource interface {
	Get() intercept.RuleSet
	Stats() providers.ReloadStats
}

// StatsSource exposes relay statistics.
type StatsSource interface {
	Snapshot() metrics.Snapshot
}

// PageWatcher opens and closes observed browser pages.
type PageWatcher interface {
	Open(ctx context.Context, url string) (types.PageInfo, error)
	List() []types.PageInfo
	Close(id string) error
}

// Handler serves the relay API.
type Handler struct {
	hub       *broadcast.Hub[intercept.RelayMessage]
	page      *intercept.Page
	rules     RuleSource
	stats     StatsSource
	watcher   PageWatcher
	config    *config.Config
	heartbeat time.Duration
}

// Option configures a Handler.
type Option func(*Handler)

// WithWatcher enables the browser page endpoints.
func WithWatcher(w PageWatcher) Option {
	return func(h *Handler) { h.watcher = w }
}

// WithHeartbeat sets the idle interval after which the message stream
// writes an empty line to keep intermediaries from closing it.
func WithHeartbeat(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// New creates a Handler.
func New(cfg *config.Config, hub *broadcast.Hub[intercept.RelayMessage], page *intercept.Page,
	rules RuleSource, stats StatsSource, opts ...Option) *Handler {
	h := &Handler{
		hub:       hub,
		page:      page,
		rules:     rules,
		stats:     stats,
		config:    cfg,
		heartbeat: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns the API mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /v1/messages", h.handleMessages)
	mux.HandleFunc("GET /v1/providers", h.handleProviders)
	mux.HandleFunc("GET /v1/stats", h.handleStats)
	mux.HandleFunc("POST /v1/fetch", h.handleFetch)
	mux.HandleFunc("POST /v1/pages", h.handlePageOpen)
	mux.HandleFunc("GET /v1/pages", h.handlePageList)
	mux.HandleFunc("DELETE /v1/pages/{id}", h.handlePageClose)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, http.StatusOK, "captcharelay is ready", nil)
}

type providersResponse struct {
	Providers intercept.RuleSet     `json:"providers"`
	Reload    providers.ReloadStats `json:"reload"`
}

func (h *Handler) handleProviders(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, http.StatusOK, "", providersResponse{
		Providers: h.rules.Get(),
		Reload:    h.rules.Stats(),
	})
}

type statsResponse struct {
	Relay   metrics.Snapshot `json:"relay"`
	Hub     broadcast.Stats  `json:"hub"`
	Pages   int              `json:"pages"`
	Version string           `json:"version"`
}

func (h *Handler) handleStats(w http.ResponseWriter, _ *http.Request) {
	resp := statsResponse{
		Relay:   h.stats.Snapshot(),
		Hub:     h.hub.Stats(),
		Version: version.Full(),
	}
	if h.watcher != nil {
		resp.Pages = len(h.watcher.List())
	}
	writeOK(w, http.StatusOK, "", resp)
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

func writeOK(w http.ResponseWriter, status int, message string, data any) {
	middleware.WriteJSON(w, status, types.Response{
		Status:  types.StatusOK,
		Message: message,
		Version: version.Full(),
		Data:    data,
	})
}

// writeError maps err to an HTTP status and writes the error envelope.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrURLRequired),
		errors.Is(err, types.ErrInvalidURL),
		errors.Is(err, types.ErrInvalidRequest),
		errors.Is(err, types.ErrInvalidTransport):
		status = http.StatusBadRequest
	case errors.Is(err, types.ErrPageNotFound):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrBrowserDisabled):
		status = http.StatusNotImplemented
	case errors.Is(err, types.ErrTooManyPages):
		status = http.StatusTooManyRequests
	case errors.Is(err, types.ErrPayloadTooLarge):
		status = http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}

	if status >= 500 {
		log.Warn().Err(err).Int("status", status).Msg("Request failed")
	}
	middleware.WriteError(w, status, err.Error())
}
