package handlers

import (
	"fmt"
	"net/http"

	"github.com/Rorqualx/captcharelay-go/internal/types"
)

func (h *Handler) handlePageOpen(w http.ResponseWriter, r *http.Request) {
	if h.watcher == nil {
		writeError(w, types.ErrBrowserDisabled)
		return
	}

	var req types.WatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", types.ErrInvalidRequest, err))
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, err)
		return
	}

	info, err := h.watcher.Open(r.Context(), req.URL)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusCreated, "page opened", info)
}

func (h *Handler) handlePageList(w http.ResponseWriter, _ *http.Request) {
	if h.watcher == nil {
		writeError(w, types.ErrBrowserDisabled)
		return
	}
	pages := h.watcher.List()
	if pages == nil {
		pages = []types.PageInfo{}
	}
	writeOK(w, http.StatusOK, "", pages)
}

func (h *Handler) handlePageClose(w http.ResponseWriter, r *http.Request) {
	if h.watcher == nil {
		writeError(w, types.ErrBrowserDisabled)
		return
	}
	if err := h.watcher.Close(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, "page closed", nil)
}
