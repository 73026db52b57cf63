package handlers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/Rorqualx/captcharelay-go/internal/intercept"
	"github.com/Rorqualx/captcharelay-go/internal/security"
	"github.com/Rorqualx/captcharelay-go/internal/transport"
	"github.com/Rorqualx/captcharelay-go/internal/types"
)

// handleFetch issues one call through the intercepted page and returns its
// result unchanged. Matching calls are relayed on the message stream.
func (h *Handler) handleFetch(w http.ResponseWriter, r *http.Request) {
	var req types.FetchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", types.ErrInvalidRequest, err))
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, err)
		return
	}
	if err := security.ValidateHeaders(req.Headers); err != nil {
		writeError(w, fmt.Errorf("%w: %v", types.ErrInvalidRequest, err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.config.FetchTimeout)
	defer cancel()

	var (
		resp *types.FetchResponse
		err  error
	)
	if req.Transport == types.TransportXHR {
		resp, err = h.fetchEventStyle(ctx, &req)
	} else {
		resp, err = h.fetchPromiseStyle(ctx, &req)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	resp.Status = types.StatusOK
	resp.Transport = req.Transport
	writeOK(w, http.StatusOK, "", resp)
}

func (h *Handler) fetchPromiseStyle(ctx context.Context, req *types.FetchRequest) (*types.FetchResponse, error) {
	init := &intercept.FetchInit{
		Method: req.Method,
		Header: http.Header{},
	}
	for k, v := range req.Headers {
		init.Header.Set(k, v)
	}
	if req.Body != "" {
		init.Body = bytes.NewReader([]byte(req.Body))
	}

	resp, err := h.page.Fetch(ctx, req.URL, init)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, h.config.MaxPayloadBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > h.config.MaxPayloadBytes {
		return nil, types.ErrPayloadTooLarge
	}

	return &types.FetchResponse{
		StatusCode: resp.StatusCode,
		Headers:    flattenHeader(resp.Header),
		Body:       intercept.DecodeText(data, resp.Header.Get("Content-Type")),
	}, nil
}

func (h *Handler) fetchEventStyle(ctx context.Context, req *types.FetchRequest) (*types.FetchResponse, error) {
	ec := h.page.NewCall()
	if err := ec.Open(req.Method, req.URL); err != nil {
		return nil, err
	}

	call, ok := transport.Unwrap(ec)
	if !ok {
		return nil, fmt.Errorf("event-style entry point does not support awaiting completion")
	}
	call.WithContext(ctx)
	for k, v := range req.Headers {
		if err := call.SetRequestHeader(k, v); err != nil {
			return nil, err
		}
	}

	var body []byte
	if req.Body != "" {
		body = []byte(req.Body)
	}
	if err := ec.Send(body); err != nil {
		return nil, err
	}
	if err := call.Wait(ctx); err != nil {
		return nil, err
	}

	return &types.FetchResponse{
		StatusCode: call.Status(),
		Headers:    flattenHeader(call.Header()),
		Body:       ec.ResponseText(),
	}, nil
}

func flattenHeader(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
