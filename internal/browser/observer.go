package browser

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/captcharelay-go/internal/intercept"
	"github.com/Rorqualx/captcharelay-go/internal/types"
)

// maxPendingCalls bounds the calls tracked between request and completion.
const maxPendingCalls = 1024

// Deliverer relays the payload of calls observed in a browser page.
// *intercept.Interceptor implements it.
type Deliverer interface {
	DeliverAsync(call intercept.InterceptedCall, read func() (string, error)) bool
}

// DelivererFunc resolves the current Deliverer at completion time, so
// reinstalled interceptors take effect on pages that are already open.
type DelivererFunc func() Deliverer

type pendingCall struct {
	call        intercept.InterceptedCall
	contentType string
}

// networkObserver follows XHR and Fetch requests on one page and delivers
// each completed one. Bodies are only fetched for calls a provider matches.
type networkObserver struct {
	page       *rod.Page
	deliverer  DelivererFunc
	maxPayload int64

	mu      sync.Mutex
	pending map[proto.NetworkRequestID]*pendingCall

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	cleanupOnce sync.Once
}

func newNetworkObserver(ctx context.Context, page *rod.Page, deliverer DelivererFunc, maxPayload int64) *networkObserver {
	ctx, cancel := context.WithCancel(ctx)
	return &networkObserver{
		page:       page,
		deliverer:  deliverer,
		maxPayload: maxPayload,
		pending:    make(map[proto.NetworkRequestID]*pendingCall),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// start enables the Network domain and begins listening.
func (o *networkObserver) start() error {
	if err := (proto.NetworkEnable{}).Call(o.page); err != nil {
		return err
	}

	wait := o.page.Context(o.ctx).EachEvent(
		o.onRequest,
		o.onResponse,
		o.onFinished,
		o.onFailed,
	)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("Recovered from panic in network observer")
			}
		}()
		wait()
	}()
	return nil
}

// stop ends the listener and waits for it with a timeout.
func (o *networkObserver) stop() {
	o.cleanupOnce.Do(func() {
		o.cancel()

		done := make(chan struct{})
		go func() {
			o.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			log.Warn().Msg("Timeout waiting for network observer to stop")
		}

		o.mu.Lock()
		o.pending = make(map[proto.NetworkRequestID]*pendingCall)
		o.mu.Unlock()
	})
}

func (o *networkObserver) onRequest(e *proto.NetworkRequestWillBeSent) {
	kind, ok := resourceKind(e.Type)
	if !ok || e.Request == nil {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	// A redirect reuses the request id; the last hop wins.
	if _, exists := o.pending[e.RequestID]; !exists && len(o.pending) >= maxPendingCalls {
		log.Debug().Int("max", maxPendingCalls).Msg("Network observer pending limit reached, call ignored")
		return
	}
	o.pending[e.RequestID] = &pendingCall{
		call: intercept.InterceptedCall{
			ID:     intercept.NewCallID(),
			Method: e.Request.Method,
			URL:    e.Request.URL,
			Kind:   kind,
		},
	}
}

func (o *networkObserver) onResponse(e *proto.NetworkResponseReceived) {
	if e.Response == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	if p, ok := o.pending[e.RequestID]; ok {
		p.contentType = headerValue(e.Response.Headers, "Content-Type")
		if p.contentType == "" {
			p.contentType = e.Response.MIMEType
		}
	}
}

func (o *networkObserver) onFinished(e *proto.NetworkLoadingFinished) {
	p := o.take(e.RequestID)
	if p == nil {
		return
	}
	d := o.deliverer()
	if d == nil {
		return
	}

	id := e.RequestID
	d.DeliverAsync(p.call, func() (string, error) {
		return o.readBody(id, p.contentType)
	})
}

func (o *networkObserver) onFailed(e *proto.NetworkLoadingFailed) {
	if p := o.take(e.RequestID); p != nil {
		log.Debug().
			Str("call_id", p.call.ID).
			Str("error", e.ErrorText).
			Bool("canceled", e.Canceled).
			Msg("Observed call failed, nothing to relay")
	}
}

func (o *networkObserver) take(id proto.NetworkRequestID) *pendingCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.pending[id]
	if ok {
		delete(o.pending, id)
	}
	return p
}

func (o *networkObserver) readBody(id proto.NetworkRequestID, contentType string) (string, error) {
	res, err := proto.NetworkGetResponseBody{RequestID: id}.Call(o.page.Context(o.ctx))
	if err != nil {
		return "", err
	}
	return decodeResponseBody(res.Body, res.Base64Encoded, contentType, o.maxPayload)
}

// decodeResponseBody turns a CDP response body into relay text.
func decodeResponseBody(body string, base64Encoded bool, contentType string, limit int64) (string, error) {
	if !base64Encoded {
		if limit > 0 && int64(len(body)) > limit {
			return "", types.ErrPayloadTooLarge
		}
		return body, nil
	}
	if limit > 0 && int64(base64.StdEncoding.DecodedLen(len(body))) > limit+2 {
		return "", types.ErrPayloadTooLarge
	}
	data, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return "", err
	}
	if limit > 0 && int64(len(data)) > limit {
		return "", types.ErrPayloadTooLarge
	}
	return intercept.DecodeText(data, contentType), nil
}

// resourceKind maps a CDP resource type to the entry point that issued it.
func resourceKind(t proto.NetworkResourceType) (intercept.TransportKind, bool) {
	switch t {
	case proto.NetworkResourceTypeXHR:
		return intercept.EventStyle, true
	case proto.NetworkResourceTypeFetch:
		return intercept.PromiseStyle, true
	default:
		return "", false
	}
}

// headerValue looks up a header case-insensitively.
func headerValue(h proto.NetworkHeaders, name string) string {
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v.Str()
		}
	}
	return ""
}
