package intercept

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Rorqualx/captcharelay-go/internal/types"
)

// fakeTransport answers every request with a fixed body.
type fakeTransport struct {
	mu     sync.Mutex
	body   []byte
	header http.Header
	err    error
	bodies []*trackedBody
}

func (f *fakeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	b := newTrackedBody(f.body)
	f.mu.Lock()
	f.bodies = append(f.bodies, b)
	f.mu.Unlock()
	h := f.header
	if h == nil {
		h = http.Header{}
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     h,
		Body:       b,
		Request:    req,
	}, nil
}

func (f *fakeTransport) lastBody() *trackedBody {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[len(f.bodies)-1]
}

// fakeCall completes synchronously on Send with a fixed response text.
type fakeCall struct {
	mu        sync.Mutex
	method    string
	url       string
	sent      []byte
	text      string
	listeners []func()
	sendErr   error
}

func (c *fakeCall) Open(method, url string) error {
	c.method, c.url = method, url
	return nil
}

func (c *fakeCall) Send(body []byte) error {
	c.sent = body
	c.mu.Lock()
	ls := append([]func(){}, c.listeners...)
	c.mu.Unlock()
	for _, fn := range ls {
		fn()
	}
	return c.sendErr
}

func (c *fakeCall) OnLoad(fn func()) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

func (c *fakeCall) ResponseText() string { return c.text }

type fakeEvents struct {
	text  string
	calls []*fakeCall
}

func (e *fakeEvents) NewCall() EventCall {
	c := &fakeCall{text: e.text}
	e.calls = append(e.calls, c)
	return c
}

// recorder is a Channel collecting every message.
type recorder struct {
	mu   sync.Mutex
	msgs []RelayMessage
}

func (r *recorder) Publish(msg RelayMessage) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
	return nil
}

func (r *recorder) messages() []RelayMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RelayMessage(nil), r.msgs...)
}

type countingObserver struct {
	mu         sync.Mutex
	classified int
	matched    int
	relayed    int
	failed     []*types.RelayError
}

func (o *countingObserver) Classified(_ InterceptedCall, providers []string) {
	o.mu.Lock()
	o.classified++
	if len(providers) > 0 {
		o.matched++
	}
	o.mu.Unlock()
}

func (o *countingObserver) Relayed(RelayMessage) {
	o.mu.Lock()
	o.relayed++
	o.mu.Unlock()
}

func (o *countingObserver) RelayFailed(_ InterceptedCall, err *types.RelayError) {
	o.mu.Lock()
	o.failed = append(o.failed, err)
	o.mu.Unlock()
}

var challengeRules = RuleSet{{ID: "acme", URLPatterns: []string{"/v1/challenge"}}}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read body: %v", err)
	}
	return data
}

func TestInstallValidation(t *testing.T) {
	page := NewPage(&fakeEvents{}, &fakeTransport{})
	ch := &recorder{}

	if _, err := Install(nil, ch, challengeRules); !errors.Is(err, types.ErrNilPage) {
		t.Errorf("Expected ErrNilPage, got %v", err)
	}
	if _, err := Install(page, nil, challengeRules); !errors.Is(err, types.ErrNilChannel) {
		t.Errorf("Expected ErrNilChannel, got %v", err)
	}
	if _, err := Install(page, ch, nil); !errors.Is(err, types.ErrNoProviders) {
		t.Errorf("Expected ErrNoProviders, got %v", err)
	}
}

func TestFetchMatchedCallRelaysOnce(t *testing.T) {
	page := NewPage(&fakeEvents{}, &fakeTransport{body: []byte("ok")})
	ch := &recorder{}
	ic, err := Install(page, ch, challengeRules)
	if err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	defer ic.Dispose()

	resp, err := page.Fetch(context.Background(), "/v1/challenge?x=1", nil)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if got := readBody(t, resp); string(got) != "ok" {
		t.Errorf("Expected caller body ok, got %q", got)
	}
	ic.Wait()

	msgs := ch.messages()
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(msgs))
	}
	want := RelayMessage{Type: "fetch", Data: "ok", URL: "/v1/challenge?x=1", CaptchaType: "acme"}
	if msgs[0] != want {
		t.Errorf("Expected %+v, got %+v", want, msgs[0])
	}
}

func TestFetchUnmatchedCallNeverReadsBody(t *testing.T) {
	ft := &fakeTransport{body: []byte("ignored")}
	page := NewPage(&fakeEvents{}, ft)
	ch := &recorder{}
	ic, err := Install(page, ch, challengeRules)
	if err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	defer ic.Dispose()

	resp, err := page.Fetch(context.Background(), "/v1/other", nil)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	ic.Wait()

	if reads, _ := ft.lastBody().counts(); reads != 0 {
		t.Errorf("Expected no body reads for unmatched call, got %d", reads)
	}
	if _, ok := resp.Body.(*trackedBody); !ok {
		t.Errorf("Expected the original body to be returned untouched, got %T", resp.Body)
	}
	if n := len(ch.messages()); n != 0 {
		t.Errorf("Expected 0 messages, got %d", n)
	}
	resp.Body.Close()
}

func TestFetchCallerBytesIdentical(t *testing.T) {
	data := payload(700 * 1024)
	page := NewPage(&fakeEvents{}, &fakeTransport{body: data})
	ch := &recorder{}
	ic, _ := Install(page, ch, challengeRules)
	defer ic.Dispose()

	resp, err := page.Client().Get("http://x.example/v1/challenge")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got := readBody(t, resp); !bytes.Equal(got, data) {
		t.Errorf("Caller received %d bytes, want %d identical bytes", len(got), len(data))
	}
	ic.Wait()

	msgs := ch.messages()
	if len(msgs) != 1 || msgs[0].Data != string(data) {
		t.Errorf("Expected relayed payload identical to body")
	}
}

func TestFetchReturnsBeforeRelayCompletes(t *testing.T) {
	release := make(chan struct{})
	published := make(chan RelayMessage, 1)
	ch := ChannelFunc(func(msg RelayMessage) error {
		<-release
		published <- msg
		return nil
	})

	page := NewPage(&fakeEvents{}, &fakeTransport{body: []byte("ok")})
	ic, _ := Install(page, ch, challengeRules)
	defer ic.Dispose()

	resp, err := page.Fetch(context.Background(), "/v1/challenge", nil)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if got := readBody(t, resp); string(got) != "ok" {
		t.Errorf("Expected ok, got %q", got)
	}

	select {
	case <-published:
		t.Fatal("Relay completed before it was released")
	default:
	}

	close(release)
	select {
	case msg := <-published:
		if msg.Data != "ok" {
			t.Errorf("Expected data ok, got %q", msg.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Relay never completed")
	}
	ic.Wait()
}

func TestFetchPublisherPanicDoesNotReachCaller(t *testing.T) {
	ch := ChannelFunc(func(RelayMessage) error { panic("listener exploded") })
	obs := &countingObserver{}

	page := NewPage(&fakeEvents{}, &fakeTransport{body: []byte("ok")})
	ic, _ := Install(page, ch, challengeRules, WithObserver(obs))
	defer ic.Dispose()

	resp, err := page.Fetch(context.Background(), "/v1/challenge", nil)
	if err != nil {
		t.Fatalf("Expected normal result, got error %v", err)
	}
	if got := readBody(t, resp); string(got) != "ok" {
		t.Errorf("Expected ok, got %q", got)
	}
	ic.Wait()

	if len(obs.failed) != 1 || !errors.Is(obs.failed[0], types.ErrRelayPanic) {
		t.Errorf("Expected one recorded panic failure, got %v", obs.failed)
	}
}

func TestFetchTransportErrorPassesThrough(t *testing.T) {
	cause := errors.New("dial failed")
	page := NewPage(&fakeEvents{}, &fakeTransport{err: cause})
	ch := &recorder{}
	ic, _ := Install(page, ch, challengeRules)
	defer ic.Dispose()

	_, err := page.Fetch(context.Background(), "/v1/challenge", nil)
	if !errors.Is(err, cause) {
		t.Errorf("Expected transport error, got %v", err)
	}
	ic.Wait()
	if n := len(ch.messages()); n != 0 {
		t.Errorf("Expected 0 messages, got %d", n)
	}
}

func TestFetchPayloadTooLarge(t *testing.T) {
	data := payload(2048)
	obs := &countingObserver{}
	ch := &recorder{}
	page := NewPage(&fakeEvents{}, &fakeTransport{body: data})
	ic, _ := Install(page, ch, challengeRules, WithObserver(obs), WithMaxPayload(1024))
	defer ic.Dispose()

	resp, _ := page.Fetch(context.Background(), "/v1/challenge", nil)
	if got := readBody(t, resp); !bytes.Equal(got, data) {
		t.Error("Caller body must be complete even when relay is skipped")
	}
	ic.Wait()

	if n := len(ch.messages()); n != 0 {
		t.Errorf("Expected 0 messages, got %d", n)
	}
	if len(obs.failed) != 1 || !errors.Is(obs.failed[0], types.ErrPayloadTooLarge) {
		t.Errorf("Expected payload too large failure, got %v", obs.failed)
	}
	if obs.failed[0].Stage != types.StageExtract {
		t.Errorf("Expected extract stage, got %s", obs.failed[0].Stage)
	}
}

func TestFetchNoTarget(t *testing.T) {
	page := NewPage(&fakeEvents{}, &fakeTransport{body: []byte("ok")})
	ch := &recorder{}
	ic, _ := Install(page, ch, challengeRules)
	defer ic.Dispose()

	if _, err := page.Fetch(context.Background(), nil, nil); !errors.Is(err, types.ErrNoCallTarget) {
		t.Errorf("Expected ErrNoCallTarget, got %v", err)
	}

	// A request whose URL is missing is forwarded and never matched.
	resp, err := page.RoundTrip(&http.Request{Method: http.MethodGet})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	resp.Body.Close()
	ic.Wait()
	if n := len(ch.messages()); n != 0 {
		t.Errorf("Expected 0 messages, got %d", n)
	}
}

func TestEventCallRelaysResponseText(t *testing.T) {
	events := &fakeEvents{text: "<result/>"}
	page := NewPage(events, &fakeTransport{})
	ch := &recorder{}
	ic, _ := Install(page, ch, challengeRules)
	defer ic.Dispose()

	call := page.NewCall()
	if err := call.Open(http.MethodPost, "https://x.example/v1/challenge"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := call.Send([]byte("req")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	inner := events.calls[0]
	if inner.method != http.MethodPost || inner.url != "https://x.example/v1/challenge" {
		t.Errorf("Open arguments not forwarded: %s %s", inner.method, inner.url)
	}
	if string(inner.sent) != "req" {
		t.Errorf("Send body not forwarded: %q", inner.sent)
	}
	if call.ResponseText() != "<result/>" {
		t.Errorf("Expected response text to pass through, got %q", call.ResponseText())
	}

	msgs := ch.messages()
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(msgs))
	}
	want := RelayMessage{Type: "xhr", Data: "<result/>", URL: "https://x.example/v1/challenge", CaptchaType: "acme"}
	if msgs[0] != want {
		t.Errorf("Expected %+v, got %+v", want, msgs[0])
	}
}

func TestEventCallSendErrorPassesThrough(t *testing.T) {
	cause := errors.New("invalid state")
	events := EventSourceFunc(func() EventCall { return &fakeCall{sendErr: cause} })
	page := NewPage(events, &fakeTransport{})
	ic, _ := Install(page, ChannelFunc(func(RelayMessage) error { panic("boom") }), challengeRules)
	defer ic.Dispose()

	call := page.NewCall()
	call.Open(http.MethodGet, "/v1/challenge")
	if err := call.Send(nil); !errors.Is(err, cause) {
		t.Errorf("Expected original send error, got %v", err)
	}
}

func TestEventCallUnmatched(t *testing.T) {
	page := NewPage(&fakeEvents{text: "x"}, &fakeTransport{})
	ch := &recorder{}
	ic, _ := Install(page, ch, challengeRules)
	defer ic.Dispose()

	call := page.NewCall()
	call.Open(http.MethodGet, "/v1/other")
	call.Send(nil)

	if n := len(ch.messages()); n != 0 {
		t.Errorf("Expected 0 messages, got %d", n)
	}
}

func TestMultipleProvidersEachRelay(t *testing.T) {
	rules := RuleSet{
		{ID: "alpha", URLPatterns: []string{"/verify"}},
		{ID: "beta", URLPatterns: []string{"/api/verify"}},
		{ID: "gamma", URLPatterns: []string{"/unrelated"}},
	}
	page := NewPage(&fakeEvents{}, &fakeTransport{body: []byte("token")})
	ch := &recorder{}
	ic, _ := Install(page, ch, rules)
	defer ic.Dispose()

	resp, _ := page.Fetch(context.Background(), "https://x.example/api/verify", nil)
	readBody(t, resp)
	ic.Wait()

	msgs := ch.messages()
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].CaptchaType != "alpha" || msgs[1].CaptchaType != "beta" {
		t.Errorf("Expected alpha then beta, got %s then %s", msgs[0].CaptchaType, msgs[1].CaptchaType)
	}
}

func TestNCallsAtMostNRelays(t *testing.T) {
	page := NewPage(&fakeEvents{}, &fakeTransport{body: []byte("ok")})
	ch := &recorder{}
	obs := &countingObserver{}
	ic, _ := Install(page, ch, challengeRules, WithObserver(obs))
	defer ic.Dispose()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			target := "/v1/other"
			if i%2 == 0 {
				target = "/v1/challenge"
			}
			resp, err := page.Fetch(context.Background(), target, nil)
			if err != nil {
				t.Errorf("Fetch failed: %v", err)
				return
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}(i)
	}
	wg.Wait()
	ic.Wait()

	if got := len(ch.messages()); got != n/2 {
		t.Errorf("Expected %d messages, got %d", n/2, got)
	}
	if obs.classified != n {
		t.Errorf("Expected %d classifications, got %d", n, obs.classified)
	}
}

func TestDisposeRestoresEntryPoints(t *testing.T) {
	events := &fakeEvents{}
	ft := &fakeTransport{body: []byte("ok")}
	page := NewPage(events, ft)
	ch := &recorder{}

	ic, _ := Install(page, ch, challengeRules)
	ic.Dispose()
	ic.Dispose()

	if page.fetch != http.RoundTripper(ft) {
		t.Error("Expected fetch entry point restored")
	}
	if page.events != EventSource(events) {
		t.Error("Expected event entry point restored")
	}

	resp, _ := page.Fetch(context.Background(), "/v1/challenge", nil)
	readBody(t, resp)
	if n := len(ch.messages()); n != 0 {
		t.Errorf("Expected 0 messages after dispose, got %d", n)
	}
}

func TestComposedInstallations(t *testing.T) {
	ft := &fakeTransport{body: []byte("ok")}
	page := NewPage(&fakeEvents{}, ft)
	inner, outer := &recorder{}, &recorder{}

	a, _ := Install(page, inner, challengeRules)
	b, _ := Install(page, outer, RuleSet{{ID: "other", URLPatterns: []string{"challenge"}}})

	resp, _ := page.Fetch(context.Background(), "/v1/challenge", nil)
	readBody(t, resp)
	a.Wait()
	b.Wait()

	if len(inner.messages()) != 1 || len(outer.messages()) != 1 {
		t.Fatalf("Expected one message per installation, got %d and %d",
			len(inner.messages()), len(outer.messages()))
	}
	if outer.messages()[0].CaptchaType != "other" {
		t.Errorf("Expected outer provider id, got %s", outer.messages()[0].CaptchaType)
	}

	// Disposing the inner installation leaves the outer one working.
	a.Dispose()
	resp, _ = page.Fetch(context.Background(), "/v1/challenge", nil)
	if got := readBody(t, resp); string(got) != "ok" {
		t.Errorf("Expected ok through composed wrappers, got %q", got)
	}
	a.Wait()
	b.Wait()

	if len(inner.messages()) != 1 {
		t.Errorf("Disposed installation relayed again: %d", len(inner.messages()))
	}
	if len(outer.messages()) != 2 {
		t.Errorf("Expected outer installation to keep relaying, got %d", len(outer.messages()))
	}

	b.Dispose()
	if _, ok := page.fetch.(*roundTripper); !ok {
		t.Error("Expected inner pass-through wrapper to remain after outer dispose")
	}
}

func TestRulesAreCopiedAtInstall(t *testing.T) {
	rules := RuleSet{{ID: "acme", URLPatterns: []string{"/v1/challenge"}}}
	page := NewPage(&fakeEvents{}, &fakeTransport{body: []byte("ok")})
	ch := &recorder{}
	ic, _ := Install(page, ch, rules)
	defer ic.Dispose()

	rules[0].URLPatterns[0] = "/never"

	resp, _ := page.Fetch(context.Background(), "/v1/challenge", nil)
	readBody(t, resp)
	ic.Wait()

	if n := len(ch.messages()); n != 1 {
		t.Errorf("Expected 1 message, got %d", n)
	}
	if got := ic.Rules(); !strings.Contains(got[0].URLPatterns[0], "challenge") {
		t.Errorf("Rules() reflects caller mutation: %v", got)
	}
}

func TestDeliverAsync(t *testing.T) {
	page := NewPage(&fakeEvents{}, &fakeTransport{})
	ch := &recorder{}
	ic, _ := Install(page, ch, challengeRules)
	defer ic.Dispose()

	reads := 0
	read := func() (string, error) {
		reads++
		return "body", nil
	}

	if ic.DeliverAsync(InterceptedCall{URL: "/v1/other", Kind: PromiseStyle}, read) {
		t.Error("Expected unmatched call to be rejected")
	}
	if !ic.DeliverAsync(InterceptedCall{URL: "/v1/challenge", Kind: PromiseStyle}, read) {
		t.Error("Expected matched call to be accepted")
	}
	ic.Wait()

	if reads != 1 {
		t.Errorf("Expected exactly one read, got %d", reads)
	}
	if n := len(ch.messages()); n != 1 {
		t.Errorf("Expected 1 message, got %d", n)
	}
}

func TestFetchRelaysTargetAsGiven(t *testing.T) {
	rules := RuleSet{
		{ID: "acme", URLPatterns: []string{"/v1/challenge"}},
		{ID: "intl", URLPatterns: []string{"/défi"}},
	}
	page := NewPage(&fakeEvents{}, &fakeTransport{body: []byte("ok")})
	ch := &recorder{}
	ic, _ := Install(page, ch, rules)
	defer ic.Dispose()

	targets := []string{
		"https://h.example/v1/challenge/é?x=1",
		"https://h.example/défi",
	}
	for _, target := range targets {
		resp, err := page.Fetch(context.Background(), target, nil)
		if err != nil {
			t.Fatalf("Fetch %q failed: %v", target, err)
		}
		readBody(t, resp)
	}
	ic.Wait()

	msgs := ch.messages()
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(msgs))
	}
	got := map[string]string{}
	for _, m := range msgs {
		got[m.CaptchaType] = m.URL
	}
	if got["acme"] != targets[0] {
		t.Errorf("Expected url %q, got %q", targets[0], got["acme"])
	}
	if got["intl"] != targets[1] {
		t.Errorf("Expected url %q, got %q", targets[1], got["intl"])
	}
}

func TestRequestTargetIgnoresRewrittenURL(t *testing.T) {
	req, err := newFetchRequest(context.Background(), "https://h.example/v1/challenge/é", nil)
	if err != nil {
		t.Fatalf("newFetchRequest failed: %v", err)
	}
	if got, _ := requestTarget(req); got != "https://h.example/v1/challenge/é" {
		t.Errorf("Expected literal target, got %q", got)
	}

	// A follow-up request sharing the context but not the URL reports its own URL.
	next := req.Clone(req.Context())
	next.URL, _ = next.URL.Parse("/next")
	if got, _ := requestTarget(next); got != "https://h.example/next" {
		t.Errorf("Expected https://h.example/next, got %q", got)
	}
}

// upgradeBody stands in for the read-write body of a 101 response.
type upgradeBody struct {
	io.Reader
	written bytes.Buffer
}

func (b *upgradeBody) Write(p []byte) (int, error) { return b.written.Write(p) }
func (b *upgradeBody) Close() error                { return nil }

func TestFetchSwitchingProtocolsKeepsWritableBody(t *testing.T) {
	body := &upgradeBody{Reader: strings.NewReader("")}
	upgrade := RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusSwitchingProtocols,
			Header:     http.Header{"Upgrade": {"websocket"}},
			Body:       body,
			Request:    req,
		}, nil
	})
	page := NewPage(&fakeEvents{}, upgrade)
	ch := &recorder{}
	ic, _ := Install(page, ch, challengeRules)
	defer ic.Dispose()

	resp, err := page.Fetch(context.Background(), "wss://h.example/v1/challenge", nil)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	rwc, ok := resp.Body.(io.ReadWriteCloser)
	if !ok {
		t.Fatalf("Expected a writable body, got %T", resp.Body)
	}
	if _, err := rwc.Write([]byte("ping")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if body.written.String() != "ping" {
		t.Errorf("Expected write to reach the connection, got %q", body.written.String())
	}
	ic.Wait()

	msgs := ch.messages()
	if len(msgs) != 1 || msgs[0].Data != "" {
		t.Errorf("Expected one message with no data, got %+v", msgs)
	}
}

func TestEventCallPublisherFailureDoesNotReachCaller(t *testing.T) {
	tests := []struct {
		name    string
		channel Channel
		want    error
	}{
		{"panic", ChannelFunc(func(RelayMessage) error { panic("listener exploded") }), types.ErrRelayPanic},
		{"error", ChannelFunc(func(RelayMessage) error { return types.ErrHubClosed }), types.ErrHubClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := &countingObserver{}
			page := NewPage(&fakeEvents{text: "<result/>"}, &fakeTransport{})
			ic, _ := Install(page, tt.channel, challengeRules, WithObserver(obs))
			defer ic.Dispose()

			call := page.NewCall()
			if err := call.Open(http.MethodGet, "https://x.example/v1/challenge"); err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			if err := call.Send(nil); err != nil {
				t.Errorf("Expected original send result, got %v", err)
			}
			if call.ResponseText() != "<result/>" {
				t.Errorf("Expected response text to pass through, got %q", call.ResponseText())
			}
			if len(obs.failed) != 1 || !errors.Is(obs.failed[0], tt.want) {
				t.Errorf("Expected one failure wrapping %v, got %v", tt.want, obs.failed)
			}
		})
	}
}

func TestReplaceSwapsInPlace(t *testing.T) {
	events := &fakeEvents{text: "<result/>"}
	ft := &fakeTransport{body: []byte("ok")}
	page := NewPage(events, ft)
	ch := &recorder{}

	first, _ := Install(page, ch, RuleSet{{ID: "first", URLPatterns: []string{"/v1/challenge"}}})

	// Opened before the swap, sent after it.
	pending := page.NewCall()
	pending.Open(http.MethodGet, "https://x.example/v1/challenge")

	second, err := first.Replace(ch, RuleSet{{ID: "second", URLPatterns: []string{"/v1/challenge"}}})
	if err != nil {
		t.Fatalf("Replace failed: %v", err)
	}

	pending.Send(nil)

	resp, err := page.Fetch(context.Background(), "/v1/challenge", nil)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	readBody(t, resp)
	second.Wait()
	first.Wait()

	msgs := ch.messages()
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d: %+v", len(msgs), msgs)
	}
	if msgs[0].CaptchaType != "first" || msgs[0].Type != EventStyle {
		t.Errorf("Expected pending call relayed by the first installation, got %+v", msgs[0])
	}
	if msgs[1].CaptchaType != "second" || msgs[1].Type != PromiseStyle {
		t.Errorf("Expected new call relayed by the second installation, got %+v", msgs[1])
	}

	second.Dispose()
	if page.fetch != http.RoundTripper(ft) {
		t.Errorf("Expected original fetch entry point after dispose, got %T", page.fetch)
	}
	if page.events != EventSource(events) {
		t.Errorf("Expected original event entry point after dispose, got %T", page.events)
	}
}

func TestReplaceBelowAnotherInstallation(t *testing.T) {
	page := NewPage(&fakeEvents{}, &fakeTransport{body: []byte("ok")})
	ch := &recorder{}

	first, _ := Install(page, ch, RuleSet{{ID: "first", URLPatterns: []string{"/v1/challenge"}}})
	top, _ := Install(page, ch, RuleSet{{ID: "top", URLPatterns: []string{"/v1/challenge"}}})
	defer top.Dispose()

	second, err := first.Replace(ch, RuleSet{{ID: "second", URLPatterns: []string{"/v1/challenge"}}})
	if err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	defer second.Dispose()

	resp, err := page.Fetch(context.Background(), "/v1/challenge", nil)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	readBody(t, resp)
	second.Wait()
	top.Wait()
	first.Wait()

	got := map[string]int{}
	for _, m := range ch.messages() {
		got[m.CaptchaType]++
	}
	if got["first"] != 0 || got["top"] != 1 || got["second"] != 1 {
		t.Errorf("Expected one message each from top and second, got %v", got)
	}
}

func TestReplaceRejectsInvalidRules(t *testing.T) {
	ft := &fakeTransport{body: []byte("ok")}
	page := NewPage(&fakeEvents{}, ft)
	first, _ := Install(page, &recorder{}, challengeRules)
	defer first.Dispose()

	if _, err := first.Replace(&recorder{}, nil); !errors.Is(err, types.ErrNoProviders) {
		t.Errorf("Expected ErrNoProviders, got %v", err)
	}
	if page.fetch != http.RoundTripper(first.fetch) {
		t.Error("Expected first installation to stay in place")
	}
}
