package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/Rorqualx/captcharelay-go/internal/intercept"
	"github.com/Rorqualx/captcharelay-go/internal/types"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Failed to read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestHandler(t *testing.T) {
	handler := Handler()
	if handler == nil {
		t.Fatal("Handler() returned nil")
	}

	RecordRequest("/v1/fetch", "200", 15*time.Millisecond)
	UpdateHubMetrics(2, 0)
	SetBuildInfo("test", "go1.24")

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	body := w.Body.String()
	for _, metric := range []string{
		"captcharelay_subscribers",
		"captcharelay_watched_pages",
		"captcharelay_request_duration_seconds",
		"captcharelay_build_info",
	} {
		if !strings.Contains(body, metric) {
			t.Errorf("Expected metric %q in output", metric)
		}
	}
}

func TestStatsObserver(t *testing.T) {
	s := NewStats()
	call := intercept.InterceptedCall{URL: "https://x.example/recaptcha/api2/reload", Kind: intercept.PromiseStyle}

	before := counterValue(t, RelaysTotal.WithLabelValues("recap", "fetch"))

	s.Classified(call, []string{"recap"})
	s.Classified(intercept.InterceptedCall{URL: "https://x.example/other", Kind: intercept.EventStyle}, nil)
	s.Relayed(intercept.RelayMessage{Type: "fetch", Data: "12345", URL: call.URL, CaptchaType: "recap"})
	s.RelayFailed(call, types.NewPublishError("recap", call.URL, errors.New("closed")))

	if got := counterValue(t, RelaysTotal.WithLabelValues("recap", "fetch")); got != before+1 {
		t.Errorf("Expected relays counter to increase by 1, got %v -> %v", before, got)
	}

	stats := s.Get("recap")
	if stats == nil {
		t.Fatal("Expected stats for recap")
	}
	if stats.Matched != 1 || stats.Relayed != 1 || stats.Failed != 1 {
		t.Errorf("Unexpected counts: %+v", stats)
	}
	if stats.PayloadBytes != 5 {
		t.Errorf("Expected 5 payload bytes, got %d", stats.PayloadBytes)
	}
	if stats.LastURL != call.URL {
		t.Errorf("Expected last url %s, got %s", call.URL, stats.LastURL)
	}
	if !strings.Contains(stats.LastError, "closed") {
		t.Errorf("Expected last error to mention cause, got %q", stats.LastError)
	}

	snap := s.Snapshot()
	if snap.Summary.Calls != 2 || snap.Summary.Unmatched != 1 {
		t.Errorf("Unexpected summary: %+v", snap.Summary)
	}
	if snap.Summary.RelayRate != 100 {
		t.Errorf("Expected relay rate 100, got %v", snap.Summary.RelayRate)
	}

	if s.Get("lemin") != nil {
		t.Error("Expected nil stats for unknown provider")
	}

	s.Reset()
	if len(s.Snapshot().Providers) != 0 {
		t.Error("Expected empty snapshot after reset")
	}
}

func TestStatsGetReturnsCopy(t *testing.T) {
	s := NewStats()
	s.Classified(intercept.InterceptedCall{Kind: intercept.EventStyle}, []string{"lemin"})

	cp := s.Get("lemin")
	cp.Matched = 100

	if s.Get("lemin").Matched != 1 {
		t.Error("Get() returned shared state")
	}
}

func TestStatsConcurrent(t *testing.T) {
	s := NewStats()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.Classified(intercept.InterceptedCall{Kind: intercept.EventStyle}, []string{"recap"})
				s.Relayed(intercept.RelayMessage{Type: "xhr", CaptchaType: "recap"})
				_ = s.Snapshot()
			}
		}()
	}
	wg.Wait()

	if got := s.Get("recap").Relayed; got != 1000 {
		t.Errorf("Expected 1000 relays, got %d", got)
	}
}

func TestUpdateHubMetricsMirrorsDrops(t *testing.T) {
	before := counterValue(t, DroppedMessages)

	UpdateHubMetrics(1, hubDropped.last+3)
	UpdateHubMetrics(1, hubDropped.last)

	if got := counterValue(t, DroppedMessages); got != before+3 {
		t.Errorf("Expected dropped counter +3, got %v -> %v", before, got)
	}
}
