// Package metrics provides Prometheus metrics and per-provider relay statistics.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CallsTotal counts completed intercepted calls by transport and outcome.
	CallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "captcharelay_calls_total",
			Help: "Completed intercepted calls by transport and match result",
		},
		[]string{"type", "matched"},
	)

	// RelaysTotal counts published relay messages.
	RelaysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "captcharelay_relays_total",
			Help: "Relay messages published by provider and transport",
		},
		[]string{"provider", "type"},
	)

	// RelayFailures counts matched calls that produced no message.
	RelayFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "captcharelay_relay_failures_total",
			Help: "Relay failures by provider and stage",
		},
		[]string{"provider", "stage"},
	)

	// PayloadBytes tracks the size of relayed payloads.
	PayloadBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "captcharelay_payload_bytes",
			Help:    "Size of relayed payloads in bytes",
			Buckets: prometheus.ExponentialBuckets(64, 4, 10), // 64B to 16MiB
		},
		[]string{"provider"},
	)

	// Subscribers shows connected relay stream subscribers.
	Subscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "captcharelay_subscribers",
			Help: "Connected relay stream subscribers",
		},
	)

	// DroppedMessages counts messages dropped for slow subscribers.
	DroppedMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "captcharelay_dropped_messages_total",
			Help: "Messages dropped because a subscriber queue was full",
		},
	)

	// WatchedPages shows open browser pages.
	WatchedPages = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "captcharelay_watched_pages",
			Help: "Browser pages currently observed",
		},
	)

	// ProviderReloads counts provider rule reloads.
	ProviderReloads = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "captcharelay_provider_reloads_total",
			Help: "Successful provider rule reloads",
		},
	)

	// RequestDuration tracks API request duration by route.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "captcharelay_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"route", "status"},
	)

	// MemoryUsageBytes shows current memory usage.
	MemoryUsageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "captcharelay_memory_usage_bytes",
			Help: "Current memory usage in bytes (alloc)",
		},
	)

	// GoroutineCount shows current goroutine count.
	GoroutineCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "captcharelay_goroutines",
			Help: "Current number of goroutines",
		},
	)

	// BuildInfo provides build information as labels.
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "captcharelay_build_info",
			Help: "Build information",
		},
		[]string{"version", "go_version"},
	)
)

func init() {
	prometheus.MustRegister(
		CallsTotal,
		RelaysTotal,
		RelayFailures,
		PayloadBytes,
		Subscribers,
		DroppedMessages,
		WatchedPages,
		ProviderReloads,
		RequestDuration,
		MemoryUsageBytes,
		GoroutineCount,
		BuildInfo,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// StartMemoryCollector periodically updates runtime metrics until stopCh is closed.
func StartMemoryCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			updateMemoryMetrics()
		case <-stopCh:
			return
		}
	}
}

func updateMemoryMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsageBytes.Set(float64(m.Alloc))
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}

// RecordRequest records metrics for a completed API request.
func RecordRequest(route, status string, duration time.Duration) {
	RequestDuration.WithLabelValues(route, status).Observe(duration.Seconds())
}

// UpdateHubMetrics mirrors the broadcast hub counters.
// dropped is the hub's running total; only the increase is added.
func UpdateHubMetrics(subscribers int, dropped int64) {
	Subscribers.Set(float64(subscribers))
	hubDropped.add(dropped)
}
