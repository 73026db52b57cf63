package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/Rorqualx/captcharelay-go/internal/intercept"
	"github.com/Rorqualx/captcharelay-go/internal/types"
)

// ProviderStats contains relay statistics for a single provider.
type ProviderStats struct {
	Matched      int64     `json:"matched"`
	Relayed      int64     `json:"relayed"`
	Failed       int64     `json:"failed"`
	PayloadBytes int64     `json:"payloadBytes"`
	LastRelayAt  time.Time `json:"lastRelayAt,omitempty"`
	LastURL      string    `json:"lastUrl,omitempty"`
	LastError    string    `json:"lastError,omitempty"`
	LastErrorAt  time.Time `json:"lastErrorAt,omitempty"`
}

// Summary aggregates counts across providers.
type Summary struct {
	Calls     int64   `json:"calls"`
	Unmatched int64   `json:"unmatched"`
	Relayed   int64   `json:"relayed"`
	Failed    int64   `json:"failed"`
	RelayRate float64 `json:"relayRate"`
}

// Snapshot is a point-in-time copy of the relay statistics.
type Snapshot struct {
	Providers map[string]ProviderStats `json:"providers"`
	Summary   Summary                  `json:"summary"`
}

// Stats records classification and relay outcomes per provider and feeds
// the Prometheus counters. It implements intercept.Observer.
type Stats struct {
	mu        sync.RWMutex
	providers map[string]*ProviderStats
	calls     int64
	unmatched int64
}

var _ intercept.Observer = (*Stats)(nil)

// NewStats creates an empty Stats.
func NewStats() *Stats {
	return &Stats{providers: make(map[string]*ProviderStats)}
}

// Classified implements intercept.Observer.
func (s *Stats) Classified(call intercept.InterceptedCall, providers []string) {
	matched := len(providers) > 0
	CallsTotal.WithLabelValues(string(call.Kind), strconv.FormatBool(matched)).Inc()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if !matched {
		s.unmatched++
		return
	}
	for _, p := range providers {
		s.getOrCreate(p).Matched++
	}
}

// Relayed implements intercept.Observer.
func (s *Stats) Relayed(msg intercept.RelayMessage) {
	RelaysTotal.WithLabelValues(msg.CaptchaType, string(msg.Type)).Inc()
	PayloadBytes.WithLabelValues(msg.CaptchaType).Observe(float64(len(msg.Data)))

	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.getOrCreate(msg.CaptchaType)
	stats.Relayed++
	stats.PayloadBytes += int64(len(msg.Data))
	stats.LastRelayAt = time.Now()
	stats.LastURL = msg.URL
}

// RelayFailed implements intercept.Observer.
func (s *Stats) RelayFailed(_ intercept.InterceptedCall, err *types.RelayError) {
	RelayFailures.WithLabelValues(err.Provider, err.Stage).Inc()

	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.getOrCreate(err.Provider)
	stats.Failed++
	stats.LastError = err.Error()
	stats.LastErrorAt = time.Now()
}

// Get returns a copy of the stats for provider, or nil if it has none.
func (s *Stats) Get(provider string) *ProviderStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats, ok := s.providers[provider]
	if !ok {
		return nil
	}
	cp := *stats
	return &cp
}

// Snapshot returns a copy of all statistics.
func (s *Stats) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Providers: make(map[string]ProviderStats, len(s.providers)),
		Summary: Summary{
			Calls:     s.calls,
			Unmatched: s.unmatched,
		},
	}

	var matched int64
	for name, stats := range s.providers {
		snap.Providers[name] = *stats
		matched += stats.Matched
		snap.Summary.Relayed += stats.Relayed
		snap.Summary.Failed += stats.Failed
	}
	if matched > 0 {
		snap.Summary.RelayRate = float64(snap.Summary.Relayed) / float64(matched) * 100
	}
	return snap
}

// Reset clears all statistics.
func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers = make(map[string]*ProviderStats)
	s.calls, s.unmatched = 0, 0
}

// getOrCreate must be called with the lock held.
func (s *Stats) getOrCreate(provider string) *ProviderStats {
	stats, ok := s.providers[provider]
	if !ok {
		stats = &ProviderStats{}
		s.providers[provider] = stats
	}
	return stats
}

// counterMirror turns a running total into counter increments.
type counterMirror struct {
	mu   sync.Mutex
	last int64
}

var hubDropped counterMirror

func (c *counterMirror) add(total int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if total > c.last {
		DroppedMessages.Add(float64(total - c.last))
	}
	c.last = total
}
