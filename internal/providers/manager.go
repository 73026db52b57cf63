package providers

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/captcharelay-go/internal/intercept"
)

const debounceDelay = 100 * time.Millisecond

// ReloadStats contains statistics about provider reloads.
type ReloadStats struct {
	LastReloadTime time.Time `json:"lastReloadTime,omitempty"`
	ReloadCount    int64     `json:"reloadCount"`
	LastError      error     `json:"-"`
	LastErrorStr   string    `json:"lastError,omitempty"`
	Source         string    `json:"source"`
}

// Manager holds the current provider rules.
// It starts from the embedded defaults and optionally overlays an external
// file, reloading it when the file changes. Reads are lock-free.
type Manager struct {
	embedded     intercept.RuleSet
	current      atomic.Value // intercept.RuleSet
	externalPath string
	watcher      *fsnotify.Watcher
	stopCh       chan struct{}
	wg           sync.WaitGroup
	mu           sync.Mutex // Protects reloads, stats and listeners
	stats        ReloadStats
	listeners    []func(intercept.RuleSet)
	closed       bool
}

// NewManager creates a provider manager.
// If externalPath is empty, only the embedded rules are used.
// If hotReload is true and externalPath is set, file changes trigger reloads.
func NewManager(externalPath string, hotReload bool) (*Manager, error) {
	m := &Manager{
		embedded:     Defaults(),
		externalPath: externalPath,
		stopCh:       make(chan struct{}),
	}
	m.current.Store(m.embedded)
	m.stats.Source = "embedded"

	if externalPath == "" {
		return m, nil
	}

	if err := m.Reload(); err != nil {
		log.Warn().
			Err(err).
			Str("path", externalPath).
			Msg("Failed to load providers file, using embedded defaults")
	} else {
		log.Info().
			Str("path", externalPath).
			Strs("providers", m.Get().IDs()).
			Msg("Loaded providers file")
	}

	if hotReload {
		if err := m.startWatcher(); err != nil {
			log.Warn().
				Err(err).
				Str("path", externalPath).
				Msg("Failed to start file watcher, hot-reload disabled")
		} else {
			log.Info().
				Str("path", externalPath).
				Msg("Hot-reload enabled for providers file")
		}
	}

	return m, nil
}

// Get returns the current rules. The returned slice must not be modified.
func (m *Manager) Get() intercept.RuleSet {
	return m.current.Load().(intercept.RuleSet)
}

// OnChange registers fn to be called with the new rules after every successful reload.
func (m *Manager) OnChange(fn func(intercept.RuleSet)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Reload re-reads the external file. On failure the previous rules stay in use.
func (m *Manager) Reload() error {
	m.mu.Lock()
	if m.externalPath == "" {
		m.mu.Unlock()
		return fmt.Errorf("no external providers path configured")
	}

	rules, err := m.loadExternalLocked()
	if err != nil {
		m.stats.LastError = err
		m.mu.Unlock()
		return err
	}

	m.current.Store(rules)
	m.stats.LastReloadTime = time.Now()
	m.stats.ReloadCount++
	m.stats.LastError = nil
	m.stats.Source = m.externalPath
	listeners := append([]func(intercept.RuleSet){}, m.listeners...)
	count := m.stats.ReloadCount
	m.mu.Unlock()

	log.Info().
		Int64("reload_count", count).
		Strs("providers", rules.IDs()).
		Msg("Providers reloaded")

	for _, fn := range listeners {
		fn(rules)
	}
	return nil
}

func (m *Manager) loadExternalLocked() (intercept.RuleSet, error) {
	data, err := os.ReadFile(m.externalPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read providers file: %w", err)
	}
	external, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse providers file: %w", err)
	}
	return Merge(m.embedded, external), nil
}

// Stats returns the current reload statistics.
func (m *Manager) Stats() ReloadStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.stats
	if stats.LastError != nil {
		stats.LastErrorStr = stats.LastError.Error()
	}
	return stats
}

// Close stops the file watcher. Safe to call multiple times.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()

	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

func (m *Manager) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(m.externalPath); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch file: %w", err)
	}

	m.watcher = watcher
	m.wg.Add(1)
	go m.watchFile()
	return nil
}

// watchFile coalesces bursts of change events into one reload.
func (m *Manager) watchFile() {
	defer m.wg.Done()

	debounce := time.NewTimer(debounceDelay)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			log.Debug().
				Str("event", event.Op.String()).
				Str("file", event.Name).
				Msg("Providers file changed")

			debounce.Reset(debounceDelay)

		case <-debounce.C:
			if err := m.Reload(); err != nil {
				log.Warn().
					Err(err).
					Str("path", m.externalPath).
					Msg("Hot-reload failed, keeping previous providers")
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("File watcher error")

		case <-m.stopCh:
			return
		}
	}
}
