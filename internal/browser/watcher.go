package browser

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/captcharelay-go/internal/config"
	"github.com/Rorqualx/captcharelay-go/internal/metrics"
	"github.com/Rorqualx/captcharelay-go/internal/security"
	"github.com/Rorqualx/captcharelay-go/internal/types"
)

type watchedPage struct {
	info     types.PageInfo
	page     *rod.Page
	observer *networkObserver
	cancel   context.CancelFunc
}

// Watcher keeps a set of browser pages open and relays their matching
// XHR and Fetch traffic.
type Watcher struct {
	browser    *rod.Browser
	launcher   *launcher.Launcher
	proxyAuth  *proxyAuth
	deliverer  DelivererFunc
	maxPages   int
	maxPayload int64

	mu     sync.Mutex
	pages  map[string]*watchedPage
	closed bool
}

// NewWatcher launches a browser and returns a Watcher for it.
func NewWatcher(cfg *config.Config, deliverer DelivererFunc) (*Watcher, error) {
	b, l, auth, err := launch(cfg)
	if err != nil {
		return nil, err
	}

	w := newWatcher(b, deliverer, cfg.MaxPages, cfg.MaxPayloadBytes)
	w.launcher = l
	w.proxyAuth = auth

	log.Info().
		Int("max_pages", cfg.MaxPages).
		Bool("headless", cfg.Headless).
		Msg("Browser watcher started")
	return w, nil
}

func newWatcher(b *rod.Browser, deliverer DelivererFunc, maxPages int, maxPayload int64) *Watcher {
	return &Watcher{
		browser:    b,
		deliverer:  deliverer,
		maxPages:   maxPages,
		maxPayload: maxPayload,
		pages:      make(map[string]*watchedPage),
	}
}

// Open creates a stealth page, attaches the network observer and navigates to url.
// The observer is attached before navigation so the first calls are seen.
func (w *Watcher) Open(ctx context.Context, url string) (types.PageInfo, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return types.PageInfo{}, types.ErrWatcherClosed
	}
	if len(w.pages) >= w.maxPages {
		w.mu.Unlock()
		return types.PageInfo{}, types.ErrTooManyPages
	}
	// Reserve the slot while the page is being created.
	id := uuid.NewString()
	w.pages[id] = nil
	w.mu.Unlock()

	wp, err := w.openPage(ctx, id, url)

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil || w.closed {
		delete(w.pages, id)
		if err == nil {
			w.closePage(wp)
			err = types.ErrWatcherClosed
		}
		return types.PageInfo{}, err
	}
	w.pages[id] = wp
	metrics.WatchedPages.Set(float64(w.countLocked()))

	log.Info().
		Str("page_id", id).
		Str("url", security.RedactURL(url)).
		Msg("Watching page")
	return wp.info, nil
}

func (w *Watcher) openPage(ctx context.Context, id, url string) (*watchedPage, error) {
	page, err := stealth.Page(w.browser)
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	// Listeners outlive the request that opened the page.
	pageCtx, cancel := context.WithCancel(context.Background())
	wp := &watchedPage{
		info: types.PageInfo{
			ID:        id,
			URL:       url,
			CreatedAt: time.Now().Unix(),
		},
		page:     page,
		observer: newNetworkObserver(pageCtx, page, w.deliverer, w.maxPayload),
		cancel:   cancel,
	}

	if err := answerProxyAuth(pageCtx, page, w.proxyAuth); err != nil {
		w.closePage(wp)
		return nil, fmt.Errorf("failed to enable proxy auth: %w", err)
	}
	if err := wp.observer.start(); err != nil {
		w.closePage(wp)
		return nil, fmt.Errorf("failed to enable network events: %w", err)
	}
	if err := page.Context(ctx).Navigate(url); err != nil {
		w.closePage(wp)
		return nil, fmt.Errorf("navigation failed: %w", err)
	}
	return wp, nil
}

// List returns the open pages, oldest first.
func (w *Watcher) List() []types.PageInfo {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]types.PageInfo, 0, len(w.pages))
	for _, wp := range w.pages {
		if wp != nil {
			out = append(out, wp.info)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Close stops observing a page and closes it.
func (w *Watcher) Close(id string) error {
	w.mu.Lock()
	wp, ok := w.pages[id]
	if !ok || wp == nil {
		w.mu.Unlock()
		return types.ErrPageNotFound
	}
	delete(w.pages, id)
	metrics.WatchedPages.Set(float64(w.countLocked()))
	w.mu.Unlock()

	w.closePage(wp)
	log.Info().Str("page_id", id).Msg("Page closed")
	return nil
}

// Shutdown closes every page and the browser. Safe to call multiple times.
func (w *Watcher) Shutdown() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	pages := w.pages
	w.pages = make(map[string]*watchedPage)
	w.mu.Unlock()

	for _, wp := range pages {
		if wp != nil {
			w.closePage(wp)
		}
	}
	metrics.WatchedPages.Set(0)

	var err error
	if w.browser != nil {
		err = w.browser.Close()
	}
	if w.launcher != nil {
		w.launcher.Cleanup()
	}
	log.Info().Msg("Browser watcher stopped")
	return err
}

func (w *Watcher) closePage(wp *watchedPage) {
	wp.observer.stop()
	wp.cancel()
	if err := wp.page.Close(); err != nil {
		log.Debug().Err(err).Str("page_id", wp.info.ID).Msg("Failed to close page")
	}
}

// countLocked counts fully opened pages. Must be called with w.mu held.
func (w *Watcher) countLocked() int {
	n := 0
	for _, wp := range w.pages {
		if wp != nil {
			n++
		}
	}
	return n
}
