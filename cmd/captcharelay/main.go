// Package main provides the entry point for the captcharelay daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Rorqualx/captcharelay-go/internal/broadcast"
	"github.com/Rorqualx/captcharelay-go/internal/browser"
	"github.com/Rorqualx/captcharelay-go/internal/config"
	"github.com/Rorqualx/captcharelay-go/internal/handlers"
	"github.com/Rorqualx/captcharelay-go/internal/intercept"
	"github.com/Rorqualx/captcharelay-go/internal/metrics"
	"github.com/Rorqualx/captcharelay-go/internal/middleware"
	"github.com/Rorqualx/captcharelay-go/internal/providers"
	"github.com/Rorqualx/captcharelay-go/internal/transport"
	"github.com/Rorqualx/captcharelay-go/pkg/version"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg := config.Load()

	// Setup logging first so validation warnings are visible
	closeLog := setupLogging(cfg.LogLevel, cfg.LogFile)
	defer closeLog()

	cfg.Validate()
	setLevel(cfg.LogLevel)

	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Msg("Starting captcharelay")

	if err := run(cfg); err != nil {
		log.Error().Err(err).Msg("captcharelay stopped with error")
		closeLog()
		os.Exit(1)
	}
	log.Info().Msg("Shutdown complete")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := broadcast.NewHub[intercept.RelayMessage]()
	defer hub.Close()

	client, err := transport.New(transport.Config{
		Timeout:  cfg.FetchTimeout,
		ProxyURL: cfg.ProxyURL,
		MaxBody:  cfg.MaxPayloadBytes,
	})
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	page := transport.NewPage(client, cfg.MaxPayloadBytes)

	rules, err := providers.NewManager(cfg.ProvidersPath, cfg.ProvidersHotReload)
	if err != nil {
		return fmt.Errorf("providers: %w", err)
	}
	defer rules.Close()

	stats := metrics.NewStats()
	inst := &installer{
		page:    page,
		channel: hub,
		opts: []intercept.Option{
			intercept.WithObserver(stats),
			intercept.WithMaxPayload(cfg.MaxPayloadBytes),
		},
	}
	if err := inst.install(rules.Get()); err != nil {
		return fmt.Errorf("install interceptor: %w", err)
	}
	defer inst.dispose()

	rules.OnChange(func(rs intercept.RuleSet) {
		if err := inst.install(rs); err != nil {
			log.Error().Err(err).Msg("Failed to reinstall interceptor, keeping previous rules")
			return
		}
		metrics.ProviderReloads.Inc()
	})

	var opts []handlers.Option
	var watcher *browser.Watcher
	if cfg.BrowserEnabled {
		log.Info().Msg("Launching observer browser...")
		watcher, err = browser.NewWatcher(cfg, inst.deliverer)
		if err != nil {
			return fmt.Errorf("browser: %w", err)
		}
		opts = append(opts, handlers.WithWatcher(watcher))
	}

	h := handlers.New(cfg, hub, page, rules, stats, opts...)

	var apiKey string
	if cfg.APIKeyEnabled {
		apiKey = cfg.APIKey
	}
	chain := middleware.Chain(
		middleware.Recovery,
		middleware.Logging,
		middleware.Instrument(metrics.RecordRequest),
		middleware.SecurityHeaders,
		middleware.CORS(cfg.CORSAllowedOrigins),
		middleware.APIKey(apiKey),
	)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           chain(h.Routes()),
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: /v1/messages is a long-lived stream.
		IdleTimeout: 120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().
			Str("address", addr).
			Strs("providers", rules.Get().IDs()).
			Bool("browser_enabled", cfg.BrowserEnabled).
			Bool("metrics_enabled", cfg.PrometheusEnabled).
			Msg("captcharelay is ready to accept requests")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	var metricsServer *http.Server
	if cfg.PrometheusEnabled {
		metrics.SetBuildInfo(version.Full(), version.GoVersion())

		g.Go(func() error {
			metrics.StartMemoryCollector(10*time.Second, gctx.Done())
			return nil
		})

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.PrometheusPort),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			log.Info().Int("port", cfg.PrometheusPort).Msg("Prometheus metrics server started")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Ends open message streams.
		hub.Close()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Metrics server shutdown error")
			}
		}
		if watcher != nil {
			if err := watcher.Shutdown(); err != nil {
				log.Error().Err(err).Msg("Browser watcher shutdown error")
			}
		}
		return nil
	})

	return g.Wait()
}

// installer keeps exactly one interceptor installed on the page and swaps
// it when the provider rules change.
type installer struct {
	page    *intercept.Page
	channel intercept.Channel
	opts    []intercept.Option

	mu      sync.Mutex
	current atomic.Pointer[intercept.Interceptor]
}

// install replaces the current interceptor, if any, with one for rules.
func (i *installer) install(rules intercept.RuleSet) error {
	if err := rules.Validate(); err != nil {
		return err
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	var (
		ic  *intercept.Interceptor
		err error
	)
	if old := i.current.Load(); old != nil {
		ic, err = old.Replace(i.channel, rules, i.opts...)
	} else {
		ic, err = intercept.Install(i.page, i.channel, rules, i.opts...)
	}
	if err != nil {
		return err
	}
	i.current.Store(ic)
	return nil
}

func (i *installer) dispose() {
	i.mu.Lock()
	ic := i.current.Swap(nil)
	i.mu.Unlock()

	if ic != nil {
		ic.Dispose()
		ic.Wait()
	}
}

// deliverer returns the current interceptor for the browser observer.
func (i *installer) deliverer() browser.Deliverer {
	if ic := i.current.Load(); ic != nil {
		return ic
	}
	return nil
}

// setupLogging configures zerolog with a console writer and, when path is
// set, a rotated log file.
func setupLogging(level, path string) func() {
	var out io.Writer = zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}

	closeFn := func() {}
	if path != "" {
		file := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    50, // MB
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		}
		out = zerolog.MultiLevelWriter(out, file)
		closeFn = func() { _ = file.Close() }
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	setLevel(level)
	return closeFn
}

func setLevel(level string) {
	switch level {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
