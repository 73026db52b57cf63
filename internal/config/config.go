// Package config provides application configuration management.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Configuration bounds.
const (
	defaultPort           = 8192
	defaultPrometheusPort = 9192
	defaultMaxPayload     = 10 * 1024 * 1024
	maxMaxPayload         = 256 * 1024 * 1024
	defaultBuffer         = 64
	maxSubscriberBuffer   = 65536
	defaultMaxPages       = 4
	maxMaxPages           = 32
	defaultFetchTimeout   = 30 * time.Second
	maxFetchTimeout       = 10 * time.Minute
	minAPIKeyLength       = 16
)

// Config holds all application configuration.
// Configuration is loaded from environment variables at startup.
type Config struct {
	// Server settings
	Host string
	Port int

	// Logging
	LogLevel string
	LogFile  string // Rotated log file, in addition to stderr

	// Provider rules
	ProvidersPath      string // Path to an external providers.yaml
	ProvidersHotReload bool

	// Relay
	MaxPayloadBytes  int64
	SubscriberBuffer int
	FetchTimeout     time.Duration
	ProxyURL         string

	// Browser observer
	BrowserEnabled bool
	Headless       bool
	BrowserPath    string
	MaxPages       int

	// Metrics
	PrometheusEnabled bool
	PrometheusPort    int

	// Security
	APIKeyEnabled      bool
	APIKey             string
	CORSAllowedOrigins []string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Loopback by default; the relay stream carries page payloads.
		Host: getEnvString("HOST", "127.0.0.1"),
		Port: getEnvInt("PORT", defaultPort),

		LogLevel: getEnvString("LOG_LEVEL", "info"),
		LogFile:  getEnvString("LOG_FILE", ""),

		ProvidersPath:      getEnvString("PROVIDERS_PATH", ""),
		ProvidersHotReload: getEnvBool("PROVIDERS_HOT_RELOAD", false),

		MaxPayloadBytes:  int64(getEnvInt("MAX_PAYLOAD_BYTES", defaultMaxPayload)),
		SubscriberBuffer: getEnvInt("SUBSCRIBER_BUFFER", defaultBuffer),
		FetchTimeout:     getEnvDuration("FETCH_TIMEOUT", defaultFetchTimeout),
		ProxyURL:         getEnvString("PROXY_URL", ""),

		BrowserEnabled: getEnvBool("BROWSER_ENABLED", false),
		Headless:       getEnvBool("HEADLESS", true),
		BrowserPath:    getEnvString("BROWSER_PATH", ""),
		MaxPages:       getEnvInt("MAX_PAGES", defaultMaxPages),

		PrometheusEnabled: getEnvBool("PROMETHEUS_ENABLED", false),
		PrometheusPort:    getEnvInt("PROMETHEUS_PORT", defaultPrometheusPort),

		APIKeyEnabled:      getEnvBool("API_KEY_ENABLED", false),
		APIKey:             getEnvString("API_KEY", ""),
		CORSAllowedOrigins: getEnvStringSlice("CORS_ALLOWED_ORIGINS", nil),
	}
}

// Validate checks configuration values and logs warnings for invalid values.
// Invalid values are corrected to sensible defaults.
func (c *Config) Validate() {
	// Allow 0 for system-assigned ports
	if c.Port < 0 || c.Port > 65535 {
		log.Warn().Int("port", c.Port).Int("default", defaultPort).Msg("Invalid port, using default")
		c.Port = defaultPort
	}
	if c.PrometheusPort < 0 || c.PrometheusPort > 65535 {
		log.Warn().Int("port", c.PrometheusPort).Int("default", defaultPrometheusPort).Msg("Invalid metrics port, using default")
		c.PrometheusPort = defaultPrometheusPort
	}
	if c.PrometheusEnabled && c.PrometheusPort != 0 && c.PrometheusPort == c.Port {
		log.Warn().Int("port", c.Port).Msg("Metrics port equals API port, using default metrics port")
		c.PrometheusPort = defaultPrometheusPort
	}

	switch strings.ToLower(c.LogLevel) {
	case "trace", "debug", "info", "warn", "error":
		c.LogLevel = strings.ToLower(c.LogLevel)
	default:
		log.Warn().Str("level", c.LogLevel).Msg("Unknown log level, using info")
		c.LogLevel = "info"
	}

	if c.MaxPayloadBytes < 1 {
		log.Warn().Int64("bytes", c.MaxPayloadBytes).Msg("Invalid max payload, using default 10MiB")
		c.MaxPayloadBytes = defaultMaxPayload
	} else if c.MaxPayloadBytes > maxMaxPayload {
		log.Warn().
			Int64("bytes", c.MaxPayloadBytes).
			Int64("max", maxMaxPayload).
			Msg("Max payload too large, capping to maximum")
		c.MaxPayloadBytes = maxMaxPayload
	}

	if c.SubscriberBuffer < 1 {
		log.Warn().Int("buffer", c.SubscriberBuffer).Int("default", defaultBuffer).Msg("Invalid subscriber buffer, using default")
		c.SubscriberBuffer = defaultBuffer
	} else if c.SubscriberBuffer > maxSubscriberBuffer {
		log.Warn().
			Int("buffer", c.SubscriberBuffer).
			Int("max", maxSubscriberBuffer).
			Msg("Subscriber buffer too large, capping to maximum")
		c.SubscriberBuffer = maxSubscriberBuffer
	}

	if c.FetchTimeout < time.Second {
		log.Warn().Dur("timeout", c.FetchTimeout).Msg("Fetch timeout too short, using 30s")
		c.FetchTimeout = defaultFetchTimeout
	} else if c.FetchTimeout > maxFetchTimeout {
		log.Warn().
			Dur("timeout", c.FetchTimeout).
			Dur("max", maxFetchTimeout).
			Msg("Fetch timeout too high, capping to maximum")
		c.FetchTimeout = maxFetchTimeout
	}

	if c.MaxPages < 1 {
		log.Warn().Int("pages", c.MaxPages).Int("default", defaultMaxPages).Msg("Invalid max pages, using default")
		c.MaxPages = defaultMaxPages
	} else if c.MaxPages > maxMaxPages {
		log.Warn().
			Int("pages", c.MaxPages).
			Int("max", maxMaxPages).
			Msg("Max pages too large, capping to maximum")
		c.MaxPages = maxMaxPages
	}

	// Reject path traversal in the browser binary path
	if c.BrowserPath != "" && strings.Contains(c.BrowserPath, "..") {
		log.Error().
			Str("path", c.BrowserPath).
			Msg("BrowserPath contains path traversal sequence (..), ignoring")
		c.BrowserPath = ""
	}

	if c.ProvidersHotReload && c.ProvidersPath == "" {
		log.Warn().Msg("PROVIDERS_HOT_RELOAD set without PROVIDERS_PATH, disabling hot reload")
		c.ProvidersHotReload = false
	}

	if c.APIKeyEnabled {
		if c.APIKey == "" {
			log.Error().Msg("API_KEY_ENABLED is set but API_KEY is empty, disabling API key authentication")
			c.APIKeyEnabled = false
		} else if len(c.APIKey) < minAPIKeyLength {
			log.Warn().
				Int("length", len(c.APIKey)).
				Int("recommended", minAPIKeyLength).
				Msg("API key is shorter than recommended")
		}
	}

	if c.Host != "127.0.0.1" && c.Host != "localhost" && c.Host != "::1" && !c.APIKeyEnabled {
		log.Warn().
			Str("host", c.Host).
			Msg("Relay stream is reachable beyond loopback without API key authentication")
	}
}

// HasProxy returns true if an upstream proxy is configured.
func (c *Config) HasProxy() bool {
	return c.ProxyURL != ""
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.ParseInt(value, 10, 64)
		if err == nil {
			return int(intValue)
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Bool("default", defaultValue).
			Msg("Invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			if duration > 0 {
				return duration
			}
			log.Warn().
				Str("key", key).
				Str("value", value).
				Dur("default", defaultValue).
				Msg("Duration must be positive, using default")
			return defaultValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
