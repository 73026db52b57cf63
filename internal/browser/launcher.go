// Package browser observes the network traffic of real browser pages and
// hands matching calls to the relay.
package browser

import (
	"fmt"
	"net/url"
	"runtime"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/captcharelay-go/internal/config"
	"github.com/Rorqualx/captcharelay-go/internal/security"
)

// proxyAuth holds credentials for an authenticated upstream proxy.
// Chrome does not accept credentials in --proxy-server; they are answered
// per page through the Fetch domain instead.
type proxyAuth struct {
	Username string
	Password string
}

// splitProxy separates credentials from a proxy URL.
func splitProxy(proxyURL string) (server string, auth *proxyAuth, err error) {
	if proxyURL == "" {
		return "", nil, nil
	}
	parsed, err := url.Parse(proxyURL)
	if err != nil || parsed.Host == "" {
		return "", nil, fmt.Errorf("invalid proxy url %q", security.RedactProxyURL(proxyURL))
	}
	if parsed.User != nil {
		password, _ := parsed.User.Password()
		auth = &proxyAuth{Username: parsed.User.Username(), Password: password}
		parsed.User = nil
	}
	return parsed.String(), auth, nil
}

// newLauncher builds the Chrome launcher for the observer browser.
func newLauncher(cfg *config.Config, proxyServer string) *launcher.Launcher {
	l := launcher.New()

	if cfg.BrowserPath != "" {
		l = l.Bin(cfg.BrowserPath)
	}

	// Rod enables headless by default; headed mode expects a DISPLAY.
	if cfg.Headless {
		l = l.Set("headless", "new")
	} else {
		l = l.Headless(false)
	}

	// Container flags
	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage")

	if proxyServer != "" {
		l = l.Set("proxy-server", proxyServer)
		log.Debug().Str("proxy", proxyServer).Msg("Browser proxy configured")
	}

	l = l.Set("force-webrtc-ip-handling-policy", "disable_non_proxied_udp").
		Set("disable-blink-features", "AutomationControlled").
		Delete("enable-automation")

	l = l.Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-infobars").
		Set("disable-search-engine-choice-screen").
		Set("window-size", "1920,1080")

	l = l.Set("disable-background-networking").
		Set("disable-default-apps").
		Set("disable-extensions").
		Set("disable-sync").
		Set("mute-audio").
		Set("disable-renderer-backgrounding")

	// Software WebGL; --disable-gpu would break it on ARM.
	l = l.Set("use-gl", "swiftshader").
		Set("enable-unsafe-swiftshader").
		Set("disable-gpu-sandbox")
	if runtime.GOARCH == "arm64" || runtime.GOARCH == "arm" {
		l = l.Set("disable-gpu-compositing")
	}

	return l
}

// launch starts Chrome and connects to it.
func launch(cfg *config.Config) (*rod.Browser, *launcher.Launcher, *proxyAuth, error) {
	server, auth, err := splitProxy(cfg.ProxyURL)
	if err != nil {
		return nil, nil, nil, err
	}

	l := newLauncher(cfg, server)
	controlURL, err := l.Launch()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, nil, nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	log.Debug().Str("url", controlURL).Msg("Browser launched")
	return b, l, auth, nil
}
