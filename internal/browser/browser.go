// Package browser provides the page drivers: a playwright-backed browser,
// a rod-backed browser and a static goquery document driver.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/maltedev/listing-scraper/internal/driver"
)

const (
	EnginePlaywright = "playwright"
	EngineRod        = "rod"
	EngineStatic     = "static"
)

type Options struct {
	Engine         string
	Headless       bool
	Timeout        time.Duration
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
	AcceptLanguage string
	TimezoneID     string
	Locale         string
	ProxyServer    string
	// BrowserBin overrides the browser executable used by rod.
	BrowserBin   string
	ExtraHeaders map[string]string
	// HomeURL, when set, is visited once before the first navigation so the
	// bot check is handled on a neutral page.
	HomeURL string
}

func DefaultOptions() *Options {
	return &Options{
		Engine:         EnginePlaywright,
		Headless:       true,
		Timeout:        30 * time.Second,
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		ViewportWidth:  1920,
		ViewportHeight: 1080,
		AcceptLanguage: "en-US,en;q=0.9",
		TimezoneID:     "America/New_York",
		Locale:         "en-US",
		ExtraHeaders: map[string]string{
			"Accept": "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
			"DNT":    "1",
		},
	}
}

// New opens a driver for the configured engine. The caller owns it and must
// close it through driver.Closer.
func New(ctx context.Context, opts *Options, logger *slog.Logger) (driver.PageDriver, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = slog.Default()
	}

	switch strings.ToLower(opts.Engine) {
	case "", EnginePlaywright:
		return NewPlaywrightDriver(opts, logger)
	case EngineRod:
		return NewRodDriver(ctx, opts, logger)
	case EngineStatic:
		static := DefaultStaticOptions()
		static.UserAgent = opts.UserAgent
		static.Timeout = opts.Timeout
		return NewStaticDriver(static, logger), nil
	default:
		return nil, fmt.Errorf("unknown browser engine %q", opts.Engine)
	}
}

// botCheckMarkers identify the interstitial shown instead of the requested
// page.
var botCheckMarkers = []string{
	"Click the button below to continue shopping",
	"Continue shopping",
	"Klicke auf die Schaltfläche unten",
	"Weiter shoppen",
}

var botCheckButtons = []string{
	`button:has-text("Continue shopping")`,
	`button:has-text("Weiter shoppen")`,
	`input[type="submit"][value*="Continue"]`,
	`input[type="submit"][value*="Weiter"]`,
	`.a-button-primary`,
	`button.a-button-text`,
}

// errorPageMarkers identify the storefront's generic error page.
var errorPageMarkers = []string{"Sorry! Something went wrong", "Tut uns Leid"}

func isBotCheck(content string) bool {
	for _, m := range botCheckMarkers {
		if strings.Contains(content, m) {
			return true
		}
	}
	return false
}

func isErrorPage(title, content string) bool {
	for _, m := range errorPageMarkers {
		if strings.Contains(title, m) || strings.Contains(content, m) {
			return true
		}
	}
	return false
}

// timeoutFrom returns the time left on ctx, capped at def.
func timeoutFrom(ctx context.Context, def time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < def {
			if left < time.Millisecond {
				return time.Millisecond
			}
			return left
		}
	}
	return def
}
