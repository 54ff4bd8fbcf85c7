package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/maltedev/listing-scraper/internal/driver"
)

// RodDriver drives one stealth page over the Chrome DevTools Protocol.
type RodDriver struct {
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
	opts     *Options
	logger   *slog.Logger
}

func NewRodDriver(ctx context.Context, opts *Options, logger *slog.Logger) (*RodDriver, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = slog.Default()
	}

	l := launcher.New().
		Context(ctx).
		Headless(opts.Headless).
		NoSandbox(true)
	if opts.BrowserBin != "" {
		l = l.Bin(opts.BrowserBin)
	}
	if opts.ProxyServer != "" {
		l = l.Proxy(opts.ProxyServer)
	}
	l.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
	l.Delete(flags.Flag("enable-automation"))
	l.Set(flags.Flag("disable-dev-shm-usage"))
	l.Set(flags.Flag("no-first-run"))
	l.Set(flags.Flag("window-size"), fmt.Sprintf("%d,%d", opts.ViewportWidth, opts.ViewportHeight))

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	page, err := stealth.Page(browser)
	if err != nil {
		browser.Close()
		l.Kill()
		return nil, fmt.Errorf("failed to create stealth page: %w", err)
	}

	if err := (proto.NetworkSetUserAgentOverride{
		UserAgent:      opts.UserAgent,
		AcceptLanguage: opts.AcceptLanguage,
	}).Call(page); err != nil {
		logger.Warn("failed to override user agent", "error", err)
	}
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:  opts.ViewportWidth,
		Height: opts.ViewportHeight,
	}).Call(page); err != nil {
		logger.Warn("failed to set viewport", "error", err)
	}

	return &RodDriver{
		launcher: l,
		browser:  browser,
		page:     page,
		opts:     opts,
		logger:   logger.With("component", "rod"),
	}, nil
}

func (d *RodDriver) Close() error {
	var errs []error
	if d.browser != nil {
		if err := d.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
		}
	}
	if d.launcher != nil {
		d.launcher.Kill()
		d.launcher.Cleanup()
	}
	return errors.Join(errs...)
}

// scoped returns the page bound to ctx with the driver timeout applied.
func (d *RodDriver) scoped(ctx context.Context) *rod.Page {
	return d.page.Context(ctx).Timeout(timeoutFrom(ctx, d.opts.Timeout))
}

func (d *RodDriver) Navigate(ctx context.Context, url string) error {
	p := d.scoped(ctx)
	if err := p.Navigate(url); err != nil {
		return d.navigationError(url, err)
	}
	if err := p.WaitLoad(); err != nil {
		return d.navigationError(url, err)
	}
	if err := d.bypassBotCheck(ctx); err != nil {
		return fmt.Errorf("%w: %v", driver.ErrNavigation, err)
	}
	return nil
}

func (d *RodDriver) Reload(ctx context.Context) error {
	p := d.scoped(ctx)
	if err := p.Reload(); err != nil {
		return d.navigationError("reload", err)
	}
	if err := p.WaitLoad(); err != nil {
		return d.navigationError("reload", err)
	}
	return nil
}

func (d *RodDriver) navigationError(url string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if rodClosed(err) {
		return fmt.Errorf("%w: %v", driver.ErrClosed, err)
	}
	return fmt.Errorf("%w: %s: %v", driver.ErrNavigation, url, err)
}

// bypassBotCheck clicks through the bot check interstitial. Text matching
// selectors are playwright-only, so only plain CSS buttons are tried.
func (d *RodDriver) bypassBotCheck(ctx context.Context) error {
	html, err := d.scoped(ctx).HTML()
	if err != nil || !isBotCheck(html) {
		return nil
	}
	d.logger.Info("bot protection detected, attempting bypass")

	for _, sel := range botCheckButtons {
		if strings.Contains(sel, ":has-text") {
			continue
		}
		els, err := d.scoped(ctx).Elements(sel)
		if err != nil || len(els) == 0 {
			continue
		}
		if err := els.First().Click(proto.InputMouseButtonLeft, 1); err != nil {
			d.logger.Error("failed to click button", "selector", sel, "error", err)
			continue
		}
		_ = d.scoped(ctx).WaitLoad()
		if html, err := d.scoped(ctx).HTML(); err == nil && !isBotCheck(html) {
			d.logger.Info("bot protection bypassed")
			return nil
		}
	}
	return fmt.Errorf("could not find button to bypass bot protection")
}

func (d *RodDriver) FindAll(ctx context.Context, selector string) ([]driver.Node, error) {
	els, err := d.scoped(ctx).Elements(selector)
	if err != nil {
		return nil, d.readError(err)
	}
	nodes := make([]driver.Node, len(els))
	for i, el := range els {
		nodes[i] = el
	}
	return nodes, nil
}

func (d *RodDriver) Find(ctx context.Context, selector string, within driver.Node) (driver.Node, error) {
	var (
		els rod.Elements
		err error
	)
	if within == nil {
		els, err = d.scoped(ctx).Elements(selector)
	} else {
		scope, serr := element(within)
		if serr != nil {
			return nil, serr
		}
		els, err = scope.Context(ctx).Elements(selector)
	}
	if err != nil {
		return nil, d.readError(err)
	}
	if els.Empty() {
		return nil, driver.ErrNoMatch
	}
	return els.First(), nil
}

func (d *RodDriver) ReadText(ctx context.Context, node driver.Node) (string, error) {
	el, err := element(node)
	if err != nil {
		return "", err
	}
	text, err := el.Context(ctx).Text()
	if err != nil {
		return "", d.readError(err)
	}
	return text, nil
}

func (d *RodDriver) ReadContent(ctx context.Context, node driver.Node) (string, error) {
	el, err := element(node)
	if err != nil {
		return "", err
	}
	res, err := el.Context(ctx).Eval(`() => this.textContent`)
	if err != nil {
		return "", d.readError(err)
	}
	return res.Value.Str(), nil
}

func (d *RodDriver) ReadAttribute(ctx context.Context, node driver.Node, name string) (string, error) {
	el, err := element(node)
	if err != nil {
		return "", err
	}
	value, err := el.Context(ctx).Attribute(name)
	if err != nil {
		return "", d.readError(err)
	}
	if value == nil {
		return "", nil
	}
	return *value, nil
}

func (d *RodDriver) Click(ctx context.Context, node driver.Node) error {
	el, err := element(node)
	if err != nil {
		return err
	}
	return rodClickError(el.Context(ctx).Click(proto.InputMouseButtonLeft, 1))
}

func (d *RodDriver) ScriptClick(ctx context.Context, node driver.Node) error {
	el, err := element(node)
	if err != nil {
		return err
	}
	_, err = el.Context(ctx).Eval(`() => this.click()`)
	return rodClickError(err)
}

// PointerClick moves the mouse onto the element before pressing.
func (d *RodDriver) PointerClick(ctx context.Context, node driver.Node) error {
	el, err := element(node)
	if err != nil {
		return err
	}
	el = el.Context(ctx)
	if err := el.Hover(); err != nil {
		return rodClickError(err)
	}
	return rodClickError(d.page.Context(ctx).Mouse.Click(proto.InputMouseButtonLeft, 1))
}

func (d *RodDriver) ScrollIntoView(ctx context.Context, node driver.Node) error {
	el, err := element(node)
	if err != nil {
		return err
	}
	return rodClickError(el.Context(ctx).ScrollIntoView())
}

func (d *RodDriver) CurrentURL() string {
	info, err := d.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

func (d *RodDriver) WaitUntilPresent(ctx context.Context, selector string, timeout time.Duration) bool {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return d.page.Context(waitCtx).WaitElementsMoreThan(selector, 0) == nil
}

func (d *RodDriver) readError(err error) error {
	if rodClosed(err) {
		return fmt.Errorf("%w: %v", driver.ErrClosed, err)
	}
	return err
}

func element(node driver.Node) (*rod.Element, error) {
	el, ok := node.(*rod.Element)
	if !ok || el == nil {
		return nil, fmt.Errorf("%w: foreign node %T", driver.ErrNoMatch, node)
	}
	return el, nil
}

// rodClickError maps rod's typed actionability errors onto driver sentinels.
func rodClickError(err error) error {
	if err == nil {
		return nil
	}

	var (
		covered    *rod.CoveredError
		invisible  *rod.InvisibleShapeError
		noInteract *rod.NotInteractableError
		noPointer  *rod.NoPointerEventsError
	)
	switch {
	case errors.As(err, &covered):
		return fmt.Errorf("%w: %v", driver.ErrClickIntercepted, err)
	case errors.As(err, &invisible), errors.As(err, &noInteract), errors.As(err, &noPointer):
		return fmt.Errorf("%w: %v", driver.ErrNotInteractable, err)
	case rodClosed(err):
		return fmt.Errorf("%w: %v", driver.ErrClosed, err)
	}
	return err
}

func rodClosed(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "websocket: close") ||
		strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "Target closed")
}
