package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/maltedev/listing-scraper/internal/driver"
)

// PlaywrightDriver drives one Chromium page through playwright.
type PlaywrightDriver struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	context playwright.BrowserContext
	page    playwright.Page
	opts    *Options
	logger  *slog.Logger

	warmedUp bool
}

func NewPlaywrightDriver(opts *Options, logger *slog.Logger) (*PlaywrightDriver, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = slog.Default()
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
			"--disable-setuid-sandbox",
			fmt.Sprintf("--window-size=%d,%d", opts.ViewportWidth, opts.ViewportHeight),
			"--user-agent=" + opts.UserAgent,
		},
	}
	if opts.ProxyServer != "" {
		launchOpts.Proxy = &playwright.Proxy{Server: opts.ProxyServer}
	}

	browser, err := pw.Chromium.Launch(launchOpts)
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	headers := make(map[string]string, len(opts.ExtraHeaders)+1)
	for k, v := range opts.ExtraHeaders {
		headers[k] = v
	}
	if opts.AcceptLanguage != "" {
		headers["Accept-Language"] = opts.AcceptLanguage
	}

	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		UserAgent:         playwright.String(opts.UserAgent),
		AcceptDownloads:   playwright.Bool(false),
		JavaScriptEnabled: playwright.Bool(true),
		Locale:            playwright.String(opts.Locale),
		TimezoneId:        playwright.String(opts.TimezoneID),
		Viewport: &playwright.Size{
			Width:  opts.ViewportWidth,
			Height: opts.ViewportHeight,
		},
		ExtraHttpHeaders: headers,
	})
	if err != nil {
		browser.Close()
		pw.Stop()
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}

	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		browser.Close()
		pw.Stop()
		return nil, fmt.Errorf("failed to create new page: %w", err)
	}
	page.SetDefaultTimeout(float64(opts.Timeout.Milliseconds()))

	return &PlaywrightDriver{
		pw:      pw,
		browser: browser,
		context: bctx,
		page:    page,
		opts:    opts,
		logger:  logger.With("component", "playwright"),
	}, nil
}

func (d *PlaywrightDriver) Close() error {
	var errs []error

	if d.context != nil {
		if err := d.context.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close context: %w", err))
		}
	}
	if d.browser != nil {
		if err := d.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
		}
	}
	if d.pw != nil {
		if err := d.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
		}
	}

	return errors.Join(errs...)
}

func (d *PlaywrightDriver) Navigate(ctx context.Context, url string) error {
	if !d.warmedUp && d.opts.HomeURL != "" {
		d.warmedUp = true
		if err := d.goTo(ctx, d.opts.HomeURL); err != nil {
			d.logger.Warn("failed to navigate to homepage", "error", err)
		}
	}
	return d.goTo(ctx, url)
}

func (d *PlaywrightDriver) goTo(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := d.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   millis(timeoutFrom(ctx, d.opts.Timeout)),
	})
	if err != nil {
		if closed(err) {
			return fmt.Errorf("%w: %v", driver.ErrClosed, err)
		}
		return fmt.Errorf("%w: %s: %v", driver.ErrNavigation, url, err)
	}

	bypassed, err := d.CheckAndBypassBotProtection(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", driver.ErrNavigation, err)
	}
	if bypassed {
		d.logger.Info("bot protection bypassed", "url", url)
		if err := d.humanize(ctx); err != nil {
			d.logger.Debug("failed to humanize after bypass", "error", err)
		}
	}
	return nil
}

func (d *PlaywrightDriver) Reload(ctx context.Context) error {
	_, err := d.page.Reload(playwright.PageReloadOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   millis(timeoutFrom(ctx, d.opts.Timeout)),
	})
	if err != nil {
		if closed(err) {
			return fmt.Errorf("%w: %v", driver.ErrClosed, err)
		}
		return fmt.Errorf("%w: reload: %v", driver.ErrNavigation, err)
	}
	return nil
}

// CheckAndBypassBotProtection clicks through the bot check interstitial when
// the current page is one. It reports whether a bypass happened.
func (d *PlaywrightDriver) CheckAndBypassBotProtection(ctx context.Context) (bool, error) {
	title, err := d.page.Title()
	if err != nil {
		return false, fmt.Errorf("failed to get page title: %w", err)
	}
	content, err := d.page.Content()
	if err != nil {
		return false, fmt.Errorf("failed to get page content: %w", err)
	}

	if isBotCheck(content) {
		d.logger.Info("bot protection detected, attempting bypass")

		for _, selector := range botCheckButtons {
			button := d.page.Locator(selector).First()
			count, err := button.Count()
			if err != nil || count == 0 {
				continue
			}

			d.logger.Info("found bot check button", "selector", selector)
			if err := button.Click(playwright.LocatorClickOptions{
				Timeout: millis(timeoutFrom(ctx, 5*time.Second)),
			}); err != nil {
				d.logger.Error("failed to click button", "error", err)
				continue
			}

			d.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
				State:   playwright.LoadStateDomcontentloaded,
				Timeout: millis(timeoutFrom(ctx, 10*time.Second)),
			})

			newContent, _ := d.page.Content()
			if !isBotCheck(newContent) {
				return true, nil
			}
		}
		return false, fmt.Errorf("could not find button to bypass bot protection")
	}

	if isErrorPage(title, content) {
		return false, fmt.Errorf("storefront error page detected")
	}
	return false, nil
}

func (d *PlaywrightDriver) FindAll(ctx context.Context, selector string) ([]driver.Node, error) {
	locators, err := d.page.Locator(selector).All()
	if err != nil {
		return nil, d.readError(err)
	}
	nodes := make([]driver.Node, len(locators))
	for i, l := range locators {
		nodes[i] = l
	}
	return nodes, nil
}

func (d *PlaywrightDriver) Find(ctx context.Context, selector string, within driver.Node) (driver.Node, error) {
	var l playwright.Locator
	if within == nil {
		l = d.page.Locator(selector).First()
	} else {
		scope, err := locator(within)
		if err != nil {
			return nil, err
		}
		l = scope.Locator(selector).First()
	}

	count, err := l.Count()
	if err != nil {
		return nil, d.readError(err)
	}
	if count == 0 {
		return nil, driver.ErrNoMatch
	}
	return l, nil
}

func (d *PlaywrightDriver) ReadText(ctx context.Context, node driver.Node) (string, error) {
	l, err := locator(node)
	if err != nil {
		return "", err
	}
	text, err := l.InnerText(playwright.LocatorInnerTextOptions{
		Timeout: millis(timeoutFrom(ctx, d.opts.Timeout)),
	})
	if err != nil {
		return "", d.readError(err)
	}
	return text, nil
}

func (d *PlaywrightDriver) ReadContent(ctx context.Context, node driver.Node) (string, error) {
	l, err := locator(node)
	if err != nil {
		return "", err
	}
	text, err := l.TextContent(playwright.LocatorTextContentOptions{
		Timeout: millis(timeoutFrom(ctx, d.opts.Timeout)),
	})
	if err != nil {
		return "", d.readError(err)
	}
	return text, nil
}

func (d *PlaywrightDriver) ReadAttribute(ctx context.Context, node driver.Node, name string) (string, error) {
	l, err := locator(node)
	if err != nil {
		return "", err
	}
	value, err := l.GetAttribute(name, playwright.LocatorGetAttributeOptions{
		Timeout: millis(timeoutFrom(ctx, d.opts.Timeout)),
	})
	if err != nil {
		return "", d.readError(err)
	}
	return value, nil
}

func (d *PlaywrightDriver) Click(ctx context.Context, node driver.Node) error {
	l, err := locator(node)
	if err != nil {
		return err
	}
	return clickError(l.Click(playwright.LocatorClickOptions{
		Timeout: millis(timeoutFrom(ctx, d.opts.Timeout)),
	}))
}

// ScriptClick dispatches the click from page script, bypassing hit testing.
func (d *PlaywrightDriver) ScriptClick(ctx context.Context, node driver.Node) error {
	l, err := locator(node)
	if err != nil {
		return err
	}
	_, err = l.Evaluate("el => el.click()", nil, playwright.LocatorEvaluateOptions{
		Timeout: millis(timeoutFrom(ctx, d.opts.Timeout)),
	})
	return clickError(err)
}

// PointerClick moves the mouse to the element's center and clicks there.
func (d *PlaywrightDriver) PointerClick(ctx context.Context, node driver.Node) error {
	l, err := locator(node)
	if err != nil {
		return err
	}
	box, err := l.BoundingBox(playwright.LocatorBoundingBoxOptions{
		Timeout: millis(timeoutFrom(ctx, d.opts.Timeout)),
	})
	if err != nil {
		return clickError(err)
	}
	if box == nil || box.Width == 0 || box.Height == 0 {
		return driver.ErrNotInteractable
	}

	x, y := box.X+box.Width/2, box.Y+box.Height/2
	if err := d.page.Mouse().Move(x, y, playwright.MouseMoveOptions{Steps: playwright.Int(5)}); err != nil {
		return clickError(err)
	}
	return clickError(d.page.Mouse().Click(x, y))
}

func (d *PlaywrightDriver) ScrollIntoView(ctx context.Context, node driver.Node) error {
	l, err := locator(node)
	if err != nil {
		return err
	}
	return clickError(l.ScrollIntoViewIfNeeded(playwright.LocatorScrollIntoViewIfNeededOptions{
		Timeout: millis(timeoutFrom(ctx, d.opts.Timeout)),
	}))
}

func (d *PlaywrightDriver) CurrentURL() string {
	return d.page.URL()
}

func (d *PlaywrightDriver) WaitUntilPresent(ctx context.Context, selector string, timeout time.Duration) bool {
	_, err := d.page.WaitForSelector(selector, playwright.PageWaitForSelectorOptions{
		State:   playwright.WaitForSelectorStateAttached,
		Timeout: millis(timeoutFrom(ctx, timeout)),
	})
	return err == nil
}

// humanize moves the mouse along a few waypoints and scrolls a little. It
// runs after a bot check was clicked through, before the page is read.
func (d *PlaywrightDriver) humanize(ctx context.Context) error {
	for i, p := range mousePath(d.opts.ViewportWidth, d.opts.ViewportHeight) {
		if err := d.page.Mouse().Move(p.x, p.y, playwright.MouseMoveOptions{Steps: playwright.Int(4)}); err != nil {
			return clickError(err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(200+i*100) * time.Millisecond):
		}
	}
	if _, err := d.page.Evaluate(`window.scrollBy(0, Math.random() * 300)`); err != nil {
		return d.readError(err)
	}
	return nil
}

type point struct{ x, y float64 }

// mousePath returns three waypoints inside the viewport, drifting down and
// to the right.
func mousePath(width, height int) []point {
	if width <= 0 || height <= 0 {
		width, height = 1280, 720
	}
	path := make([]point, 3)
	for i := range path {
		path[i] = point{
			x: math.Min(float64(100+i*200), float64(width-1)),
			y: math.Min(float64(100+i*150), float64(height-1)),
		}
	}
	return path
}

func (d *PlaywrightDriver) readError(err error) error {
	if closed(err) {
		return fmt.Errorf("%w: %v", driver.ErrClosed, err)
	}
	return err
}

func locator(node driver.Node) (playwright.Locator, error) {
	l, ok := node.(playwright.Locator)
	if !ok || l == nil {
		return nil, fmt.Errorf("%w: foreign node %T", driver.ErrNoMatch, node)
	}
	return l, nil
}

// clickError maps playwright actionability failures onto driver sentinels.
func clickError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case closed(err):
		return fmt.Errorf("%w: %v", driver.ErrClosed, err)
	case strings.Contains(msg, "intercepts pointer events"):
		return fmt.Errorf("%w: %v", driver.ErrClickIntercepted, err)
	case strings.Contains(msg, "not visible"),
		strings.Contains(msg, "not enabled"),
		strings.Contains(msg, "not stable"),
		strings.Contains(msg, "outside of the viewport"),
		strings.Contains(msg, "detached from the DOM"):
		return fmt.Errorf("%w: %v", driver.ErrNotInteractable, err)
	case errors.Is(err, playwright.ErrTimeout):
		// actionability checks ran out of time without a specific reason
		return fmt.Errorf("%w: %v", driver.ErrNotInteractable, err)
	}
	return err
}

func closed(err error) bool {
	return errors.Is(err, playwright.ErrTargetClosed) ||
		strings.Contains(err.Error(), "has been closed")
}

func millis(d time.Duration) *float64 {
	return playwright.Float(float64(d.Milliseconds()))
}
