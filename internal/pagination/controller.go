// Package pagination walks a result set page by page and decides when to stop.
package pagination

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/maltedev/listing-scraper/internal/driver"
	"github.com/maltedev/listing-scraper/internal/interact"
)

type Config struct {
	// Target stops the run once this many unique items were admitted. Zero
	// means no target.
	Target int
	// MaxPages caps visited pages. Zero means no cap.
	MaxPages int
	// StallThreshold is the number of consecutive pages without new items
	// that ends the run.
	StallThreshold int
	// NextSelectors locate the "next page" affordance, in priority order.
	NextSelectors []string
	// DisabledSelectors mark a disabled affordance on the last page.
	DisabledSelectors []string
	// PageParam is the query parameter used by the URL fallback.
	PageParam string
	// ContentSelector must be present for a page to count as loaded.
	ContentSelector string
	LoadTimeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		StallThreshold: 2,
		PageParam:      "page",
		LoadTimeout:    15 * time.Second,
	}
}

// Limiter paces page loads.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Feedback receives page load outcomes, typically an adaptive limiter.
type Feedback interface {
	RecordSuccess()
	RecordError()
}

type Observer interface {
	ObservePage(loaded bool, newItems int, elapsed time.Duration)
	ObserveDuplicate()
}

// VisitFunc processes the loaded page, calling Admit for each item found.
// An error aborts the run.
type VisitFunc func(ctx context.Context, page int) error

type Controller struct {
	driver   driver.PageDriver
	retrier  *interact.Retrier
	cfg      Config
	state    *State
	logger   *slog.Logger
	limiter  Limiter
	feedback Feedback
	observer Observer

	visitedURLs map[string]struct{}
	listingURL  string
	// fatal is set when the driver reports it is closed
	fatal error
}

func NewController(d driver.PageDriver, r *interact.Retrier, cfg Config, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = 1
	}
	if cfg.PageParam == "" {
		cfg.PageParam = "page"
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = DefaultConfig().LoadTimeout
	}
	return &Controller{
		driver:      d,
		retrier:     r,
		cfg:         cfg,
		state:       newState(cfg.Target),
		logger:      logger.With("component", "pagination"),
		visitedURLs: make(map[string]struct{}),
	}
}

// WithLimiter installs a limiter consulted before every page load. When it
// also implements Feedback it is told how each load went.
func (c *Controller) WithLimiter(l Limiter) *Controller {
	c.limiter = l
	if fb, ok := l.(Feedback); ok {
		c.feedback = fb
	}
	return c
}

func (c *Controller) WithObserver(o Observer) *Controller {
	c.observer = o
	return c
}

func (c *Controller) State() *State {
	return c.state
}

// Admit counts key toward the target unless it was already seen. Duplicates
// are dropped silently.
func (c *Controller) Admit(key string) bool {
	if c.state.Seen(key) {
		c.state.duplicates++
		if c.observer != nil {
			c.observer.ObserveDuplicate()
		}
		return false
	}
	return c.state.admit(key)
}

// Run loads startURL and keeps advancing until a terminal state. It returns
// the terminal reason; an error means visit or the driver failed fatally, in
// which case the reason is empty.
func (c *Controller) Run(ctx context.Context, startURL string, visit VisitFunc) (Reason, error) {
	c.state.currentPage = 1
	c.listingURL = startURL
	loaded := c.load(ctx, startURL)

	for {
		if c.fatal != nil {
			return "", c.fatal
		}
		if ctx.Err() != nil {
			return c.finish(ReasonDeadline), nil
		}

		start := time.Now()
		before := c.state.itemsCollected
		if loaded {
			c.listingURL = c.driver.CurrentURL()
			if err := visit(ctx, c.state.currentPage); err != nil {
				if ctx.Err() != nil {
					return c.finish(ReasonDeadline), nil
				}
				return "", err
			}
		}
		newItems := c.state.itemsCollected - before
		c.state.endPage(newItems, loaded)
		if c.observer != nil {
			c.observer.ObservePage(loaded, newItems, time.Since(start))
		}

		c.logger.Info("page processed",
			"page", c.state.currentPage,
			"loaded", loaded,
			"new_items", newItems,
			"collected", c.state.itemsCollected,
			"empty_streak", c.state.consecutiveEmptyPages)

		if reason, done := c.terminal(loaded); done {
			return c.finish(reason), nil
		}

		var reason Reason
		loaded, reason = c.advance(ctx)
		if reason != "" {
			return c.finish(reason), nil
		}
	}
}

func (c *Controller) finish(r Reason) Reason {
	c.state.finish(r)
	c.logger.Info("pagination finished",
		"reason", string(r),
		"pages", c.state.currentPage,
		"collected", c.state.itemsCollected,
		"duplicates", c.state.duplicates)
	return r
}

func (c *Controller) terminal(lastLoaded bool) (Reason, bool) {
	if c.state.TargetReached() {
		return ReasonTargetReached, true
	}

	threshold := c.cfg.StallThreshold
	// after earlier success, a load failure is more likely transient
	if !lastLoaded && c.state.productivePages > 0 {
		threshold++
	}
	if c.state.consecutiveEmptyPages >= threshold {
		return ReasonStalled, true
	}

	if c.cfg.MaxPages > 0 && c.state.currentPage >= c.cfg.MaxPages {
		return ReasonPageLimit, true
	}
	return "", false
}

// advance moves to the next page. It prefers the next affordance and falls
// back to rewriting the page parameter of the last listing URL.
func (c *Controller) advance(ctx context.Context) (bool, Reason) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return false, ReasonDeadline
		}
	}

	from := c.listingURL
	if from == "" {
		from = c.driver.CurrentURL()
	}

	next, disabled := c.findNext(ctx)
	if disabled {
		return false, ReasonNoNextPage
	}

	clickFailed := false
	if next != nil {
		ok, err := c.retrier.Click(ctx, next)
		switch {
		case ctx.Err() != nil:
			return false, ReasonDeadline
		case err != nil:
			c.logger.Warn("next affordance click failed", "error", err)
			clickFailed = true
		case !ok:
			c.logger.Warn("next affordance not clickable, using url fallback")
			clickFailed = true
		default:
			if landed, ok := c.awaitNavigation(ctx, from); ok {
				if _, seen := c.visitedURLs[landed]; seen {
					return false, ReasonNoNextPage
				}
				c.visitedURLs[landed] = struct{}{}
				c.state.currentPage++
				c.record(true)
				return true, ""
			}
			c.logger.Warn("next affordance click did not change page, using url fallback")
			clickFailed = true
		}
	}

	target, ok := NextPageURL(from, c.cfg.PageParam)
	if !ok {
		if clickFailed {
			return false, ReasonNavigationFailed
		}
		return false, ReasonNoNextPage
	}
	if _, seen := c.visitedURLs[target]; seen {
		if clickFailed {
			return false, ReasonNavigationFailed
		}
		return false, ReasonNoNextPage
	}

	c.state.currentPage++
	loaded := c.load(ctx, target)
	if !loaded {
		// keep the rewritten URL as the base for the next fallback
		c.listingURL = target
	}
	return loaded, ""
}

// findNext returns the first next affordance, or reports that the affordance
// is present but disabled.
func (c *Controller) findNext(ctx context.Context) (driver.Node, bool) {
	for _, sel := range c.cfg.DisabledSelectors {
		if _, err := c.driver.Find(ctx, sel, nil); err == nil {
			return nil, true
		}
	}

	for _, sel := range c.cfg.NextSelectors {
		node, err := c.driver.Find(ctx, sel, nil)
		if err != nil {
			continue
		}
		if c.isDisabled(ctx, node) {
			return nil, true
		}
		return node, false
	}
	return nil, false
}

func (c *Controller) isDisabled(ctx context.Context, node driver.Node) bool {
	class, _ := c.driver.ReadAttribute(ctx, node, "class")
	for _, marker := range []string{"a-disabled", "s-pagination-disabled", "disabled"} {
		for _, cl := range strings.Fields(class) {
			if cl == marker {
				return true
			}
		}
	}
	aria, _ := c.driver.ReadAttribute(ctx, node, "aria-disabled")
	return aria == "true"
}

// awaitNavigation waits until the document URL differs from "from" and the
// content selector is present.
func (c *Controller) awaitNavigation(ctx context.Context, from string) (string, bool) {
	deadline := time.Now().Add(c.cfg.LoadTimeout)
	for {
		if cur := c.driver.CurrentURL(); cur != from {
			return cur, c.contentPresent(ctx, time.Until(deadline))
		}
		if time.Now().After(deadline) {
			return "", false
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// load navigates to target, reloading once when the page does not come up.
func (c *Controller) load(ctx context.Context, target string) bool {
	c.visitedURLs[target] = struct{}{}

	if err := c.driver.Navigate(ctx, target); err == nil && c.contentPresent(ctx, c.cfg.LoadTimeout) {
		c.record(true)
		return true
	} else if errors.Is(err, driver.ErrClosed) {
		c.fatal = err
		return false
	} else if err != nil {
		c.logger.Warn("navigation failed, retrying", "url", target, "error", err)
	} else {
		c.logger.Warn("expected content missing, retrying", "url", target)
	}
	if ctx.Err() != nil {
		return false
	}

	if err := c.retry(ctx, target); err != nil {
		if errors.Is(err, driver.ErrClosed) {
			c.fatal = err
			return false
		}
		c.logger.Warn("page abandoned", "url", target, "error", err)
		c.record(false)
		return false
	}
	if !c.contentPresent(ctx, c.cfg.LoadTimeout) {
		c.logger.Warn("page abandoned, content still missing", "url", target)
		c.record(false)
		return false
	}
	c.record(true)
	return true
}

func (c *Controller) retry(ctx context.Context, target string) error {
	if r, ok := c.driver.(driver.Reloader); ok && c.driver.CurrentURL() == target {
		return r.Reload(ctx)
	}
	return c.driver.Navigate(ctx, target)
}

func (c *Controller) contentPresent(ctx context.Context, timeout time.Duration) bool {
	if c.cfg.ContentSelector == "" {
		return true
	}
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	return c.driver.WaitUntilPresent(ctx, c.cfg.ContentSelector, timeout)
}

func (c *Controller) record(ok bool) {
	if c.feedback == nil {
		return
	}
	if ok {
		c.feedback.RecordSuccess()
	} else {
		c.feedback.RecordError()
	}
}

// NextPageURL increments the page parameter of raw, or appends param=2 when
// it is absent. A value that is not a positive number counts as page 1 and is
// replaced whole. The rest of the URL is preserved byte for byte.
func NextPageURL(raw, param string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", false
	}

	re, err := regexp.Compile(`([?&]` + regexp.QuoteMeta(param) + `=)([^&#]*)`)
	if err != nil {
		return "", false
	}
	if m := re.FindStringSubmatchIndex(raw); m != nil {
		current, convErr := strconv.Atoi(raw[m[4]:m[5]])
		if convErr != nil || current < 1 {
			current = 1
		}
		return raw[:m[4]] + strconv.Itoa(current+1) + raw[m[5]:], true
	}

	frag := ""
	base := raw
	if i := strings.IndexByte(raw, '#'); i >= 0 {
		base, frag = raw[:i], raw[i:]
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s%s=2%s", base, sep, param, frag), true
}
