package browser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/gocolly/colly/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/maltedev/listing-scraper/internal/driver"
)

// hiddenText is stripped before reading visible text.
const hiddenText = ".a-offscreen, [hidden], script, style, noscript"

// StaticDriver renders nothing: it parses fetched HTML with goquery and
// emulates the interaction surface well enough for server-rendered listings.
// Links navigate when clicked, elements marked data-overlay intercept clicks
// outside themselves until removed, and data-inert elements refuse input.
type StaticDriver struct {
	collector *colly.Collector
	cache     *expirable.LRU[string, []byte]
	logger    *slog.Logger

	fixtures map[string]string
	offline  bool

	mu        sync.Mutex
	selectors map[string]cascadia.Selector

	doc    *goquery.Document
	url    string
	closed bool
}

type StaticOptions struct {
	UserAgent string
	Timeout   time.Duration
	CacheSize int
	CacheTTL  time.Duration
	// Collector overrides the default collector, e.g. to install a mock
	// transport.
	Collector *colly.Collector
	// Offline serves only documents registered with LoadHTML.
	Offline bool
}

func DefaultStaticOptions() *StaticOptions {
	return &StaticOptions{
		UserAgent: DefaultOptions().UserAgent,
		Timeout:   30 * time.Second,
		CacheSize: 256,
		CacheTTL:  10 * time.Minute,
	}
}

func NewStaticDriver(opts *StaticOptions, logger *slog.Logger) *StaticDriver {
	if opts == nil {
		opts = DefaultStaticOptions()
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := opts.Collector
	if c == nil {
		c = colly.NewCollector(
			colly.UserAgent(opts.UserAgent),
			colly.AllowURLRevisit(),
		)
		c.SetRequestTimeout(opts.Timeout)
	}

	size := opts.CacheSize
	if size <= 0 {
		size = 256
	}

	return &StaticDriver{
		collector: c,
		cache:     expirable.NewLRU[string, []byte](size, nil, opts.CacheTTL),
		logger:    logger.With("component", "static-driver"),
		fixtures:  make(map[string]string),
		offline:   opts.Offline,
		selectors: make(map[string]cascadia.Selector),
	}
}

// NewOfflineDriver returns a StaticDriver that never touches the network.
func NewOfflineDriver(logger *slog.Logger) *StaticDriver {
	opts := DefaultStaticOptions()
	opts.Offline = true
	return NewStaticDriver(opts, logger)
}

// LoadHTML registers an in-memory document served for rawURL instead of
// fetching it.
func (d *StaticDriver) LoadHTML(rawURL, html string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fixtures[rawURL] = html
}

func (d *StaticDriver) Navigate(ctx context.Context, rawURL string) error {
	body, final, err := d.load(ctx, rawURL, true)
	if errors.Is(err, driver.ErrClosed) {
		return err
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", driver.ErrNavigation, rawURL, err)
	}
	return d.setDocument(body, final)
}

// Reload fetches the current URL again, bypassing the cache.
func (d *StaticDriver) Reload(ctx context.Context) error {
	if d.url == "" {
		return fmt.Errorf("%w: nothing to reload", driver.ErrNavigation)
	}
	body, final, err := d.load(ctx, d.url, false)
	if errors.Is(err, driver.ErrClosed) {
		return err
	}
	if err != nil {
		return fmt.Errorf("%w: reload %s: %v", driver.ErrNavigation, d.url, err)
	}
	return d.setDocument(body, final)
}

func (d *StaticDriver) setDocument(body []byte, final string) error {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: failed to parse document: %v", driver.ErrNavigation, err)
	}
	d.doc = doc
	d.url = final
	return nil
}

func (d *StaticDriver) load(ctx context.Context, rawURL string, useCache bool) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	if d.closed {
		return nil, "", driver.ErrClosed
	}

	d.mu.Lock()
	html, ok := d.fixtures[rawURL]
	d.mu.Unlock()
	if ok {
		return []byte(html), rawURL, nil
	}
	if d.offline {
		return nil, "", fmt.Errorf("no document registered for %s", rawURL)
	}

	if useCache {
		if body, hit := d.cache.Get(rawURL); hit {
			d.logger.Debug("page cache hit", "url", rawURL)
			return body, rawURL, nil
		}
	}

	body, final, err := d.fetch(rawURL)
	if err != nil {
		return nil, "", err
	}
	d.cache.Add(rawURL, body)
	return body, final, nil
}

func (d *StaticDriver) fetch(rawURL string) ([]byte, string, error) {
	c := d.collector.Clone()

	var (
		body     []byte
		final    = rawURL
		fetchErr error
	)
	c.OnResponse(func(r *colly.Response) {
		body = r.Body
		final = r.Request.URL.String()
	})
	c.OnError(func(r *colly.Response, err error) {
		status := 0
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = fmt.Errorf("status %d: %w", status, err)
	})

	if err := c.Visit(rawURL); err != nil {
		return nil, "", err
	}
	c.Wait()

	if fetchErr != nil {
		return nil, "", fetchErr
	}
	if len(body) == 0 {
		return nil, "", fmt.Errorf("empty response body")
	}
	return body, final, nil
}

func (d *StaticDriver) compile(selector string) (cascadia.Selector, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if sel, ok := d.selectors[selector]; ok {
		return sel, nil
	}
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("invalid selector %q: %w", selector, err)
	}
	d.selectors[selector] = sel
	return sel, nil
}

func (d *StaticDriver) FindAll(ctx context.Context, selector string) ([]driver.Node, error) {
	if d.closed {
		return nil, driver.ErrClosed
	}
	if d.doc == nil {
		return nil, fmt.Errorf("%w: no document loaded", driver.ErrNavigation)
	}
	sel, err := d.compile(selector)
	if err != nil {
		return nil, err
	}

	var nodes []driver.Node
	d.doc.FindMatcher(sel).Each(func(_ int, s *goquery.Selection) {
		nodes = append(nodes, s)
	})
	return nodes, nil
}

func (d *StaticDriver) Find(ctx context.Context, selector string, within driver.Node) (driver.Node, error) {
	if d.closed {
		return nil, driver.ErrClosed
	}
	if d.doc == nil {
		return nil, fmt.Errorf("%w: no document loaded", driver.ErrNavigation)
	}
	sel, err := d.compile(selector)
	if err != nil {
		return nil, err
	}

	scope := d.doc.Selection
	if within != nil {
		scope, err = selection(within)
		if err != nil {
			return nil, err
		}
	}

	found := scope.FindMatcher(sel).First()
	if found.Length() == 0 {
		return nil, driver.ErrNoMatch
	}
	return found, nil
}

func (d *StaticDriver) ReadText(ctx context.Context, node driver.Node) (string, error) {
	s, err := selection(node)
	if err != nil {
		return "", err
	}
	visible := s.Clone()
	visible.Find(hiddenText).Remove()
	return visible.Text(), nil
}

func (d *StaticDriver) ReadContent(ctx context.Context, node driver.Node) (string, error) {
	s, err := selection(node)
	if err != nil {
		return "", err
	}
	return s.Text(), nil
}

func (d *StaticDriver) ReadAttribute(ctx context.Context, node driver.Node, name string) (string, error) {
	s, err := selection(node)
	if err != nil {
		return "", err
	}
	return s.AttrOr(name, ""), nil
}

func (d *StaticDriver) Click(ctx context.Context, node driver.Node) error {
	s, err := selection(node)
	if err != nil {
		return err
	}
	if s.Closest("[data-inert]").Length() > 0 {
		return driver.ErrNotInteractable
	}
	if d.covered(s) {
		return driver.ErrClickIntercepted
	}
	return d.activate(ctx, s)
}

// ScriptClick skips hit testing, so overlays and inert markers do not apply.
func (d *StaticDriver) ScriptClick(ctx context.Context, node driver.Node) error {
	s, err := selection(node)
	if err != nil {
		return err
	}
	return d.activate(ctx, s)
}

func (d *StaticDriver) PointerClick(ctx context.Context, node driver.Node) error {
	return d.Click(ctx, node)
}

func (d *StaticDriver) ScrollIntoView(ctx context.Context, node driver.Node) error {
	_, err := selection(node)
	return err
}

// Close drops the current document. Every later call fails with
// driver.ErrClosed.
func (d *StaticDriver) Close() error {
	d.closed = true
	d.doc = nil
	return nil
}

func (d *StaticDriver) CurrentURL() string {
	return d.url
}

// WaitUntilPresent never blocks: a static document does not change.
func (d *StaticDriver) WaitUntilPresent(ctx context.Context, selector string, timeout time.Duration) bool {
	nodes, err := d.FindAll(ctx, selector)
	return err == nil && len(nodes) > 0
}

// covered reports whether an overlay other than one containing s is present.
func (d *StaticDriver) covered(s *goquery.Selection) bool {
	if d.doc == nil {
		return false
	}
	overlays := d.doc.Find("[data-overlay]")
	if overlays.Length() == 0 {
		return false
	}
	return s.Closest("[data-overlay]").Length() == 0
}

// activate performs the default action: following a link, or closing the
// overlay the element belongs to.
func (d *StaticDriver) activate(ctx context.Context, s *goquery.Selection) error {
	if overlay := s.Closest("[data-overlay]"); overlay.Length() > 0 {
		overlay.Remove()
		return nil
	}

	link := s.Closest("a[href]")
	if link.Length() == 0 {
		return nil
	}
	href := strings.TrimSpace(link.AttrOr("href", ""))
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
		return nil
	}

	target, err := d.resolve(href)
	if err != nil {
		return err
	}
	return d.Navigate(ctx, target)
}

func (d *StaticDriver) resolve(href string) (string, error) {
	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("invalid href %q: %w", href, err)
	}
	base, err := url.Parse(d.url)
	if err != nil || d.url == "" {
		return ref.String(), nil
	}
	return base.ResolveReference(ref).String(), nil
}

func selection(node driver.Node) (*goquery.Selection, error) {
	s, ok := node.(*goquery.Selection)
	if !ok || s == nil || s.Length() == 0 {
		return nil, fmt.Errorf("%w: foreign or empty node %T", driver.ErrNoMatch, node)
	}
	return s, nil
}
