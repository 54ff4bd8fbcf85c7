package pagination

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/listing-scraper/internal/browser"
	"github.com/maltedev/listing-scraper/internal/interact"
)

const base = "https://shop.test/s?k=lamp"

// listing renders ids as item cards plus an optional next link.
func listing(ids []string, next string) string {
	var b strings.Builder
	b.WriteString(`<html><body><div class="results">`)
	for _, id := range ids {
		fmt.Fprintf(&b, `<div class="item" data-id="%s">%s</div>`, id, id)
	}
	b.WriteString(`</div>`)
	if next != "" {
		b.WriteString(next)
	}
	b.WriteString(`</body></html>`)
	return b.String()
}

func ids(from, to int) []string {
	var out []string
	for i := from; i <= to; i++ {
		out = append(out, fmt.Sprintf("item-%02d", i))
	}
	return out
}

func testConfig() Config {
	return Config{
		StallThreshold:    2,
		NextSelectors:     []string{"a.next"},
		DisabledSelectors: []string{"span.next.disabled"},
		PageParam:         "page",
		ContentSelector:   ".results",
		LoadTimeout:       50 * time.Millisecond,
	}
}

func newController(d *browser.StaticDriver, cfg Config) *Controller {
	r := interact.New(d, interact.Options{MaxAttempts: 2, AttemptTimeout: 50 * time.Millisecond}, nil)
	return NewController(d, r, cfg, nil)
}

// visitAll admits every item on the page.
func visitAll(t *testing.T, d *browser.StaticDriver, c *Controller) VisitFunc {
	return func(ctx context.Context, page int) error {
		nodes, err := d.FindAll(ctx, ".item")
		require.NoError(t, err)
		for _, n := range nodes {
			id, _ := d.ReadAttribute(ctx, n, "data-id")
			c.Admit(id)
		}
		return nil
	}
}

func TestController_FollowsAffordanceUntilDisabled(t *testing.T) {
	d := browser.NewOfflineDriver(nil)
	d.LoadHTML(base, listing(ids(1, 3), `<a class="next" href="/s?k=lamp&page=2">Next</a>`))
	d.LoadHTML(base+"&page=2", listing(ids(4, 6), `<a class="next" href="/s?k=lamp&page=3">Next</a>`))
	d.LoadHTML(base+"&page=3", listing(ids(7, 8), `<span class="next disabled">Next</span>`))

	c := newController(d, testConfig())
	reason, err := c.Run(context.Background(), base, visitAll(t, d, c))

	require.NoError(t, err)
	assert.Equal(t, ReasonNoNextPage, reason)
	assert.Equal(t, 3, c.State().CurrentPage())
	assert.Equal(t, 8, c.State().ItemsCollected())
	assert.Equal(t, ConfidenceHigh, c.State().Diagnosis().Confidence)
}

func TestController_TargetReached(t *testing.T) {
	d := browser.NewOfflineDriver(nil)
	d.LoadHTML(base, listing(ids(1, 5), `<a class="next" href="/s?k=lamp&page=2">Next</a>`))
	d.LoadHTML(base+"&page=2", listing(ids(6, 10), `<a class="next" href="/s?k=lamp&page=3">Next</a>`))

	cfg := testConfig()
	cfg.Target = 7
	c := newController(d, cfg)
	reason, err := c.Run(context.Background(), base, visitAll(t, d, c))

	require.NoError(t, err)
	assert.Equal(t, ReasonTargetReached, reason)
	assert.Equal(t, 7, c.State().ItemsCollected())
	assert.False(t, c.Admit("item-99"), "no admissions past the target")
}

func TestController_DedupIdempotence(t *testing.T) {
	c := newController(browser.NewOfflineDriver(nil), testConfig())

	assert.True(t, c.Admit("B000000001"))
	assert.False(t, c.Admit("B000000001"))
	assert.False(t, c.Admit(""))
	assert.Equal(t, 1, c.State().ItemsCollected())
	assert.Equal(t, 1, c.State().Duplicates())
}

func TestController_StallsOnRepeatedItems(t *testing.T) {
	d := browser.NewOfflineDriver(nil)
	same := ids(1, 4)
	d.LoadHTML(base, listing(same, `<a class="next" href="/s?k=lamp&page=2">Next</a>`))
	d.LoadHTML(base+"&page=2", listing(same, `<a class="next" href="/s?k=lamp&page=3">Next</a>`))
	d.LoadHTML(base+"&page=3", listing(same, `<a class="next" href="/s?k=lamp&page=4">Next</a>`))
	d.LoadHTML(base+"&page=4", listing(same, `<a class="next" href="/s?k=lamp&page=5">Next</a>`))

	c := newController(d, testConfig())
	reason, err := c.Run(context.Background(), base, visitAll(t, d, c))

	require.NoError(t, err)
	assert.Equal(t, ReasonStalled, reason)
	assert.Equal(t, 3, c.State().CurrentPage())
	assert.Equal(t, 4, c.State().ItemsCollected())
	assert.Equal(t, 8, c.State().Duplicates())

	diag := c.State().Diagnosis()
	assert.Equal(t, 2, diag.Transient)
	assert.Equal(t, ConfidenceHigh, diag.Confidence)
}

func TestController_URLFallbackWithoutAffordance(t *testing.T) {
	d := browser.NewOfflineDriver(nil)
	d.LoadHTML(base, listing(ids(1, 2), ""))
	d.LoadHTML(base+"&page=2", listing(ids(3, 4), ""))

	c := newController(d, testConfig())
	reason, err := c.Run(context.Background(), base, visitAll(t, d, c))

	require.NoError(t, err)
	// page 3 and 4 do not exist; after earlier success a load failure
	// needs one extra empty page before the run counts as stalled
	assert.Equal(t, ReasonStalled, reason)
	assert.Equal(t, 4, c.State().ItemsCollected())
	assert.Equal(t, 5, c.State().CurrentPage())

	diag := c.State().Diagnosis()
	assert.Equal(t, 3, diag.NavFailures)
	assert.Equal(t, ConfidenceLow, diag.Confidence)
}

func TestController_FallbackWhenAffordanceBlocked(t *testing.T) {
	d := browser.NewOfflineDriver(nil)
	d.LoadHTML(base, listing(ids(1, 2), `<a class="next" data-inert href="/s?k=lamp&page=9">Next</a>`))
	d.LoadHTML(base+"&page=2", listing(ids(3, 4), `<span class="next disabled">Next</span>`))

	c := newController(d, testConfig())
	reason, err := c.Run(context.Background(), base, visitAll(t, d, c))

	require.NoError(t, err)
	// the script click bypasses the inert marker and lands on page 9,
	// which does not exist, so the url fallback is used instead
	assert.Equal(t, ReasonNoNextPage, reason)
	assert.Equal(t, 4, c.State().ItemsCollected())
}

func TestController_NothingLoads(t *testing.T) {
	d := browser.NewOfflineDriver(nil)
	c := newController(d, testConfig())

	reason, err := c.Run(context.Background(), base, visitAll(t, d, c))

	require.NoError(t, err)
	assert.Equal(t, ReasonStalled, reason)
	assert.Equal(t, 0, c.State().ItemsCollected())
	diag := c.State().Diagnosis()
	assert.Equal(t, 2, diag.SuspectStructure)
	assert.Equal(t, ConfidenceLow, diag.Confidence)
}

func TestController_PageLimitAndDeadline(t *testing.T) {
	d := browser.NewOfflineDriver(nil)
	d.LoadHTML(base, listing(ids(1, 2), `<a class="next" href="/s?k=lamp&page=2">Next</a>`))
	d.LoadHTML(base+"&page=2", listing(ids(3, 4), `<a class="next" href="/s?k=lamp&page=3">Next</a>`))

	cfg := testConfig()
	cfg.MaxPages = 1
	c := newController(d, cfg)
	reason, err := c.Run(context.Background(), base, visitAll(t, d, c))
	require.NoError(t, err)
	assert.Equal(t, ReasonPageLimit, reason)

	ctx, cancel := context.WithCancel(context.Background())
	c = newController(d, testConfig())
	reason, err = c.Run(ctx, base, func(ctx context.Context, page int) error {
		cancel()
		return ctx.Err()
	})
	require.NoError(t, err)
	assert.Equal(t, ReasonDeadline, reason)
	assert.True(t, c.State().Done())
}

func TestController_VisitErrorIsFatal(t *testing.T) {
	d := browser.NewOfflineDriver(nil)
	d.LoadHTML(base, listing(ids(1, 2), ""))
	c := newController(d, testConfig())

	reason, err := c.Run(context.Background(), base, func(context.Context, int) error {
		return fmt.Errorf("output unavailable")
	})
	assert.Error(t, err)
	assert.Empty(t, reason)
}

func TestNextPageURL(t *testing.T) {
	tests := []struct {
		in, param, want string
		ok              bool
	}{
		{"https://shop.test/s?k=lamp", "page", "https://shop.test/s?k=lamp&page=2", true},
		{"https://shop.test/s?k=lamp&page=3&ref=x", "page", "https://shop.test/s?k=lamp&page=4&ref=x", true},
		{"https://shop.test/s?page=&k=lamp", "page", "https://shop.test/s?page=2&k=lamp", true},
		{"https://shop.test/s?k=lamp&page=abc&ref=x", "page", "https://shop.test/s?k=lamp&page=2&ref=x", true},
		{"https://shop.test/s?page=3x#results", "page", "https://shop.test/s?page=2#results", true},
		{"https://shop.test/product-reviews/B01?pageNumber=1", "pageNumber", "https://shop.test/product-reviews/B01?pageNumber=2", true},
		{"https://shop.test/list#top", "page", "https://shop.test/list?page=2#top", true},
		{"https://shop.test/s?k=lamp&subpage=4", "page", "https://shop.test/s?k=lamp&subpage=4&page=2", true},
		{"not a url", "page", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := NextPageURL(tt.in, tt.param)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
