package browser

import (
	"context"
	"net/http"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/listing-scraper/internal/driver"
)

const staticPage = `<html><body>
<div class="card" data-asin="B000000001">
  <h2><a href="/dp/B000000001?ref=x"><span>Desk Lamp</span></a></h2>
  <span class="a-price"><span class="a-offscreen">$19.99</span><span aria-hidden="true">$19<sup>99</sup></span></span>
</div>
<div class="card" data-asin="B000000002" data-inert>
  <h2><span>Chair</span></h2>
</div>
<a class="next" href="/s?k=lamp&page=2">Next</a>
</body></html>`

func newTestDriver(t *testing.T) *StaticDriver {
	t.Helper()
	d := NewOfflineDriver(nil)
	d.LoadHTML("https://shop.test/s?k=lamp", staticPage)
	d.LoadHTML("https://shop.test/s?k=lamp&page=2", `<html><body><p id="p2">page two</p></body></html>`)
	require.NoError(t, d.Navigate(context.Background(), "https://shop.test/s?k=lamp"))
	return d
}

func TestStaticDriverFind(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)

	cards, err := d.FindAll(ctx, "div.card")
	require.NoError(t, err)
	assert.Len(t, cards, 2)

	title, err := d.Find(ctx, "h2 a span", cards[0])
	require.NoError(t, err)
	text, err := d.ReadText(ctx, title)
	require.NoError(t, err)
	assert.Equal(t, "Desk Lamp", text)

	_, err = d.Find(ctx, "h2 a span", cards[1])
	assert.ErrorIs(t, err, driver.ErrNoMatch)

	asin, err := d.ReadAttribute(ctx, cards[0], "data-asin")
	require.NoError(t, err)
	assert.Equal(t, "B000000001", asin)

	missing, err := d.ReadAttribute(ctx, cards[0], "data-missing")
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestStaticDriverHiddenText(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)

	price, err := d.Find(ctx, ".a-price", nil)
	require.NoError(t, err)

	visible, err := d.ReadText(ctx, price)
	require.NoError(t, err)
	assert.Equal(t, "$1999", visible)

	content, err := d.ReadContent(ctx, price)
	require.NoError(t, err)
	assert.Contains(t, content, "$19.99")
}

func TestStaticDriverClick(t *testing.T) {
	ctx := context.Background()

	t.Run("link navigates", func(t *testing.T) {
		d := newTestDriver(t)
		next, err := d.Find(ctx, "a.next", nil)
		require.NoError(t, err)

		require.NoError(t, d.Click(ctx, next))
		assert.Equal(t, "https://shop.test/s?k=lamp&page=2", d.CurrentURL())
		assert.True(t, d.WaitUntilPresent(ctx, "#p2", 0))
	})

	t.Run("inert node is not interactable", func(t *testing.T) {
		d := newTestDriver(t)
		cards, err := d.FindAll(ctx, "div.card")
		require.NoError(t, err)

		assert.ErrorIs(t, d.Click(ctx, cards[1]), driver.ErrNotInteractable)
		assert.NoError(t, d.ScriptClick(ctx, cards[1]))
	})

	t.Run("overlay intercepts until dismissed", func(t *testing.T) {
		d := NewOfflineDriver(nil)
		d.LoadHTML("https://shop.test/", `<html><body>
			<div data-overlay><button class="a-button-close">x</button></div>
			<a class="next" href="#">Next</a></body></html>`)
		require.NoError(t, d.Navigate(ctx, "https://shop.test/"))

		next, err := d.Find(ctx, "a.next", nil)
		require.NoError(t, err)
		assert.ErrorIs(t, d.Click(ctx, next), driver.ErrClickIntercepted)

		closeBtn, err := d.Find(ctx, ".a-button-close", nil)
		require.NoError(t, err)
		require.NoError(t, d.Click(ctx, closeBtn))

		assert.NoError(t, d.Click(ctx, next))
		assert.False(t, d.WaitUntilPresent(ctx, "[data-overlay]", 0))
	})
}

func TestStaticDriverFetch(t *testing.T) {
	collector := colly.NewCollector(colly.AllowURLRevisit())
	transport := httpmock.NewMockTransport()
	collector.WithTransport(transport)

	calls := 0
	transport.RegisterResponder("GET", "https://shop.test/s?k=desk",
		func(req *http.Request) (*http.Response, error) {
			calls++
			return httpmock.NewStringResponse(http.StatusOK, staticPage), nil
		})
	transport.RegisterResponder("GET", "https://shop.test/missing",
		httpmock.NewStringResponder(http.StatusNotFound, "not found"))

	d := NewStaticDriver(&StaticOptions{Collector: collector, CacheSize: 8}, nil)
	ctx := context.Background()

	require.NoError(t, d.Navigate(ctx, "https://shop.test/s?k=desk"))
	require.NoError(t, d.Navigate(ctx, "https://shop.test/s?k=desk"))
	assert.Equal(t, 1, calls, "second navigation should hit the page cache")

	require.NoError(t, d.Reload(ctx))
	assert.Equal(t, 2, calls)

	err := d.Navigate(ctx, "https://shop.test/missing")
	assert.ErrorIs(t, err, driver.ErrNavigation)
	assert.Equal(t, "https://shop.test/s?k=desk", d.CurrentURL())
}

func TestSelectionRejectsForeignNodes(t *testing.T) {
	_, err := selection("not a node")
	assert.ErrorIs(t, err, driver.ErrNoMatch)

	_, err = selection(&goquery.Selection{})
	assert.ErrorIs(t, err, driver.ErrNoMatch)
}

func TestStaticDriverClose(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)
	require.NoError(t, d.Close())

	_, err := d.FindAll(ctx, "div.card")
	assert.ErrorIs(t, err, driver.ErrClosed)
	assert.ErrorIs(t, d.Navigate(ctx, "https://shop.test/s?k=lamp"), driver.ErrClosed)
	assert.ErrorIs(t, d.Reload(ctx), driver.ErrClosed)
}
