package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/listing-scraper/internal/browser"
	"github.com/maltedev/listing-scraper/internal/config"
	"github.com/maltedev/listing-scraper/internal/database"
	"github.com/maltedev/listing-scraper/internal/driver"
	"github.com/maltedev/listing-scraper/internal/events"
	"github.com/maltedev/listing-scraper/internal/models"
	"github.com/maltedev/listing-scraper/internal/queue"
	"github.com/maltedev/listing-scraper/internal/scraper"
	"github.com/maltedev/listing-scraper/internal/storage"
)

const testBase = "https://shop.test"

func asin(n int) string {
	return fmt.Sprintf("B0000000%02d", n)
}

func searchResults(from, to int, next string) string {
	var b strings.Builder
	b.WriteString(`<html><body><div class="s-main-slot">`)
	for i := from; i <= to; i++ {
		fmt.Fprintf(&b, `<div data-component-type="s-search-result" data-asin="%[1]s">
  <h2><a href="/Item-%[2]d/dp/%[1]s"><span>Item number %[2]d</span></a></h2>
  <span class="a-price"><span class="a-offscreen">$%[2]d.99</span></span>
  <i class="a-icon a-icon-star-small"><span class="a-icon-alt">4.%[2]d out of 5 stars</span></i>
  <span aria-label="%[2]d00 ratings"><span class="s-underline-text">%[2]d00</span></span>
</div>`, asin(i), i)
	}
	b.WriteString(`</div>`)
	b.WriteString(next)
	b.WriteString(`</body></html>`)
	return b.String()
}

const (
	nextPage = `<a class="s-pagination-item s-pagination-next" href="/s?k=desk+lamp&page=2">Next</a>`
	lastPage = `<span class="s-pagination-item s-pagination-next s-pagination-disabled">Next</span>`
)

func fixtureFactory() scraper.DriverFactory {
	return func(ctx context.Context) (driver.PageDriver, error) {
		d := browser.NewOfflineDriver(nil)
		d.LoadHTML(testBase+"/s?k=desk+lamp", searchResults(1, 3, nextPage))
		d.LoadHTML(testBase+"/s?k=desk+lamp&page=2", searchResults(4, 5, lastPage))
		return d, nil
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	c, err := config.Load()
	require.NoError(t, err)

	c.Scraper.BaseURL = testBase
	c.Scraper.MaxPages = 0
	c.Scraper.LoadTimeout = 50 * time.Millisecond
	c.Scraper.MaxAttempts = 2
	c.Scraper.AttemptTimeout = 50 * time.Millisecond
	c.Scraper.Cooldown = 0
	c.Scraper.RateLimiter = "simple"
	c.Scraper.RateLimitMin = 0
	c.Scraper.RateLimitMax = 0
	c.Browser.Engine = browser.EngineStatic
	c.Output.Dir = t.TempDir()
	c.Output.Formats = []string{storage.FormatCSV}
	c.Output.Manifest = ""
	return c
}

func products(subjects ...string) scrapeParams {
	return scrapeParams{Profile: scraper.ProfileProducts, Subjects: subjects}
}

func TestRunScrapeWritesRecordFiles(t *testing.T) {
	c := testConfig(t)
	c.Output.Manifest = filepath.Join(c.Output.Dir, "manifest.json")

	p := products("desk lamp", "usb hub")
	p.Combined = filepath.Join(c.Output.Dir, "combined", "all.csv")

	var out bytes.Buffer
	err := runScrape(context.Background(), c, p, fixtureFactory(), &out)
	require.NoError(t, err)

	kept, err := filepath.Glob(filepath.Join(c.Output.Dir, "Amazon_Products_desk_lamp_*.csv"))
	require.NoError(t, err)
	require.Len(t, kept, 1)

	rows, schema, err := storage.ReadCSV(kept[0])
	require.NoError(t, err)
	assert.Same(t, models.ProductSchema, schema)
	require.Len(t, rows, 5)
	assert.Equal(t, asin(1), rows[0].ID())
	assert.Equal(t, asin(5), rows[4].ID())

	empty, err := filepath.Glob(filepath.Join(c.Output.Dir, "Amazon_Products_usb_hub_*"))
	require.NoError(t, err)
	assert.Empty(t, empty, "a session without records leaves no file")

	combined, _, err := storage.ReadCSV(p.Combined)
	require.NoError(t, err)
	assert.Len(t, combined, 5)

	manifest, err := storage.NewManifest(c.Output.Manifest)
	require.NoError(t, err)
	stats := manifest.GetStats()
	assert.Equal(t, 1, stats[storage.StatusCompleted])
	assert.Equal(t, 1, stats[storage.StatusFailed])

	report := out.String()
	assert.Contains(t, report, "Sessions")
	assert.Contains(t, report, "desk lamp")
	assert.Contains(t, report, "no-next-page")
	assert.Contains(t, report, "Summary")
}

func TestRunScrapeNoRecords(t *testing.T) {
	c := testConfig(t)

	err := runScrape(context.Background(), c, products("usb hub"), fixtureFactory(), &bytes.Buffer{})
	require.Error(t, err)
	assert.ErrorIs(t, err, scraper.ErrNoRecords)
	assert.Equal(t, ExitNoRecords, exitCode(err))

	entries, err := os.ReadDir(c.Output.Dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunScrapeDriverUnavailable(t *testing.T) {
	c := testConfig(t)
	factory := func(ctx context.Context) (driver.PageDriver, error) {
		return nil, errors.New("playwright: browser not installed")
	}

	err := runScrape(context.Background(), c, products("desk lamp"), factory, &bytes.Buffer{})
	assert.ErrorIs(t, err, scraper.ErrDriverUnavailable)
	assert.Equal(t, ExitUnavailable, exitCode(err))
}

func TestRunScrapeOutputUnavailable(t *testing.T) {
	c := testConfig(t)
	blocker := filepath.Join(c.Output.Dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	c.Output.Dir = filepath.Join(blocker, "out")

	err := runScrape(context.Background(), c, products("desk lamp"), fixtureFactory(), &bytes.Buffer{})
	assert.ErrorIs(t, err, storage.ErrOutputUnavailable)
	assert.Equal(t, ExitUnavailable, exitCode(err))
}

func TestScrapeParamsApply(t *testing.T) {
	tests := []struct {
		name     string
		params   scrapeParams
		wantCode int
		check    func(t *testing.T, c *config.Config)
	}{
		{
			name:     "no subject",
			params:   scrapeParams{Subjects: []string{" ", ""}},
			wantCode: ExitUsage,
		},
		{
			name:     "negative target",
			params:   scrapeParams{Subjects: []string{"lamp"}, Target: -1},
			wantCode: ExitUsage,
		},
		{
			name:     "until target without target",
			params:   scrapeParams{Subjects: []string{"lamp"}, UntilTarget: true},
			wantCode: ExitUsage,
		},
		{
			name:     "unknown engine",
			params:   scrapeParams{Subjects: []string{"lamp"}, Engine: "selenium"},
			wantCode: ExitUsage,
		},
		{
			name:   "until target lifts the page cap",
			params: scrapeParams{Subjects: []string{" lamp "}, Target: 40, UntilTarget: true},
			check: func(t *testing.T, c *config.Config) {
				assert.Equal(t, 40, c.Scraper.Target)
				assert.Equal(t, 0, c.Scraper.MaxPages)
			},
		},
		{
			name: "overrides",
			params: scrapeParams{
				Subjects:    []string{"lamp"},
				Pages:       3,
				OutDir:      "records",
				Formats:     []string{"csv", "json"},
				Deadline:    time.Minute,
				Concurrency: 4,
				Engine:      browser.EngineRod,
			},
			check: func(t *testing.T, c *config.Config) {
				assert.Equal(t, 3, c.Scraper.MaxPages)
				assert.Equal(t, "records", c.Output.Dir)
				assert.Equal(t, []string{"csv", "json"}, c.Output.Formats)
				assert.Equal(t, time.Minute, c.Scraper.Deadline)
				assert.Equal(t, 4, c.Scraper.ConcurrentLimit)
				assert.Equal(t, browser.EngineRod, c.Browser.Engine)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testConfig(t)
			p := tt.params
			err := p.apply(c)
			if tt.wantCode != ExitOK {
				assert.Equal(t, tt.wantCode, exitCode(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, []string{strings.TrimSpace(tt.params.Subjects[0])}, p.Subjects)
			tt.check(t, c)
		})
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"usage", usageError(errors.New("bad flag")), ExitUsage},
		{"driver", fmt.Errorf("session x failed: %w", scraper.ErrDriverUnavailable), ExitUnavailable},
		{"output", fmt.Errorf("write: %w", storage.ErrOutputUnavailable), ExitUnavailable},
		{"no records", scraper.ErrNoRecords, ExitNoRecords},
		{"other", errors.New("boom"), ExitNoRecords},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func writeProducts(t *testing.T, rows ...models.OutputRow) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "products.csv")
	w, err := storage.NewCSVWriter(path, models.ProductSchema)
	require.NoError(t, err)
	for _, r := range rows {
		require.NoError(t, w.WriteRow(r))
	}
	require.NoError(t, w.Close())
	return path
}

func product(id, title string, price, rating float64, reviews int64) models.OutputRow {
	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	return models.NewOutputRow(models.ProductSchema,
		[]any{id, title, price, rating, reviews, testBase + "/dp/" + id, day}, nil)
}

func TestRunAnalyze(t *testing.T) {
	path := writeProducts(t,
		product(asin(1), "Desk Lamp", 24.99, 4.6, 1200),
		product(asin(2), "Clamp Lamp", 15.49, 4.1, 310),
	)

	var out bytes.Buffer
	require.NoError(t, runAnalyze(path, 1, &out))
	assert.Contains(t, out.String(), "Summary")
	assert.Contains(t, out.String(), "Desk Lamp")

	err := runAnalyze(filepath.Join(t.TempDir(), "missing.csv"), 1, &out)
	assert.Equal(t, ExitUsage, exitCode(err))

	err = runAnalyze(writeProducts(t), 1, &out)
	assert.Equal(t, ExitNoRecords, exitCode(err))
}

func TestExecuteContext(t *testing.T) {
	path := writeProducts(t, product(asin(1), "Desk Lamp", 24.99, 4.6, 1200))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	defer rootCmd.SetOut(nil)

	rootCmd.SetArgs([]string{"analyze", "--file", path})
	assert.Equal(t, ExitOK, ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "Desk Lamp")

	rootCmd.SetArgs([]string{"scrape", "--target", "5"})
	assert.Equal(t, ExitUsage, ExecuteContext(context.Background()))
}

type recordingRunner struct {
	tasks []*queue.Task
	err   error
}

func (r *recordingRunner) RunTask(ctx context.Context, task *queue.Task) scraper.Outcome {
	r.tasks = append(r.tasks, task)
	return scraper.Outcome{Task: task, Err: r.err, Result: &scraper.Result{}}
}

func scrapedEvent(t *testing.T, p database.ScrapedPayload) *events.Event {
	t.Helper()
	payload, err := json.Marshal(p)
	require.NoError(t, err)
	return &events.Event{ID: "evt-1", Type: database.EventListingsScraped, Timestamp: "2024-05-01T12:00:00Z", Payload: payload}
}

func TestFollowUpHandler(t *testing.T) {
	ctx := context.Background()
	event := scrapedEvent(t, database.ScrapedPayload{
		Profile: scraper.ProfileProducts,
		Query:   "desk lamp",
		Reason:  "target-reached",
		Count:   3,
		IDs:     []string{asin(1), asin(2), asin(3)},
	})

	t.Run("scrapes reviews of the first products", func(t *testing.T) {
		runner := &recordingRunner{}
		var out bytes.Buffer
		require.NoError(t, followUpHandler(runner, 2, &out)(ctx, event))

		require.Len(t, runner.tasks, 2)
		assert.Equal(t, scraper.ProfileReviews, runner.tasks[0].Profile)
		assert.Equal(t, asin(1), runner.tasks[0].Query)
		assert.Equal(t, asin(2), runner.tasks[1].Query)
		assert.Contains(t, out.String(), `products "desk lamp": 3 records`)
	})

	t.Run("report only", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, followUpHandler(nil, 2, &out)(ctx, event))
		assert.Contains(t, out.String(), "desk lamp")
	})

	t.Run("review sessions are not followed", func(t *testing.T) {
		runner := &recordingRunner{}
		reviews := scrapedEvent(t, database.ScrapedPayload{Profile: scraper.ProfileReviews, IDs: []string{"R1"}})
		require.NoError(t, followUpHandler(runner, 2, &bytes.Buffer{})(ctx, reviews))
		assert.Empty(t, runner.tasks)
	})

	t.Run("unavailable driver keeps the event pending", func(t *testing.T) {
		runner := &recordingRunner{err: fmt.Errorf("%w: no browser", scraper.ErrDriverUnavailable)}
		err := followUpHandler(runner, 2, &bytes.Buffer{})(ctx, event)
		assert.ErrorIs(t, err, scraper.ErrDriverUnavailable)
		assert.Len(t, runner.tasks, 1)
	})
}
