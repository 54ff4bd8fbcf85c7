package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/maltedev/listing-scraper/internal/analysis"
	"github.com/maltedev/listing-scraper/internal/browser"
	"github.com/maltedev/listing-scraper/internal/config"
	"github.com/maltedev/listing-scraper/internal/database"
	"github.com/maltedev/listing-scraper/internal/driver"
	"github.com/maltedev/listing-scraper/internal/metrics"
	"github.com/maltedev/listing-scraper/internal/models"
	"github.com/maltedev/listing-scraper/internal/queue"
	"github.com/maltedev/listing-scraper/internal/scraper"
	"github.com/maltedev/listing-scraper/internal/storage"
)

type scrapeParams struct {
	Profile     string
	Subjects    []string
	Target      int
	Pages       int
	UntilTarget bool
	OutDir      string
	Formats     []string
	Combined    string
	Deadline    time.Duration
	SaveDB      bool
	Concurrency int
	Manifest    string
	Engine      string
}

var (
	scrapeOpts  = scrapeParams{Profile: scraper.ProfileProducts}
	reviewsOpts = scrapeParams{Profile: scraper.ProfileReviews}
)

func init() {
	addSessionFlags(scrapeCmd, &scrapeOpts)
	scrapeCmd.Flags().StringArrayVarP(&scrapeOpts.Subjects, "query", "q", nil, "Search term. Repeat to run one session per term.")
	rootCmd.AddCommand(scrapeCmd)

	addSessionFlags(reviewsCmd, &reviewsOpts)
	reviewsCmd.Flags().StringArrayVar(&reviewsOpts.Subjects, "asin", nil, "Product ASIN whose reviews are collected. Repeatable.")
	rootCmd.AddCommand(reviewsCmd)
}

func addSessionFlags(cmd *cobra.Command, p *scrapeParams) {
	f := cmd.Flags()
	f.IntVarP(&p.Target, "target", "n", 0, "Stop a session after this many unique records. 0 means no target.")
	f.IntVarP(&p.Pages, "pages", "p", 0, "Maximum pages per session. Overrides SCRAPER_MAX_PAGES.")
	f.BoolVar(&p.UntilTarget, "until-target", false, "Keep paging until --target records were collected.")
	f.StringVarP(&p.OutDir, "out", "o", "", "Output directory. Overrides OUTPUT_DIR.")
	f.StringSliceVar(&p.Formats, "format", nil, "Record file formats, csv and/or json. Overrides OUTPUT_FORMATS.")
	f.StringVar(&p.Combined, "combined", "", "Also append every record to this CSV file.")
	f.DurationVar(&p.Deadline, "deadline", 0, "Time limit per session.")
	f.BoolVar(&p.SaveDB, "save-db", false, "Store records in PostgreSQL and queue outbox events.")
	f.IntVar(&p.Concurrency, "concurrency", 0, "Concurrent sessions. Overrides SCRAPER_CONCURRENT_LIMIT.")
	f.StringVar(&p.Manifest, "manifest", "", "Session manifest file. Overrides OUTPUT_MANIFEST.")
	f.StringVar(&p.Engine, "engine", "", "Page driver: playwright, rod or static. Overrides BROWSER_ENGINE.")
	cmd.MarkFlagsMutuallyExclusive("pages", "until-target")
}

var scrapeCmd = &cobra.Command{
	Use:   "scrape --query <term> [--target N] [--pages N | --until-target] [--out dir]",
	Short: "Scrapes search result listings into one record file per query.",
	RunE: func(cmd *cobra.Command, args []string) error {
		p := scrapeOpts
		p.Subjects = append(p.Subjects, args...)
		if err := p.apply(cfg); err != nil {
			return err
		}
		return runScrape(cmd.Context(), cfg, p, browserFactory(cfg), cmd.OutOrStdout())
	},
}

var reviewsCmd = &cobra.Command{
	Use:   "reviews --asin <asin> [--target N] [--pages N | --until-target] [--out dir]",
	Short: "Scrapes the reviews of one or more products.",
	RunE: func(cmd *cobra.Command, args []string) error {
		p := reviewsOpts
		p.Subjects = append(p.Subjects, args...)
		if err := p.apply(cfg); err != nil {
			return err
		}
		return runScrape(cmd.Context(), cfg, p, browserFactory(cfg), cmd.OutOrStdout())
	},
}

// apply validates the flags and lays them over the loaded configuration.
func (p *scrapeParams) apply(c *config.Config) error {
	subjects := p.Subjects[:0:0]
	for _, s := range p.Subjects {
		if s = strings.TrimSpace(s); s != "" {
			subjects = append(subjects, s)
		}
	}
	if len(subjects) == 0 {
		return usageError(scraper.ErrEmptySubject)
	}
	p.Subjects = subjects

	if p.Target < 0 || p.Pages < 0 || p.Concurrency < 0 {
		return usageError(errors.New("--target, --pages and --concurrency cannot be negative"))
	}
	if p.Target > 0 {
		c.Scraper.Target = p.Target
	}
	if p.Pages > 0 {
		c.Scraper.MaxPages = p.Pages
	}
	if p.UntilTarget {
		if c.Scraper.Target == 0 {
			return usageError(errors.New("--until-target requires --target"))
		}
		c.Scraper.MaxPages = 0
	}
	if p.Deadline > 0 {
		c.Scraper.Deadline = p.Deadline
	}
	if p.Concurrency > 0 {
		c.Scraper.ConcurrentLimit = p.Concurrency
	}
	if p.OutDir != "" {
		c.Output.Dir = p.OutDir
	}
	if len(p.Formats) > 0 {
		c.Output.Formats = p.Formats
	}
	if p.Manifest != "" {
		c.Output.Manifest = p.Manifest
	}
	if p.Engine != "" {
		c.Browser.Engine = p.Engine
	}

	if err := c.Validate(); err != nil {
		return usageError(err)
	}
	return nil
}

func browserFactory(c *config.Config) scraper.DriverFactory {
	return func(ctx context.Context) (driver.PageDriver, error) {
		return browser.New(ctx, c.BrowserOptions(), slog.Default())
	}
}

// runScrape runs one session per subject and reports them. It succeeds when
// at least one session produced a record.
func runScrape(ctx context.Context, c *config.Config, p scrapeParams, factory scraper.DriverFactory, w io.Writer) error {
	logger := slog.Default().With("component", "cli")
	m := metrics.New()

	var manifest *storage.Manifest
	if c.Output.Manifest != "" {
		var err error
		manifest, err = storage.NewManifest(c.Output.Manifest)
		if err != nil {
			return &exitError{code: ExitUnavailable, err: fmt.Errorf("failed to open manifest: %w", err)}
		}
	}
	files := newSessionFiles(c.Output.Dir, c.Output.Formats, manifest, m, logger)

	var handlers []scraper.ResultHandler
	if p.Combined != "" {
		merged, err := storage.NewMergeWriter(p.Combined, schemaFor(p.Profile))
		if err != nil {
			return err
		}
		defer func() {
			if err := merged.Close(); err != nil {
				logger.Error("failed to close combined file", "path", p.Combined, "error", err)
			}
		}()
		handlers = append(handlers, func(ctx context.Context, task *queue.Task, res *scraper.Result) error {
			return merged.Append(res.Rows)
		})
	}

	if p.SaveDB {
		db, err := database.New(ctx, c.DatabaseConfig())
		if err != nil {
			return &exitError{code: ExitUnavailable, err: fmt.Errorf("failed to connect to database: %w", err)}
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return &exitError{code: ExitUnavailable, err: err}
		}
		handlers = append(handlers, saveHandler(database.NewListingRepository(db)))
	}

	runner := scraper.NewRunner(factory, scraper.RunnerConfig{
		BaseURL:     c.Scraper.BaseURL,
		Concurrency: c.Scraper.ConcurrentLimit,
		Options:     c.ScraperOptions(),
		NewLimiter:  c.NewLimiter,
		OpenSink:    files.Open,
	}, logger).WithMetrics(m)
	if len(handlers) > 0 {
		runner.WithHandler(chainHandlers(handlers))
	}

	tasks := make([]*queue.Task, 0, len(p.Subjects))
	for _, s := range p.Subjects {
		tasks = append(tasks, queue.NewTask(p.Profile, s, 0, 0))
	}

	started := time.Now()
	outcomes := runner.Run(ctx, tasks)

	var (
		rows []models.OutputRow
		errs []error
	)
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.SetTitle("Sessions")
	t.AppendHeader(table.Row{"Subject", "Status", "Records", "Pages", "Reason", "Confidence", "Files"})
	for _, out := range outcomes {
		kept := files.Finish(out)

		row := table.Row{out.Task.Query, outcomeStatus(out), outcomeRows(out), "-", "-", "-", strings.Join(kept, "\n")}
		if out.Result != nil {
			row[3] = out.Result.Pages
			row[4] = string(out.Result.Reason)
			row[5] = string(out.Result.Diagnosis.Confidence)
			rows = append(rows, out.Result.Rows...)
		}
		t.AppendRow(row)

		if out.Err != nil {
			logger.Error("session failed", "subject", out.Task.Query, "error", out.Err)
			errs = append(errs, out.Err)
		}
	}
	t.Render()

	logger.Info("scrape finished",
		"sessions", len(outcomes),
		"records", len(rows),
		"duration", time.Since(started).Round(time.Millisecond))

	if len(rows) > 0 {
		fmt.Fprintln(w)
		analysis.RenderTable(w, analysis.Summarize(rows))
		return nil
	}

	err := errors.Join(errs...)
	if unavailable(err) {
		return &exitError{code: ExitUnavailable, err: err}
	}
	return &exitError{code: ExitNoRecords, err: errors.Join(scraper.ErrNoRecords, err)}
}

func saveHandler(repo *database.ListingRepository) scraper.ResultHandler {
	return func(ctx context.Context, task *queue.Task, res *scraper.Result) error {
		return repo.SaveSession(ctx, database.SessionBatch{
			SessionID: res.ID,
			Profile:   res.Profile,
			Query:     task.Query,
			Reason:    string(res.Reason),
			Rows:      res.Rows,
			At:        res.FinishedAt,
		})
	}
}

// chainHandlers runs every handler and joins their errors.
func chainHandlers(handlers []scraper.ResultHandler) scraper.ResultHandler {
	return func(ctx context.Context, task *queue.Task, res *scraper.Result) error {
		var errs []error
		for _, h := range handlers {
			if err := h(ctx, task, res); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}
