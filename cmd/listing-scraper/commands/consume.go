package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/maltedev/listing-scraper/internal/api"
	"github.com/maltedev/listing-scraper/internal/database"
	"github.com/maltedev/listing-scraper/internal/events"
	"github.com/maltedev/listing-scraper/internal/metrics"
	"github.com/maltedev/listing-scraper/internal/queue"
	"github.com/maltedev/listing-scraper/internal/scraper"
)

var (
	consumeOnce    bool
	consumeReviews int
)

func init() {
	consumeCmd.Flags().BoolVar(&consumeOnce, "once", false, "Process one batch of events and exit.")
	consumeCmd.Flags().IntVar(&consumeReviews, "reviews", 0, "Scrape the reviews of the first N products of every product event. 0 disables.")
	rootCmd.AddCommand(consumeCmd)
}

var consumeCmd = &cobra.Command{
	Use:   "consume [--reviews N] [--once]",
	Short: "Follows the listings stream, optionally scraping reviews for newly listed products.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := slog.Default()

		if consumeReviews < 0 {
			return usageError(errors.New("--reviews cannot be negative"))
		}
		if err := cfg.Validate(); err != nil {
			return usageError(err)
		}

		redisClient, err := connectRedis(ctx, cfg)
		if err != nil {
			return err
		}
		defer redisClient.Close()

		var runner api.TaskRunner
		if consumeReviews > 0 {
			m := metrics.New()
			files := newSessionFiles(cfg.Output.Dir, cfg.Output.Formats, nil, m, logger)
			runner = fileRunner{
				runner: scraper.NewRunner(browserFactory(cfg), scraper.RunnerConfig{
					BaseURL:    cfg.Scraper.BaseURL,
					Options:    cfg.ScraperOptions(),
					NewLimiter: cfg.NewLimiter,
					OpenSink:   files.Open,
				}, logger).WithMetrics(m),
				files: files,
			}
		}

		block := 5 * time.Second
		if consumeOnce {
			block = -1
		}
		consumer := events.NewConsumer(redisClient, events.Config{
			Group:    cfg.Redis.Group,
			Consumer: cfg.Redis.Consumer,
			Block:    block,
		}, followUpHandler(runner, consumeReviews, cmd.OutOrStdout()), logger)

		if consumeOnce {
			if err := consumer.EnsureGroup(ctx); err != nil {
				return &exitError{code: ExitUnavailable, err: err}
			}
			n, err := consumer.ProcessOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "processed %d events\n", n)
			return nil
		}

		if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

// followUpHandler reports every scraped session and, when runner is set,
// scrapes the reviews of up to limit products of each product session.
func followUpHandler(runner api.TaskRunner, limit int, w io.Writer) events.Handler {
	return func(ctx context.Context, e *events.Event) error {
		if e.Type != database.EventListingsScraped {
			return nil
		}
		p, err := e.Scraped()
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s %s %q: %d records (%s)\n", e.Timestamp, p.Profile, p.Query, p.Count, p.Reason)

		if runner == nil || limit <= 0 || p.Profile != scraper.ProfileProducts {
			return nil
		}
		ids := p.IDs
		if len(ids) > limit {
			ids = ids[:limit]
		}
		for _, id := range ids {
			out := runner.RunTask(ctx, queue.NewTask(scraper.ProfileReviews, id, 0, 0))
			// an unavailable driver or output fails every later product too;
			// keep the event pending instead
			if unavailable(out.Err) {
				return out.Err
			}
			fmt.Fprintf(w, "  reviews %s: %d records\n", id, outcomeRows(out))
		}
		return nil
	}
}
