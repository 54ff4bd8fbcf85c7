package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/maltedev/listing-scraper/internal/api"
	"github.com/maltedev/listing-scraper/internal/database"
	"github.com/maltedev/listing-scraper/internal/metrics"
	"github.com/maltedev/listing-scraper/internal/scraper"
	"github.com/maltedev/listing-scraper/internal/storage"
)

var (
	serveSaveDB  bool
	serveRelay   bool
	serveWorkers int
)

func init() {
	serveCmd.Flags().BoolVar(&serveSaveDB, "save-db", false, "Store session records in PostgreSQL and queue outbox events.")
	serveCmd.Flags().BoolVar(&serveRelay, "relay", false, "Run the outbox relay in-process. Requires --save-db.")
	serveCmd.Flags().IntVar(&serveWorkers, "workers", 0, "Concurrent sessions. Overrides SCRAPER_CONCURRENT_LIMIT.")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve [--save-db [--relay]]",
	Short: "Serves the session API: submit scrapes and fetch their records over HTTP.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := slog.Default()

		if serveRelay && !serveSaveDB {
			return usageError(errors.New("--relay requires --save-db"))
		}
		if serveWorkers > 0 {
			cfg.Scraper.ConcurrentLimit = serveWorkers
		}
		if err := cfg.Validate(); err != nil {
			return usageError(err)
		}

		m := metrics.New()

		var manifest *storage.Manifest
		if cfg.Output.Manifest != "" {
			var err error
			manifest, err = storage.NewManifest(cfg.Output.Manifest)
			if err != nil {
				return &exitError{code: ExitUnavailable, err: fmt.Errorf("failed to open manifest: %w", err)}
			}
		}
		files := newSessionFiles(cfg.Output.Dir, cfg.Output.Formats, manifest, m, logger)

		runner := scraper.NewRunner(browserFactory(cfg), scraper.RunnerConfig{
			BaseURL:    cfg.Scraper.BaseURL,
			Options:    cfg.ScraperOptions(),
			NewLimiter: cfg.NewLimiter,
			OpenSink:   files.Open,
		}, logger).WithMetrics(m)

		var outbox api.OutboxStatus
		if serveSaveDB {
			db, err := database.New(ctx, cfg.DatabaseConfig())
			if err != nil {
				return &exitError{code: ExitUnavailable, err: fmt.Errorf("failed to connect to database: %w", err)}
			}
			defer db.Close()
			if err := db.Migrate(ctx); err != nil {
				return &exitError{code: ExitUnavailable, err: err}
			}
			runner.WithHandler(saveHandler(database.NewListingRepository(db)))

			if serveRelay {
				redisClient, err := connectRedis(ctx, cfg)
				if err != nil {
					return err
				}
				defer redisClient.Close()

				relay := newRelay(db, redisClient, cfg, logger)
				outbox = relay
				go func() {
					if err := relay.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
						logger.Error("relay stopped with error", "error", err)
					}
				}()
			}
		}

		jobs := api.NewManager(fileRunner{runner: runner, files: files}, cfg.Scraper.ConcurrentLimit, logger)
		jobs.Start(ctx)
		defer jobs.Close()

		handler := api.NewRouter(api.NewHandlers(jobs, outbox, logger), api.RouterOptions{
			AllowedOrigins: cfg.Server.AllowedOrigins,
			Gatherer:       m.Registry,
		})

		server := &http.Server{
			Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
			Handler:      handler,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  60 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info("server starting", "addr", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case <-ctx.Done():
		case err := <-errCh:
			if err != nil {
				return &exitError{code: ExitUnavailable, err: fmt.Errorf("server failed: %w", err)}
			}
		}

		logger.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}

		logger.Info("server stopped")
		return nil
	},
}
