package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/maltedev/listing-scraper/internal/config"
	"github.com/maltedev/listing-scraper/internal/database"
)

var relayOnce bool

func init() {
	relayCmd.Flags().BoolVar(&relayOnce, "once", false, "Publish one batch of pending events and exit.")
	rootCmd.AddCommand(relayCmd)
}

var relayCmd = &cobra.Command{
	Use:   "relay [--once]",
	Short: "Publishes outbox events from PostgreSQL to the Redis listings stream.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := slog.Default()

		db, err := database.New(ctx, cfg.DatabaseConfig())
		if err != nil {
			return &exitError{code: ExitUnavailable, err: fmt.Errorf("failed to connect to database: %w", err)}
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return &exitError{code: ExitUnavailable, err: err}
		}

		redisClient, err := connectRedis(ctx, cfg)
		if err != nil {
			return err
		}
		defer redisClient.Close()

		relay := newRelay(db, redisClient, cfg, logger)
		if relayOnce {
			n, err := relay.ProcessOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %d events to %s\n", n, database.StreamListings)
			return nil
		}

		if err := relay.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func connectRedis(ctx context.Context, c *config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, &exitError{code: ExitUnavailable, err: fmt.Errorf("failed to connect to redis: %w", err)}
	}
	return client, nil
}

func newRelay(db *database.DB, client *redis.Client, c *config.Config, logger *slog.Logger) *database.Relay {
	return database.NewRelay(db, client, logger, database.RelayConfig{
		PollInterval: c.Redis.PollInterval,
		BatchSize:    c.Redis.BatchSize,
	})
}
