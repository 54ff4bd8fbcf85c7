// Package events consumes the listing events the outbox relay publishes to
// Redis streams.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maltedev/listing-scraper/internal/database"
)

var ErrMalformedMessage = errors.New("malformed stream message")

// StreamClient is the part of the redis client the consumer uses.
type StreamClient interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

// Event is a decoded stream message.
type Event struct {
	MessageID     string          `json:"-"`
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Timestamp     string          `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
}

// Scraped decodes the payload of a LISTINGS_SCRAPED event.
func (e *Event) Scraped() (*database.ScrapedPayload, error) {
	if e.Type != database.EventListingsScraped {
		return nil, fmt.Errorf("%w: event %s is %s", ErrMalformedMessage, e.ID, e.Type)
	}
	var p database.ScrapedPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: payload of %s: %v", ErrMalformedMessage, e.ID, err)
	}
	return &p, nil
}

// Decode reads the envelope from the "data" field of msg.
func Decode(msg redis.XMessage) (*Event, error) {
	data, ok := msg.Values["data"].(string)
	if !ok || data == "" {
		return nil, fmt.Errorf("%w: %s has no data field", ErrMalformedMessage, msg.ID)
	}

	var e Event
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, msg.ID, err)
	}
	e.MessageID = msg.ID
	if e.Type == "" {
		e.Type, _ = msg.Values["event_type"].(string)
	}
	return &e, nil
}

// Handler processes one event. An error leaves the message unacknowledged,
// so it stays pending for the group.
type Handler func(ctx context.Context, e *Event) error

type Config struct {
	Stream   string
	Group    string
	Consumer string
	Count    int64
	// Block is how long a read waits for new messages. Negative means do
	// not wait.
	Block time.Duration
}

type Consumer struct {
	client  StreamClient
	cfg     Config
	handler Handler
	logger  *slog.Logger
}

func NewConsumer(client StreamClient, cfg Config, handler Handler, logger *slog.Logger) *Consumer {
	if cfg.Stream == "" {
		cfg.Stream = database.StreamListings
	}
	if cfg.Group == "" {
		cfg.Group = "listing-consumer-group"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "consumer-1"
	}
	if cfg.Count <= 0 {
		cfg.Count = 10
	}
	if cfg.Block == 0 {
		cfg.Block = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		client:  client,
		cfg:     cfg,
		handler: handler,
		logger:  logger.With("component", "consumer", "stream", cfg.Stream, "group", cfg.Group),
	}
}

// EnsureGroup creates the consumer group, and the stream with it. An existing
// group is not an error.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Run consumes until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}
	c.logger.Info("consumer started", "consumer", c.cfg.Consumer)

	for {
		n, err := c.ProcessOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			c.logger.Error("failed to read from stream", "error", err)
		}
		if err == nil && n > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// ProcessOnce reads one batch and returns the number of acknowledged
// messages. Malformed messages are acknowledged and dropped.
func (c *Consumer) ProcessOnce(ctx context.Context) (int, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    c.cfg.Count,
		Block:    c.cfg.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	acked := 0
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			event, err := Decode(msg)
			if err != nil {
				c.logger.Warn("dropping message", "id", msg.ID, "error", err)
			} else if err := c.handler(ctx, event); err != nil {
				c.logger.Error("failed to process message", "id", msg.ID, "type", event.Type, "error", err)
				continue
			}

			if err := c.client.XAck(ctx, stream.Stream, c.cfg.Group, msg.ID).Err(); err != nil {
				c.logger.Error("failed to acknowledge message", "id", msg.ID, "error", err)
				continue
			}
			acked++
		}
	}
	return acked, nil
}
