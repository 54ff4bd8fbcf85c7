package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const relaySource = "listing-scraper"

var errNoDatabase = errors.New("relay has no database")

// RedisClient is the part of the redis client the relay uses.
type RedisClient interface {
	XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd
	Close() error
}

// OutboxRepo is the part of the outbox the relay uses.
type OutboxRepo interface {
	GetPending(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, err error) error
}

// Envelope is the JSON document in the "data" field of a stream message.
type Envelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Timestamp     string          `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      Metadata        `json:"metadata"`
}

type Metadata struct {
	Source       string `json:"source"`
	OutboxID     string `json:"outbox_id"`
	RetryCount   int    `json:"retry_count"`
	TargetStream string `json:"target_stream"`
}

func envelopeFor(event *OutboxEvent, stream string) Envelope {
	return Envelope{
		ID:            event.ID.String(),
		Type:          event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Timestamp:     event.CreatedAt.UTC().Format(time.RFC3339),
		Payload:       event.Payload,
		Metadata: Metadata{
			Source:       relaySource,
			OutboxID:     event.ID.String(),
			RetryCount:   event.RetryCount,
			TargetStream: stream,
		},
	}
}

// Relay moves committed outbox events onto Redis streams.
type Relay struct {
	repo      *OutboxRepository
	redis     RedisClient
	outbox    OutboxRepo
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
}

type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
}

func NewRelay(db *DB, client RedisClient, logger *slog.Logger, config RelayConfig) *Relay {
	if config.PollInterval == 0 {
		config.PollInterval = 5 * time.Second
	}
	if config.BatchSize == 0 {
		config.BatchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Relay{
		redis:     client,
		logger:    logger.With("component", "relay"),
		interval:  config.PollInterval,
		batchSize: config.BatchSize,
	}
	if db != nil {
		r.repo = NewOutboxRepository(db)
		r.outbox = r.repo
	}
	return r
}

// Start drains the outbox every poll interval until ctx is done.
func (r *Relay) Start(ctx context.Context) error {
	r.logger.Info("starting relay",
		"interval", r.interval,
		"batch_size", r.batchSize)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("relay stopped")
			return ctx.Err()
		case <-ticker.C:
			r.drain(ctx)
		}
	}
}

// drain keeps publishing while batches come back full, so a backlog left by
// a long scrape does not wait one interval per batch.
func (r *Relay) drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := r.ProcessOnce(ctx)
		if err != nil {
			r.logger.Error("failed to process events", "error", err)
			return
		}
		if n < r.batchSize {
			return
		}
	}
}

// ProcessOnce publishes one batch and returns how many events were
// published. A failing event is marked for retry and does not stop the batch.
func (r *Relay) ProcessOnce(ctx context.Context) (int, error) {
	events, err := r.outbox.GetPending(ctx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to get pending events: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	r.logger.Debug("processing events", "count", len(events))

	published := 0
	for _, event := range events {
		log := r.logger.With("event_id", event.ID, "aggregate_id", event.AggregateID)

		if err := r.publish(ctx, event); err != nil {
			log.Error("failed to publish event", "error", err)
			if markErr := r.outbox.MarkFailed(ctx, event.ID, err); markErr != nil {
				log.Error("failed to mark event as failed", "error", markErr)
			}
			continue
		}
		if err := r.outbox.MarkProcessed(ctx, event.ID); err != nil {
			log.Error("failed to mark event as processed", "error", err)
			continue
		}

		log.Info("event published", "event_type", event.EventType, "target_stream", event.TargetStream)
		published++
	}
	return published, nil
}

// publish adds the event to its stream. The "data" field carries the
// envelope consumers decode; the other fields allow filtering without it.
func (r *Relay) publish(ctx context.Context, event *OutboxEvent) error {
	stream := event.TargetStream
	if stream == "" {
		stream = StreamListings
	}

	data, err := json.Marshal(envelopeFor(event, stream))
	if err != nil {
		return fmt.Errorf("failed to marshal stream data: %w", err)
	}

	err = r.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"data":           string(data),
			"timestamp":      strconv.FormatInt(event.CreatedAt.UnixNano(), 10),
			"original_id":    event.ID.String(),
			"aggregate_id":   event.AggregateID,
			"aggregate_type": event.AggregateType,
			"event_type":     event.EventType,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}
	return nil
}

// GetPendingCount returns the number of events still to be published.
func (r *Relay) GetPendingCount(ctx context.Context) (int64, error) {
	if r.repo == nil {
		return 0, errNoDatabase
	}
	return r.repo.Count(ctx, OutboxStatusPending, OutboxStatusFailed)
}

func (r *Relay) GetDeadLetterCount(ctx context.Context) (int64, error) {
	if r.repo == nil {
		return 0, errNoDatabase
	}
	return r.repo.Count(ctx, OutboxStatusDeadLetter)
}
