package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/listing-scraper/internal/database"
)

func envelope(t *testing.T, id string, payload database.ScrapedPayload) string {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"id":             id,
		"type":           database.EventListingsScraped,
		"aggregate_type": database.AggregateSession,
		"aggregate_id":   payload.SessionID,
		"timestamp":      "2024-05-01T12:00:00Z",
		"payload":        payload,
	})
	require.NoError(t, err)
	return string(body)
}

func setup(t *testing.T) (*redis.Client, context.Context) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, context.Background()
}

func publish(t *testing.T, ctx context.Context, client *redis.Client, values map[string]interface{}) {
	t.Helper()
	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{
		Stream: database.StreamListings,
		Values: values,
	}).Err())
}

func TestDecode(t *testing.T) {
	payload := database.ScrapedPayload{SessionID: "s-1", Profile: "products", Query: "desk lamp", Count: 2, IDs: []string{"B01", "B02"}}

	t.Run("envelope", func(t *testing.T) {
		e, err := Decode(redis.XMessage{ID: "1-0", Values: map[string]interface{}{"data": envelope(t, "evt-1", payload)}})
		require.NoError(t, err)
		assert.Equal(t, "1-0", e.MessageID)
		assert.Equal(t, "evt-1", e.ID)
		assert.Equal(t, database.EventListingsScraped, e.Type)
		assert.Equal(t, "s-1", e.AggregateID)

		got, err := e.Scraped()
		require.NoError(t, err)
		assert.Equal(t, "desk lamp", got.Query)
		assert.Equal(t, []string{"B01", "B02"}, got.IDs)
	})

	t.Run("missing data", func(t *testing.T) {
		_, err := Decode(redis.XMessage{ID: "2-0", Values: map[string]interface{}{"event_type": "X"}})
		assert.ErrorIs(t, err, ErrMalformedMessage)
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := Decode(redis.XMessage{ID: "3-0", Values: map[string]interface{}{"data": "{"}})
		assert.ErrorIs(t, err, ErrMalformedMessage)
	})

	t.Run("other event type", func(t *testing.T) {
		e := &Event{ID: "evt-2", Type: "PRODUCT_CREATED"}
		_, err := e.Scraped()
		assert.ErrorIs(t, err, ErrMalformedMessage)
	})
}

func TestConsumer_ProcessOnce(t *testing.T) {
	client, ctx := setup(t)

	var seen []string
	c := NewConsumer(client, Config{Block: -1}, func(ctx context.Context, e *Event) error {
		seen = append(seen, e.ID)
		return nil
	}, nil)
	require.NoError(t, c.EnsureGroup(ctx))
	require.NoError(t, c.EnsureGroup(ctx), "existing group is reused")

	publish(t, ctx, client, map[string]interface{}{"data": envelope(t, "evt-1", database.ScrapedPayload{SessionID: "s-1"})})
	publish(t, ctx, client, map[string]interface{}{"event_type": database.EventListingsScraped})
	publish(t, ctx, client, map[string]interface{}{"data": envelope(t, "evt-2", database.ScrapedPayload{SessionID: "s-2"})})

	n, err := c.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "malformed messages are acknowledged too")
	assert.Equal(t, []string{"evt-1", "evt-2"}, seen)

	n, err = c.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestConsumer_HandlerErrorLeavesMessagePending(t *testing.T) {
	client, ctx := setup(t)

	calls := 0
	c := NewConsumer(client, Config{Block: -1, Consumer: "worker"}, func(ctx context.Context, e *Event) error {
		calls++
		return errors.New("downstream unavailable")
	}, nil)
	require.NoError(t, c.EnsureGroup(ctx))
	publish(t, ctx, client, map[string]interface{}{"data": envelope(t, "evt-1", database.ScrapedPayload{SessionID: "s-1"})})

	n, err := c.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, calls)

	pending, err := client.XPending(ctx, database.StreamListings, "listing-consumer-group").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Count)
}

func TestConsumer_RunStopsWithContext(t *testing.T) {
	client, _ := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	c := NewConsumer(client, Config{Block: -1}, func(context.Context, *Event) error { return nil }, nil)
	err := c.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
