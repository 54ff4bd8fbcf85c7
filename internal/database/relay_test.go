package database

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockRedisClient struct {
	mock.Mock
}

func (m *MockRedisClient) XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd {
	mockArgs := m.Called(ctx, args)
	cmd := redis.NewStringCmd(ctx)
	if mockArgs.Get(0) != nil {
		cmd.SetErr(mockArgs.Error(0))
	} else {
		cmd.SetVal("1234567890-0")
	}
	return cmd
}

func (m *MockRedisClient) Close() error {
	args := m.Called()
	return args.Error(0)
}

type MockOutboxRepository struct {
	mock.Mock
}

func (m *MockOutboxRepository) GetPending(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*OutboxEvent), args.Error(1)
}

func (m *MockOutboxRepository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockOutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, err error) error {
	args := m.Called(ctx, id, err)
	return args.Error(0)
}

func scrapedEvent(sessionID string) *OutboxEvent {
	return &OutboxEvent{
		ID:            uuid.New(),
		AggregateType: AggregateSession,
		AggregateID:   sessionID,
		EventType:     EventListingsScraped,
		Payload:       json.RawMessage(`{"session_id":"` + sessionID + `","count":2,"ids":["B000000001","B000000002"]}`),
		TargetStream:  StreamListings,
		CreatedAt:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func newTestRelay(r RedisClient, o OutboxRepo) *Relay {
	return &Relay{
		redis:     r,
		outbox:    o,
		logger:    slog.Default(),
		interval:  50 * time.Millisecond,
		batchSize: 10,
	}
}

func TestRelay_ProcessOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes and marks every event", func(t *testing.T) {
		mockRedis := new(MockRedisClient)
		mockOutbox := new(MockOutboxRepository)
		relay := newTestRelay(mockRedis, mockOutbox)

		events := []*OutboxEvent{scrapedEvent("s-1"), scrapedEvent("s-2")}
		mockOutbox.On("GetPending", ctx, 10).Return(events, nil)

		for _, event := range events {
			event := event
			mockRedis.On("XAdd", ctx, mock.MatchedBy(func(args *redis.XAddArgs) bool {
				return args.Stream == StreamListings &&
					args.Values.(map[string]interface{})["event_type"] == EventListingsScraped &&
					args.Values.(map[string]interface{})["aggregate_id"] == event.AggregateID
			})).Return(nil)
			mockOutbox.On("MarkProcessed", ctx, event.ID).Return(nil)
		}

		n, err := relay.ProcessOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		mockRedis.AssertExpectations(t)
		mockOutbox.AssertExpectations(t)
	})

	t.Run("publish failure marks the event failed", func(t *testing.T) {
		mockRedis := new(MockRedisClient)
		mockOutbox := new(MockOutboxRepository)
		relay := newTestRelay(mockRedis, mockOutbox)

		event := scrapedEvent("s-1")
		mockOutbox.On("GetPending", ctx, 10).Return([]*OutboxEvent{event}, nil)
		mockRedis.On("XAdd", ctx, mock.Anything).Return(errors.New("redis connection failed"))
		mockOutbox.On("MarkFailed", ctx, event.ID, mock.MatchedBy(func(err error) bool {
			return err.Error() == "failed to publish to redis: redis connection failed"
		})).Return(nil)

		n, err := relay.ProcessOnce(ctx)
		assert.NoError(t, err)
		assert.Equal(t, 0, n)

		mockRedis.AssertExpectations(t)
		mockOutbox.AssertExpectations(t)
	})

	t.Run("empty batch publishes nothing", func(t *testing.T) {
		mockRedis := new(MockRedisClient)
		mockOutbox := new(MockOutboxRepository)
		relay := newTestRelay(mockRedis, mockOutbox)

		mockOutbox.On("GetPending", ctx, 10).Return([]*OutboxEvent{}, nil)

		n, err := relay.ProcessOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
		mockRedis.AssertNotCalled(t, "XAdd", mock.Anything, mock.Anything)
	})

	t.Run("one failing event does not stop the batch", func(t *testing.T) {
		mockRedis := new(MockRedisClient)
		mockOutbox := new(MockOutboxRepository)
		relay := newTestRelay(mockRedis, mockOutbox)

		events := []*OutboxEvent{scrapedEvent("s-1"), scrapedEvent("s-2")}
		mockOutbox.On("GetPending", ctx, 10).Return(events, nil)

		mockRedis.On("XAdd", ctx, mock.MatchedBy(func(args *redis.XAddArgs) bool {
			return args.Values.(map[string]interface{})["aggregate_id"] == "s-1"
		})).Return(errors.New("redis error"))
		mockOutbox.On("MarkFailed", ctx, events[0].ID, mock.Anything).Return(nil)

		mockRedis.On("XAdd", ctx, mock.MatchedBy(func(args *redis.XAddArgs) bool {
			return args.Values.(map[string]interface{})["aggregate_id"] == "s-2"
		})).Return(nil)
		mockOutbox.On("MarkProcessed", ctx, events[1].ID).Return(nil)

		n, err := relay.ProcessOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		mockRedis.AssertExpectations(t)
		mockOutbox.AssertExpectations(t)
	})

	t.Run("outbox read failure is returned", func(t *testing.T) {
		mockOutbox := new(MockOutboxRepository)
		relay := newTestRelay(new(MockRedisClient), mockOutbox)

		mockOutbox.On("GetPending", ctx, 10).Return(nil, errors.New("connection reset"))

		_, err := relay.ProcessOnce(ctx)
		assert.Error(t, err)
	})

	t.Run("invalid payload is not published", func(t *testing.T) {
		mockRedis := new(MockRedisClient)
		mockOutbox := new(MockOutboxRepository)
		relay := newTestRelay(mockRedis, mockOutbox)

		event := scrapedEvent("s-1")
		event.Payload = json.RawMessage(`not json`)
		mockOutbox.On("GetPending", ctx, 10).Return([]*OutboxEvent{event}, nil)
		mockOutbox.On("MarkFailed", ctx, event.ID, mock.Anything).Return(nil)

		n, err := relay.ProcessOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
		mockRedis.AssertNotCalled(t, "XAdd", mock.Anything, mock.Anything)
	})
}

func TestRelay_PublishesToStream(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	mockOutbox := new(MockOutboxRepository)
	relay := newTestRelay(client, mockOutbox)

	event := scrapedEvent("s-42")
	mockOutbox.On("GetPending", ctx, 10).Return([]*OutboxEvent{event}, nil)
	mockOutbox.On("MarkProcessed", ctx, event.ID).Return(nil)

	n, err := relay.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	entries, err := client.XRange(ctx, StreamListings, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	values := entries[0].Values
	assert.Equal(t, EventListingsScraped, values["event_type"])
	assert.Equal(t, "s-42", values["aggregate_id"])
	assert.Equal(t, event.ID.String(), values["original_id"])

	var envelope map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(values["data"].(string)), &envelope))
	assert.Equal(t, EventListingsScraped, envelope["type"])
	assert.Equal(t, "2024-05-01T12:00:00Z", envelope["timestamp"])

	payload := envelope["payload"].(map[string]interface{})
	assert.Equal(t, "s-42", payload["session_id"])
	assert.EqualValues(t, 2, payload["count"])

	metadata := envelope["metadata"].(map[string]interface{})
	assert.Equal(t, "listing-scraper", metadata["source"])
	mockOutbox.AssertExpectations(t)
}

func TestRelay_Start(t *testing.T) {
	mockOutbox := new(MockOutboxRepository)
	relay := newTestRelay(new(MockRedisClient), mockOutbox)

	mockOutbox.On("GetPending", mock.Anything, 10).Return([]*OutboxEvent{}, nil).Maybe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- relay.Start(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop on context cancellation")
	}
}

func TestRelay_DrainEmptiesBacklog(t *testing.T) {
	ctx := context.Background()
	mockRedis := new(MockRedisClient)
	mockOutbox := new(MockOutboxRepository)
	relay := newTestRelay(mockRedis, mockOutbox)
	relay.batchSize = 1

	first, second := scrapedEvent("s-1"), scrapedEvent("s-2")
	mockOutbox.On("GetPending", ctx, 1).Return([]*OutboxEvent{first}, nil).Once()
	mockOutbox.On("GetPending", ctx, 1).Return([]*OutboxEvent{second}, nil).Once()
	mockOutbox.On("GetPending", ctx, 1).Return([]*OutboxEvent{}, nil).Once()
	mockRedis.On("XAdd", ctx, mock.Anything).Return(nil)
	mockOutbox.On("MarkProcessed", ctx, first.ID).Return(nil)
	mockOutbox.On("MarkProcessed", ctx, second.ID).Return(nil)

	relay.drain(ctx)

	mockOutbox.AssertNumberOfCalls(t, "GetPending", 3)
	mockRedis.AssertNumberOfCalls(t, "XAdd", 2)
}

func TestRelay_CountsNeedDatabase(t *testing.T) {
	r := NewRelay(nil, new(MockRedisClient), nil, RelayConfig{})
	_, err := r.GetPendingCount(context.Background())
	assert.ErrorIs(t, err, errNoDatabase)
	_, err = r.GetDeadLetterCount(context.Background())
	assert.ErrorIs(t, err, errNoDatabase)
}

func TestNewRelayDefaults(t *testing.T) {
	r := NewRelay(nil, new(MockRedisClient), nil, RelayConfig{})
	assert.Equal(t, 5*time.Second, r.interval)
	assert.Equal(t, 100, r.batchSize)
	assert.Nil(t, r.outbox)
}
