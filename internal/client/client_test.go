package client

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/listing-scraper/internal/api"
	"github.com/maltedev/listing-scraper/internal/models"
	"github.com/maltedev/listing-scraper/internal/pagination"
	"github.com/maltedev/listing-scraper/internal/queue"
	"github.com/maltedev/listing-scraper/internal/scraper"
)

var day = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

type stubRunner struct{}

func (stubRunner) RunTask(ctx context.Context, task *queue.Task) scraper.Outcome {
	res := &scraper.Result{ID: task.ID, Profile: task.Profile, Subject: task.Query, Pages: 1}
	if task.Query == "nothing" {
		res.Reason = pagination.ReasonStalled
		return scraper.Outcome{Task: task, Result: res}
	}
	res.Reason = pagination.ReasonNoNextPage
	for _, id := range []string{"B01", "B02"} {
		res.Rows = append(res.Rows, models.NewOutputRow(models.ProductSchema,
			[]any{id, "Lamp " + id, 19.99, 4.5, int64(12), "https://shop.test/dp/" + id, day}, nil))
	}
	return scraper.Outcome{Task: task, Result: res}
}

func newClient(t *testing.T) *Client {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	jobs := api.NewManager(stubRunner{}, 1, nil)
	jobs.Start(ctx)

	srv := httptest.NewServer(api.NewRouter(api.NewHandlers(jobs, nil, nil), api.RouterOptions{}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		jobs.Close()
	})
	return New(srv.URL+"/", 5*time.Second)
}

func TestClient_SessionLifecycle(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	created, err := c.CreateSession(ctx, api.CreateSessionRequest{Query: "desk lamp", Target: 2})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, api.StatusPending, created.Status)

	job, err := c.Wait(ctx, created.ID, 10*time.Millisecond)
	require.NoError(t, err)

	want := api.Job{
		ID:      created.ID,
		Profile: scraper.ProfileProducts,
		Query:   "desk lamp",
		Target:  2,
		Status:  api.StatusCompleted,
		Reason:  pagination.ReasonNoNextPage,
		Rows:    2,
		Pages:   1,
	}
	got := *job
	got.CreatedAt, got.StartedAt, got.CompletedAt, got.Diagnosis = time.Time{}, nil, nil, nil
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("job mismatch (-want +got):\n%s", diff)
	}

	var buf bytes.Buffer
	require.NoError(t, c.DownloadCSV(ctx, created.ID, &buf))
	assert.Contains(t, buf.String(), "B01")
	assert.Contains(t, buf.String(), "B02")

	summary, err := c.Summary(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Total)
	assert.InDelta(t, 4.5, summary.AverageRating, 0.001)
}

func TestClient_EmptySessionFails(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	created, err := c.CreateSession(ctx, api.CreateSessionRequest{Query: "nothing"})
	require.NoError(t, err)

	job, err := c.Wait(ctx, created.ID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, api.StatusFailed, job.Status)
	assert.Zero(t, job.Rows)
}

func TestClient_Errors(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	_, err := c.GetSession(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = c.CreateSession(ctx, api.CreateSessionRequest{Query: "  "})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, scraper.ErrEmptySubject.Error(), apiErr.Message)
	assert.False(t, errors.Is(err, ErrNotFound))

	_, err = c.CreateSession(ctx, api.CreateSessionRequest{Profile: "sellers", Query: "x"})
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}

func TestClient_WaitHonoursContext(t *testing.T) {
	c := New("http://127.0.0.1:1", time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Wait(ctx, "any", time.Millisecond)
	assert.Error(t, err)
}
