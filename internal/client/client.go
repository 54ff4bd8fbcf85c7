// Package client talks to a running listing-scraper server.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/maltedev/listing-scraper/internal/analysis"
	"github.com/maltedev/listing-scraper/internal/api"
)

var ErrNotFound = errors.New("session not found")

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

type errorBody struct {
	Error string `json:"error"`
}

type Client struct {
	http *resty.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rc := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &Client{http: rc}
}

func (c *Client) CreateSession(ctx context.Context, req api.CreateSessionRequest) (*api.CreateSessionResponse, error) {
	var (
		out     api.CreateSessionResponse
		failure errorBody
	)
	res, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		SetError(&failure).
		Post("/api/v1/sessions")
	if err := check(res, err, failure); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetSession(ctx context.Context, id string) (*api.Job, error) {
	var (
		job     api.Job
		failure errorBody
	)
	res, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetResult(&job).
		SetError(&failure).
		Get("/api/v1/sessions/{id}")
	if err := check(res, err, failure); err != nil {
		return nil, err
	}
	return &job, nil
}

// Wait polls the session until it completed, partially completed or failed.
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration) (*api.Job, error) {
	if interval <= 0 {
		interval = time.Second
	}
	for {
		job, err := c.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		switch job.Status {
		case api.StatusCompleted, api.StatusPartial, api.StatusFailed:
			return job, nil
		}

		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// DownloadCSV writes the session rows, header first, to w.
func (c *Client) DownloadCSV(ctx context.Context, id string, w io.Writer) error {
	var failure errorBody
	res, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetQueryParam("format", "csv").
		SetError(&failure).
		Get("/api/v1/sessions/{id}/rows")
	if err := check(res, err, failure); err != nil {
		return err
	}
	if _, err := w.Write(res.Body()); err != nil {
		return fmt.Errorf("failed to write rows: %w", err)
	}
	return nil
}

func (c *Client) Summary(ctx context.Context, id string) (*analysis.Summary, error) {
	var (
		summary analysis.Summary
		failure errorBody
	)
	res, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetResult(&summary).
		SetError(&failure).
		Get("/api/v1/sessions/{id}/summary")
	if err := check(res, err, failure); err != nil {
		return nil, err
	}
	return &summary, nil
}

func check(res *resty.Response, err error, failure errorBody) error {
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if res.IsError() {
		msg := failure.Error
		if msg == "" {
			msg = strings.TrimSpace(res.String())
		}
		return &APIError{Status: res.StatusCode(), Message: msg}
	}
	return nil
}
