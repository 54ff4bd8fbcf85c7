package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/maltedev/listing-scraper/internal/driver"
	"github.com/maltedev/listing-scraper/internal/metrics"
	"github.com/maltedev/listing-scraper/internal/pagination"
	"github.com/maltedev/listing-scraper/internal/queue"
)

// DriverFactory opens a fresh driver for one session.
type DriverFactory func(ctx context.Context) (driver.PageDriver, error)

// ResultHandler receives every finished session, including failed ones that
// still produced rows. A handler error is attached to the outcome.
type ResultHandler func(ctx context.Context, task *queue.Task, res *Result) error

// Outcome pairs a task with its result. Result is nil only when no session
// could be started.
type Outcome struct {
	Task   *queue.Task
	Result *Result
	Err    error
}

type RunnerConfig struct {
	BaseURL     string
	Concurrency int
	Options     Options
	// NewLimiter, when set, gives each session its own pacing.
	NewLimiter func() pagination.Limiter
	// OpenSink, when set, opens the per-session row output before the
	// driver is started. It is closed after the handler ran.
	OpenSink func(task *queue.Task) (SinkCloser, error)
}

type SinkCloser interface {
	RowSink
	Close() error
}

// Runner drains a queue of tasks with a bounded number of concurrent
// sessions, one driver each.
type Runner struct {
	cfg       RunnerConfig
	newDriver DriverFactory
	handler   ResultHandler
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func NewRunner(factory DriverFactory, cfg RunnerConfig, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Runner{
		cfg:       cfg,
		newDriver: factory,
		logger:    logger.With("component", "runner"),
	}
}

func (r *Runner) WithHandler(h ResultHandler) *Runner {
	r.handler = h
	return r
}

func (r *Runner) WithMetrics(m *metrics.Metrics) *Runner {
	r.metrics = m
	return r
}

// Run executes tasks and returns their outcomes in task order.
func (r *Runner) Run(ctx context.Context, tasks []*queue.Task) []Outcome {
	q := queue.NewInMemoryQueue()
	index := make(map[string]int, len(tasks))
	for i, t := range tasks {
		index[t.ID] = i
		if err := q.Push(t); err != nil {
			r.logger.Error("failed to enqueue task", "task", t.ID, "error", err)
		}
	}
	q.Close()

	outcomes := make([]Outcome, len(tasks))
	var wg sync.WaitGroup
	for w := 0; w < r.cfg.Concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := q.Pop(ctx)
				if err != nil {
					return
				}
				out := r.RunTask(ctx, task)
				outcomes[index[task.ID]] = out
			}
		}()
	}
	wg.Wait()

	for i := range outcomes {
		if outcomes[i].Task == nil {
			outcomes[i] = Outcome{Task: tasks[i], Err: ctx.Err()}
		}
	}
	return outcomes
}

// RunTask runs one task on a fresh driver. The handler, if any, sees the
// result before RunTask returns.
func (r *Runner) RunTask(ctx context.Context, task *queue.Task) (out Outcome) {
	out.Task = task
	logger := r.logger.With("task", task.ID, "query", task.Query)

	profile, err := ProfileFor(task.Profile, r.cfg.BaseURL, task.Query)
	if err != nil {
		out.Err = err
		return out
	}

	var sink SinkCloser
	if r.cfg.OpenSink != nil {
		sink, err = r.cfg.OpenSink(task)
		if err != nil {
			out.Err = err
			logger.Error("output unavailable", "error", err)
			return out
		}
		defer func() {
			if err := sink.Close(); err != nil {
				out.Err = errors.Join(out.Err, fmt.Errorf("failed to close output: %w", err))
			}
		}()
	}

	d, err := r.newDriver(ctx)
	if err != nil {
		out.Err = fmt.Errorf("%w: %v", ErrDriverUnavailable, err)
		logger.Error("driver unavailable", "error", err)
		return out
	}
	if closer, ok := d.(driver.Closer); ok {
		defer func() {
			if err := closer.Close(); err != nil {
				logger.Warn("failed to close driver", "error", err)
			}
		}()
	}

	opts := r.cfg.Options
	if task.Target > 0 {
		opts.Target = task.Target
	}
	if task.MaxPages > 0 {
		opts.MaxPages = task.MaxPages
	}

	session := NewSession(d, profile, opts, r.logger).WithMetrics(r.metrics)
	if r.cfg.NewLimiter != nil {
		session.WithLimiter(r.cfg.NewLimiter())
	}
	if sink != nil {
		session.WithSink(sink)
	}

	out.Result, out.Err = session.Run(ctx)
	if r.handler != nil && out.Result != nil {
		if err := r.handler(ctx, task, out.Result); err != nil {
			out.Err = errors.Join(out.Err, err)
		}
	}
	return out
}
