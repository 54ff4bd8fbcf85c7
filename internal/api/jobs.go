package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/maltedev/listing-scraper/internal/models"
	"github.com/maltedev/listing-scraper/internal/pagination"
	"github.com/maltedev/listing-scraper/internal/queue"
	"github.com/maltedev/listing-scraper/internal/scraper"
)

const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
)

var ErrJobNotFound = errors.New("job not found")

// TaskRunner runs one scrape task to completion.
type TaskRunner interface {
	RunTask(ctx context.Context, task *queue.Task) scraper.Outcome
}

// Job is the externally visible state of one submitted session.
type Job struct {
	ID          string                `json:"id"`
	Profile     string                `json:"profile"`
	Query       string                `json:"query"`
	Target      int                   `json:"target"`
	MaxPages    int                   `json:"max_pages"`
	Status      string                `json:"status"`
	Reason      pagination.Reason     `json:"reason,omitempty"`
	Rows        int                   `json:"rows"`
	Pages       int                   `json:"pages"`
	Duplicates  int                   `json:"duplicates"`
	Diagnosis   *pagination.Diagnosis `json:"diagnosis,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	StartedAt   *time.Time            `json:"started_at,omitempty"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
	Error       string                `json:"error,omitempty"`
}

// Manager queues sessions and runs them on a fixed number of workers. Jobs
// and their rows live in memory for the life of the process.
type Manager struct {
	mu     sync.RWMutex
	jobs   map[string]*Job
	rows   map[string][]models.OutputRow
	queue  *queue.InMemoryQueue
	runner TaskRunner
	logger *slog.Logger

	workers int
	wg      sync.WaitGroup
}

func NewManager(runner TaskRunner, workers int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if workers <= 0 {
		workers = 1
	}
	return &Manager{
		jobs:    make(map[string]*Job),
		rows:    make(map[string][]models.OutputRow),
		queue:   queue.NewInMemoryQueue(),
		runner:  runner,
		logger:  logger.With("component", "job_manager"),
		workers: workers,
	}
}

// Start launches the workers. They stop when ctx is done or Close was
// called and the queue is drained.
func (m *Manager) Start(ctx context.Context) {
	m.logger.Info("job workers started", "workers", m.workers)
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.work(ctx)
		}()
	}
}

// Close stops accepting jobs and waits for the workers.
func (m *Manager) Close() {
	m.queue.Close()
	m.wg.Wait()
}

func (m *Manager) work(ctx context.Context) {
	for {
		task, err := m.queue.Pop(ctx)
		if err != nil {
			return
		}
		m.markRunning(task.ID)
		out := m.runner.RunTask(ctx, task)
		m.finish(task.ID, out)
	}
}

// Submit validates the request and queues a new job.
func (m *Manager) Submit(profile, query string, target, maxPages int) (*Job, error) {
	if profile == "" {
		profile = scraper.ProfileProducts
	}
	if profile != scraper.ProfileProducts && profile != scraper.ProfileReviews {
		return nil, fmt.Errorf("%w: %q", scraper.ErrUnknownProfile, profile)
	}
	if query == "" {
		return nil, scraper.ErrEmptySubject
	}
	if target < 0 || maxPages < 0 {
		return nil, fmt.Errorf("target and max_pages cannot be negative")
	}

	task := queue.NewTask(profile, query, target, maxPages)
	job := &Job{
		ID:        task.ID,
		Profile:   profile,
		Query:     query,
		Target:    target,
		MaxPages:  maxPages,
		Status:    StatusPending,
		CreatedAt: task.CreatedAt,
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	copied := *job
	m.mu.Unlock()

	if err := m.queue.Push(task); err != nil {
		m.mu.Lock()
		delete(m.jobs, job.ID)
		m.mu.Unlock()
		return nil, fmt.Errorf("failed to queue job: %w", err)
	}

	m.logger.Info("job created", "id", job.ID, "profile", profile, "query", query)
	return &copied, nil
}

func (m *Manager) Get(id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	copied := *job
	return &copied, nil
}

// List returns all jobs, oldest first.
func (m *Manager) List() []Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, *j)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Rows returns the rows of a finished job. A job that has not finished has
// no rows yet.
func (m *Manager) Rows(id string) ([]models.OutputRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.jobs[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	rows := m.rows[id]
	out := make([]models.OutputRow, len(rows))
	copy(out, rows)
	return out, nil
}

func (m *Manager) Stats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := map[string]int{
		StatusPending:   0,
		StatusRunning:   0,
		StatusCompleted: 0,
		StatusPartial:   0,
		StatusFailed:    0,
	}
	for _, j := range m.jobs {
		stats[j.Status]++
	}
	stats["total"] = len(m.jobs)
	return stats
}

func (m *Manager) markRunning(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job, ok := m.jobs[id]; ok {
		now := time.Now()
		job.Status = StatusRunning
		job.StartedAt = &now
	}
}

func (m *Manager) finish(id string, out scraper.Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return
	}
	now := time.Now()
	job.CompletedAt = &now

	err := out.Err
	if res := out.Result; res != nil {
		job.Reason = res.Reason
		job.Rows = len(res.Rows)
		job.Pages = res.Pages
		job.Duplicates = res.Duplicates
		diag := res.Diagnosis
		job.Diagnosis = &diag
		m.rows[id] = res.Rows
		if err == nil && len(res.Rows) == 0 {
			err = scraper.ErrNoRecords
		}
	}

	switch {
	case err == nil:
		job.Status = StatusCompleted
	case job.Rows > 0:
		job.Status = StatusPartial
		job.Error = err.Error()
	default:
		job.Status = StatusFailed
		job.Error = err.Error()
	}

	m.logger.Info("job finished",
		"id", id,
		"status", job.Status,
		"reason", string(job.Reason),
		"rows", job.Rows)
}
