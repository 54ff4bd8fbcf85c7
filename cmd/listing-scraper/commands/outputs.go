package commands

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/maltedev/listing-scraper/internal/metrics"
	"github.com/maltedev/listing-scraper/internal/models"
	"github.com/maltedev/listing-scraper/internal/queue"
	"github.com/maltedev/listing-scraper/internal/scraper"
	"github.com/maltedev/listing-scraper/internal/storage"
)

// sessionFiles opens one set of record files per task and tracks each
// session in the manifest, when one is configured.
type sessionFiles struct {
	dir      string
	formats  []string
	manifest *storage.Manifest
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	open map[string]*storage.SessionOutput
}

func newSessionFiles(dir string, formats []string, manifest *storage.Manifest, m *metrics.Metrics, logger *slog.Logger) *sessionFiles {
	if logger == nil {
		logger = slog.Default()
	}
	return &sessionFiles{
		dir:      dir,
		formats:  formats,
		manifest: manifest,
		metrics:  m,
		logger:   logger.With("component", "session-files"),
		now:      time.Now,
		open:     make(map[string]*storage.SessionOutput),
	}
}

// Open is installed as the runner's sink factory.
func (f *sessionFiles) Open(task *queue.Task) (scraper.SinkCloser, error) {
	out, err := storage.OpenSession(f.dir, filePrefix(task.Profile), task.Query, f.now(), f.formats, schemaFor(task.Profile))
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.open[task.ID] = out
	f.mu.Unlock()

	if f.manifest != nil {
		entry := &storage.ManifestEntry{
			SessionID: task.ID,
			Profile:   task.Profile,
			Query:     task.Query,
			Status:    storage.StatusRunning,
		}
		if err := f.manifest.Add(entry); err != nil {
			f.logger.Warn("failed to add manifest entry", "task", task.ID, "error", err)
		}
	}
	return out, nil
}

// Finish must run after the session output was closed. It returns the files
// kept for the session, none when it produced no rows.
func (f *sessionFiles) Finish(out scraper.Outcome) []string {
	f.mu.Lock()
	so, ok := f.open[out.Task.ID]
	delete(f.open, out.Task.ID)
	f.mu.Unlock()
	if !ok {
		return nil
	}

	var files []string
	if so.Rows() > 0 {
		files = so.Paths()
		for _, format := range f.formats {
			f.metrics.AddRowsWritten(strings.ToLower(strings.TrimSpace(format)), so.Rows())
		}
	}

	if f.manifest != nil {
		var reason, errMsg string
		if out.Result != nil {
			reason = string(out.Result.Reason)
		}
		if out.Err != nil {
			errMsg = out.Err.Error()
		}
		if err := f.manifest.Complete(out.Task.ID, outcomeStatus(out), reason, so.Rows(), files, errMsg); err != nil {
			f.logger.Warn("failed to complete manifest entry", "task", out.Task.ID, "error", err)
		}
	}
	return files
}

// fileRunner finishes the session files of every task it runs.
type fileRunner struct {
	runner *scraper.Runner
	files  *sessionFiles
}

func (r fileRunner) RunTask(ctx context.Context, task *queue.Task) scraper.Outcome {
	out := r.runner.RunTask(ctx, task)
	r.files.Finish(out)
	return out
}

func outcomeRows(out scraper.Outcome) int {
	if out.Result == nil {
		return 0
	}
	return len(out.Result.Rows)
}

func outcomeStatus(out scraper.Outcome) string {
	rows := outcomeRows(out)
	switch {
	case out.Err == nil && rows > 0:
		return storage.StatusCompleted
	case rows > 0:
		return storage.StatusPartial
	default:
		return storage.StatusFailed
	}
}

func filePrefix(profile string) string {
	if profile == scraper.ProfileReviews {
		return "Amazon_Reviews"
	}
	return "Amazon_Products"
}

func schemaFor(profile string) *models.Schema {
	if profile == scraper.ProfileReviews {
		return models.ReviewSchema
	}
	return models.ProductSchema
}
