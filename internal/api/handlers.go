// Package api serves scrape sessions over HTTP.
package api

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/maltedev/listing-scraper/internal/analysis"
	"github.com/maltedev/listing-scraper/internal/models"
	"github.com/maltedev/listing-scraper/internal/queue"
)

// OutboxStatus reports relay backlog for the health check.
type OutboxStatus interface {
	GetPendingCount(ctx context.Context) (int64, error)
	GetDeadLetterCount(ctx context.Context) (int64, error)
}

type Handlers struct {
	jobs   *Manager
	outbox OutboxStatus
	logger *slog.Logger
}

func NewHandlers(jobs *Manager, outbox OutboxStatus, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		jobs:   jobs,
		outbox: outbox,
		logger: logger.With("component", "api"),
	}
}

// CreateSessionRequest starts a session. Query is the search term for the
// products profile and the product id for the reviews profile.
type CreateSessionRequest struct {
	Profile  string `json:"profile"`
	Query    string `json:"query"`
	Target   int    `json:"target"`
	MaxPages int    `json:"max_pages"`
}

type CreateSessionResponse struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	job, err := h.jobs.Submit(strings.TrimSpace(req.Profile), strings.TrimSpace(req.Query), req.Target, req.MaxPages)
	if errors.Is(err, queue.ErrQueueClosed) {
		h.respondError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.respondJSON(w, http.StatusAccepted, CreateSessionResponse{
		ID:      job.ID,
		Status:  job.Status,
		Message: "Session queued",
	})
}

func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.jobs.List())
}

func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, http.StatusNotFound, "session not found")
		return
	}
	h.respondJSON(w, http.StatusOK, job)
}

// GetSessionRows returns rows as a JSON array, or as CSV with ?format=csv.
func (h *Handlers) GetSessionRows(w http.ResponseWriter, r *http.Request) {
	rows, ok := h.rows(w, r)
	if !ok {
		return
	}

	if r.URL.Query().Get("format") == "csv" {
		h.respondCSV(w, rows)
		return
	}
	h.respondJSON(w, http.StatusOK, rows)
}

func (h *Handlers) GetSessionSummary(w http.ResponseWriter, r *http.Request) {
	rows, ok := h.rows(w, r)
	if !ok {
		return
	}
	h.respondJSON(w, http.StatusOK, analysis.Summarize(rows))
}

func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.jobs.Stats())
}

// Health reports ok, or degrades when the relay backlog grows.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":   "ok",
		"sessions": h.jobs.Stats(),
	}
	status := http.StatusOK

	if h.outbox != nil {
		pending, err := h.outbox.GetPendingCount(r.Context())
		if err != nil {
			h.logger.Warn("failed to read outbox backlog", "error", err)
		}
		deadLetter, err := h.outbox.GetDeadLetterCount(r.Context())
		if err != nil {
			h.logger.Warn("failed to read dead letter count", "error", err)
		}
		health["outbox"] = map[string]interface{}{
			"pending":     pending,
			"dead_letter": deadLetter,
		}

		if pending > 1000 {
			health["status"] = "warning"
			health["message"] = "High number of pending outbox events"
		}
		if deadLetter > 100 {
			health["status"] = "error"
			health["message"] = "High number of dead letter events"
			status = http.StatusServiceUnavailable
		}
	}

	h.respondJSON(w, status, health)
}

func (h *Handlers) rows(w http.ResponseWriter, r *http.Request) ([]models.OutputRow, bool) {
	rows, err := h.jobs.Rows(chi.URLParam(r, "id"))
	if errors.Is(err, ErrJobNotFound) {
		h.respondError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	if err != nil {
		h.logger.Error("failed to get session rows", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to get rows")
		return nil, false
	}
	return rows, true
}

func (h *Handlers) respondCSV(w http.ResponseWriter, rows []models.OutputRow) {
	w.Header().Set("Content-Type", "text/csv")
	w.WriteHeader(http.StatusOK)
	if len(rows) == 0 {
		return
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(rows[0].Schema().Header()); err != nil {
		h.logger.Error("failed to write csv header", "error", err)
		return
	}
	for _, row := range rows {
		if err := cw.Write(row.Strings()); err != nil {
			h.logger.Error("failed to write csv row", "error", err)
			return
		}
	}
	cw.Flush()
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
