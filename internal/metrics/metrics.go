// Package metrics exposes Prometheus collectors for scrape sessions. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/maltedev/listing-scraper/internal/models"
)

type Metrics struct {
	Registry *prometheus.Registry

	PagesTotal        *prometheus.CounterVec
	PageDuration      prometheus.Histogram
	ItemsTotal        prometheus.Counter
	DuplicatesTotal   prometheus.Counter
	FieldsTotal       *prometheus.CounterVec
	InteractionsTotal *prometheus.CounterVec
	InteractionTime   *prometheus.HistogramVec
	SessionsTotal     *prometheus.CounterVec
	RowsWrittenTotal  *prometheus.CounterVec
}

// New constructs all collectors on a dedicated registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	pages := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listing_scraper_pages_total",
			Help: "Listing pages processed, by load outcome.",
		},
		[]string{"outcome"},
	)
	pageDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "listing_scraper_page_duration_seconds",
			Help:    "Time spent extracting one listing page.",
			Buckets: prometheus.DefBuckets,
		},
	)
	items := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "listing_scraper_items_total",
			Help: "Unique items admitted across sessions.",
		},
	)
	duplicates := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "listing_scraper_duplicates_total",
			Help: "Items dropped because their identity key was already seen.",
		},
	)
	fields := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listing_scraper_fields_total",
			Help: "Field resolutions by field and provenance.",
		},
		[]string{"field", "provenance"},
	)
	interactions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listing_scraper_interaction_attempts_total",
			Help: "Click strategy attempts by strategy and outcome.",
		},
		[]string{"strategy", "outcome"},
	)
	interactionTime := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "listing_scraper_interaction_duration_seconds",
			Help:    "Duration of click strategy attempts.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"strategy"},
	)
	sessions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listing_scraper_sessions_total",
			Help: "Finished sessions by termination reason.",
		},
		[]string{"reason"},
	)
	rows := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listing_scraper_rows_written_total",
			Help: "Rows written to output files, by format.",
		},
		[]string{"format"},
	)

	registry.MustRegister(pages, pageDuration, items, duplicates, fields,
		interactions, interactionTime, sessions, rows)

	return &Metrics{
		Registry:          registry,
		PagesTotal:        pages,
		PageDuration:      pageDuration,
		ItemsTotal:        items,
		DuplicatesTotal:   duplicates,
		FieldsTotal:       fields,
		InteractionsTotal: interactions,
		InteractionTime:   interactionTime,
		SessionsTotal:     sessions,
		RowsWrittenTotal:  rows,
	}
}

// ObservePage records one processed page.
func (m *Metrics) ObservePage(loaded bool, newItems int, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "loaded"
	switch {
	case !loaded:
		outcome = "failed"
	case newItems == 0:
		outcome = "empty"
	}
	m.PagesTotal.WithLabelValues(outcome).Inc()
	m.PageDuration.Observe(elapsed.Seconds())
	m.ItemsTotal.Add(float64(newItems))
}

func (m *Metrics) ObserveDuplicate() {
	if m == nil {
		return
	}
	m.DuplicatesTotal.Inc()
}

func (m *Metrics) ObserveField(field string, provenance models.Provenance) {
	if m == nil {
		return
	}
	m.FieldsTotal.WithLabelValues(field, string(provenance)).Inc()
}

func (m *Metrics) ObserveInteraction(strategy, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.InteractionsTotal.WithLabelValues(strategy, outcome).Inc()
	m.InteractionTime.WithLabelValues(strategy).Observe(elapsed.Seconds())
}

// IncSession counts a finished session under its termination reason.
func (m *Metrics) IncSession(reason string) {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) AddRowsWritten(format string, n int) {
	if m == nil {
		return
	}
	m.RowsWrittenTotal.WithLabelValues(format).Add(float64(n))
}
