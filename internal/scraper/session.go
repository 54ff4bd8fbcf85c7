package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/maltedev/listing-scraper/internal/driver"
	"github.com/maltedev/listing-scraper/internal/extract"
	"github.com/maltedev/listing-scraper/internal/interact"
	"github.com/maltedev/listing-scraper/internal/metrics"
	"github.com/maltedev/listing-scraper/internal/models"
	"github.com/maltedev/listing-scraper/internal/normalize"
	"github.com/maltedev/listing-scraper/internal/pagination"
)

// Result is what a session leaves behind. Rows are in discovery order and
// are valid even when the session ended early or failed.
type Result struct {
	ID         string               `json:"id"`
	Profile    string               `json:"profile"`
	Subject    string               `json:"subject"`
	Rows       []models.OutputRow   `json:"rows"`
	Reason     pagination.Reason    `json:"reason"`
	Pages      int                  `json:"pages"`
	Duplicates int                  `json:"duplicates"`
	Diagnosis  pagination.Diagnosis `json:"diagnosis"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt time.Time            `json:"finished_at"`
}

// Session owns one run over one listing. It is not safe for concurrent use
// and Run may be called once.
type Session struct {
	id      string
	driver  driver.PageDriver
	profile Profile
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	retrier    *interact.Retrier
	controller *pagination.Controller
	extractor  *extract.Extractor
	normalizer *normalize.Normalizer

	sink RowSink
	rows []models.OutputRow
}

// RowSink receives each row as soon as it is finalized. A write error is
// fatal to the session.
type RowSink interface {
	WriteRow(row models.OutputRow) error
}

func NewSession(d driver.PageDriver, p Profile, opts Options, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ScrollSteps < 0 {
		opts.ScrollSteps = 0
	}

	id := uuid.NewString()
	logger = logger.With("session", id, "profile", p.Name)

	s := &Session{
		id:         id,
		driver:     d,
		profile:    p,
		opts:       opts,
		logger:     logger.With("component", "session"),
		now:        time.Now,
		normalizer: normalize.New(logger),
	}
	if d == nil {
		return s
	}

	s.retrier = interact.New(d, opts.Interaction, logger)
	s.extractor = extract.NewExtractor(d, logger)
	s.controller = pagination.NewController(d, s.retrier, pagination.Config{
		Target:            opts.Target,
		MaxPages:          opts.MaxPages,
		StallThreshold:    opts.StallThreshold,
		NextSelectors:     p.NextSelectors,
		DisabledSelectors: p.DisabledSelectors,
		PageParam:         p.PageParam,
		ContentSelector:   p.ContentSelector,
		LoadTimeout:       opts.LoadTimeout,
	}, logger)
	return s
}

func (s *Session) ID() string { return s.id }

// WithMetrics reports fields, interactions and pages to m.
func (s *Session) WithMetrics(m *metrics.Metrics) *Session {
	s.metrics = m
	if m == nil || s.driver == nil {
		return s
	}
	s.retrier.WithObserver(m)
	s.extractor.WithObserver(m)
	s.controller.WithObserver(m)
	return s
}

func (s *Session) WithSink(sink RowSink) *Session {
	s.sink = sink
	return s
}

// WithLimiter paces page advances.
func (s *Session) WithLimiter(l pagination.Limiter) *Session {
	if l != nil && s.controller != nil {
		s.controller.WithLimiter(l)
	}
	return s
}

// WithClock sets the processing time source used for default dates.
func (s *Session) WithClock(now func() time.Time) *Session {
	s.now = now
	s.normalizer.WithClock(now)
	return s
}

// Rows returns a copy of the finalized rows so far.
func (s *Session) Rows() []models.OutputRow {
	out := make([]models.OutputRow, len(s.rows))
	copy(out, s.rows)
	return out
}

// Run scrapes until a terminal state. A fatal error is returned together
// with the rows completed before it.
func (s *Session) Run(ctx context.Context) (*Result, error) {
	res := &Result{
		ID:        s.id,
		Profile:   s.profile.Name,
		Subject:   s.profile.Subject,
		StartedAt: s.now(),
	}
	if s.driver == nil {
		res.FinishedAt = s.now()
		return res, ErrDriverUnavailable
	}

	if s.opts.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Deadline)
		defer cancel()
	}

	s.logger.Info("session started",
		"subject", s.profile.Subject,
		"url", s.profile.StartURL,
		"target", s.opts.Target,
		"max_pages", s.opts.MaxPages)

	reason, err := s.controller.Run(ctx, s.profile.StartURL, s.visit)
	if errors.Is(err, driver.ErrClosed) {
		err = fmt.Errorf("%w: %v", ErrDriverUnavailable, err)
	}

	state := s.controller.State()
	res.Rows = s.Rows()
	res.Reason = reason
	res.Pages = state.CurrentPage()
	res.Duplicates = state.Duplicates()
	res.Diagnosis = state.Diagnosis()
	res.FinishedAt = s.now()

	if err != nil {
		s.metrics.IncSession("error")
		s.logger.Error("session failed", "error", err, "rows", len(res.Rows))
		return res, fmt.Errorf("session %s failed: %w", s.id, err)
	}

	s.metrics.IncSession(string(reason))
	s.logger.Info("session finished",
		"reason", string(reason),
		"rows", len(res.Rows),
		"pages", res.Pages,
		"duplicates", res.Duplicates,
		"confidence", string(res.Diagnosis.Confidence))
	return res, nil
}

func (s *Session) visit(ctx context.Context, page int) error {
	if page == 1 {
		if err := s.dismissPopups(ctx); err != nil {
			return err
		}
	}
	if err := s.expand(ctx); err != nil {
		return err
	}

	nodes, err := s.locateItems(ctx)
	if err != nil {
		return err
	}
	if len(nodes) > 0 && s.opts.ScrollSteps > 0 {
		s.lazyScroll(ctx, nodes)
		if nodes, err = s.locateItems(ctx); err != nil {
			return err
		}
	}
	s.logger.Debug("items located", "page", page, "count", len(nodes))

	schema := s.profile.Schema
	for i, node := range nodes {
		if err := ctx.Err(); err != nil {
			return err
		}

		rec := s.extractor.Extract(ctx, node, schema.Identity, s.profile.Chains)
		key := rec.IdentityKey()
		if key == "" {
			s.logger.Debug("item without identity dropped", "page", page, "index", i)
			continue
		}
		if !s.controller.Admit(key) {
			continue
		}

		row := s.normalizer.Normalize(rec, schema)
		s.rows = append(s.rows, row)
		if s.sink != nil {
			if err := s.sink.WriteRow(row); err != nil {
				return fmt.Errorf("failed to write row %s: %w", key, err)
			}
		}
		if s.controller.State().TargetReached() {
			break
		}
	}
	return nil
}

// locateItems returns the nodes of the first item selector that matches. Only
// a closed driver is an error.
func (s *Session) locateItems(ctx context.Context) ([]driver.Node, error) {
	for _, sel := range s.profile.ItemSelectors {
		nodes, err := s.driver.FindAll(ctx, sel)
		if errors.Is(err, driver.ErrClosed) {
			return nil, fmt.Errorf("%w: %v", ErrDriverUnavailable, err)
		}
		if err != nil {
			s.logger.Debug("item selector failed", "selector", sel, "error", err)
			continue
		}
		if len(nodes) > 0 {
			return nodes, nil
		}
	}
	return nil, nil
}

// lazyScroll visits evenly spaced items so lazily rendered content loads,
// then returns to the first item.
func (s *Session) lazyScroll(ctx context.Context, nodes []driver.Node) {
	last := -1
	for step := 1; step <= s.opts.ScrollSteps; step++ {
		idx := step*len(nodes)/s.opts.ScrollSteps - 1
		if idx < 0 || idx == last {
			continue
		}
		last = idx
		if err := s.driver.ScrollIntoView(ctx, nodes[idx]); err != nil {
			s.logger.Debug("scroll step failed", "index", idx, "error", err)
		}
	}
	if err := s.driver.ScrollIntoView(ctx, nodes[0]); err != nil {
		s.logger.Debug("scroll to top failed", "error", err)
	}
}

func (s *Session) dismissPopups(ctx context.Context) error {
	for _, sel := range s.profile.PopupSelectors {
		ok, err := s.retrier.ClickSelector(ctx, sel)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			s.logger.Warn("popup dismissal failed", "selector", sel, "error", err)
			continue
		}
		if ok {
			s.logger.Debug("popup dismissed", "selector", sel)
		}
	}
	return nil
}

// expand clicks every "read more" prompt on the page.
func (s *Session) expand(ctx context.Context) error {
	if s.profile.ExpanderSelector == "" {
		return nil
	}
	nodes, err := s.driver.FindAll(ctx, s.profile.ExpanderSelector)
	if err != nil {
		return nil
	}
	for _, node := range nodes {
		if _, err := s.retrier.Click(ctx, node); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Debug("expander click failed", "error", err)
		}
	}
	return nil
}
