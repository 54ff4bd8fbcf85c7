// Package interact performs clicks on unreliable page elements through an
// escalating list of strategies with a capped attempt budget.
package interact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maltedev/listing-scraper/internal/driver"
)

type Strategy int

const (
	// StrategyDirect scrolls the node into view and clicks it.
	StrategyDirect Strategy = iota
	// StrategyScript clicks through page script, skipping hit testing.
	StrategyScript
	// StrategyPointer moves the pointer onto the node, then clicks.
	StrategyPointer
	// StrategyDismissOverlays clears known overlays, then clicks directly.
	// Only used on the final attempt.
	StrategyDismissOverlays
)

func (s Strategy) String() string {
	switch s {
	case StrategyDirect:
		return "direct"
	case StrategyScript:
		return "script"
	case StrategyPointer:
		return "pointer"
	case StrategyDismissOverlays:
		return "dismiss-overlays"
	default:
		return fmt.Sprintf("strategy-%d", int(s))
	}
}

type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeRetryable   Outcome = "retryable"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeUnsupported Outcome = "unsupported"
	OutcomeFatal       Outcome = "fatal"
)

// Attempt describes one strategy run. It is handed to the Observer and then
// discarded.
type Attempt struct {
	Number   int
	Strategy Strategy
	Elapsed  time.Duration
	Outcome  Outcome
	Err      error
}

type Observer interface {
	ObserveInteraction(strategy, outcome string, elapsed time.Duration)
}

type Options struct {
	MaxAttempts int
	// AttemptTimeout bounds one attempt, shared by all strategies in it.
	AttemptTimeout time.Duration
	// StrategyTimeout bounds one strategy inside an attempt. Zero splits
	// AttemptTimeout evenly across the attempt's strategies.
	StrategyTimeout time.Duration
	// Cooldown elapses between attempts.
	Cooldown         time.Duration
	OverlaySelectors []string
}

func DefaultOptions() Options {
	return Options{
		MaxAttempts:    3,
		AttemptTimeout: 10 * time.Second,
		Cooldown:       2 * time.Second,
		OverlaySelectors: []string{
			"[aria-label='Close']",
			".close-button",
			".dismiss-button",
			".a-popover-header-close",
			".a-button-close",
		},
	}
}

type Retrier struct {
	driver   driver.PageDriver
	opts     Options
	logger   *slog.Logger
	observer Observer
}

func New(d driver.PageDriver, opts Options, logger *slog.Logger) *Retrier {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = DefaultOptions().AttemptTimeout
	}
	return &Retrier{
		driver: d,
		opts:   opts,
		logger: logger.With("component", "retrier"),
	}
}

func (r *Retrier) WithObserver(o Observer) *Retrier {
	r.observer = o
	return r
}

func (r *Retrier) Options() Options {
	return r.opts
}

// Click tries to click node. It returns true on the first strategy that
// succeeds and false once every attempt is exhausted. An error is returned
// only for failures a retry cannot fix, including cancellation of ctx.
func (r *Retrier) Click(ctx context.Context, node driver.Node) (bool, error) {
	for n := 1; n <= r.opts.MaxAttempts; n++ {
		if n > 1 && r.opts.Cooldown > 0 {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(r.opts.Cooldown):
			}
		}

		ok, err := r.attempt(ctx, node, n, n == r.opts.MaxAttempts)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}

	r.logger.Warn("interaction exhausted", "attempts", r.opts.MaxAttempts)
	return false, nil
}

// ClickSelector locates selector in the document and clicks the first match.
// A missing element is reported as false without an error.
func (r *Retrier) ClickSelector(ctx context.Context, selector string) (bool, error) {
	node, err := r.driver.Find(ctx, selector, nil)
	if errors.Is(err, driver.ErrNoMatch) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to locate %s: %w", selector, err)
	}
	return r.Click(ctx, node)
}

func (r *Retrier) attempt(ctx context.Context, node driver.Node, n int, final bool) (bool, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, r.opts.AttemptTimeout)
	defer cancel()

	strategies := []Strategy{StrategyDirect, StrategyScript, StrategyPointer}
	if final {
		strategies = append(strategies, StrategyDismissOverlays)
	}

	budget := r.opts.StrategyTimeout
	if budget <= 0 {
		budget = r.opts.AttemptTimeout / time.Duration(len(strategies))
	}

	for _, s := range strategies {
		if attemptCtx.Err() != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return false, ctxErr
			}
			r.logger.Debug("attempt timed out", "attempt", n, "before", s.String())
			return false, nil
		}

		strategyCtx, cancelStrategy := context.WithTimeout(attemptCtx, budget)
		start := time.Now()
		err := r.run(strategyCtx, s, node)
		a := Attempt{
			Number:   n,
			Strategy: s,
			Elapsed:  time.Since(start),
			Outcome:  classify(ctx, strategyCtx, err),
			Err:      err,
		}
		cancelStrategy()
		r.observe(a)

		switch a.Outcome {
		case OutcomeSuccess:
			if n > 1 || s != StrategyDirect {
				r.logger.Debug("interaction succeeded", "attempt", n, "strategy", s.String())
			}
			return true, nil
		case OutcomeFatal:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return false, ctxErr
			}
			return false, fmt.Errorf("%s click failed: %w", s, err)
		case OutcomeTimeout:
			if attemptCtx.Err() != nil {
				r.logger.Debug("attempt timed out", "attempt", n, "strategy", s.String())
				return false, nil
			}
			r.logger.Debug("strategy timed out", "attempt", n, "strategy", s.String())
		default:
			r.logger.Debug("strategy failed", "attempt", n, "strategy", s.String(), "error", err)
		}
	}
	return false, nil
}

func (r *Retrier) run(ctx context.Context, s Strategy, node driver.Node) error {
	switch s {
	case StrategyDirect:
		if err := r.driver.ScrollIntoView(ctx, node); err != nil && !driver.IsRetryableInteraction(err) {
			return err
		}
		return r.driver.Click(ctx, node)
	case StrategyScript:
		sc, ok := r.driver.(driver.ScriptClicker)
		if !ok {
			return driver.ErrUnsupported
		}
		return sc.ScriptClick(ctx, node)
	case StrategyPointer:
		pc, ok := r.driver.(driver.PointerClicker)
		if !ok {
			return driver.ErrUnsupported
		}
		return pc.PointerClick(ctx, node)
	case StrategyDismissOverlays:
		r.dismissOverlays(ctx)
		return r.driver.Click(ctx, node)
	default:
		return fmt.Errorf("unknown strategy %d", s)
	}
}

// dismissOverlays clicks every visible dismissal control once. Failures are
// ignored: the click that follows decides the outcome.
func (r *Retrier) dismissOverlays(ctx context.Context) {
	for _, sel := range r.opts.OverlaySelectors {
		nodes, err := r.driver.FindAll(ctx, sel)
		if err != nil {
			continue
		}
		for _, n := range nodes {
			if err := r.driver.Click(ctx, n); err != nil {
				if sc, ok := r.driver.(driver.ScriptClicker); ok {
					_ = sc.ScriptClick(ctx, n)
				}
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (r *Retrier) observe(a Attempt) {
	if r.observer != nil {
		r.observer.ObserveInteraction(a.Strategy.String(), string(a.Outcome), a.Elapsed)
	}
}

// classify maps a strategy error to an outcome. Cancellation of the parent
// context is fatal. A strategy that ran out of time is a timeout, whatever
// the driver returned once its deadline passed.
func classify(parent, strategy context.Context, err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case parent.Err() != nil:
		return OutcomeFatal
	case strategy.Err() != nil:
		return OutcomeTimeout
	case errors.Is(err, driver.ErrUnsupported):
		return OutcomeUnsupported
	case driver.IsRetryableInteraction(err):
		return OutcomeRetryable
	default:
		return OutcomeFatal
	}
}
