package ratelimit

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter paces page loads within one session.
type RateLimiter interface {
	Wait(ctx context.Context) error
	SetDelay(min, max time.Duration)
}

// Feedback is implemented by limiters that adapt to page outcomes.
type Feedback interface {
	RecordSuccess()
	RecordError()
}

// Adaptive tuning: back off after errorThreshold consecutive failures, speed
// up after speedupAfter consecutive successes.
const (
	errorThreshold = 3
	backoffFactor  = 1.5
	speedupAfter   = 5
	speedupFactor  = 0.9
	maxMinDelay    = time.Minute
	maxMaxDelay    = 2 * time.Minute
)

// SimpleRateLimiter spaces calls by a random delay in [minDelay, maxDelay].
type SimpleRateLimiter struct {
	mu       sync.Mutex
	minDelay time.Duration
	maxDelay time.Duration
	next     time.Time
	jitter   bool
}

func NewSimpleRateLimiter(minDelay, maxDelay time.Duration) *SimpleRateLimiter {
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &SimpleRateLimiter{
		minDelay: minDelay,
		maxDelay: maxDelay,
		jitter:   true,
	}
}

// Wait reserves the next slot and sleeps until it. Concurrent callers get
// consecutive slots. A cancelled wait keeps its reservation.
func (r *SimpleRateLimiter) Wait(ctx context.Context) error {
	r.mu.Lock()
	now := time.Now()
	slot := r.next
	if slot.Before(now) {
		slot = now
	}
	r.next = slot.Add(r.delay())
	r.mu.Unlock()

	wait := time.Until(slot)
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (r *SimpleRateLimiter) SetDelay(min, max time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.minDelay = min
	r.maxDelay = max
}

// Delays returns the current bounds.
func (r *SimpleRateLimiter) Delays() (time.Duration, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.minDelay, r.maxDelay
}

func (r *SimpleRateLimiter) delay() time.Duration {
	if !r.jitter || r.maxDelay <= r.minDelay {
		return r.minDelay
	}
	return r.minDelay + rand.N(r.maxDelay-r.minDelay)
}

// AdaptiveRateLimiter slows down after repeated page failures and speeds up
// again, never below floor, after a run of successes.
type AdaptiveRateLimiter struct {
	*SimpleRateLimiter
	errors    int
	successes int
	floor     time.Duration
}

func NewAdaptiveRateLimiter(minDelay, maxDelay time.Duration) *AdaptiveRateLimiter {
	return &AdaptiveRateLimiter{
		SimpleRateLimiter: NewSimpleRateLimiter(minDelay, maxDelay),
		floor:             min(time.Second, minDelay),
	}
}

func (a *AdaptiveRateLimiter) RecordSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.errors = 0
	a.successes++
	if a.successes <= speedupAfter {
		return
	}
	a.successes = 0
	a.minDelay = max(scale(a.minDelay, speedupFactor), a.floor)
}

func (a *AdaptiveRateLimiter) RecordError() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.successes = 0
	a.errors++
	if a.errors < errorThreshold {
		return
	}
	a.errors = 0
	a.minDelay = min(scale(a.minDelay, backoffFactor), maxMinDelay)
	a.maxDelay = min(scale(a.maxDelay, backoffFactor), maxMaxDelay)
}

func scale(d time.Duration, f float64) time.Duration {
	return time.Duration(float64(d) * f)
}

// TokenBucketRateLimiter allows bursts of up to maxTokens page loads, refilled
// one token per refillRate, with a minimum gap between loads.
type TokenBucketRateLimiter struct {
	limiter  *rate.Limiter
	mu       sync.Mutex
	minDelay time.Duration
}

func NewTokenBucketRateLimiter(maxTokens int, refillRate time.Duration) *TokenBucketRateLimiter {
	if maxTokens <= 0 {
		maxTokens = 1
	}
	return &TokenBucketRateLimiter{
		limiter:  rate.NewLimiter(rate.Every(refillRate), maxTokens),
		minDelay: 0,
	}
}

func (t *TokenBucketRateLimiter) Wait(ctx context.Context) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}

	t.mu.Lock()
	delay := t.minDelay
	t.mu.Unlock()
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (t *TokenBucketRateLimiter) SetDelay(min, max time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.minDelay = min
}

// New picks a limiter by name: "token-bucket", "simple" or "adaptive" (the
// default).
func New(kind string, minDelay, maxDelay time.Duration, burst int) RateLimiter {
	switch kind {
	case "token-bucket":
		refill := minDelay
		if refill <= 0 {
			refill = time.Second
		}
		return NewTokenBucketRateLimiter(burst, refill)
	case "simple":
		return NewSimpleRateLimiter(minDelay, maxDelay)
	default:
		return NewAdaptiveRateLimiter(minDelay, maxDelay)
	}
}
