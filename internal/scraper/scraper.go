// Package scraper runs scrape sessions: it drives pagination, extracts and
// normalizes every item, and keeps the ordered result rows.
package scraper

import (
	"errors"
	"time"

	"github.com/maltedev/listing-scraper/internal/interact"
)

var (
	ErrDriverUnavailable = errors.New("page driver unavailable")
	ErrUnknownProfile    = errors.New("unknown profile")
	ErrEmptySubject      = errors.New("query or product id is required")
	// ErrNoRecords marks a session that ended cleanly without a single row.
	ErrNoRecords         = errors.New("no records produced")
)

type Options struct {
	// Target stops the session after this many unique items. Zero means
	// collect until the listing ends.
	Target         int
	MaxPages       int
	StallThreshold int
	// Deadline bounds the whole session. Zero means no deadline.
	Deadline    time.Duration
	LoadTimeout time.Duration
	// ScrollSteps is the number of evenly spaced scroll positions visited
	// before extraction so lazily rendered items appear.
	ScrollSteps int
	Interaction interact.Options
}

func DefaultOptions() Options {
	return Options{
		StallThreshold: 2,
		LoadTimeout:    15 * time.Second,
		ScrollSteps:    5,
		Interaction:    interact.DefaultOptions(),
	}
}
