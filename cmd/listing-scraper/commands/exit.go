package commands

import (
	"errors"

	"github.com/maltedev/listing-scraper/internal/scraper"
	"github.com/maltedev/listing-scraper/internal/storage"
)

const (
	ExitOK          = 0
	// ExitNoRecords covers runs that finished without a single record, and
	// any failure without a more specific code.
	ExitNoRecords   = 1
	ExitUnavailable = 2
	ExitUsage       = 3
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

func usageError(err error) error {
	return &exitError{code: ExitUsage, err: err}
}

func exitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	if unavailable(err) {
		return ExitUnavailable
	}
	return ExitNoRecords
}

// unavailable reports whether err means a required external resource, the
// page driver or the output location, could not be used.
func unavailable(err error) bool {
	return errors.Is(err, scraper.ErrDriverUnavailable) || errors.Is(err, storage.ErrOutputUnavailable)
}
