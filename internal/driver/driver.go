// Package driver defines the page automation capability the extraction engine
// consumes. Engines live in internal/browser.
package driver

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoMatch is returned by Find when the selector matches nothing.
	ErrNoMatch = errors.New("no matching node")
	// ErrNotInteractable means the node exists but cannot receive input
	// (hidden, zero size, disabled).
	ErrNotInteractable = errors.New("node not interactable")
	// ErrClickIntercepted means another element would receive the click.
	ErrClickIntercepted = errors.New("click intercepted")
	// ErrNavigation wraps failures to load a document.
	ErrNavigation = errors.New("navigation failed")
	// ErrUnsupported is returned when an optional capability is missing.
	ErrUnsupported = errors.New("operation not supported by driver")
	// ErrClosed means the browser or connection behind the driver is gone.
	// Nothing on the page can succeed afterwards.
	ErrClosed = errors.New("driver closed")
)

// Node is an opaque handle to an element owned by the driver that produced it.
type Node any

// PageDriver is the minimal document automation surface. Implementations are
// not safe for concurrent use; one session owns one driver.
type PageDriver interface {
	Navigate(ctx context.Context, url string) error
	FindAll(ctx context.Context, selector string) ([]Node, error)
	// Find returns the first node matching selector inside within, or in the
	// whole document when within is nil. Returns ErrNoMatch when absent.
	Find(ctx context.Context, selector string, within Node) (Node, error)
	ReadText(ctx context.Context, node Node) (string, error)
	// ReadAttribute returns "" with a nil error when the attribute is absent.
	ReadAttribute(ctx context.Context, node Node, name string) (string, error)
	Click(ctx context.Context, node Node) error
	ScrollIntoView(ctx context.Context, node Node) error
	CurrentURL() string
	WaitUntilPresent(ctx context.Context, selector string, timeout time.Duration) bool
}

// ScriptClicker dispatches a click through page script, bypassing input
// hit-testing.
type ScriptClicker interface {
	ScriptClick(ctx context.Context, node Node) error
}

// PointerClicker moves the pointer over the node before clicking.
type PointerClicker interface {
	PointerClick(ctx context.Context, node Node) error
}

// ContentReader reads the raw textContent of a node, including hidden text
// such as off-screen price labels.
type ContentReader interface {
	ReadContent(ctx context.Context, node Node) (string, error)
}

type Reloader interface {
	Reload(ctx context.Context) error
}

// Closer is implemented by drivers holding external resources.
type Closer interface {
	Close() error
}

// IsRetryableInteraction reports whether err is one of the interaction
// failures a retry may overcome.
func IsRetryableInteraction(err error) bool {
	return errors.Is(err, ErrNotInteractable) || errors.Is(err, ErrClickIntercepted)
}

// ReadContent prefers ContentReader and falls back to ReadText.
func ReadContent(ctx context.Context, d PageDriver, node Node) (string, error) {
	if cr, ok := d.(ContentReader); ok {
		return cr.ReadContent(ctx, node)
	}
	return d.ReadText(ctx, node)
}
