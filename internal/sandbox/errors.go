package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed checks.
var (
	ErrBackendUnavailable = errors.New("sandbox backend unavailable")
	ErrInvalidRequest     = errors.New("invalid run request")

	// ErrCancelled is the context cause used to cancel a running execution.
	// The runners distinguish it from a watchdog expiry when classifying
	// the outcome.
	ErrCancelled = errors.New("execution cancelled")
)

// RunError wraps a backend failure with the execution it belongs to and the
// operation that failed.
type RunError struct {
	ExecID string
	Op     string
	Err    error
}

func (e *RunError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// IsCancelled reports whether err stems from a cancellation request.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
