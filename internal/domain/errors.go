package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking across the engine.
var (
	ErrAgentNotFound     = errors.New("agent not found")
	ErrScheduleNotFound  = errors.New("schedule not found")
	ErrExecutionNotFound = errors.New("execution not found")

	ErrPermissionDenied = errors.New("permission denied")
	ErrAgentNotRunnable = errors.New("agent is not runnable")

	// ErrValidation is the base error for every validation rejection.
	// The ValidationResult carries the specific kind and violations.
	ErrValidation = errors.New("code validation rejected")

	// ErrQuotaExceeded is the base error for admission rejections; the two
	// wrapped variants distinguish which cap was hit.
	ErrQuotaExceeded    = errors.New("quota exceeded")
	ErrConcurrencyLimit = fmt.Errorf("%w: concurrent execution cap reached", ErrQuotaExceeded)
	ErrDailyLimit       = fmt.Errorf("%w: daily execution cap reached", ErrQuotaExceeded)

	ErrScheduleConfig = errors.New("invalid schedule configuration")

	// ErrAgentBusy rejects a scheduled run while a previous scheduled run of
	// the same agent is still in flight. Manual runs are never gated on it.
	ErrAgentBusy = errors.New("scheduled execution already in flight")

	// ErrExecutionFinished is returned for operations on an execution that
	// already reached a terminal state.
	ErrExecutionFinished = errors.New("execution already finished")

	// ErrInvalidTransition covers agent status edits that move backwards
	// (published->draft, archived->anything) and execution transitions not in
	// the state machine.
	ErrInvalidTransition = errors.New("invalid status transition")

	ErrAgentNotDraft = errors.New("agent code is immutable outside draft")
	ErrCodeTooLarge  = errors.New("agent code exceeds maximum length")
)

// IsQuotaExceeded reports whether err is an admission rejection.
func IsQuotaExceeded(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}

// IsValidationRejected reports whether err is a code validation rejection.
func IsValidationRejected(err error) bool {
	return errors.Is(err, ErrValidation)
}
