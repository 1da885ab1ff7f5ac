package sandbox

import (
	"fmt"
	"strings"
	"time"

	"agent-engine/internal/runtime"
)

// Output caps. Anything beyond is truncated with a marker, never an error.
const (
	MaxOutputBytes = 1 << 20
	MaxStderrBytes = 256 * 1024
)

// RunRequest describes one validated program to execute.
type RunRequest struct {
	ExecutionID string          `json:"execution_id"`
	Code        string          `json:"-"`
	Params      map[string]any  `json:"params,omitempty"`
	Profile     runtime.Profile `json:"profile"`
	Limits      ResourceLimits  `json:"limits"`
}

// RunStatus classifies how a sandboxed run ended.
type RunStatus string

const (
	// StatusCompleted means the program ran to completion with exit 0.
	StatusCompleted RunStatus = "completed"
	// StatusRuntimeFailure means the program itself raised or exited non-zero.
	StatusRuntimeFailure RunStatus = "runtime_failure"
	// StatusTimedOut means the wall-clock watchdog killed the run.
	StatusTimedOut RunStatus = "timed_out"
	// StatusMemoryExceeded means the memory ceiling killed the run.
	StatusMemoryExceeded RunStatus = "memory_exceeded"
	// StatusCancelled means a cancellation request killed the run.
	StatusCancelled RunStatus = "cancelled"
)

// Outcome is the result of one sandboxed run. Limit breaches are encoded in
// Status, not returned as errors; the error return of Run is reserved for
// backend failures where no verdict about the program exists.
type Outcome struct {
	ExecutionID  string        `json:"execution_id"`
	Status       RunStatus     `json:"status"`
	Output       string        `json:"output"`
	ErrorDetail  string        `json:"error_detail,omitempty"`
	ExitCode     int           `json:"exit_code"`
	Duration     time.Duration `json:"duration"`
	PeakMemoryMB int64         `json:"peak_memory_mb"`
}

// DependencyFailure reports whether a runtime failure was caused by a module
// missing from the execution image rather than by the agent's own logic.
func (o *Outcome) DependencyFailure() bool {
	if o.Status != StatusRuntimeFailure {
		return false
	}
	return strings.Contains(o.ErrorDetail, "ModuleNotFoundError") ||
		strings.Contains(o.ErrorDetail, "ImportError")
}

func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "\n... [output truncated]"
}

// validateRequest checks a run request and returns the effective limits with
// defaults filled in.
func validateRequest(req *RunRequest) (ResourceLimits, error) {
	if req.ExecutionID == "" {
		return ResourceLimits{}, fmt.Errorf("%w: execution id is empty", ErrInvalidRequest)
	}
	if req.Code == "" {
		return ResourceLimits{}, fmt.Errorf("%w: code is empty", ErrInvalidRequest)
	}
	if len(req.Code) > 1<<20 {
		return ResourceLimits{}, fmt.Errorf("%w: code exceeds 1MB", ErrInvalidRequest)
	}
	if req.Profile.Image == "" {
		return ResourceLimits{}, fmt.Errorf("%w: profile has no image", ErrInvalidRequest)
	}
	limits := req.Limits.withDefaults()
	if err := limits.Validate(); err != nil {
		return ResourceLimits{}, err
	}
	return limits, nil
}

// classifyExit maps a finished process to a run status. 137 is SIGKILL,
// which in the normal-exit path means the kernel OOM killer; an interpreter
// that survived allocation failure reports MemoryError on stderr instead.
func classifyExit(exitCode int, stderr string) RunStatus {
	switch {
	case exitCode == 0:
		return StatusCompleted
	case exitCode == 137:
		return StatusMemoryExceeded
	case strings.Contains(stderr, "MemoryError"):
		return StatusMemoryExceeded
	default:
		return StatusRuntimeFailure
	}
}
