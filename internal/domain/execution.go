package domain

import (
	"fmt"
	"time"
)

// TriggerSource records what caused an execution request.
type TriggerSource string

const (
	TriggerManual    TriggerSource = "manual"
	TriggerScheduled TriggerSource = "scheduled"
)

// ExecutionStatus is one state of the execution lifecycle.
//
//	pending -> running -> {success, failed, timed_out, memory_exceeded, cancelled}
//	pending -> {validation_rejected, cancelled, failed}
//
// Everything other than pending and running is terminal.
type ExecutionStatus string

const (
	ExecPending            ExecutionStatus = "pending"
	ExecRunning            ExecutionStatus = "running"
	ExecSuccess            ExecutionStatus = "success"
	ExecFailed             ExecutionStatus = "failed"
	ExecTimedOut           ExecutionStatus = "timed_out"
	ExecMemoryExceeded     ExecutionStatus = "memory_exceeded"
	ExecValidationRejected ExecutionStatus = "validation_rejected"
	ExecCancelled          ExecutionStatus = "cancelled"
)

// Terminal reports whether s absorbs: no transition ever leaves it.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecPending, ExecRunning:
		return false
	}
	return true
}

// transitions is the full execution state machine. Terminal states have no
// outgoing edges by construction.
var transitions = map[ExecutionStatus][]ExecutionStatus{
	ExecPending: {ExecRunning, ExecValidationRejected, ExecCancelled, ExecFailed},
	ExecRunning: {ExecSuccess, ExecFailed, ExecTimedOut, ExecMemoryExceeded, ExecCancelled},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to ExecutionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// FailureKind refines a terminal failed/rejected state for notification
// rendering. The engine never renders messages itself.
type FailureKind string

const (
	FailureRuntime     FailureKind = "runtime"     // uncaught error raised by agent code
	FailureDependency  FailureKind = "dependency"  // allowlisted library missing in the runtime image
	FailureSecurity    FailureKind = "security"    // capability escape attempt detected post-run
	FailureInterrupted FailureKind = "interrupted" // engine restarted mid-flight
	FailureOverload    FailureKind = "overload"    // admission succeeded but the work queue was full
	FailureValidation  FailureKind = "validation"  // pending-time re-validation against a newer policy
	FailureInternal    FailureKind = "internal"    // sandbox infrastructure error
)

// Failure is the structured detail carried by a terminal failure state.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// Execution is one run of an agent through the engine.
// Once a terminal status is recorded the record is immutable; stores enforce
// this on update.
type Execution struct {
	ID           string          `json:"id"`
	AgentID      string          `json:"agent_id"`
	OwnerID      string          `json:"owner_id"` // copied from the agent at creation for audit stability
	Trigger      TriggerSource   `json:"trigger"`
	Status       ExecutionStatus `json:"status"`
	CodeHash     string          `json:"code_hash"`
	Params       map[string]any  `json:"params,omitempty"`
	Output       string          `json:"output,omitempty"`
	Failure      *Failure        `json:"failure,omitempty"`
	PeakMemoryMB int64           `json:"peak_memory_mb"`
	DurationMS   int64           `json:"duration_ms"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

// NewExecution creates a pending execution for the given agent.
func NewExecution(id string, agent *Agent, trigger TriggerSource, params map[string]any) *Execution {
	return &Execution{
		ID:        id,
		AgentID:   agent.ID,
		OwnerID:   agent.OwnerID,
		Trigger:   trigger,
		Status:    ExecPending,
		CodeHash:  agent.CodeHash,
		Params:    params,
		CreatedAt: time.Now().UTC(),
	}
}

// Transition moves the execution to the next status, rejecting edges that
// are not in the state machine. Timestamps are maintained here so every
// caller gets consistent started/finished bookkeeping.
func (e *Execution) Transition(to ExecutionStatus) error {
	if e.Status.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrExecutionFinished, e.Status)
	}
	if !CanTransition(e.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, to)
	}
	now := time.Now().UTC()
	if to == ExecRunning {
		e.StartedAt = &now
	}
	if to.Terminal() {
		e.FinishedAt = &now
		if e.StartedAt != nil {
			e.DurationMS = now.Sub(*e.StartedAt).Milliseconds()
		}
	}
	e.Status = to
	return nil
}
