package domain

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to ExecutionStatus
		want     bool
	}{
		{ExecPending, ExecRunning, true},
		{ExecPending, ExecValidationRejected, true},
		{ExecPending, ExecCancelled, true},
		{ExecPending, ExecFailed, true},
		{ExecPending, ExecSuccess, false},
		{ExecRunning, ExecSuccess, true},
		{ExecRunning, ExecFailed, true},
		{ExecRunning, ExecTimedOut, true},
		{ExecRunning, ExecMemoryExceeded, true},
		{ExecRunning, ExecCancelled, true},
		{ExecRunning, ExecPending, false},
		// no exits from terminal states
		{ExecSuccess, ExecFailed, false},
		{ExecFailed, ExecRunning, false},
		{ExecTimedOut, ExecCancelled, false},
		{ExecMemoryExceeded, ExecRunning, false},
		{ExecCancelled, ExecRunning, false},
		{ExecValidationRejected, ExecRunning, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestTerminal(t *testing.T) {
	terminal := []ExecutionStatus{
		ExecSuccess, ExecFailed, ExecTimedOut,
		ExecMemoryExceeded, ExecValidationRejected, ExecCancelled,
	}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%q should be terminal", s)
		}
	}
	for _, s := range []ExecutionStatus{ExecPending, ExecRunning} {
		if s.Terminal() {
			t.Errorf("%q should not be terminal", s)
		}
	}
}

func TestExecutionTransition_Bookkeeping(t *testing.T) {
	a, _ := NewAgent("a1", "u1", "n", TypeCustom, "x = 1")
	ex := NewExecution("e1", a, TriggerManual, nil)

	if ex.Status != ExecPending {
		t.Fatalf("new execution status = %q, want %q", ex.Status, ExecPending)
	}
	if ex.StartedAt != nil || ex.FinishedAt != nil {
		t.Fatal("timestamps set before any transition")
	}

	if err := ex.Transition(ExecRunning); err != nil {
		t.Fatalf("to running: %v", err)
	}
	if ex.StartedAt == nil {
		t.Error("StartedAt not set on running")
	}

	time.Sleep(2 * time.Millisecond)
	if err := ex.Transition(ExecSuccess); err != nil {
		t.Fatalf("to success: %v", err)
	}
	if ex.FinishedAt == nil {
		t.Error("FinishedAt not set on terminal transition")
	}
	if ex.DurationMS <= 0 {
		t.Errorf("DurationMS = %d, want > 0", ex.DurationMS)
	}

	if err := ex.Transition(ExecFailed); err == nil {
		t.Error("transition out of terminal state should fail")
	}
}

func TestExecutionTransition_RejectedBeforeStart(t *testing.T) {
	a, _ := NewAgent("a1", "u1", "n", TypeCustom, "x = 1")
	ex := NewExecution("e1", a, TriggerScheduled, map[string]any{"region": "eu"})

	if err := ex.Transition(ExecValidationRejected); err != nil {
		t.Fatalf("pending to validation_rejected: %v", err)
	}
	if ex.StartedAt != nil {
		t.Error("StartedAt set for execution that never ran")
	}
	if ex.FinishedAt == nil {
		t.Error("FinishedAt not set on terminal transition")
	}
	if ex.DurationMS != 0 {
		t.Errorf("DurationMS = %d for never-started execution, want 0", ex.DurationMS)
	}
}
