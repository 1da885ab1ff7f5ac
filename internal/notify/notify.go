// Package notify delivers engine events to owners through pluggable sinks.
// Delivery is fire-and-forget: a failed or dropped notification never affects
// the execution that produced it.
package notify

import (
	"context"
	"time"

	"agent-engine/internal/domain"
)

// EventType names one kind of engine event.
type EventType string

const (
	// EventExecutionFinished fires once per execution, on entry to any
	// terminal status.
	EventExecutionFinished EventType = "execution.finished"

	// EventScheduleSkipped fires when the pump passes over a due schedule
	// without creating an execution.
	EventScheduleSkipped EventType = "schedule.skipped"
)

// Event is the notification payload. Detail carries the failure kind or the
// skip reason; rendering a user-facing message is the consumer's concern,
// never the engine's.
type Event struct {
	Type        EventType `json:"type"`
	ExecutionID string    `json:"execution_id,omitempty"`
	AgentID     string    `json:"agent_id"`
	OwnerID     string    `json:"owner_id"`
	Status      string    `json:"status,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	At          time.Time `json:"at"`
}

// Sink delivers one event to its destination.
type Sink interface {
	Emit(ctx context.Context, event Event) error
}

// ExecutionFinished builds the event for an execution that reached a
// terminal status.
func ExecutionFinished(exec *domain.Execution) Event {
	detail := ""
	if exec.Failure != nil {
		detail = string(exec.Failure.Kind) + ": " + exec.Failure.Message
	}
	return Event{
		Type:        EventExecutionFinished,
		ExecutionID: exec.ID,
		AgentID:     exec.AgentID,
		OwnerID:     exec.OwnerID,
		Status:      string(exec.Status),
		Detail:      detail,
		At:          time.Now().UTC(),
	}
}

// ScheduleSkipped builds the event for a due schedule that fired no
// execution.
func ScheduleSkipped(agentID, ownerID, reason string) Event {
	return Event{
		Type:    EventScheduleSkipped,
		AgentID: agentID,
		OwnerID: ownerID,
		Detail:  reason,
		At:      time.Now().UTC(),
	}
}
