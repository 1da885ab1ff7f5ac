package domain

import "time"

// TriggerKind selects how a schedule computes its occurrences.
type TriggerKind string

const (
	TriggerInterval TriggerKind = "interval" // fixed duration between runs
	TriggerCron     TriggerKind = "cron"     // standard 5-field cron expression
	TriggerOnce     TriggerKind = "once"     // absolute timestamp, fires once
)

// TriggerSpec is the user-supplied trigger definition: a duration string for
// interval, a cron expression for cron, an RFC 3339 timestamp for once.
type TriggerSpec struct {
	Kind       TriggerKind `json:"kind"`
	Expression string      `json:"expression"`
}

// Schedule drives recurring or one-shot executions of one agent. Each agent
// has at most one schedule; upserts replace it.
type Schedule struct {
	ID        string      `json:"id"`
	AgentID   string      `json:"agent_id"`
	OwnerID   string      `json:"owner_id"`
	Trigger   TriggerSpec `json:"trigger"`
	NextRunAt time.Time   `json:"next_run_at"`
	Enabled   bool        `json:"enabled"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Due reports whether the schedule should fire at now.
func (s *Schedule) Due(now time.Time) bool {
	return s.Enabled && !s.NextRunAt.IsZero() && !s.NextRunAt.After(now)
}
