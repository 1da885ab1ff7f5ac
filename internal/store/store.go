// Package store provides the persistence interface and implementations for
// the engine. The in-memory store backs tests and DSN-less development; the
// postgres subpackage is the durable production path.
package store

import (
	"context"
	"time"

	"agent-engine/internal/domain"
)

// Store is the full persistence surface the engine depends on. Both
// implementations satisfy it, so wiring can swap them freely.
type Store interface {
	AgentStore
	ScheduleStore
	ExecutionStore

	// Ping checks whether the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate brings the schema up to date.
	Migrate(ctx context.Context) error
}

// ── Agent Store ─────────────────────────────────────────────

type AgentStore interface {
	CreateAgent(ctx context.Context, agent *domain.Agent) error
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
	UpdateAgent(ctx context.Context, agent *domain.Agent) error
	ListAgentsByOwner(ctx context.Context, ownerID string, limit int) ([]*domain.Agent, error)
}

// ── Schedule Store ──────────────────────────────────────────

// ScheduleStore keys schedules by agent: each agent has at most one and
// UpsertSchedule replaces it.
type ScheduleStore interface {
	UpsertSchedule(ctx context.Context, schedule *domain.Schedule) error
	GetSchedule(ctx context.Context, id string) (*domain.Schedule, error)
	GetScheduleByAgent(ctx context.Context, agentID string) (*domain.Schedule, error)
	UpdateSchedule(ctx context.Context, schedule *domain.Schedule) error

	// DueSchedules returns enabled schedules with next_run_at <= now,
	// oldest first, capped at limit.
	DueSchedules(ctx context.Context, now time.Time, limit int) ([]*domain.Schedule, error)
}

// ── Execution Store ─────────────────────────────────────────

// ExecutionStore persists execution lifecycle records. Updates to a record
// already in a terminal state must be rejected with ErrExecutionFinished;
// terminal records are immutable.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec *domain.Execution) error
	GetExecution(ctx context.Context, id string) (*domain.Execution, error)
	UpdateExecution(ctx context.Context, exec *domain.Execution) error
	ListExecutionsByAgent(ctx context.Context, agentID string, limit int) ([]*domain.Execution, error)

	// UnfinishedExecutions returns every record still in pending or running,
	// for crash recovery at startup.
	UnfinishedExecutions(ctx context.Context) ([]*domain.Execution, error)
}
