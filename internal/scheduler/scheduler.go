package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"agent-engine/internal/domain"
	"agent-engine/internal/store"
)

// Store is the slice of persistence the scheduler needs.
type Store interface {
	store.AgentStore
	store.ScheduleStore
}

// Capability gates schedule management. The default engine implementation
// restricts scheduling to the agent's owner; the check lives outside this
// package so the outer system can swap in richer role logic.
type Capability interface {
	CanSchedule(ctx context.Context, userID string, agent *domain.Agent) error
}

// Submitter is the engine's admission path. The pump submits scheduled runs
// through the same gate as manual ones, so both compete for the same
// per-user caps.
type Submitter interface {
	SubmitExecution(ctx context.Context, userID, agentID string, trigger domain.TriggerSource, params map[string]any) (string, error)
}

// Scheduler manages schedule configuration. Each agent has at most one
// schedule; upserting replaces it and re-enables it.
type Scheduler struct {
	store       Store
	caps        Capability
	minInterval time.Duration
}

// New creates a scheduler enforcing the given minimum re-trigger interval.
func New(st Store, caps Capability, minInterval time.Duration) *Scheduler {
	return &Scheduler{store: st, caps: caps, minInterval: minInterval}
}

// Upsert creates or replaces the agent's schedule. The trigger must parse,
// its next two occurrences must clear the minimum interval, and it must have
// at least one future occurrence. An existing schedule keeps its identity;
// everything else is replaced and the schedule is enabled.
func (s *Scheduler) Upsert(ctx context.Context, userID, agentID string, spec domain.TriggerSpec) (*domain.Schedule, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if err := s.caps.CanSchedule(ctx, userID, agent); err != nil {
		return nil, err
	}
	if !agent.Runnable() {
		return nil, fmt.Errorf("%w: agent %s is %s", domain.ErrAgentNotRunnable, agent.ID, agent.Status)
	}

	trig, err := ParseTrigger(spec)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if err := CheckMinInterval(trig, now, s.minInterval); err != nil {
		return nil, err
	}
	next := trig.Next(now)
	if next.IsZero() {
		return nil, fmt.Errorf("%w: trigger %q has no future occurrence", domain.ErrScheduleConfig, spec.Expression)
	}

	schedule := &domain.Schedule{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		OwnerID:   agent.OwnerID,
		Trigger:   spec,
		NextRunAt: next,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	existing, err := s.store.GetScheduleByAgent(ctx, agentID)
	switch {
	case err == nil:
		schedule.ID = existing.ID
		schedule.CreatedAt = existing.CreatedAt
	case errors.Is(err, domain.ErrScheduleNotFound):
	default:
		return nil, err
	}

	if err := s.store.UpsertSchedule(ctx, schedule); err != nil {
		return nil, err
	}

	log.Info().
		Str("agent_id", agentID).
		Str("schedule_id", schedule.ID).
		Str("kind", string(spec.Kind)).
		Time("next_run_at", next).
		Msg("schedule upserted")
	return schedule, nil
}

// Schedule returns the agent's schedule.
func (s *Scheduler) Schedule(ctx context.Context, agentID string) (*domain.Schedule, error) {
	return s.store.GetScheduleByAgent(ctx, agentID)
}
