package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"agent-engine/internal/domain"
)

const maxListLimit = 1000

// Memory implements Store with mutex-guarded maps. Records are copied on the
// way in and out so callers can never mutate stored state through aliases.
type Memory struct {
	mu         sync.RWMutex
	agents     map[string]*domain.Agent
	schedules  map[string]*domain.Schedule // key: schedule id
	byAgent    map[string]string           // agent id -> schedule id
	executions map[string]*domain.Execution
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		agents:     make(map[string]*domain.Agent),
		schedules:  make(map[string]*domain.Schedule),
		byAgent:    make(map[string]string),
		executions: make(map[string]*domain.Execution),
	}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }
func (m *Memory) Close() error                   { return nil }
func (m *Memory) Migrate(ctx context.Context) error {
	return nil
}

// ── Agent Store ─────────────────────────────────────────────

func (m *Memory) CreateAgent(ctx context.Context, agent *domain.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.agents[agent.ID]; exists {
		return fmt.Errorf("agent %s already exists", agent.ID)
	}
	m.agents[agent.ID] = cloneAgent(agent)
	return nil
}

func (m *Memory) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agent, ok := m.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrAgentNotFound, id)
	}
	return cloneAgent(agent), nil
}

func (m *Memory) UpdateAgent(ctx context.Context, agent *domain.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[agent.ID]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrAgentNotFound, agent.ID)
	}
	m.agents[agent.ID] = cloneAgent(agent)
	return nil
}

func (m *Memory) ListAgentsByOwner(ctx context.Context, ownerID string, limit int) ([]*domain.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.Agent
	for _, agent := range m.agents {
		if agent.OwnerID == ownerID {
			out = append(out, cloneAgent(agent))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return capList(out, limit), nil
}

// ── Schedule Store ──────────────────────────────────────────

func (m *Memory) UpsertSchedule(ctx context.Context, schedule *domain.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// One schedule per agent: replacing drops the old one entirely.
	if oldID, ok := m.byAgent[schedule.AgentID]; ok && oldID != schedule.ID {
		delete(m.schedules, oldID)
	}
	m.schedules[schedule.ID] = cloneSchedule(schedule)
	m.byAgent[schedule.AgentID] = schedule.ID
	return nil
}

func (m *Memory) GetSchedule(ctx context.Context, id string) (*domain.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	schedule, ok := m.schedules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrScheduleNotFound, id)
	}
	return cloneSchedule(schedule), nil
}

func (m *Memory) GetScheduleByAgent(ctx context.Context, agentID string) (*domain.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byAgent[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: agent %s", domain.ErrScheduleNotFound, agentID)
	}
	return cloneSchedule(m.schedules[id]), nil
}

func (m *Memory) UpdateSchedule(ctx context.Context, schedule *domain.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.schedules[schedule.ID]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrScheduleNotFound, schedule.ID)
	}
	m.schedules[schedule.ID] = cloneSchedule(schedule)
	m.byAgent[schedule.AgentID] = schedule.ID
	return nil
}

func (m *Memory) DueSchedules(ctx context.Context, now time.Time, limit int) ([]*domain.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.Schedule
	for _, schedule := range m.schedules {
		if schedule.Due(now) {
			out = append(out, cloneSchedule(schedule))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NextRunAt.Before(out[j].NextRunAt)
	})
	return capList(out, limit), nil
}

// ── Execution Store ─────────────────────────────────────────

func (m *Memory) CreateExecution(ctx context.Context, exec *domain.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.executions[exec.ID]; exists {
		return fmt.Errorf("execution %s already exists", exec.ID)
	}
	m.executions[exec.ID] = cloneExecution(exec)
	return nil
}

func (m *Memory) GetExecution(ctx context.Context, id string) (*domain.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	exec, ok := m.executions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrExecutionNotFound, id)
	}
	return cloneExecution(exec), nil
}

// UpdateExecution rejects writes to records that already reached a terminal
// state, regardless of what the caller's copy says.
func (m *Memory) UpdateExecution(ctx context.Context, exec *domain.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.executions[exec.ID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrExecutionNotFound, exec.ID)
	}
	if current.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", domain.ErrExecutionFinished, exec.ID, current.Status)
	}
	m.executions[exec.ID] = cloneExecution(exec)
	return nil
}

func (m *Memory) ListExecutionsByAgent(ctx context.Context, agentID string, limit int) ([]*domain.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.Execution
	for _, exec := range m.executions {
		if exec.AgentID == agentID {
			out = append(out, cloneExecution(exec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return capList(out, limit), nil
}

func (m *Memory) UnfinishedExecutions(ctx context.Context) ([]*domain.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.Execution
	for _, exec := range m.executions {
		if !exec.Status.Terminal() {
			out = append(out, cloneExecution(exec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ── clone helpers ───────────────────────────────────────────

func cloneAgent(a *domain.Agent) *domain.Agent {
	cp := *a
	return &cp
}

func cloneSchedule(s *domain.Schedule) *domain.Schedule {
	cp := *s
	return &cp
}

func cloneExecution(e *domain.Execution) *domain.Execution {
	cp := *e
	if e.Params != nil {
		cp.Params = make(map[string]any, len(e.Params))
		for k, v := range e.Params {
			cp.Params[k] = v
		}
	}
	if e.Failure != nil {
		f := *e.Failure
		cp.Failure = &f
	}
	if e.StartedAt != nil {
		t := *e.StartedAt
		cp.StartedAt = &t
	}
	if e.FinishedAt != nil {
		t := *e.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}

func capList[T any](list []T, limit int) []T {
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	if len(list) > limit {
		return list[:limit]
	}
	return list
}
