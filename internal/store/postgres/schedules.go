package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"agent-engine/internal/domain"
)

// scannable abstracts pgx.Row and pgx.Rows for shared scan helpers.
type scannable interface {
	Scan(dest ...any) error
}

func scanSchedule(row scannable, s *domain.Schedule) error {
	var next *time.Time
	err := row.Scan(
		&s.ID, &s.AgentID, &s.OwnerID, &s.Trigger.Kind, &s.Trigger.Expression,
		&next, &s.Enabled, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if next != nil {
		s.NextRunAt = *next
	}
	return nil
}

// UpsertSchedule inserts the schedule, replacing any existing schedule for
// the same agent. The replacement takes every field from the new record,
// including ID and CreatedAt, matching the one-schedule-per-agent rule.
func (p *Postgres) UpsertSchedule(ctx context.Context, schedule *domain.Schedule) error {
	query := `
		INSERT INTO schedules (id, agent_id, owner_id, trigger_kind, trigger_expr,
			next_run_at, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (agent_id) DO UPDATE SET
			id = EXCLUDED.id,
			owner_id = EXCLUDED.owner_id,
			trigger_kind = EXCLUDED.trigger_kind,
			trigger_expr = EXCLUDED.trigger_expr,
			next_run_at = EXCLUDED.next_run_at,
			enabled = EXCLUDED.enabled,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at`

	_, err := p.pool.Exec(ctx, query,
		schedule.ID, schedule.AgentID, schedule.OwnerID,
		string(schedule.Trigger.Kind), schedule.Trigger.Expression,
		nullTime(schedule.NextRunAt), schedule.Enabled,
		schedule.CreatedAt, schedule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting schedule for agent %s: %w", schedule.AgentID, err)
	}
	return nil
}

// GetSchedule retrieves a single schedule by ID.
func (p *Postgres) GetSchedule(ctx context.Context, id string) (*domain.Schedule, error) {
	query := `
		SELECT id, agent_id, owner_id, trigger_kind, trigger_expr, next_run_at, enabled, created_at, updated_at
		FROM schedules WHERE id = $1`

	var s domain.Schedule
	if err := scanSchedule(p.pool.QueryRow(ctx, query, id), &s); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrScheduleNotFound, id)
		}
		return nil, fmt.Errorf("querying schedule %s: %w", id, err)
	}
	return &s, nil
}

// GetScheduleByAgent retrieves the agent's schedule, if any.
func (p *Postgres) GetScheduleByAgent(ctx context.Context, agentID string) (*domain.Schedule, error) {
	query := `
		SELECT id, agent_id, owner_id, trigger_kind, trigger_expr, next_run_at, enabled, created_at, updated_at
		FROM schedules WHERE agent_id = $1`

	var s domain.Schedule
	if err := scanSchedule(p.pool.QueryRow(ctx, query, agentID), &s); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: agent %s", domain.ErrScheduleNotFound, agentID)
		}
		return nil, fmt.Errorf("querying schedule for agent %s: %w", agentID, err)
	}
	return &s, nil
}

// UpdateSchedule persists the full schedule record.
func (p *Postgres) UpdateSchedule(ctx context.Context, schedule *domain.Schedule) error {
	query := `
		UPDATE schedules
		SET trigger_kind = $2, trigger_expr = $3, next_run_at = $4, enabled = $5, updated_at = $6
		WHERE id = $1`

	tag, err := p.pool.Exec(ctx, query,
		schedule.ID, string(schedule.Trigger.Kind), schedule.Trigger.Expression,
		nullTime(schedule.NextRunAt), schedule.Enabled, schedule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating schedule %s: %w", schedule.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrScheduleNotFound, schedule.ID)
	}
	return nil
}

// DueSchedules returns enabled schedules whose next run is at or before now,
// oldest first.
func (p *Postgres) DueSchedules(ctx context.Context, now time.Time, limit int) ([]*domain.Schedule, error) {
	query := `
		SELECT id, agent_id, owner_id, trigger_kind, trigger_expr, next_run_at, enabled, created_at, updated_at
		FROM schedules
		WHERE enabled AND next_run_at IS NOT NULL AND next_run_at <= $1
		ORDER BY next_run_at ASC
		LIMIT $2`

	rows, err := p.pool.Query(ctx, query, now, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying due schedules: %w", err)
	}
	defer rows.Close()

	var results []*domain.Schedule
	for rows.Next() {
		var s domain.Schedule
		if err := scanSchedule(rows, &s); err != nil {
			return nil, fmt.Errorf("scanning schedule row: %w", err)
		}
		results = append(results, &s)
	}
	return results, rows.Err()
}
