package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"agent-engine/internal/domain"
)

// maxOutputForDB caps stored output at the sandbox capture limit.
const maxOutputForDB = 1 << 20

const executionColumns = `id, agent_id, owner_id, trigger_source, status, code_hash,
		params, output, failure, peak_memory_mb, duration_ms, created_at, started_at, finished_at`

func scanExecution(row scannable, e *domain.Execution) error {
	return row.Scan(
		&e.ID, &e.AgentID, &e.OwnerID, &e.Trigger, &e.Status, &e.CodeHash,
		&e.Params, &e.Output, &e.Failure, &e.PeakMemoryMB, &e.DurationMS,
		&e.CreatedAt, &e.StartedAt, &e.FinishedAt,
	)
}

// CreateExecution inserts a new execution record.
func (p *Postgres) CreateExecution(ctx context.Context, exec *domain.Execution) error {
	query := `
		INSERT INTO executions (id, agent_id, owner_id, trigger_source, status, code_hash,
			params, output, failure, peak_memory_mb, duration_ms, created_at, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := p.pool.Exec(ctx, query,
		exec.ID, exec.AgentID, exec.OwnerID, string(exec.Trigger), string(exec.Status),
		exec.CodeHash, exec.Params, truncateForDB(exec.Output, maxOutputForDB), exec.Failure,
		exec.PeakMemoryMB, exec.DurationMS, exec.CreatedAt, exec.StartedAt, exec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting execution %s: %w", exec.ID, err)
	}
	return nil
}

// GetExecution retrieves a single execution by ID.
func (p *Postgres) GetExecution(ctx context.Context, id string) (*domain.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE id = $1`

	var exec domain.Execution
	if err := scanExecution(p.pool.QueryRow(ctx, query, id), &exec); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrExecutionNotFound, id)
		}
		return nil, fmt.Errorf("querying execution %s: %w", id, err)
	}
	return &exec, nil
}

// UpdateExecution persists the execution record. The WHERE clause only
// matches non-terminal rows, so a record that already reached a terminal
// status stays immutable no matter what the caller holds in memory.
func (p *Postgres) UpdateExecution(ctx context.Context, exec *domain.Execution) error {
	query := `
		UPDATE executions
		SET status = $2, params = $3, output = $4, failure = $5, peak_memory_mb = $6,
			duration_ms = $7, started_at = $8, finished_at = $9
		WHERE id = $1 AND status IN ('pending', 'running')`

	tag, err := p.pool.Exec(ctx, query,
		exec.ID, string(exec.Status), exec.Params,
		truncateForDB(exec.Output, maxOutputForDB), exec.Failure,
		exec.PeakMemoryMB, exec.DurationMS, exec.StartedAt, exec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("updating execution %s: %w", exec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		current, getErr := p.GetExecution(ctx, exec.ID)
		if getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: %s is %s", domain.ErrExecutionFinished, exec.ID, current.Status)
	}
	return nil
}

// ListExecutionsByAgent returns the agent's executions, newest first.
func (p *Postgres) ListExecutionsByAgent(ctx context.Context, agentID string, limit int) ([]*domain.Execution, error) {
	query := `SELECT ` + executionColumns + `
		FROM executions
		WHERE agent_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	rows, err := p.pool.Query(ctx, query, agentID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying executions for agent %s: %w", agentID, err)
	}
	defer rows.Close()

	var results []*domain.Execution
	for rows.Next() {
		var exec domain.Execution
		if err := scanExecution(rows, &exec); err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		results = append(results, &exec)
	}
	return results, rows.Err()
}

// UnfinishedExecutions returns every pending or running record, oldest
// first. The engine uses this at startup to fail records interrupted by a
// crash.
func (p *Postgres) UnfinishedExecutions(ctx context.Context) ([]*domain.Execution, error) {
	query := `SELECT ` + executionColumns + `
		FROM executions
		WHERE status IN ('pending', 'running')
		ORDER BY created_at ASC`

	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying unfinished executions: %w", err)
	}
	defer rows.Close()

	var results []*domain.Execution
	for rows.Next() {
		var exec domain.Execution
		if err := scanExecution(rows, &exec); err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		results = append(results, &exec)
	}
	return results, rows.Err()
}
