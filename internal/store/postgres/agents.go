package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"agent-engine/internal/domain"
)

// CreateAgent inserts a new agent record.
func (p *Postgres) CreateAgent(ctx context.Context, agent *domain.Agent) error {
	query := `
		INSERT INTO agents (id, owner_id, name, type, status, code, code_hash, public, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := p.pool.Exec(ctx, query,
		agent.ID, agent.OwnerID, agent.Name, string(agent.Type), string(agent.Status),
		agent.Code, agent.CodeHash, agent.Public, agent.CreatedAt, agent.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting agent %s: %w", agent.ID, err)
	}
	return nil
}

// GetAgent retrieves a single agent by ID.
func (p *Postgres) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	query := `
		SELECT id, owner_id, name, type, status, code, code_hash, public, created_at, updated_at
		FROM agents WHERE id = $1`

	var agent domain.Agent
	err := p.pool.QueryRow(ctx, query, id).Scan(
		&agent.ID, &agent.OwnerID, &agent.Name, &agent.Type, &agent.Status,
		&agent.Code, &agent.CodeHash, &agent.Public, &agent.CreatedAt, &agent.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrAgentNotFound, id)
		}
		return nil, fmt.Errorf("querying agent %s: %w", id, err)
	}
	return &agent, nil
}

// UpdateAgent persists the full agent record.
func (p *Postgres) UpdateAgent(ctx context.Context, agent *domain.Agent) error {
	query := `
		UPDATE agents
		SET name = $2, type = $3, status = $4, code = $5, code_hash = $6,
			public = $7, updated_at = $8
		WHERE id = $1`

	tag, err := p.pool.Exec(ctx, query,
		agent.ID, agent.Name, string(agent.Type), string(agent.Status),
		agent.Code, agent.CodeHash, agent.Public, agent.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating agent %s: %w", agent.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrAgentNotFound, agent.ID)
	}
	return nil
}

// ListAgentsByOwner returns the owner's agents, newest first.
func (p *Postgres) ListAgentsByOwner(ctx context.Context, ownerID string, limit int) ([]*domain.Agent, error) {
	query := `
		SELECT id, owner_id, name, type, status, code, code_hash, public, created_at, updated_at
		FROM agents
		WHERE owner_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	rows, err := p.pool.Query(ctx, query, ownerID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying agents for owner %s: %w", ownerID, err)
	}
	defer rows.Close()

	var results []*domain.Agent
	for rows.Next() {
		var agent domain.Agent
		if err := rows.Scan(
			&agent.ID, &agent.OwnerID, &agent.Name, &agent.Type, &agent.Status,
			&agent.Code, &agent.CodeHash, &agent.Public, &agent.CreatedAt, &agent.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning agent row: %w", err)
		}
		results = append(results, &agent)
	}
	return results, rows.Err()
}
