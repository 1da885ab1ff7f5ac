package engine

import (
	"context"
	"fmt"

	"agent-engine/internal/domain"
)

// Capability decides whether a user may act on an agent. The engine consumes
// the decision and never reasons about sharing itself; deployments with
// richer access models implement this interface.
type Capability interface {
	// CanExecute authorizes running the agent's code.
	CanExecute(ctx context.Context, userID string, agent *domain.Agent) error

	// CanSchedule authorizes attaching or replacing the agent's schedule.
	CanSchedule(ctx context.Context, userID string, agent *domain.Agent) error
}

// OwnerCapability is the default policy: the owner may do everything, a
// published public agent is runnable by anyone, and scheduling is owner-only.
type OwnerCapability struct{}

func (OwnerCapability) CanExecute(_ context.Context, userID string, agent *domain.Agent) error {
	if userID == agent.OwnerID {
		return nil
	}
	if agent.Public && agent.Status == domain.AgentPublished {
		return nil
	}
	return fmt.Errorf("%w: user %s cannot execute agent %s", domain.ErrPermissionDenied, userID, agent.ID)
}

func (OwnerCapability) CanSchedule(_ context.Context, userID string, agent *domain.Agent) error {
	if userID == agent.OwnerID {
		return nil
	}
	return fmt.Errorf("%w: only the owner may schedule agent %s", domain.ErrPermissionDenied, agent.ID)
}
