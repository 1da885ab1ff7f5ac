// Package domain holds the core records of the agent execution engine and
// the write-time invariants that keep them consistent: agent lifecycle,
// execution state machine, schedules, and the shared error taxonomy.
package domain

import (
	"crypto/sha256"
	"fmt"
	"time"
)

// MaxAgentCodeLen is the hard cap on agent source size, enforced both when an
// agent is written and as the validator's first check.
const MaxAgentCodeLen = 10000

// AgentType categorizes what an analysis agent computes. The type selects the
// runtime profile (container image) the sandbox uses.
type AgentType string

const (
	TypeChangeDetection AgentType = "change_detection"
	TypeClassification  AgentType = "classification"
	TypeSegmentation    AgentType = "segmentation"
	TypePrediction      AgentType = "prediction"
	TypeStatistics      AgentType = "statistics"
	TypeCustom          AgentType = "custom"
)

// Valid reports whether t is one of the known agent types.
func (t AgentType) Valid() bool {
	switch t {
	case TypeChangeDetection, TypeClassification, TypeSegmentation,
		TypePrediction, TypeStatistics, TypeCustom:
		return true
	}
	return false
}

// AgentStatus is the agent lifecycle state. Transitions are forward-only:
// draft -> published -> archived.
type AgentStatus string

const (
	AgentDraft     AgentStatus = "draft"
	AgentPublished AgentStatus = "published"
	AgentArchived  AgentStatus = "archived"
)

// Agent is a user-submitted analysis script plus its metadata.
type Agent struct {
	ID        string      `json:"id"`
	OwnerID   string      `json:"owner_id"`
	Name      string      `json:"name"`
	Type      AgentType   `json:"type"`
	Status    AgentStatus `json:"status"`
	Code      string      `json:"code"`
	CodeHash  string      `json:"code_hash"`
	Public    bool        `json:"public"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// NewAgent creates a draft agent, validating code size and type.
func NewAgent(id, ownerID, name string, typ AgentType, code string) (*Agent, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: unknown agent type %q", ErrInvalidTransition, typ)
	}
	if len(code) > MaxAgentCodeLen {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrCodeTooLarge, len(code), MaxAgentCodeLen)
	}
	now := time.Now().UTC()
	return &Agent{
		ID:        id,
		OwnerID:   ownerID,
		Name:      name,
		Type:      typ,
		Status:    AgentDraft,
		Code:      code,
		CodeHash:  HashCode(code),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// UpdateCode replaces the agent source. Only draft agents are mutable.
func (a *Agent) UpdateCode(code string) error {
	if a.Status != AgentDraft {
		return fmt.Errorf("%w: agent %s is %s", ErrAgentNotDraft, a.ID, a.Status)
	}
	if len(code) > MaxAgentCodeLen {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrCodeTooLarge, len(code), MaxAgentCodeLen)
	}
	a.Code = code
	a.CodeHash = HashCode(code)
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// Publish moves a draft agent to published.
func (a *Agent) Publish() error {
	if a.Status != AgentDraft {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, AgentPublished)
	}
	a.Status = AgentPublished
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// Archive moves a published agent to archived. Archived is final.
func (a *Agent) Archive() error {
	if a.Status != AgentPublished {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, AgentArchived)
	}
	a.Status = AgentArchived
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// Runnable reports whether executions may be submitted for this agent.
// Archived agents never run again.
func (a *Agent) Runnable() bool {
	return a.Status == AgentDraft || a.Status == AgentPublished
}

// HashCode computes the content hash used for validation caching.
func HashCode(code string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(code)))
}
