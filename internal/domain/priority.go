package domain

import (
	"context"
	"time"
)

// PrioritySignal is the live input to the priority engine.
type PrioritySignal struct {
	SuccessDelta float64 `json:"successDelta"`
	Load         float64 `json:"load"`
	TrustScore   float64 `json:"trustScore"`
	ErrorRate    float64 `json:"errorRate,omitempty"`
	// GovernanceOverride, when set, replaces the governance agent's raw weight.
	GovernanceOverride *float64 `json:"governanceOverride,omitempty"`
}

// AgentWeight is one agent's share of attention for the next cycle.
type AgentWeight struct {
	Agent      AgentID `json:"agent"`
	Weight     float64 `json:"weight"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// PersistedPriority is the stored form of an AgentWeight. One row per agent,
// overwritten in place each cycle.
type PersistedPriority struct {
	Agent      AgentID   `json:"agent"`
	Weight     float64   `json:"weight"`
	Confidence float64   `json:"confidence"`
	Rationale  string    `json:"rationale"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// PriorityStore persists priority snapshots keyed by agent.
type PriorityStore interface {
	UpsertPriority(ctx context.Context, p PersistedPriority) error
	ListPriorities(ctx context.Context) ([]PersistedPriority, error)
}
