package domain

import (
	"fmt"
	"time"
)

// AgentID identifies a logical agent role on the orchestration bus.
type AgentID string

const (
	AgentGovernance AgentID = "governance"
	AgentOptimizer  AgentID = "optimizer"
	AgentLearning   AgentID = "learning"
	AgentInsight    AgentID = "insight"
	AgentFederation AgentID = "federation"
)

// Static governance priorities. Conflict resolution compares these first.
const (
	PriorityGovernance = 90
	PriorityOptimizer  = 75
	PriorityLearning   = 60
	PriorityInsight    = 45
	PriorityFederation = 35
)

// Event priority bounds.
const (
	MinEventPriority = 1
	MaxEventPriority = 100
)

var agentPriorities = map[AgentID]int{
	AgentGovernance: PriorityGovernance,
	AgentOptimizer:  PriorityOptimizer,
	AgentLearning:   PriorityLearning,
	AgentInsight:    PriorityInsight,
	AgentFederation: PriorityFederation,
}

// AllAgents returns every known agent in descending priority order.
func AllAgents() []AgentID {
	return []AgentID{AgentGovernance, AgentOptimizer, AgentLearning, AgentInsight, AgentFederation}
}

// Valid reports whether id is a known agent role.
func (id AgentID) Valid() bool {
	_, ok := agentPriorities[id]
	return ok
}

// StaticPriority returns the fixed governance priority of the agent, or 0 for
// unknown agents (which therefore always lose conflict resolution).
func (id AgentID) StaticPriority() int {
	return agentPriorities[id]
}

// ParseAgentID converts a string to a known AgentID.
func ParseAgentID(s string) (AgentID, error) {
	id := AgentID(s)
	if !id.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownAgent, s)
	}
	return id, nil
}

// AgentRegistration is an agent's entry in the orchestrator registry. It lives
// in memory for the life of the process and is never persisted.
type AgentRegistration struct {
	AgentID      AgentID   `json:"agentId"`
	Name         string    `json:"name"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Priority     int       `json:"priority"`
	StreamKey    string    `json:"streamKey"`
	RegisteredAt time.Time `json:"registeredAt"`
}
