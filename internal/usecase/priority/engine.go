// Package priority turns live signals into normalized per-agent weights.
package priority

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"autopilot/internal/domain"
)

// Base weights before signal adjustment.
var baseWeights = map[domain.AgentID]float64{
	domain.AgentGovernance: 0.30,
	domain.AgentOptimizer:  0.28,
	domain.AgentLearning:   0.24,
	domain.AgentInsight:    0.18,
}

// weightedAgents is the fixed output order.
var weightedAgents = []domain.AgentID{
	domain.AgentGovernance,
	domain.AgentOptimizer,
	domain.AgentLearning,
	domain.AgentInsight,
}

var rationales = map[domain.AgentID]string{
	domain.AgentGovernance: "Governance keeps changes inside policy; its share grows as trust falls or errors rise.",
	domain.AgentOptimizer:  "Optimizer ships improvements while success is high and load leaves headroom.",
	domain.AgentLearning:   "Learning re-examines outcomes, weighted up when recent success slips.",
	domain.AgentInsight:    "Insight reports on system state, weighted up under load.",
}

// CalculateWeights returns one weight per agent. Weights sum to 1.
func CalculateWeights(s domain.PrioritySignal) []domain.AgentWeight {
	trust := clamp01(s.TrustScore / 100)
	success := clamp01((s.SuccessDelta + 1) / 2)
	load := clamp01(s.Load)
	errPenalty := clamp01(s.ErrorRate)

	raw := map[domain.AgentID]float64{
		domain.AgentOptimizer: baseWeights[domain.AgentOptimizer] *
			(0.4 + 0.3*success + 0.2*trust + 0.2*(1-load) - 0.1*errPenalty),
		domain.AgentLearning: baseWeights[domain.AgentLearning] *
			(0.5 + 0.3*(1-success) + 0.2*trust + 0.1*(1-errPenalty)),
		domain.AgentInsight: baseWeights[domain.AgentInsight] *
			(0.6 + 0.3*load + 0.1*trust),
	}
	if s.GovernanceOverride != nil {
		raw[domain.AgentGovernance] = clamp01(*s.GovernanceOverride)
	} else {
		raw[domain.AgentGovernance] = baseWeights[domain.AgentGovernance] *
			(0.6 + 0.4*(1-trust) + 0.4*errPenalty)
	}

	var sum float64
	for _, id := range weightedAgents {
		sum += raw[id]
	}
	if sum <= 0 {
		raw, sum = baseWeights, 1
	}

	confidence := clamp01(0.4 + 0.4*trust + 0.2*(1-errPenalty))
	out := make([]domain.AgentWeight, 0, len(weightedAgents))
	for _, id := range weightedAgents {
		out = append(out, domain.AgentWeight{
			Agent:      id,
			Weight:     raw[id] / sum,
			Confidence: confidence,
			Rationale:  rationales[id],
		})
	}
	return out
}

func clamp01(v float64) float64 {
	return min(max(v, 0), 1)
}

// Engine persists computed weights.
type Engine struct {
	store domain.PriorityStore
	now   func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(store domain.PriorityStore) *Engine {
	return &Engine{store: store, now: time.Now}
}

// Calculate is CalculateWeights.
func (e *Engine) Calculate(s domain.PrioritySignal) []domain.AgentWeight {
	return CalculateWeights(s)
}

// Persist upserts every weight, at most concurrency at a time.
func (e *Engine) Persist(ctx context.Context, weights []domain.AgentWeight, concurrency int) error {
	now := e.now().UTC()
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(concurrency, 1))
	for _, w := range weights {
		g.Go(func() error {
			return e.store.UpsertPriority(ctx, domain.PersistedPriority{
				Agent:      w.Agent,
				Weight:     w.Weight,
				Confidence: w.Confidence,
				Rationale:  w.Rationale,
				UpdatedAt:  now,
			})
		})
	}
	return domain.WrapOp("priority.Persist", g.Wait())
}

// Stored returns the last persisted priorities.
func (e *Engine) Stored(ctx context.Context) ([]domain.PersistedPriority, error) {
	return e.store.ListPriorities(ctx)
}
