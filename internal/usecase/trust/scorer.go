// Package trust derives the 0-100 trust score from durable outcome counters.
package trust

import (
	"context"
	"math"

	"autopilot/internal/domain"
)

// Score is the pure trust computation.
func Score(c domain.OutcomeCounters) domain.TrustScore {
	m := domain.TrustMetrics{
		SuccessRate:     1,
		OutcomeCounters: c,
	}
	if c.TotalRecommendations > 0 {
		m.SuccessRate = float64(c.Applied) / float64(c.TotalRecommendations)
		m.PolicyViolationRate = float64(c.PolicyViolations) / float64(c.TotalRecommendations)
	}
	if c.Applied > 0 {
		m.RollbackRate = float64(c.RolledBack) / float64(c.Applied)
	}
	raw := 100 * (0.5*clamp01(m.SuccessRate) + 0.3*(1-clamp01(m.RollbackRate)) + 0.2*(1-clamp01(m.PolicyViolationRate)))
	score := int(math.Round(raw))
	return domain.TrustScore{Score: min(max(score, 0), 100), Metrics: m}
}

func clamp01(v float64) float64 {
	return min(max(v, 0), 1)
}

// Scorer reads counters on every call; nothing is cached.
type Scorer struct {
	store domain.OutcomeStore
}

// NewScorer creates a Scorer.
func NewScorer(store domain.OutcomeStore) *Scorer {
	return &Scorer{store: store}
}

// Compute reads the latest counters and scores them.
func (s *Scorer) Compute(ctx context.Context) (domain.TrustScore, error) {
	c, err := s.store.OutcomeCounters(ctx)
	if err != nil {
		return domain.TrustScore{}, domain.WrapOp("trust.Compute", err)
	}
	return Score(c), nil
}

// Record moves one outcome counter.
func (s *Scorer) Record(ctx context.Context, kind domain.OutcomeKind) error {
	return domain.WrapOp("trust.Record", s.store.IncrementOutcome(ctx, kind, 1))
}
