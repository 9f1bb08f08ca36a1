package domain

import "context"

// OutcomeCounters are the durable aggregates the trust score is derived from.
type OutcomeCounters struct {
	TotalRecommendations int64 `json:"totalRecommendations"`
	Applied              int64 `json:"applied"`
	RolledBack           int64 `json:"rolledBack"`
	PolicyViolations     int64 `json:"policyViolations"`
}

// TrustMetrics are the rates behind a trust score.
type TrustMetrics struct {
	SuccessRate         float64 `json:"successRate"`
	RollbackRate        float64 `json:"rollbackRate"`
	PolicyViolationRate float64 `json:"policyViolationRate"`
	OutcomeCounters
}

// TrustScore is a 0–100 health indicator plus the metrics it came from.
type TrustScore struct {
	Score   int          `json:"score"`
	Metrics TrustMetrics `json:"metrics"`
}

// OutcomeKind is a recommendation lifecycle transition that moves a counter.
type OutcomeKind string

const (
	OutcomeKindCreated         OutcomeKind = "created"
	OutcomeKindApplied         OutcomeKind = "applied"
	OutcomeKindRolledBack      OutcomeKind = "rolled_back"
	OutcomeKindPolicyViolation OutcomeKind = "policy_violation"
)

// Valid reports whether k is a known outcome kind.
func (k OutcomeKind) Valid() bool {
	switch k {
	case OutcomeKindCreated, OutcomeKindApplied, OutcomeKindRolledBack, OutcomeKindPolicyViolation:
		return true
	}
	return false
}

// OutcomeStore holds the durable outcome counters. Increments must be safe
// under concurrent writers from independent processes.
type OutcomeStore interface {
	IncrementOutcome(ctx context.Context, kind OutcomeKind, delta int64) error
	OutcomeCounters(ctx context.Context) (OutcomeCounters, error)
}
