package domain

import (
	"context"
	"time"
)

// RecoveryActionKind is the recovery agent's verdict.
type RecoveryActionKind string

const (
	RecoveryNoop       RecoveryActionKind = "noop"
	RecoveryRollback   RecoveryActionKind = "rollback"
	RecoveryReevaluate RecoveryActionKind = "reevaluate"
)

// RecoverySignal is the input to a recovery analysis.
type RecoverySignal struct {
	Agent            AgentID `json:"agent"`
	TrustScoreBefore float64 `json:"trustScoreBefore"`
	TrustScoreAfter  float64 `json:"trustScoreAfter"`
	ErrorRate        float64 `json:"errorRate"`
	TraceID          string  `json:"traceId,omitempty"`
}

// RecoveryAction is one immutable audit record per recovery sweep.
type RecoveryAction struct {
	ID          string             `json:"id"`
	Agent       AgentID            `json:"agent"`
	Action      RecoveryActionKind `json:"action"`
	Reason      string             `json:"reason"`
	TrustBefore float64            `json:"trustBefore"`
	TrustAfter  float64            `json:"trustAfter"`
	TraceID     string             `json:"traceId,omitempty"`
	CreatedAt   time.Time          `json:"createdAt"`
}

// RecoveryLog is the append-only audit trail of recovery actions.
type RecoveryLog interface {
	AppendRecoveryAction(ctx context.Context, a RecoveryAction) error
	ListRecoveryActions(ctx context.Context, limit int) ([]RecoveryAction, error)
}
