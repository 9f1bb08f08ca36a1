// Package recovery decides whether a trust regression calls for a rollback
// and keeps an append-only audit trail of every decision.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/oklog/ulid/v2"

	"autopilot/internal/domain"
	"autopilot/internal/infra/metrics"
)

// Decision thresholds.
const (
	RollbackDelta     = 0.10
	RollbackErrorRate = 0.15
	ReevaluateDelta   = 0.05
	ReevaluateErrRate = 0.08
)

// Analysis is the pure verdict for a signal.
type Analysis struct {
	Action domain.RecoveryActionKind
	Delta  float64
	Reason string
}

// Analyze compares the relative trust drop and the error rate against the
// thresholds.
func Analyze(s domain.RecoverySignal) Analysis {
	delta := (s.TrustScoreBefore - s.TrustScoreAfter) / math.Max(s.TrustScoreBefore, 1)
	switch {
	case delta >= RollbackDelta || s.ErrorRate >= RollbackErrorRate:
		return Analysis{
			Action: domain.RecoveryRollback,
			Delta:  delta,
			Reason: fmt.Sprintf("trust drop %.1f%% or error rate %.1f%% crossed the rollback threshold", delta*100, s.ErrorRate*100),
		}
	case delta >= ReevaluateDelta || s.ErrorRate >= ReevaluateErrRate:
		return Analysis{
			Action: domain.RecoveryReevaluate,
			Delta:  delta,
			Reason: fmt.Sprintf("trust drop %.1f%% or error rate %.1f%% warrants reevaluation", delta*100, s.ErrorRate*100),
		}
	default:
		return Analysis{
			Action: domain.RecoveryNoop,
			Delta:  delta,
			Reason: fmt.Sprintf("trust drop %.1f%% and error rate %.1f%% within tolerance", delta*100, s.ErrorRate*100),
		}
	}
}

// TrustSource yields the current trust score.
type TrustSource interface {
	Compute(ctx context.Context) (domain.TrustScore, error)
}

// Agent records a RecoveryAction for every analysis, noop included.
type Agent struct {
	log     domain.RecoveryLog
	trust   TrustSource
	target  domain.AgentID
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewAgent creates an Agent whose sweeps are recorded against target.
func NewAgent(log domain.RecoveryLog, trust TrustSource, target domain.AgentID, m *metrics.Metrics, logger *slog.Logger) *Agent {
	if !target.Valid() {
		target = domain.AgentOptimizer
	}
	return &Agent{log: log, trust: trust, target: target, metrics: m, logger: logger, now: time.Now}
}

// AnalyzeRecovery analyzes s and appends the audit record.
func (a *Agent) AnalyzeRecovery(ctx context.Context, s domain.RecoverySignal) (domain.RecoveryAction, error) {
	if s.Agent == "" {
		s.Agent = a.target
	}
	res := Analyze(s)
	now := a.now().UTC()
	action := domain.RecoveryAction{
		ID:          ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Agent:       s.Agent,
		Action:      res.Action,
		Reason:      res.Reason,
		TrustBefore: s.TrustScoreBefore,
		TrustAfter:  s.TrustScoreAfter,
		TraceID:     s.TraceID,
		CreatedAt:   now,
	}
	if err := a.log.AppendRecoveryAction(ctx, action); err != nil {
		return action, domain.WrapOp("recovery.AnalyzeRecovery", err)
	}
	a.metrics.RecoveryRecorded(res.Action)
	if res.Action != domain.RecoveryNoop {
		a.logger.Warn("recovery action recorded",
			"agent", string(action.Agent),
			"action", string(action.Action),
			"trust_before", action.TrustBefore,
			"trust_after", action.TrustAfter,
		)
	}
	return action, nil
}

// RunSweep scores current trust, degrades it by errorRate to get the "after"
// value, and analyzes the pair.
func (a *Agent) RunSweep(ctx context.Context, errorRate float64, traceID string) (domain.RecoveryAction, error) {
	ts, err := a.trust.Compute(ctx)
	if err != nil {
		return domain.RecoveryAction{}, domain.WrapOp("recovery.RunSweep", err)
	}
	before := float64(ts.Score)
	errorRate = min(max(errorRate, 0), 1)
	after := math.Round(before * (1 - errorRate))
	return a.AnalyzeRecovery(ctx, domain.RecoverySignal{
		Agent:            a.target,
		TrustScoreBefore: before,
		TrustScoreAfter:  after,
		ErrorRate:        errorRate,
		TraceID:          traceID,
	})
}

// History returns the newest limit records, newest first.
func (a *Agent) History(ctx context.Context, limit int) ([]domain.RecoveryAction, error) {
	return a.log.ListRecoveryActions(ctx, limit)
}
