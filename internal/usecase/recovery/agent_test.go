package recovery

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autopilot/internal/domain"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestAnalyzeThresholds(t *testing.T) {
	tests := []struct {
		name          string
		before, after float64
		errorRate     float64
		want          domain.RecoveryActionKind
	}{
		{"20% drop rolls back", 100, 80, 0, domain.RecoveryRollback},
		{"3% drop is noop", 100, 97, 0, domain.RecoveryNoop},
		{"exact 10% drop rolls back", 100, 90, 0, domain.RecoveryRollback},
		{"6% drop reevaluates", 100, 94, 0, domain.RecoveryReevaluate},
		{"error rate alone rolls back", 100, 100, 0.15, domain.RecoveryRollback},
		{"error rate alone reevaluates", 100, 100, 0.08, domain.RecoveryReevaluate},
		{"trust gain is noop", 80, 95, 0, domain.RecoveryNoop},
		{"zero before uses floor of one", 0, 0, 0, domain.RecoveryNoop},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Analyze(domain.RecoverySignal{TrustScoreBefore: tt.before, TrustScoreAfter: tt.after, ErrorRate: tt.errorRate})
			assert.Equal(t, tt.want, got.Action)
			assert.NotEmpty(t, got.Reason)
		})
	}
}

type memLog struct {
	actions []domain.RecoveryAction
}

func (m *memLog) AppendRecoveryAction(_ context.Context, a domain.RecoveryAction) error {
	m.actions = append(m.actions, a)
	return nil
}

func (m *memLog) ListRecoveryActions(_ context.Context, limit int) ([]domain.RecoveryAction, error) {
	out := make([]domain.RecoveryAction, 0, limit)
	for i := len(m.actions) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.actions[i])
	}
	return out, nil
}

type fixedTrust struct {
	score int
	err   error
}

func (f fixedTrust) Compute(context.Context) (domain.TrustScore, error) {
	return domain.TrustScore{Score: f.score}, f.err
}

func TestEveryAnalysisIsRecorded(t *testing.T) {
	log := &memLog{}
	a := NewAgent(log, fixedTrust{score: 100}, domain.AgentOptimizer, nil, discard)
	ctx := context.Background()

	_, err := a.AnalyzeRecovery(ctx, domain.RecoverySignal{TrustScoreBefore: 100, TrustScoreAfter: 99})
	require.NoError(t, err)
	_, err = a.AnalyzeRecovery(ctx, domain.RecoverySignal{Agent: domain.AgentLearning, TrustScoreBefore: 100, TrustScoreAfter: 50, TraceID: "t1"})
	require.NoError(t, err)

	require.Len(t, log.actions, 2)
	assert.Equal(t, domain.RecoveryNoop, log.actions[0].Action)
	assert.Equal(t, domain.AgentOptimizer, log.actions[0].Agent)
	assert.Equal(t, domain.RecoveryRollback, log.actions[1].Action)
	assert.Equal(t, domain.AgentLearning, log.actions[1].Agent)
	assert.Equal(t, "t1", log.actions[1].TraceID)
	assert.NotEqual(t, log.actions[0].ID, log.actions[1].ID)
}

func TestRunSweepDegradesByErrorRate(t *testing.T) {
	log := &memLog{}
	a := NewAgent(log, fixedTrust{score: 90}, "", nil, discard)

	action, err := a.RunSweep(context.Background(), 0.06, "")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentOptimizer, action.Agent)
	assert.Equal(t, 90.0, action.TrustBefore)
	assert.Equal(t, 85.0, action.TrustAfter) // round(90*0.94)=round(84.6)
	assert.Equal(t, domain.RecoveryReevaluate, action.Action)

	hist, err := a.History(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestRunSweepTrustFailure(t *testing.T) {
	log := &memLog{}
	a := NewAgent(log, fixedTrust{err: domain.ErrStoreUnavailable}, domain.AgentOptimizer, nil, discard)
	_, err := a.RunSweep(context.Background(), 0, "")
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Empty(t, log.actions)
}
