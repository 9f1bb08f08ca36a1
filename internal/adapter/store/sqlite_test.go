package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autopilot/internal/domain"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "autopilot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPriorityUpsertOverwritesInPlace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.UpsertPriority(ctx, domain.PersistedPriority{
		Agent: domain.AgentOptimizer, Weight: 0.3, Confidence: 0.8, Rationale: "first", UpdatedAt: t0,
	}))
	require.NoError(t, s.UpsertPriority(ctx, domain.PersistedPriority{
		Agent: domain.AgentOptimizer, Weight: 0.25, Confidence: 0.7, Rationale: "second", UpdatedAt: t0.Add(time.Minute),
	}))
	require.NoError(t, s.UpsertPriority(ctx, domain.PersistedPriority{
		Agent: domain.AgentGovernance, Weight: 0.4, Confidence: 0.9, UpdatedAt: t0,
	}))

	got, err := s.ListPriorities(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, domain.AgentGovernance, got[0].Agent)
	assert.Equal(t, domain.AgentOptimizer, got[1].Agent)
	assert.Equal(t, 0.25, got[1].Weight)
	assert.Equal(t, "second", got[1].Rationale)
	assert.True(t, got[1].UpdatedAt.Equal(t0.Add(time.Minute)))
}

func TestOutcomeCountersIncrement(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.OutcomeCounters(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeCounters{}, c)

	require.NoError(t, s.IncrementOutcome(ctx, domain.OutcomeKindCreated, 10))
	require.NoError(t, s.IncrementOutcome(ctx, domain.OutcomeKindApplied, 6))
	require.NoError(t, s.IncrementOutcome(ctx, domain.OutcomeKindApplied, 2))
	require.NoError(t, s.IncrementOutcome(ctx, domain.OutcomeKindRolledBack, 1))
	require.NoError(t, s.IncrementOutcome(ctx, domain.OutcomeKindPolicyViolation, 1))

	c, err = s.OutcomeCounters(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeCounters{
		TotalRecommendations: 10, Applied: 8, RolledBack: 1, PolicyViolations: 1,
	}, c)

	err = s.IncrementOutcome(ctx, "bogus", 1)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestOutcomeCountersConcurrentWriters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				assert.NoError(t, s.IncrementOutcome(ctx, domain.OutcomeKindCreated, 1))
			}
		}()
	}
	wg.Wait()

	c, err := s.OutcomeCounters(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(100), c.TotalRecommendations)
}

func TestRecoveryLogAppendOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, kind := range []domain.RecoveryActionKind{domain.RecoveryNoop, domain.RecoveryReevaluate, domain.RecoveryRollback} {
		require.NoError(t, s.AppendRecoveryAction(ctx, domain.RecoveryAction{
			ID:          string(rune('a' + i)),
			Agent:       domain.AgentOptimizer,
			Action:      kind,
			Reason:      "sweep",
			TrustBefore: 90,
			TrustAfter:  80,
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		}))
	}

	err := s.AppendRecoveryAction(ctx, domain.RecoveryAction{ID: "a", CreatedAt: base})
	assert.ErrorIs(t, err, domain.ErrDuplicate)

	got, err := s.ListRecoveryActions(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, domain.RecoveryRollback, got[0].Action)
	assert.Equal(t, domain.RecoveryReevaluate, got[1].Action)
	assert.Equal(t, 80.0, got[0].TrustAfter)
}

func TestEventArchive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := domain.Event{
		TraceID:   "01TRACE",
		Type:      domain.EventInsightReport,
		Source:    domain.AgentInsight,
		Priority:  45,
		Timestamp: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Payload:   domain.InsightReportPayload{Summary: "cycle ok"},
	}
	require.NoError(t, s.ArchiveEvent(ctx, e))

	got, err := s.ArchivedEvents(ctx, "01TRACE")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domain.InsightReportPayload{Summary: "cycle ok"}, got[0].Payload)
}

func TestMetricsWindowAndPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, age := range []time.Duration{time.Hour, 10 * time.Minute, time.Minute} {
		require.NoError(t, s.RecordMetric(ctx, domain.ObservabilityMetric{
			Route:      "/invoices",
			P50Ms:      float64(100 * (i + 1)),
			ErrorRate:  0.01,
			SampleSize: 10,
			RecordedAt: now.Add(-age),
		}))
	}

	got, err := s.RecentMetrics(ctx, now.Add(-15*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 200.0, got[0].P50Ms)
	assert.Equal(t, 300.0, got[1].P50Ms)

	n, err := s.PruneMetrics(ctx, now.Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestClosedStoreReportsUnavailable(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "closed.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.OutcomeCounters(context.Background())
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.ErrorIs(t, s.Ping(context.Background()), domain.ErrStoreUnavailable)
}

func TestMemoryStoreSharedAcrossConnections(t *testing.T) {
	s, err := Open(MemoryPath)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.UpsertPriority(ctx, domain.PersistedPriority{
		Agent: domain.AgentInsight, Weight: 0.2, Confidence: 0.5, UpdatedAt: time.Now(),
	}))

	// An open cursor holds one pooled connection; the write needs another.
	rows, err := s.db.QueryContext(ctx, "SELECT agent FROM priorities")
	require.NoError(t, err)
	require.NoError(t, s.IncrementOutcome(ctx, domain.OutcomeKindApplied, 1))
	require.NoError(t, rows.Close())

	c, err := s.OutcomeCounters(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Applied)

	var wg sync.WaitGroup
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.IncrementOutcome(ctx, domain.OutcomeKindCreated, 1))
		}()
	}
	wg.Wait()
	c, err = s.OutcomeCounters(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), c.TotalRecommendations)
}

func TestMemoryStoresAreIsolated(t *testing.T) {
	a, err := Open(MemoryPath)
	require.NoError(t, err)
	b, err := Open(MemoryPath)
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	require.NoError(t, a.IncrementOutcome(ctx, domain.OutcomeKindApplied, 3))
	c, err := b.OutcomeCounters(ctx)
	require.NoError(t, err)
	assert.Zero(t, c.Applied)

	dir := a.tempDir
	require.NoError(t, a.Close())
	assert.NoDirExists(t, dir, "throwaway store left files behind")
}
