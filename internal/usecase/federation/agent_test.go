package federation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autopilot/internal/domain"
	"autopilot/internal/usecase/eventbus"
)

type fakePublisher struct {
	mu        sync.Mutex
	tenant    string
	disabled  bool
	published []domain.FederationPayload
	health    []domain.EndpointHealth
}

func (f *fakePublisher) Enabled() bool    { return !f.disabled }
func (f *fakePublisher) TenantID() string { return f.tenant }

func (f *fakePublisher) Health() []domain.EndpointHealth { return f.health }

func (f *fakePublisher) Publish(_ context.Context, p domain.FederationPayload) (*domain.FederationEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, p)
	return &domain.FederationEvent{
		ID:        "local",
		Type:      p.FederationType(),
		TenantID:  f.tenant,
		Timestamp: time.Now().UTC(),
		Payload:   p,
	}, nil
}

func (f *fakePublisher) types() []domain.FederationEventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.FederationEventType, len(f.published))
	for i, p := range f.published {
		out[i] = p.FederationType()
	}
	return out
}

type fixedTrust struct {
	score int
	err   error
}

func (f fixedTrust) Compute(context.Context) (domain.TrustScore, error) {
	return domain.TrustScore{Score: f.score}, f.err
}

type storedPriorities []domain.PersistedPriority

func (s storedPriorities) Stored(context.Context) ([]domain.PersistedPriority, error) { return s, nil }

type recordingDispatcher struct {
	mu     sync.Mutex
	inputs []domain.EventInput
}

func (r *recordingDispatcher) DispatchEvent(_ context.Context, in domain.EventInput) (*domain.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inputs = append(r.inputs, in)
	return &domain.Event{Type: domain.EventInsightReport}, nil
}

func newTestAgent(pub *fakePublisher, interval time.Duration) (*Agent, *recordingDispatcher) {
	d := &recordingDispatcher{}
	a := NewAgent(AgentDeps{
		Bus:        pub,
		Trust:      fixedTrust{score: 75},
		Priorities: storedPriorities{{Agent: domain.AgentGovernance, Weight: 0.4, Confidence: 0.8}},
		Dispatcher: d,
	}, interval, discard)
	return a, d
}

func telemetry(tenant string, trust, latency float64, at time.Time, prios ...domain.AggregatedPriority) domain.FederationEvent {
	return domain.FederationEvent{
		ID:        tenant + at.String(),
		Type:      domain.FederationTelemetrySync,
		TenantID:  tenant,
		Timestamp: at,
		Payload:   domain.TelemetrySyncPayload{TrustScore: trust, SyncLatencyMs: latency, Priorities: prios},
	}
}

func TestMergeKeepsNonZeroValues(t *testing.T) {
	a, _ := newTestAgent(&fakePublisher{tenant: "tenant-a"}, 0)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	gov := domain.AggregatedPriority{Agent: domain.AgentGovernance, Weight: 0.3, Confidence: 0.7}

	a.merge(telemetry("tenant-b", 80, 150, t0, gov))
	a.merge(telemetry("tenant-b", 0, 0, t0.Add(time.Minute)))

	snaps := a.Snapshots()
	require.Len(t, snaps, 1)
	s := snaps[0]
	require.NotNil(t, s.TrustScore)
	assert.Equal(t, 80.0, *s.TrustScore)
	require.NotNil(t, s.SyncLatencyMs)
	assert.Equal(t, 150.0, *s.SyncLatencyMs)
	assert.Equal(t, []domain.AggregatedPriority{gov}, s.Priorities)
	assert.Equal(t, t0.Add(time.Minute), s.UpdatedAt)

	share := domain.AggregatedPriority{Agent: domain.AgentOptimizer, Weight: 0.5}
	a.merge(domain.FederationEvent{
		TenantID:  "tenant-b",
		Type:      domain.FederationPriorityShare,
		Timestamp: t0.Add(2 * time.Minute),
		Payload:   domain.PrioritySharePayload{Priorities: []domain.AggregatedPriority{share}},
	})
	assert.Equal(t, []domain.AggregatedPriority{share}, a.Snapshots()[0].Priorities)
}

func TestMergeIgnoresOwnAggregate(t *testing.T) {
	a, _ := newTestAgent(&fakePublisher{tenant: "tenant-a"}, 0)
	a.merge(domain.FederationEvent{
		TenantID: "tenant-a",
		Type:     domain.FederationPriorityShare,
		Payload:  domain.PrioritySharePayload{Priorities: []domain.AggregatedPriority{{Agent: domain.AgentInsight, Weight: 1}}},
	})
	assert.Empty(t, a.Snapshots())
}

func TestSnapshotsAreCopies(t *testing.T) {
	a, _ := newTestAgent(&fakePublisher{tenant: "tenant-a"}, 0)
	a.merge(telemetry("tenant-b", 60, 10, time.Now(), domain.AggregatedPriority{Agent: domain.AgentLearning, Weight: 0.2}))
	s := a.Snapshots()
	s[0].Priorities[0].Weight = 0.9
	*s[0].SyncLatencyMs = 999
	fresh := a.Snapshots()[0]
	assert.Equal(t, 0.2, fresh.Priorities[0].Weight)
	assert.Equal(t, 10.0, *fresh.SyncLatencyMs)
}

func TestEvaluatePublishesNetworkView(t *testing.T) {
	pub := &fakePublisher{tenant: "tenant-a"}
	a, d := newTestAgent(pub, 0)
	now := time.Now()
	a.merge(telemetry("tenant-a", 80, 200, now, domain.AggregatedPriority{Agent: domain.AgentGovernance, Weight: 0.4, Confidence: 0.8}))
	a.merge(telemetry("tenant-b", 60, 400, now, domain.AggregatedPriority{Agent: domain.AgentGovernance, Weight: 0.2, Confidence: 0.6}))

	insight, err := a.EvaluateGlobalNetwork(context.Background(), "test")
	require.NoError(t, err)
	require.NotNil(t, insight)
	assert.Equal(t, 2, insight.Participants)
	assert.Equal(t, 70.0, insight.AverageTrust)
	assert.Equal(t, 80.0, insight.HighestTrust)
	assert.Equal(t, 60.0, insight.LowestTrust)
	assert.Equal(t, 300.0, insight.AverageLatencyMs)
	assert.Equal(t, domain.NetworkHealthy, insight.NetworkHealth)
	assert.Nil(t, a.GovernanceOverride())

	assert.Equal(t, []domain.FederationEventType{
		domain.FederationTrustAggregate,
		domain.FederationPriorityShare,
		domain.FederationModelUpdate,
	}, pub.types())
	share := pub.published[1].(domain.PrioritySharePayload)
	require.Len(t, share.Priorities, 1)
	assert.InDelta(t, 0.3, share.Priorities[0].Weight, 1e-9)
	assert.InDelta(t, 0.7, share.Priorities[0].Confidence, 1e-9)

	require.Len(t, d.inputs, 1)
	assert.Equal(t, domain.AgentFederation, d.inputs[0].Source)
	assert.Equal(t, domain.AgentGovernance, d.inputs[0].Target)
	report := d.inputs[0].Payload.(domain.InsightReportPayload)
	assert.Contains(t, report.Summary, "healthy")
	assert.Equal(t, 2.0, report.Metrics["participants"])
	assert.Equal(t, insight, a.LastInsight())
}

func TestEvaluateAdvice(t *testing.T) {
	t.Run("degraded", func(t *testing.T) {
		a, _ := newTestAgent(&fakePublisher{tenant: "tenant-a"}, 0)
		a.merge(telemetry("tenant-b", 55, 100, time.Now()))
		_, err := a.EvaluateGlobalNetwork(context.Background(), "test")
		require.NoError(t, err)
		require.NotNil(t, a.GovernanceOverride())
		assert.Equal(t, 0.40, *a.GovernanceOverride())
	})
	t.Run("critical without participants", func(t *testing.T) {
		pub := &fakePublisher{tenant: "tenant-a"}
		a, _ := newTestAgent(pub, 0)
		insight, err := a.EvaluateGlobalNetwork(context.Background(), "test")
		require.NoError(t, err)
		assert.Equal(t, domain.NetworkCritical, insight.NetworkHealth)
		assert.Equal(t, 0.55, *a.GovernanceOverride())
		assert.NotContains(t, pub.types(), domain.FederationPriorityShare, "nothing to aggregate")
	})
}

func TestEvaluateIgnoresTenantsWithoutTelemetry(t *testing.T) {
	pub := &fakePublisher{tenant: "tenant-a"}
	a, _ := newTestAgent(pub, 0)
	now := time.Now()
	a.merge(telemetry("tenant-a", 90, 100, now))
	a.merge(domain.FederationEvent{
		TenantID:  "tenant-b",
		Type:      domain.FederationPriorityShare,
		Timestamp: now,
		Payload:   domain.PrioritySharePayload{Priorities: []domain.AggregatedPriority{{Agent: domain.AgentOptimizer, Weight: 0.5}}},
	})

	snaps := a.Snapshots()
	require.Len(t, snaps, 2)
	for _, s := range snaps {
		if s.TenantID == "tenant-b" {
			assert.Nil(t, s.TrustScore)
		}
	}

	insight, err := a.EvaluateGlobalNetwork(context.Background(), "test")
	require.NoError(t, err)
	require.NotNil(t, insight)
	assert.Equal(t, 1, insight.Participants)
	assert.Equal(t, 90.0, insight.AverageTrust)
	assert.Equal(t, 90.0, insight.LowestTrust)
	assert.Equal(t, domain.NetworkHealthy, insight.NetworkHealth)
	assert.Nil(t, a.GovernanceOverride())
}

func TestEvaluateIsDebounced(t *testing.T) {
	pub := &fakePublisher{tenant: "tenant-a"}
	a, _ := newTestAgent(pub, time.Hour)
	first, err := a.EvaluateGlobalNetwork(context.Background(), "one")
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := a.EvaluateGlobalNetwork(context.Background(), "two")
	require.NoError(t, err)
	assert.Nil(t, second)
	assert.Len(t, pub.types(), 2)
}

func TestEvaluateDisabled(t *testing.T) {
	pub := &fakePublisher{tenant: "tenant-a", disabled: true}
	a, _ := newTestAgent(pub, 0)
	insight, err := a.EvaluateGlobalNetwork(context.Background(), "x")
	assert.NoError(t, err)
	assert.Nil(t, insight)

	e, err := a.BroadcastLocalSnapshot(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, e)
	assert.Empty(t, pub.types())
}

func TestBroadcastLocalSnapshot(t *testing.T) {
	pub := &fakePublisher{
		tenant: "tenant-a",
		health: []domain.EndpointHealth{
			{Endpoint: "http://b", LastLatencyMs: 100, LastCheckedAt: time.Now()},
			{Endpoint: "http://c", LastLatencyMs: 300, LastCheckedAt: time.Now()},
			{Endpoint: "http://d"},
		},
	}
	a, _ := newTestAgent(pub, 0)

	e, err := a.BroadcastLocalSnapshot(context.Background())
	require.NoError(t, err)
	require.NotNil(t, e)

	tel := pub.published[0].(domain.TelemetrySyncPayload)
	assert.Equal(t, 75.0, tel.TrustScore)
	assert.Equal(t, 200.0, tel.SyncLatencyMs)
	require.Len(t, tel.Priorities, 1)
	assert.Equal(t, domain.AgentGovernance, tel.Priorities[0].Agent)

	snaps := a.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, "tenant-a", snaps[0].TenantID)
	require.NotNil(t, snaps[0].TrustScore)
	assert.Equal(t, 75.0, *snaps[0].TrustScore)
	assert.Len(t, pub.types(), 4, "telemetry plus the evaluation's three events")
}

func TestBroadcastTrustFailure(t *testing.T) {
	pub := &fakePublisher{tenant: "tenant-a"}
	a := NewAgent(AgentDeps{
		Bus:        pub,
		Trust:      fixedTrust{err: errors.New("db down")},
		Priorities: storedPriorities{},
	}, 0, discard)
	_, err := a.BroadcastLocalSnapshot(context.Background())
	assert.Error(t, err)
	assert.Empty(t, pub.types())
}

func TestPeerEventTriggersEvaluation(t *testing.T) {
	pub := &fakePublisher{tenant: "tenant-a"}
	a, _ := newTestAgent(pub, 0)
	events := eventbus.New(discard)
	defer events.Close()
	detach := a.Attach(events)
	defer detach()

	events.Publish(context.Background(), telemetry("tenant-b", 90, 50, time.Now()))
	events.Wait()

	assert.Len(t, a.Snapshots(), 1)
	assert.Equal(t, []domain.FederationEventType{
		domain.FederationTrustAggregate,
		domain.FederationModelUpdate,
	}, pub.types())

	events.Publish(context.Background(), telemetry("tenant-a", 70, 0, time.Now()))
	events.Wait()
	assert.Len(t, a.Snapshots(), 2)
	assert.Len(t, pub.types(), 2, "own telemetry does not re-evaluate")
}

func TestThresholdInsight(t *testing.T) {
	calc := DefaultInsight()
	snap := func(trust float64) domain.FederationSnapshot { return domain.FederationSnapshot{TrustScore: &trust} }
	unrated := domain.FederationSnapshot{TenantID: "tenant-c"}
	tests := []struct {
		name         string
		in           domain.GlobalInsightInput
		want         domain.NetworkHealth
		average      float64
		participants int
	}{
		{"empty", domain.GlobalInsightInput{}, domain.NetworkCritical, 0, 0},
		{"healthy", domain.GlobalInsightInput{Snapshots: []domain.FederationSnapshot{snap(70), snap(90)}, AverageLatencyMs: 1000}, domain.NetworkHealthy, 80, 2},
		{"slow", domain.GlobalInsightInput{Snapshots: []domain.FederationSnapshot{snap(90)}, AverageLatencyMs: 1001}, domain.NetworkDegraded, 90, 1},
		{"very slow", domain.GlobalInsightInput{Snapshots: []domain.FederationSnapshot{snap(90)}, AverageLatencyMs: 5001}, domain.NetworkCritical, 90, 1},
		{"low trust", domain.GlobalInsightInput{Snapshots: []domain.FederationSnapshot{snap(30), snap(49)}}, domain.NetworkCritical, 39.5, 2},
		{"middling", domain.GlobalInsightInput{Snapshots: []domain.FederationSnapshot{snap(40)}}, domain.NetworkDegraded, 40, 1},
		{"unrated tenant ignored", domain.GlobalInsightInput{Snapshots: []domain.FederationSnapshot{unrated, snap(90)}, AverageLatencyMs: 100}, domain.NetworkHealthy, 90, 1},
		{"only unrated", domain.GlobalInsightInput{Snapshots: []domain.FederationSnapshot{unrated}}, domain.NetworkCritical, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := calc.Analyze(context.Background(), tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.NetworkHealth)
			assert.InDelta(t, tt.average, got.AverageTrust, 1e-9)
			assert.Equal(t, tt.participants, got.Participants)
		})
	}
}
