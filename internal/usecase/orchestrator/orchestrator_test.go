package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autopilot/internal/adapter/stream"
	"autopilot/internal/domain"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type recordingArchive struct {
	events []domain.Event
	err    error
}

func (a *recordingArchive) ArchiveEvent(_ context.Context, e domain.Event) error {
	a.events = append(a.events, e)
	return a.err
}

// failingBackend fails every call.
type failingBackend struct{}

func (failingBackend) Append(context.Context, string, []byte) (string, error) {
	return "", domain.ErrStreamUnavailable
}
func (failingBackend) Range(context.Context, string, string, string, int64) ([]domain.StreamEntry, error) {
	return nil, domain.ErrStreamUnavailable
}
func (failingBackend) Len(context.Context, string) (int64, error) { return 0, domain.ErrStreamUnavailable }
func (failingBackend) Trim(context.Context, string, int64) error  { return domain.ErrStreamUnavailable }

func newTestOrchestrator(t *testing.T, opts ...Option) (*Orchestrator, *stream.Memory) {
	t.Helper()
	mem := stream.NewMemory(100)
	o := New(Config{Enabled: true, StreamKey: "test:events", MaxLen: 5}, mem, discard, opts...)
	return o, mem
}

func insight(summary string) domain.EventInput {
	return domain.EventInput{
		Source:  domain.AgentInsight,
		Payload: domain.InsightReportPayload{Summary: summary},
	}
}

func TestRegisterAgentDefaultsAndIdempotence(t *testing.T) {
	t0 := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	now := t0
	o, _ := newTestOrchestrator(t, WithClock(func() time.Time { return now }))

	reg, err := o.RegisterAgent(domain.AgentRegistration{AgentID: domain.AgentOptimizer, Capabilities: []string{"tune"}})
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityOptimizer, reg.Priority)
	assert.Equal(t, "test:events:optimizer", reg.StreamKey)
	assert.Equal(t, "optimizer", reg.Name)
	assert.Equal(t, t0, reg.RegisteredAt)

	now = t0.Add(time.Hour)
	reg, err = o.RegisterAgent(domain.AgentRegistration{AgentID: domain.AgentOptimizer, Priority: 80, Name: "opt"})
	require.NoError(t, err)
	assert.Equal(t, 80, reg.Priority)
	assert.Equal(t, t0, reg.RegisteredAt, "re-registration keeps the original timestamp")
	assert.Len(t, o.Agents(), 1)

	_, err = o.RegisterAgent(domain.AgentRegistration{AgentID: "billing"})
	assert.ErrorIs(t, err, domain.ErrUnknownAgent)
	_, err = o.RegisterAgent(domain.AgentRegistration{AgentID: domain.AgentInsight, Priority: 101})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestAgentsSortedByPriority(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	for _, id := range []domain.AgentID{domain.AgentFederation, domain.AgentGovernance, domain.AgentLearning} {
		_, err := o.RegisterAgent(domain.AgentRegistration{AgentID: id})
		require.NoError(t, err)
	}
	agents := o.Agents()
	require.Len(t, agents, 3)
	assert.Equal(t, domain.AgentGovernance, agents[0].AgentID)
	assert.Equal(t, domain.AgentLearning, agents[1].AgentID)
	assert.Equal(t, domain.AgentFederation, agents[2].AgentID)
}

func TestDispatchFillsDefaults(t *testing.T) {
	archive := &recordingArchive{}
	o, mem := newTestOrchestrator(t, WithArchive(archive))

	e, err := o.DispatchEvent(context.Background(), insight("all good"))
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Len(t, e.TraceID, 26)
	assert.Equal(t, domain.EventInsightReport, e.Type)
	assert.Equal(t, domain.PriorityInsight, e.Priority)
	assert.False(t, e.Timestamp.IsZero())

	n, _ := mem.Len(context.Background(), "test:events")
	assert.Equal(t, int64(1), n)
	require.Len(t, archive.events, 1)
	assert.Equal(t, e.TraceID, archive.events[0].TraceID)
}

func TestDispatchDisabledReturnsNil(t *testing.T) {
	mem := stream.NewMemory(10)
	o := New(Config{Enabled: false, StreamKey: "k"}, mem, discard)

	e, err := o.DispatchEvent(context.Background(), insight("x"))
	assert.NoError(t, err)
	assert.Nil(t, e)
	n, _ := mem.Len(context.Background(), "k")
	assert.Zero(t, n)
}

func TestDispatchRejectsInvalidWithoutWriting(t *testing.T) {
	o, mem := newTestOrchestrator(t)
	cases := map[string]domain.EventInput{
		"priority out of range": {Source: domain.AgentInsight, Priority: 101, Payload: domain.InsightReportPayload{Summary: "x"}},
		"unknown source":        {Source: "billing", Payload: domain.InsightReportPayload{Summary: "x"}},
		"missing payload":       {Source: domain.AgentInsight},
		"empty summary":         {Source: domain.AgentInsight, Payload: domain.InsightReportPayload{}},
		"confidence range":      {Source: domain.AgentOptimizer, Payload: domain.RecommendationPayload{RecommendationID: "r1", Action: "cache", Confidence: 1.5}},
		"bad outcome":           {Source: domain.AgentLearning, Payload: domain.EvaluationPayload{RecommendationID: "r1", Outcome: "maybe"}},
		"bad decision":          {Source: domain.AgentGovernance, Payload: domain.PolicyUpdatePayload{PolicyID: "p", Decision: "DENY"}},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := o.DispatchEvent(context.Background(), in)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrInvalidEvent)
			var ve *domain.ValidationError
			assert.True(t, errors.As(err, &ve))
		})
	}
	n, _ := mem.Len(context.Background(), "test:events")
	assert.Zero(t, n)
}

func TestValidationNamesField(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	_, err := o.DispatchEvent(context.Background(), domain.EventInput{
		Source:  domain.AgentOptimizer,
		Payload: domain.RecommendationPayload{RecommendationID: "r1", Action: "cache", Confidence: -0.1},
	})
	var ve *domain.ValidationError
	require.True(t, errors.As(err, &ve))
	require.NotEmpty(t, ve.Fields)
	assert.Equal(t, "payload.confidence", ve.Fields[0].Field)
}

func TestDispatchTrimsBestEffort(t *testing.T) {
	o, mem := newTestOrchestrator(t)
	for range 8 {
		_, err := o.DispatchEvent(context.Background(), insight("tick"))
		require.NoError(t, err)
	}
	n, _ := mem.Len(context.Background(), "test:events")
	assert.Equal(t, int64(5), n)
}

func TestDispatchArchiveFailureIsNotFatal(t *testing.T) {
	o, _ := newTestOrchestrator(t, WithArchive(&recordingArchive{err: errors.New("disk full")}))
	e, err := o.DispatchEvent(context.Background(), insight("x"))
	require.NoError(t, err)
	assert.NotNil(t, e)
}

func TestDispatchBackendFailure(t *testing.T) {
	o := New(Config{Enabled: true, StreamKey: "k"}, failingBackend{}, discard)
	_, err := o.DispatchEvent(context.Background(), insight("x"))
	assert.ErrorIs(t, err, domain.ErrStreamUnavailable)
}

func TestSnapshotSkipsCorruptEntries(t *testing.T) {
	o, mem := newTestOrchestrator(t)
	ctx := context.Background()
	_, err := o.RegisterAgent(domain.AgentRegistration{AgentID: domain.AgentInsight})
	require.NoError(t, err)

	_, err = o.DispatchEvent(ctx, insight("first"))
	require.NoError(t, err)
	_, _ = mem.Append(ctx, "test:events", []byte("not json"))
	_, _ = mem.Append(ctx, "test:events", []byte(`{"traceId":"x","type":"recommendation","source":"optimizer","priority":500,"timestamp":"2026-01-01T00:00:00Z","payload":{"recommendationId":"r","action":"a","confidence":0.5}}`))
	_, err = o.DispatchEvent(ctx, insight("second"))
	require.NoError(t, err)

	snap := o.Snapshot(ctx, 10)
	require.Len(t, snap.Agents, 1)
	require.Len(t, snap.Events, 2)
	assert.Equal(t, domain.InsightReportPayload{Summary: "first"}, snap.Events[0].Payload)
	assert.Equal(t, domain.InsightReportPayload{Summary: "second"}, snap.Events[1].Payload)
}

func TestSnapshotBackendFailureIsEmpty(t *testing.T) {
	o := New(Config{Enabled: true, StreamKey: "k"}, failingBackend{}, discard)
	snap := o.Snapshot(context.Background(), 10)
	assert.NotNil(t, snap.Events)
	assert.Empty(t, snap.Events)

	_, err := o.Backlog(context.Background())
	assert.ErrorIs(t, err, domain.ErrStreamUnavailable)
}
