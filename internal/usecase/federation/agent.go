package federation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"autopilot/internal/domain"
	"autopilot/internal/infra/metrics"
	"autopilot/internal/usecase/eventbus"
)

// Governance advice handed to the control loop per network health.
const (
	degradedOverride = 0.40
	criticalOverride = 0.55
)

// Publisher is the bus surface the agent needs.
type Publisher interface {
	Enabled() bool
	TenantID() string
	Publish(ctx context.Context, payload domain.FederationPayload) (*domain.FederationEvent, error)
	Health() []domain.EndpointHealth
}

// TrustSource yields the local trust score.
type TrustSource interface {
	Compute(ctx context.Context) (domain.TrustScore, error)
}

// PriorityReader returns the locally stored agent weights.
type PriorityReader interface {
	Stored(ctx context.Context) ([]domain.PersistedPriority, error)
}

// Dispatcher writes orchestrator events.
type Dispatcher interface {
	DispatchEvent(ctx context.Context, in domain.EventInput) (*domain.Event, error)
}

// AgentDeps are the agent's collaborators. Dispatcher and Insight are
// optional; Insight defaults to DefaultInsight.
type AgentDeps struct {
	Bus        Publisher
	Trust      TrustSource
	Priorities PriorityReader
	Dispatcher Dispatcher
	Insight    domain.InsightCalculator
	Metrics    *metrics.Metrics
}

// Agent keeps one snapshot per tenant and turns them into a network view.
type Agent struct {
	deps    AgentDeps
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	snapshots map[string]domain.FederationSnapshot
	advice    *float64
	last      *domain.GlobalInsight
}

// NewAgent creates an Agent that evaluates the network at most once per
// minInterval. A zero interval disables the debounce.
func NewAgent(deps AgentDeps, minInterval time.Duration, logger *slog.Logger) *Agent {
	if deps.Insight == nil {
		deps.Insight = DefaultInsight()
	}
	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}
	return &Agent{
		deps:      deps,
		limiter:   rate.NewLimiter(limit, 1),
		logger:    logger,
		now:       time.Now,
		snapshots: make(map[string]domain.FederationSnapshot),
	}
}

// Attach subscribes the agent to telemetry and priority events on events.
// The returned func unsubscribes.
func (a *Agent) Attach(events *eventbus.Bus) func() {
	u1 := events.Subscribe(domain.FederationTelemetrySync, a.handle)
	u2 := events.Subscribe(domain.FederationPriorityShare, a.handle)
	return func() {
		u1()
		u2()
	}
}

func (a *Agent) handle(ctx context.Context, e domain.FederationEvent) {
	a.merge(e)
	if e.TenantID == a.deps.Bus.TenantID() {
		return
	}
	reason := fmt.Sprintf("%s from %s", e.Type, e.TenantID)
	if _, err := a.EvaluateGlobalNetwork(ctx, reason); err != nil {
		a.logger.Warn("federation evaluation failed", "reason", reason, "error", err)
	}
}

// merge folds e into the sender's snapshot. Zero values never overwrite
// known ones. The local tenant's own priority_share is the network aggregate
// and is not merged back.
func (a *Agent) merge(e domain.FederationEvent) {
	self := e.TenantID == a.deps.Bus.TenantID()
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.snapshots[e.TenantID]
	if !ok {
		s = domain.FederationSnapshot{TenantID: e.TenantID}
	}
	switch p := e.Payload.(type) {
	case domain.TelemetrySyncPayload:
		if p.TrustScore != 0 {
			v := p.TrustScore
			s.TrustScore = &v
		}
		if p.SyncLatencyMs != 0 {
			v := p.SyncLatencyMs
			s.SyncLatencyMs = &v
		}
		if len(p.Priorities) > 0 {
			s.Priorities = slices.Clone(p.Priorities)
		}
	case domain.PrioritySharePayload:
		if self {
			return
		}
		if len(p.Priorities) > 0 {
			s.Priorities = slices.Clone(p.Priorities)
		}
	default:
		return
	}
	if e.Timestamp.After(s.UpdatedAt) {
		s.UpdatedAt = e.Timestamp
	}
	a.snapshots[e.TenantID] = s
}

// Snapshots returns copies of every tenant snapshot, ordered by tenant id.
func (a *Agent) Snapshots() []domain.FederationSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.FederationSnapshot, 0, len(a.snapshots))
	for _, id := range slices.Sorted(maps.Keys(a.snapshots)) {
		s := a.snapshots[id]
		s.Priorities = slices.Clone(s.Priorities)
		if s.SyncLatencyMs != nil {
			v := *s.SyncLatencyMs
			s.SyncLatencyMs = &v
		}
		if s.TrustScore != nil {
			v := *s.TrustScore
			s.TrustScore = &v
		}
		out = append(out, s)
	}
	return out
}

// GovernanceOverride is the governance weight advised by the last network
// evaluation, or nil when the network is healthy or not yet evaluated.
func (a *Agent) GovernanceOverride() *float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.advice == nil {
		return nil
	}
	v := *a.advice
	return &v
}

// LastInsight returns the most recent network evaluation.
func (a *Agent) LastInsight() *domain.GlobalInsight {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.last == nil {
		return nil
	}
	v := *a.last
	return &v
}

// EvaluateGlobalNetwork aggregates all snapshots, classifies the network and
// publishes the result. Calls closer together than the configured interval
// return (nil, nil).
func (a *Agent) EvaluateGlobalNetwork(ctx context.Context, reason string) (*domain.GlobalInsight, error) {
	if !a.deps.Bus.Enabled() {
		return nil, nil
	}
	if !a.limiter.Allow() {
		a.logger.Debug("federation evaluation debounced", "reason", reason)
		return nil, nil
	}

	snaps := a.Snapshots()
	aggregate := aggregatePriorities(snaps)
	insight, err := a.deps.Insight.Analyze(ctx, domain.GlobalInsightInput{
		Snapshots:        snaps,
		AverageLatencyMs: averageLatency(snaps),
	})
	if err != nil {
		return nil, domain.WrapOp("federation.EvaluateGlobalNetwork", err)
	}

	a.mu.Lock()
	a.advice = adviceFor(insight.NetworkHealth)
	a.last = &insight
	a.mu.Unlock()
	a.deps.Metrics.SetNetworkTrust(insight.AverageTrust)

	meta := map[string]any{"reason": reason}
	var errs []error
	publish := func(p domain.FederationPayload) {
		if _, err := a.deps.Bus.Publish(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	publish(domain.TrustAggregatePayload{
		Participants:  insight.Participants,
		AverageTrust:  insight.AverageTrust,
		HighestTrust:  insight.HighestTrust,
		LowestTrust:   insight.LowestTrust,
		NetworkHealth: insight.NetworkHealth,
		Metadata:      meta,
	})
	if len(aggregate) > 0 {
		publish(domain.PrioritySharePayload{
			Priorities: aggregate,
			Rationale:  fmt.Sprintf("mean of %d tenants", len(snaps)),
			Metadata:   meta,
		})
	}
	publish(domain.ModelUpdatePayload{
		AppliedAt: a.now().UTC(),
		Notes:     fmt.Sprintf("network %s after %s", insight.NetworkHealth, reason),
		Metadata:  meta,
	})

	if a.deps.Dispatcher != nil {
		_, err := a.deps.Dispatcher.DispatchEvent(ctx, domain.EventInput{
			Source: domain.AgentFederation,
			Target: domain.AgentGovernance,
			Payload: domain.InsightReportPayload{
				Summary: fmt.Sprintf("Federation network %s: %d participants, average trust %.1f, average latency %.0fms.",
					insight.NetworkHealth, insight.Participants, insight.AverageTrust, insight.AverageLatencyMs),
				Metrics: map[string]float64{
					"participants":     float64(insight.Participants),
					"averageTrust":     insight.AverageTrust,
					"highestTrust":     insight.HighestTrust,
					"lowestTrust":      insight.LowestTrust,
					"averageLatencyMs": insight.AverageLatencyMs,
				},
			},
		})
		if err != nil {
			errs = append(errs, err)
		}
	}

	a.logger.Info("federation network evaluated",
		"reason", reason,
		"participants", insight.Participants,
		"average_trust", insight.AverageTrust,
		"health", string(insight.NetworkHealth),
	)
	return &insight, errors.Join(errs...)
}

// BroadcastLocalSnapshot publishes local trust and priorities to the
// federation, then evaluates the network.
func (a *Agent) BroadcastLocalSnapshot(ctx context.Context) (*domain.FederationEvent, error) {
	if !a.deps.Bus.Enabled() {
		return nil, nil
	}
	ts, err := a.deps.Trust.Compute(ctx)
	if err != nil {
		return nil, domain.WrapOp("federation.BroadcastLocalSnapshot", err)
	}
	payload := domain.TelemetrySyncPayload{
		TrustScore:    float64(ts.Score),
		SyncLatencyMs: a.syncLatency(),
	}
	stored, err := a.deps.Priorities.Stored(ctx)
	if err != nil {
		a.logger.Warn("stored priorities unavailable, broadcasting trust only", "error", err)
	}
	for _, p := range stored {
		payload.Priorities = append(payload.Priorities, domain.AggregatedPriority{
			Agent:      p.Agent,
			Weight:     p.Weight,
			Confidence: p.Confidence,
			Rationale:  p.Rationale,
		})
	}

	e, err := a.deps.Bus.Publish(ctx, payload)
	if err != nil {
		return nil, domain.WrapOp("federation.BroadcastLocalSnapshot", err)
	}
	if e != nil {
		a.merge(*e)
	}
	if _, err := a.EvaluateGlobalNetwork(ctx, "local broadcast"); err != nil {
		a.logger.Warn("federation evaluation failed", "reason", "local broadcast", "error", err)
	}
	return e, nil
}

// syncLatency is the mean last delivery latency over peers contacted so far.
func (a *Agent) syncLatency() float64 {
	var sum float64
	var n int
	for _, h := range a.deps.Bus.Health() {
		if h.LastCheckedAt.IsZero() {
			continue
		}
		sum += h.LastLatencyMs
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func adviceFor(h domain.NetworkHealth) *float64 {
	var v float64
	switch h {
	case domain.NetworkDegraded:
		v = degradedOverride
	case domain.NetworkCritical:
		v = criticalOverride
	default:
		return nil
	}
	return &v
}

// aggregatePriorities averages weight and confidence per agent across tenants.
func aggregatePriorities(snaps []domain.FederationSnapshot) []domain.AggregatedPriority {
	type acc struct {
		weight, confidence float64
		n                  int
	}
	sums := make(map[domain.AgentID]*acc)
	for _, s := range snaps {
		for _, p := range s.Priorities {
			a, ok := sums[p.Agent]
			if !ok {
				a = &acc{}
				sums[p.Agent] = a
			}
			a.weight += p.Weight
			a.confidence += p.Confidence
			a.n++
		}
	}
	var out []domain.AggregatedPriority
	for _, id := range domain.AllAgents() {
		a, ok := sums[id]
		if !ok {
			continue
		}
		out = append(out, domain.AggregatedPriority{
			Agent:      id,
			Weight:     a.weight / float64(a.n),
			Confidence: a.confidence / float64(a.n),
			Rationale:  fmt.Sprintf("mean across %d tenants", a.n),
		})
	}
	return out
}

func averageLatency(snaps []domain.FederationSnapshot) float64 {
	var sum float64
	var n int
	for _, s := range snaps {
		if s.SyncLatencyMs == nil {
			continue
		}
		sum += *s.SyncLatencyMs
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
