// Package autonomy is the self-rescheduling control loop. One Loop per
// process; cycles never overlap.
package autonomy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"autopilot/internal/domain"
	"autopilot/internal/infra/metrics"
	"autopilot/internal/infra/tracer"
	"autopilot/internal/usecase/orchestrator"
	"autopilot/internal/usecase/scaler"
)

// State is the loop's lifecycle state.
type State string

const (
	StateDisabled  State = "disabled"
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateScheduled State = "scheduled"
)

// Governance override when local trust is low.
const (
	lowTrustThreshold = 60.0
	lowTrustOverride  = 0.30
)

// TrustSource yields the current trust score.
type TrustSource interface {
	Compute(ctx context.Context) (domain.TrustScore, error)
}

// Orchestration is the orchestrator surface the loop uses.
type Orchestration interface {
	Snapshot(ctx context.Context, limit int) orchestrator.Snapshot
	Backlog(ctx context.Context) (int64, error)
	DispatchEvent(ctx context.Context, in domain.EventInput) (*domain.Event, error)
	MaxLen() int64
}

// PriorityEngine computes and stores agent weights.
type PriorityEngine interface {
	Calculate(s domain.PrioritySignal) []domain.AgentWeight
	Persist(ctx context.Context, weights []domain.AgentWeight, concurrency int) error
}

// RecoverySweeper runs one recovery sweep.
type RecoverySweeper interface {
	RunSweep(ctx context.Context, errorRate float64, traceID string) (domain.RecoveryAction, error)
}

// GovernanceAdvisor supplies a network-derived governance override.
type GovernanceAdvisor interface {
	GovernanceOverride() *float64
}

// Deps are the loop's collaborators. Metrics and Advisor are optional.
type Deps struct {
	Trust        TrustSource
	Orchestrator Orchestration
	Priorities   PriorityEngine
	Recovery     RecoverySweeper
	Metrics      domain.MetricsSource
	Advisor      GovernanceAdvisor
}

// Config holds loop settings.
type Config struct {
	Enabled       bool
	Initial       domain.ScalingState
	HistorySize   int
	MetricsWindow time.Duration
	SnapshotLimit int
}

// CycleOptions tune a single cycle.
type CycleOptions struct {
	// SuppressEvent skips the insight_report dispatch (dry run).
	SuppressEvent bool
}

// CycleResult is everything one cycle produced.
type CycleResult struct {
	TraceID   string                 `json:"traceId"`
	StartedAt time.Time              `json:"startedAt"`
	Duration  time.Duration          `json:"duration"`
	Telemetry domain.LoopTelemetry   `json:"telemetry"`
	Signal    domain.PrioritySignal  `json:"signal"`
	Weights   []domain.AgentWeight   `json:"weights"`
	Scaling   domain.ScalingDecision `json:"scaling"`
	Recovery  *domain.RecoveryAction `json:"recovery,omitempty"`
	Summary   string                 `json:"summary"`
	Event     *domain.Event          `json:"event,omitempty"`
}

// Status is a point-in-time view of the loop.
type Status struct {
	State      State               `json:"state"`
	Scaling    domain.ScalingState `json:"scaling"`
	TrustScore *int                `json:"trustScore,omitempty"`
	Cycles     int64               `json:"cycles"`
	LastCycle  *CycleResult        `json:"lastCycle,omitempty"`
}

// stopper is the part of *time.Timer the loop needs.
type stopper interface {
	Stop() bool
}

type timerFunc func(d time.Duration, f func()) stopper

func realTimer(d time.Duration, f func()) stopper { return time.AfterFunc(d, f) }

// Loop is the control loop. Construct one with New and hand it to whatever
// needs to query or stop it.
type Loop struct {
	cfg     Config
	deps    Deps
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
	after   timerFunc

	cycleMu sync.Mutex // held for the whole of one cycle

	mu        sync.Mutex
	state     State
	enabled   bool
	gen       uint64
	timer     stopper
	baseCtx   context.Context
	scaling   domain.ScalingState
	history   []domain.LoopTelemetry
	lastTrust *domain.TrustScore
	last      *CycleResult
	cycles    int64
}

// New creates a Loop in the disabled or idle state.
func New(cfg Config, deps Deps, m *metrics.Metrics, logger *slog.Logger) *Loop {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 50
	}
	if cfg.MetricsWindow <= 0 {
		cfg.MetricsWindow = 15 * time.Minute
	}
	if cfg.SnapshotLimit <= 0 {
		cfg.SnapshotLimit = 50
	}
	if cfg.Initial == (domain.ScalingState{}) {
		cfg.Initial = domain.ScalingState{Concurrency: 1, IntervalMs: 300_000}
	}
	l := &Loop{
		cfg:     cfg,
		deps:    deps,
		metrics: m,
		logger:  logger,
		now:     time.Now,
		after:   realTimer,
		scaling: cfg.Initial.Clamp(),
	}
	l.state = l.restState()
	return l
}

// restState is the state outside of a cycle when no timer is armed.
func (l *Loop) restState() State {
	if !l.cfg.Enabled {
		return StateDisabled
	}
	return StateIdle
}

// Start runs one cycle immediately and then schedules the next. It is a
// no-op when the loop is switched off or already started. Cycles triggered by
// the timer run under ctx.
func (l *Loop) Start(ctx context.Context) error {
	if !l.cfg.Enabled {
		l.logger.Info("autonomy loop disabled, not starting")
		return nil
	}
	l.mu.Lock()
	if l.enabled {
		l.mu.Unlock()
		return nil
	}
	l.enabled = true
	l.gen++
	gen := l.gen
	l.baseCtx = ctx
	l.mu.Unlock()

	l.logger.Info("autonomy loop started", "interval", l.Scaling().Interval(), "concurrency", l.Scaling().Concurrency)
	l.cycleAndReschedule(gen)
	return nil
}

// Stop cancels the pending timer and returns the loop to idle. A cycle that
// is already running finishes but does not reschedule.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.enabled {
		return
	}
	l.enabled = false
	l.gen++
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	if l.state != StateRunning {
		l.state = l.restState()
	}
	l.logger.Info("autonomy loop stopped")
}

// fire is the timer callback for generation gen.
func (l *Loop) fire(gen uint64) {
	l.mu.Lock()
	if !l.enabled || gen != l.gen {
		l.mu.Unlock()
		return
	}
	l.timer = nil
	l.mu.Unlock()
	l.cycleAndReschedule(gen)
}

func (l *Loop) cycleAndReschedule(gen uint64) {
	l.mu.Lock()
	ctx := l.baseCtx
	l.mu.Unlock()
	if ctx.Err() != nil {
		l.Stop()
		return
	}

	if _, err := l.RunCycle(ctx, CycleOptions{}); err != nil {
		l.logger.Error("autonomy cycle failed", "error", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.enabled || gen != l.gen {
		return
	}
	interval := l.scaling.Interval()
	l.timer = l.after(interval, func() { l.fire(gen) })
	l.state = StateScheduled
}

// RunCycle executes one cycle. Calls are serialized. It can be used without
// Start for a one-off or dry-run cycle.
func (l *Loop) RunCycle(ctx context.Context, opts CycleOptions) (*CycleResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.WrapOp("autonomy.RunCycle", err)
	}
	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()

	l.mu.Lock()
	l.state = StateRunning
	state := l.scaling
	var prev *domain.LoopTelemetry
	if n := len(l.history); n > 0 {
		p := l.history[n-1]
		prev = &p
	}
	l.mu.Unlock()

	started := l.now()
	res := &CycleResult{
		TraceID:   ulid.MustNew(ulid.Timestamp(started), ulid.DefaultEntropy()).String(),
		StartedAt: started.UTC(),
	}

	ctx, span := tracer.StartSpan(ctx, "autonomy.cycle", tracer.StringAttr("trace_id", res.TraceID))
	l.runSteps(ctx, res, state, prev, opts)
	err := ctx.Err()
	res.Duration = l.now().Sub(started)
	if err != nil {
		tracer.RecordError(span, err)
	} else {
		span.SetAttributes(
			tracer.FloatAttr("pressure", res.Scaling.Pressure),
			tracer.IntAttr("concurrency", res.Scaling.State.Concurrency),
		)
		tracer.SetOK(span)
	}
	span.End()
	l.metrics.ObserveCycle(res.Duration, err)

	l.mu.Lock()
	switch {
	case !l.enabled:
		l.state = l.restState()
	case l.timer != nil:
		l.state = StateScheduled
	}
	if err == nil {
		l.last = res
		l.cycles++
	}
	l.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return res, nil
}

func (l *Loop) runSteps(ctx context.Context, res *CycleResult, state domain.ScalingState, prev *domain.LoopTelemetry, opts CycleOptions) {
	// 1. Trust and snapshot.
	trust := l.readTrust(ctx)
	snap := l.deps.Orchestrator.Snapshot(ctx, l.cfg.SnapshotLimit)

	// 2. Backlog.
	backlog, err := l.deps.Orchestrator.Backlog(ctx)
	if err != nil {
		l.logger.Warn("backlog sample failed, using snapshot size", "error", err)
		backlog = int64(len(snap.Events))
	}

	// 3. Telemetry.
	latency, errorRate := l.observed(ctx)
	tel := domain.LoopTelemetry{
		Timestamp:    res.StartedAt,
		Load:         load(backlog, l.deps.Orchestrator.MaxLen()),
		BacklogSize:  int(backlog),
		TrustScore:   float64(trust.Score),
		SuccessRate:  trust.Metrics.SuccessRate,
		ErrorRate:    errorRate,
		AvgLatencyMs: latency,
	}
	l.appendHistory(tel)
	res.Telemetry = tel

	// 4. Priorities.
	res.Signal = l.signal(tel, prev)
	res.Weights = l.deps.Priorities.Calculate(res.Signal)
	if err := l.deps.Priorities.Persist(ctx, res.Weights, state.Concurrency); err != nil {
		l.logger.Warn("priority persist failed", "error", err)
	}
	l.metrics.ObserveWeights(res.Weights)

	// 5. Scaling.
	res.Scaling = scaler.Evaluate(domain.ScalingMetrics{
		AvgLatencyMs: tel.AvgLatencyMs,
		BacklogSize:  tel.BacklogSize,
		TrustScore:   tel.TrustScore,
		SuccessRate:  tel.SuccessRate,
	}, state)

	// 6. Commit.
	l.mu.Lock()
	l.scaling = res.Scaling.State
	l.mu.Unlock()
	l.metrics.ObserveScaling(res.Scaling)

	// 7. Recovery.
	if action, err := l.deps.Recovery.RunSweep(ctx, tel.ErrorRate, res.TraceID); err != nil {
		l.logger.Warn("recovery sweep failed", "error", err)
	} else {
		res.Recovery = &action
	}

	// 8. Summary.
	res.Summary = summarize(res)

	// 9. Insight report.
	if opts.SuppressEvent {
		return
	}
	e, err := l.deps.Orchestrator.DispatchEvent(ctx, domain.EventInput{
		TraceID: res.TraceID,
		Source:  domain.AgentInsight,
		Target:  domain.AgentGovernance,
		Payload: domain.InsightReportPayload{
			Summary: res.Summary,
			Metrics: map[string]float64{
				"trustScore":   tel.TrustScore,
				"load":         tel.Load,
				"backlogSize":  float64(tel.BacklogSize),
				"errorRate":    tel.ErrorRate,
				"avgLatencyMs": tel.AvgLatencyMs,
				"pressure":     res.Scaling.Pressure,
				"concurrency":  float64(res.Scaling.State.Concurrency),
				"intervalMs":   float64(res.Scaling.State.IntervalMs),
			},
		},
	})
	if err != nil {
		l.logger.Warn("insight report dispatch failed", "trace_id", res.TraceID, "error", err)
		return
	}
	res.Event = e
}

// readTrust falls back to the last known score, then to a perfect score.
func (l *Loop) readTrust(ctx context.Context) domain.TrustScore {
	ts, err := l.deps.Trust.Compute(ctx)
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		l.lastTrust = &ts
		l.metrics.SetTrust(ts.Score)
		return ts
	}
	if l.lastTrust != nil {
		l.logger.Warn("trust fetch failed, using last known score", "error", err, "score", l.lastTrust.Score)
		return *l.lastTrust
	}
	l.logger.Warn("trust fetch failed, assuming full trust", "error", err)
	return domain.TrustScore{Score: 100, Metrics: domain.TrustMetrics{SuccessRate: 1}}
}

// observed returns the sample-weighted mean p50 latency and error rate over
// the metrics window, or zeros when nothing is available.
func (l *Loop) observed(ctx context.Context) (latencyMs, errorRate float64) {
	if l.deps.Metrics == nil {
		return 0, 0
	}
	ms, err := l.deps.Metrics.RecentMetrics(ctx, l.now().Add(-l.cfg.MetricsWindow))
	if err != nil {
		l.logger.Warn("metrics read failed, assuming zero latency and errors", "error", err)
		return 0, 0
	}
	var weight, lat, errs float64
	for _, m := range ms {
		w := float64(max(m.SampleSize, 1))
		weight += w
		lat += w * m.P50Ms
		errs += w * m.ErrorRate
	}
	if weight == 0 {
		return 0, 0
	}
	return lat / weight, min(max(errs/weight, 0), 1)
}

func load(backlog, maxLen int64) float64 {
	if maxLen <= 0 {
		return 0
	}
	return math.Min(1, float64(backlog)/float64(maxLen))
}

func (l *Loop) appendHistory(t domain.LoopTelemetry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.history = append(l.history, t)
	if over := len(l.history) - l.cfg.HistorySize; over > 0 {
		l.history = append(l.history[:0:0], l.history[over:]...)
	}
}

func (l *Loop) signal(tel domain.LoopTelemetry, prev *domain.LoopTelemetry) domain.PrioritySignal {
	s := domain.PrioritySignal{
		Load:       tel.Load,
		TrustScore: tel.TrustScore,
		ErrorRate:  tel.ErrorRate,
	}
	if prev != nil {
		s.SuccessDelta = min(max(tel.SuccessRate-prev.SuccessRate, -1), 1)
	}
	if tel.TrustScore < lowTrustThreshold {
		o := lowTrustOverride + (lowTrustThreshold-tel.TrustScore)/100
		s.GovernanceOverride = &o
	} else if l.deps.Advisor != nil {
		s.GovernanceOverride = l.deps.Advisor.GovernanceOverride()
	}
	return s
}

func summarize(res *CycleResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "trust %.0f, load %.2f, backlog %d.", res.Telemetry.TrustScore, res.Telemetry.Load, res.Telemetry.BacklogSize)
	if len(res.Weights) > 0 {
		top := res.Weights[0]
		for _, w := range res.Weights[1:] {
			if w.Weight > top.Weight {
				top = w
			}
		}
		fmt.Fprintf(&b, " Top priority %s at %.0f%%.", top.Agent, top.Weight*100)
	}
	fmt.Fprintf(&b, " Scaler %s (pressure %.3f): concurrency %d, interval %s.",
		res.Scaling.Action, res.Scaling.Pressure, res.Scaling.State.Concurrency, res.Scaling.State.Interval())
	if res.Recovery != nil {
		fmt.Fprintf(&b, " Recovery %s for %s.", res.Recovery.Action, res.Recovery.Agent)
	} else {
		b.WriteString(" Recovery sweep unavailable.")
	}
	return b.String()
}

// State returns the current lifecycle state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Scaling returns the committed scaling state.
func (l *Loop) Scaling() domain.ScalingState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.scaling
}

// History returns a copy of the telemetry window, oldest first.
func (l *Loop) History() []domain.LoopTelemetry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.LoopTelemetry(nil), l.history...)
}

// Status returns a snapshot of the loop for the status endpoint.
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := Status{State: l.state, Scaling: l.scaling, Cycles: l.cycles}
	if l.lastTrust != nil {
		score := l.lastTrust.Score
		st.TrustScore = &score
	}
	if l.last != nil {
		last := *l.last
		st.LastCycle = &last
	}
	return st
}
