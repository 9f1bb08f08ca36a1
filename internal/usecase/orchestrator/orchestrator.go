// Package orchestrator is the governance-ordered event bus: an in-memory agent
// registry plus validated dispatch onto a bounded durable stream.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"autopilot/internal/domain"
	"autopilot/internal/infra/metrics"
	"autopilot/internal/infra/tracer"
)

// Config holds orchestrator settings.
type Config struct {
	Enabled   bool
	StreamKey string // event stream key; agent keys are "<StreamKey>:<agentId>"
	MaxLen    int64
}

// Snapshot is the registry plus the most recent valid events.
type Snapshot struct {
	Agents []domain.AgentRegistration `json:"agents"`
	Events []domain.Event             `json:"events"`
}

// Orchestrator dispatches events onto the stream backend.
type Orchestrator struct {
	cfg       Config
	backend   domain.StreamBackend
	archive   domain.EventArchive
	validator *Validator
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.RWMutex
	registry map[domain.AgentID]domain.AgentRegistration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithArchive stores a durable copy of every dispatched event.
func WithArchive(a domain.EventArchive) Option { return func(o *Orchestrator) { o.archive = a } }

func WithMetrics(m *metrics.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// New creates an Orchestrator.
func New(cfg Config, backend domain.StreamBackend, logger *slog.Logger, opts ...Option) *Orchestrator {
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 200
	}
	o := &Orchestrator{
		cfg:       cfg,
		backend:   backend,
		validator: MustValidator(),
		logger:    logger,
		now:       time.Now,
		registry:  make(map[domain.AgentID]domain.AgentRegistration),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Enabled reports whether dispatch is switched on.
func (o *Orchestrator) Enabled() bool { return o.cfg.Enabled }

// StreamKey returns the event stream key.
func (o *Orchestrator) StreamKey() string { return o.cfg.StreamKey }

// MaxLen returns the configured stream bound.
func (o *Orchestrator) MaxLen() int64 { return o.cfg.MaxLen }

// RegisterAgent upserts reg keyed by AgentID and returns the resolved entry.
// A zero priority becomes the agent's static priority. Re-registration keeps
// the original RegisteredAt.
func (o *Orchestrator) RegisterAgent(reg domain.AgentRegistration) (domain.AgentRegistration, error) {
	if !reg.AgentID.Valid() {
		return domain.AgentRegistration{}, domain.NewDomainError("Orchestrator.RegisterAgent", domain.ErrUnknownAgent, string(reg.AgentID))
	}
	if reg.Priority == 0 {
		reg.Priority = reg.AgentID.StaticPriority()
	}
	if reg.Priority < domain.MinEventPriority || reg.Priority > domain.MaxEventPriority {
		return domain.AgentRegistration{}, domain.NewDomainError("Orchestrator.RegisterAgent", domain.ErrInvalidInput,
			fmt.Sprintf("priority %d out of range", reg.Priority))
	}
	if reg.Name == "" {
		reg.Name = string(reg.AgentID)
	}
	reg.StreamKey = o.cfg.StreamKey + ":" + string(reg.AgentID)
	reg.Capabilities = slices.Clone(reg.Capabilities)

	o.mu.Lock()
	defer o.mu.Unlock()
	if prev, ok := o.registry[reg.AgentID]; ok {
		reg.RegisteredAt = prev.RegisteredAt
	} else {
		reg.RegisteredAt = o.now().UTC()
	}
	o.registry[reg.AgentID] = reg
	return reg, nil
}

// Agents returns the registry ordered by priority, highest first.
func (o *Orchestrator) Agents() []domain.AgentRegistration {
	o.mu.RLock()
	out := make([]domain.AgentRegistration, 0, len(o.registry))
	for _, r := range o.registry {
		r.Capabilities = slices.Clone(r.Capabilities)
		out = append(out, r)
	}
	o.mu.RUnlock()

	slices.SortFunc(out, func(a, b domain.AgentRegistration) int {
		if a.Priority != b.Priority {
			return b.Priority - a.Priority
		}
		if a.AgentID < b.AgentID {
			return -1
		}
		if a.AgentID > b.AgentID {
			return 1
		}
		return 0
	})
	return out
}

// BuildEvent fills the defaults of in and validates the result without
// writing anything.
func (o *Orchestrator) BuildEvent(in domain.EventInput) (domain.Event, error) {
	e := domain.Event{
		TraceID:   in.TraceID,
		Source:    in.Source,
		Target:    in.Target,
		Priority:  in.Priority,
		Timestamp: in.Timestamp,
		Payload:   in.Payload,
	}
	if in.Payload != nil {
		e.Type = in.Payload.EventType()
	}
	if e.TraceID == "" {
		e.TraceID = newTraceID(o.now())
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = o.now()
	}
	e.Timestamp = e.Timestamp.UTC()
	if e.Priority == 0 {
		e.Priority = e.Source.StaticPriority()
	}
	if err := o.validator.ValidateEvent(e); err != nil {
		return domain.Event{}, err
	}
	return e, nil
}

// DispatchEvent validates and appends an event. It returns (nil, nil) when
// orchestration is disabled. A failed trim or archive write is logged, not
// returned.
func (o *Orchestrator) DispatchEvent(ctx context.Context, in domain.EventInput) (*domain.Event, error) {
	if !o.cfg.Enabled {
		return nil, nil
	}
	const op = "Orchestrator.DispatchEvent"

	e, err := o.BuildEvent(in)
	if err != nil {
		o.metrics.EventRejected()
		return nil, domain.WrapOp(op, err)
	}

	ctx, span := tracer.StartSpan(ctx, "orchestrator.dispatch",
		tracer.StringAttr("event.type", string(e.Type)),
		tracer.StringAttr("event.source", string(e.Source)),
		tracer.StringAttr("trace_id", e.TraceID))
	defer span.End()

	data, err := json.Marshal(e)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp(op, err)
	}
	if _, err := o.backend.Append(ctx, o.cfg.StreamKey, data); err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp(op, err)
	}
	o.metrics.EventDispatched(e.Type)

	if err := o.backend.Trim(ctx, o.cfg.StreamKey, o.cfg.MaxLen); err != nil {
		o.logger.Warn("stream trim failed", "key", o.cfg.StreamKey, "error", err)
	}
	if o.archive != nil {
		if err := o.archive.ArchiveEvent(ctx, e); err != nil {
			o.logger.Warn("event archive failed", "trace_id", e.TraceID, "error", err)
		}
	}
	tracer.SetOK(span)
	return &e, nil
}

// Snapshot returns the registry plus the newest limit valid events, oldest
// first. Entries that fail to decode or validate are skipped. A backend
// failure yields an empty event list.
func (o *Orchestrator) Snapshot(ctx context.Context, limit int) Snapshot {
	snap := Snapshot{Agents: o.Agents(), Events: []domain.Event{}}
	if limit <= 0 {
		return snap
	}
	entries, err := o.backend.Range(ctx, o.cfg.StreamKey, domain.StreamStart, domain.StreamEnd, int64(limit))
	if err != nil {
		o.logger.Warn("snapshot read failed, returning empty event list", "key", o.cfg.StreamKey, "error", err)
		return snap
	}
	for _, entry := range entries {
		var e domain.Event
		if err := json.Unmarshal(entry.Data, &e); err != nil {
			o.logger.Debug("skipping undecodable stream entry", "id", entry.ID, "error", err)
			continue
		}
		if err := o.validator.ValidateEvent(e); err != nil {
			o.logger.Debug("skipping invalid stream entry", "id", entry.ID, "error", err)
			continue
		}
		snap.Events = append(snap.Events, e)
	}
	return snap
}

// Backlog returns the stream length.
func (o *Orchestrator) Backlog(ctx context.Context) (int64, error) {
	n, err := o.backend.Len(ctx, o.cfg.StreamKey)
	if err != nil {
		return 0, domain.WrapOp("Orchestrator.Backlog", err)
	}
	return n, nil
}

// Trim bounds the stream to the configured length.
func (o *Orchestrator) Trim(ctx context.Context) error {
	return domain.WrapOp("Orchestrator.Trim", o.backend.Trim(ctx, o.cfg.StreamKey, o.cfg.MaxLen))
}

func newTraceID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}
