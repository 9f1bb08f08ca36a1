// Package federation signs and exchanges telemetry between tenants and
// derives a network-wide view from what peers share.
package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/errgroup"

	"autopilot/internal/domain"
	"autopilot/internal/infra/config"
	"autopilot/internal/infra/metrics"
	"autopilot/internal/usecase/eventbus"
)

// Peer routes.
const (
	EventsPath = "/api/federation/events"
	StatusPath = "/api/federation/status"
)

// Ingest outcomes as reported to metrics.
const (
	resultAccepted = "accepted"
	resultEcho     = "echo"
	resultInvalid  = "invalid"
	resultForged   = "forged"
)

const (
	defaultDeliveryTimeout = 5 * time.Second
	defaultRecent          = 25
)

// Status is what a tenant reports on its federation status route.
type Status struct {
	TenantID  string                  `json:"tenantId"`
	Enabled   bool                    `json:"enabled"`
	Endpoints []domain.EndpointHealth `json:"endpoints"`
	Recent    int                     `json:"recent"`
}

type peer struct {
	endpoint string
	breaker  *gobreaker.CircuitBreaker[struct{}]

	mu     sync.Mutex
	health domain.EndpointHealth
}

func (p *peer) record(latency time.Duration, err error, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.health.Healthy = err == nil
	p.health.LastLatencyMs = float64(latency.Microseconds()) / 1000
	p.health.LastCheckedAt = at
	p.health.LastError = ""
	if err != nil {
		p.health.LastError = err.Error()
	}
}

func (p *peer) snapshot() domain.EndpointHealth {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := p.health
	h.BreakerState = p.breaker.State().String()
	return h
}

// Option configures a Bus.
type Option func(*Bus)

// WithHTTPClient sets the client used for peer delivery and health probes.
func WithHTTPClient(c *http.Client) Option { return func(b *Bus) { b.client = c } }

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option { return func(b *Bus) { b.metrics = m } }

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option { return func(b *Bus) { b.now = now } }

// Bus publishes signed federation events to peers and ingests theirs. Local
// subscribers are reached through the eventbus.
type Bus struct {
	cfg     config.FederationConfig
	secret  []byte
	events  *eventbus.Bus
	schemas schemaSet
	client  *http.Client
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	peers    []*peer
	inflight sync.WaitGroup

	mu     sync.Mutex
	recent []domain.FederationEvent // oldest first
}

// NewBus builds a Bus. Peers get one circuit breaker each.
func NewBus(cfg config.FederationConfig, events *eventbus.Bus, logger *slog.Logger, opts ...Option) (*Bus, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = defaultDeliveryTimeout
	}
	if cfg.RecentBuffer <= 0 {
		cfg.RecentBuffer = defaultRecent
	}
	b := &Bus{
		cfg:     cfg,
		secret:  []byte(cfg.SharedSecret),
		events:  events,
		schemas: schemas,
		client:  &http.Client{},
		logger:  logger,
		now:     time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	for _, ep := range cfg.Endpoints {
		ep = strings.TrimRight(ep, "/")
		b.peers = append(b.peers, &peer{
			endpoint: ep,
			breaker:  newBreaker(ep, cfg.Breaker, logger),
			health:   domain.EndpointHealth{Endpoint: ep, Healthy: true},
		})
	}
	return b, nil
}

func newBreaker(endpoint string, cfg config.BreakerConfig, logger *slog.Logger) *gobreaker.CircuitBreaker[struct{}] {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 3
	}
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "federation:" + endpoint,
		MaxRequests: 1,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("federation breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
}

// Enabled reports whether the bus will publish at all.
func (b *Bus) Enabled() bool { return b.cfg.Enabled && len(b.secret) > 0 }

// TenantID returns the local tenant.
func (b *Bus) TenantID() string { return b.cfg.TenantID }

// Endpoints returns the configured peer base URLs.
func (b *Bus) Endpoints() []string {
	out := make([]string, len(b.peers))
	for i, p := range b.peers {
		out[i] = p.endpoint
	}
	return out
}

// Publish validates, sanitizes and signs payload, hands the event to local
// subscribers, then delivers it to every peer in the background. It returns
// (nil, nil) when federation is disabled or has no secret.
func (b *Bus) Publish(ctx context.Context, payload domain.FederationPayload) (*domain.FederationEvent, error) {
	if !b.Enabled() {
		return nil, nil
	}
	if payload == nil {
		return nil, domain.NewDomainError("federation.Publish", domain.ErrInvalidEvent, "missing payload")
	}
	t := payload.FederationType()

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, domain.WrapOp("federation.Publish", err)
	}
	clean, err := b.cleanPayload(t, raw)
	if err != nil {
		return nil, domain.WrapOp("federation.Publish", err)
	}

	e := domain.FederationEvent{
		ID:        uuid.NewString(),
		Type:      t,
		TenantID:  b.cfg.TenantID,
		Timestamp: b.now().UTC(),
		Payload:   clean,
	}
	if e.Signature, err = Sign(b.secret, &e); err != nil {
		return nil, domain.WrapOp("federation.Publish", err)
	}
	body, err := json.Marshal(e)
	if err != nil {
		return nil, domain.WrapOp("federation.Publish", err)
	}

	b.events.Publish(ctx, e)
	b.metrics.FederationPublished(t)

	detached := context.WithoutCancel(ctx)
	for _, p := range b.peers {
		b.inflight.Add(1)
		go b.deliver(detached, p, body)
	}
	return &e, nil
}

// cleanPayload validates raw against the schema for t, strips forbidden keys
// and decodes the result into the typed payload.
func (b *Bus) cleanPayload(t domain.FederationEventType, raw json.RawMessage) (domain.FederationPayload, error) {
	doc, err := decodeDoc(raw)
	if err != nil {
		return nil, err
	}
	if err := b.schemas.validate(t, doc); err != nil {
		return nil, err
	}
	clean, err := json.Marshal(sanitize(doc))
	if err != nil {
		return nil, err
	}
	return domain.DecodeFederationPayload(t, clean)
}

func (b *Bus) deliver(ctx context.Context, p *peer, body []byte) {
	defer b.inflight.Done()
	ctx, cancel := context.WithTimeout(ctx, b.cfg.DeliveryTimeout)
	defer cancel()

	start := time.Now()
	_, err := p.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, b.post(ctx, p.endpoint+EventsPath, body)
	})
	latency := time.Since(start)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("%w: %s circuit open: %v", domain.ErrPeerDelivery, p.endpoint, err)
	}
	p.record(latency, err, b.now().UTC())
	b.metrics.PeerDelivery(p.endpoint, latency, err)
	if err != nil {
		b.logger.Warn("federation delivery failed", "endpoint", p.endpoint, "error", err)
		return
	}
	b.logger.Debug("federation event delivered", "endpoint", p.endpoint, "latency", latency)
}

func (b *Bus) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPeerDelivery, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+string(b.secret))
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPeerDelivery, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s returned %d", domain.ErrPeerDelivery, url, resp.StatusCode)
	}
	return nil
}

// Drain waits for background deliveries to finish or ctx to end.
func (b *Bus) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ingest accepts an event received from a peer. Schema failures wrap
// ErrInvalidEvent; a bad signature is ErrSignatureInvalid. Events carrying
// the local tenant id are echoes and are dropped without error.
func (b *Bus) Ingest(ctx context.Context, e domain.FederationEvent) error {
	if !b.Enabled() {
		return domain.NewDomainError("federation.Ingest", domain.ErrDisabled, "federation is disabled")
	}
	if err := validateEnvelope(e); err != nil {
		b.metrics.FederationIngested(e.Type, resultInvalid)
		return err
	}
	raw, err := e.PayloadBytes()
	if err != nil {
		b.metrics.FederationIngested(e.Type, resultInvalid)
		return err
	}
	doc, err := decodeDoc(raw)
	if err == nil {
		err = b.schemas.validate(e.Type, doc)
	}
	if err != nil {
		b.metrics.FederationIngested(e.Type, resultInvalid)
		return err
	}
	if err := Verify(b.secret, &e); err != nil {
		b.metrics.FederationIngested(e.Type, resultForged)
		b.logger.Warn("federation signature rejected", "tenant", e.TenantID, "event_id", e.ID)
		return err
	}
	if e.TenantID == b.cfg.TenantID {
		b.metrics.FederationIngested(e.Type, resultEcho)
		return nil
	}

	clean, err := json.Marshal(sanitize(doc))
	if err != nil {
		return domain.WrapOp("federation.Ingest", err)
	}
	payload, err := domain.DecodeFederationPayload(e.Type, clean)
	if err != nil {
		b.metrics.FederationIngested(e.Type, resultInvalid)
		return err
	}
	accepted := domain.FederationEvent{
		ID:        e.ID,
		Type:      e.Type,
		TenantID:  e.TenantID,
		Timestamp: e.Timestamp,
		Signature: e.Signature,
		Payload:   payload,
	}

	b.mu.Lock()
	b.recent = append(b.recent, accepted)
	if over := len(b.recent) - b.cfg.RecentBuffer; over > 0 {
		b.recent = append(b.recent[:0:0], b.recent[over:]...)
	}
	b.mu.Unlock()

	b.metrics.FederationIngested(e.Type, resultAccepted)
	b.logger.Info("federation event ingested", "tenant", e.TenantID, "type", string(e.Type), "event_id", e.ID)
	b.events.Publish(ctx, accepted)
	return nil
}

// Recent returns the accepted peer events, newest first.
func (b *Bus) Recent() []domain.FederationEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.FederationEvent, len(b.recent))
	for i, e := range b.recent {
		out[len(b.recent)-1-i] = e
	}
	return out
}

// Health returns the last known delivery health of every peer.
func (b *Bus) Health() []domain.EndpointHealth {
	out := make([]domain.EndpointHealth, len(b.peers))
	for i, p := range b.peers {
		out[i] = p.snapshot()
	}
	return out
}

// Status reports the bus for the federation status route.
func (b *Bus) Status() Status {
	b.mu.Lock()
	n := len(b.recent)
	b.mu.Unlock()
	return Status{
		TenantID:  b.cfg.TenantID,
		Enabled:   b.Enabled(),
		Endpoints: b.Health(),
		Recent:    n,
	}
}

// CheckHealth probes every peer's status route concurrently and returns the
// refreshed health.
func (b *Bus) CheckHealth(ctx context.Context) []domain.EndpointHealth {
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range b.peers {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, b.cfg.DeliveryTimeout)
			defer cancel()
			start := time.Now()
			err := b.probe(pctx, p.endpoint+StatusPath)
			p.record(time.Since(start), err, b.now().UTC())
			return nil
		})
	}
	_ = g.Wait()
	return b.Health()
}

func (b *Bus) probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+string(b.secret))
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
