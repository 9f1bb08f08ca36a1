// Package integration wires complete tenants in-process for end-to-end tests.
package integration

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"autopilot/internal/adapter/gateway"
	"autopilot/internal/adapter/store"
	"autopilot/internal/adapter/stream"
	"autopilot/internal/domain"
	"autopilot/internal/infra/config"
	"autopilot/internal/infra/metrics"
	"autopilot/internal/usecase/eventbus"
	"autopilot/internal/usecase/federation"
	"autopilot/internal/usecase/orchestrator"
	"autopilot/internal/usecase/priority"
	"autopilot/internal/usecase/trust"
)

// Config holds integration test configuration from environment
type Config struct {
	TestTimeout time.Duration
	SkipSlow    bool
	Verbose     bool
}

// LoadConfig loads integration test configuration from environment
func LoadConfig() *Config {
	return &Config{
		TestTimeout: 30 * time.Second,
		SkipSlow:    os.Getenv("SKIP_SLOW_TESTS") == "1",
		Verbose:     os.Getenv("AUTOPILOT_TEST_VERBOSE") == "1",
	}
}

// SkipIfShort skips integration tests in short mode
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// NewTestContext creates a context with timeout for integration tests
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// Tenant is one fully wired autopilot instance behind an httptest server.
type Tenant struct {
	ID           string
	URL          string
	Store        *store.SQLite
	Orchestrator *orchestrator.Orchestrator
	Trust        *trust.Scorer
	Priorities   *priority.Engine
	Federation   *federation.Bus
	Agent        *federation.Agent
	Metrics      *metrics.Metrics
}

// StartTenant wires a tenant that signs with secret and delivers to peers.
func StartTenant(t *testing.T, id, secret string, peers ...string) *Tenant {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	if LoadConfig().Verbose {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})).With("tenant", id)
	}

	db, err := store.Open(filepath.Join(t.TempDir(), id+".db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	tn := &Tenant{ID: id, Store: db, Metrics: metrics.New()}
	tn.Orchestrator = orchestrator.New(orchestrator.Config{
		Enabled:   true,
		StreamKey: "autopilot:events:" + id,
		MaxLen:    200,
	}, stream.NewMemory(400), log, orchestrator.WithArchive(db), orchestrator.WithMetrics(tn.Metrics))
	tn.Trust = trust.NewScorer(db)
	tn.Priorities = priority.NewEngine(db)

	events := eventbus.New(log)
	t.Cleanup(events.Close)

	cfg := config.Defaults().Federation
	cfg.Enabled = true
	cfg.TenantID = id
	cfg.SharedSecret = secret
	cfg.Endpoints = peers
	cfg.EvaluateMinInterval = 0
	cfg.DeliveryTimeout = 2 * time.Second
	tn.Federation, err = federation.NewBus(cfg, events, log, federation.WithMetrics(tn.Metrics))
	if err != nil {
		t.Fatalf("federation bus: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tn.Federation.Drain(ctx)
	})

	tn.Agent = federation.NewAgent(federation.AgentDeps{
		Bus:        tn.Federation,
		Trust:      tn.Trust,
		Priorities: tn.Priorities,
		Dispatcher: tn.Orchestrator,
		Metrics:    tn.Metrics,
	}, 0, log)
	t.Cleanup(tn.Agent.Attach(events))

	srv := gateway.NewServer("127.0.0.1:0", gateway.HandlerDeps{
		Federation:       tn.Federation,
		Network:          tn.Agent,
		Priorities:       tn.Priorities,
		Outcomes:         tn.Trust,
		Metrics:          db,
		Events:           tn.Orchestrator,
		Archive:          db,
		Feed:             events,
		Prom:             tn.Metrics,
		Logger:           log,
		FederationSecret: secret,
	})
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	tn.URL = hs.URL
	return tn
}

// Snapshot returns this tenant's view of tenant id, if any.
func (tn *Tenant) Snapshot(id string) (domain.FederationSnapshot, bool) {
	for _, s := range tn.Agent.Snapshots() {
		if s.TenantID == id {
			return s, true
		}
	}
	return domain.FederationSnapshot{}, false
}
