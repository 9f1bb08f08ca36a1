package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"autopilot/internal/adapter/audit"
	"autopilot/internal/adapter/gateway"
	"autopilot/internal/adapter/store"
	"autopilot/internal/adapter/stream"
	"autopilot/internal/domain"
	"autopilot/internal/infra/config"
	"autopilot/internal/infra/metrics"
	"autopilot/internal/infra/middleware"
	"autopilot/internal/usecase/autonomy"
	"autopilot/internal/usecase/cluster"
	"autopilot/internal/usecase/eventbus"
	"autopilot/internal/usecase/federation"
	"autopilot/internal/usecase/orchestrator"
	"autopilot/internal/usecase/priority"
	"autopilot/internal/usecase/recovery"
	"autopilot/internal/usecase/scheduling"
	"autopilot/internal/usecase/trust"
)

// Runtime holds every long-lived component.
type Runtime struct {
	Store        *store.SQLite
	Metrics      *metrics.Metrics
	Events       *eventbus.Bus
	Orchestrator *orchestrator.Orchestrator
	Trust        *trust.Scorer
	Priorities   *priority.Engine
	Recovery     *recovery.Agent
	Federation   *federation.Bus
	Network      *federation.Agent
	Loop         *autonomy.Loop
	Scheduler    *scheduling.Scheduler
	Gateway      *gateway.Server      // nil when the gateway is disabled
	Audit        *audit.FileLogger    // nil when auditing is disabled
	Cluster      *cluster.Coordinator // nil unless replicas share Redis
}

// initRuntime wires the runtime from cfg. The returned cleanup releases
// resources in reverse order of acquisition.
func initRuntime(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Runtime, func(context.Context) error, error) {
	var closers []func(context.Context) error
	cleanup := func(ctx context.Context) error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i](ctx))
		}
		return errors.Join(errs...)
	}
	fail := func(err error) (*Runtime, func(context.Context) error, error) {
		cleanup(context.Background())
		return nil, nil, err
	}

	rt := &Runtime{Metrics: metrics.New()}

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fail(err)
	}
	rt.Store = db
	closers = append(closers, func(context.Context) error { return db.Close() })

	if cfg.Audit.Enabled {
		rt.Audit, err = audit.Open(cfg.Audit.Path, cfg.Audit.MaxAge)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func(context.Context) error { return rt.Audit.Close() })
	}

	backend, locks, err := initStream(ctx, cfg.Orchestration, &closers)
	if err != nil {
		return fail(fmt.Errorf("stream: %w", err))
	}
	if locks != nil {
		rt.Cluster = cluster.NewCoordinator(locks, cluster.Config{NodeID: nodeID()}, log)
		log.Info("cluster locks enabled", "node", rt.Cluster.NodeID())
	}

	rt.Orchestrator = orchestrator.New(orchestrator.Config{
		Enabled:   cfg.Orchestration.Enabled,
		StreamKey: cfg.Orchestration.StreamKey,
		MaxLen:    cfg.Orchestration.MaxLen,
	}, backend, log, orchestrator.WithArchive(db), orchestrator.WithMetrics(rt.Metrics))
	for _, id := range domain.AllAgents() {
		if _, err := rt.Orchestrator.RegisterAgent(domain.AgentRegistration{AgentID: id}); err != nil {
			return fail(fmt.Errorf("register %s: %w", id, err))
		}
	}

	rt.Trust = trust.NewScorer(db)
	rt.Priorities = priority.NewEngine(db)
	rt.Recovery = recovery.NewAgent(db, rt.Trust, domain.AgentID(cfg.Autonomy.RecoveryAgent), rt.Metrics, log)

	rt.Events = eventbus.New(log)
	closers = append(closers, func(context.Context) error { rt.Events.Close(); return nil })

	rt.Federation, err = federation.NewBus(cfg.Federation, rt.Events, log, federation.WithMetrics(rt.Metrics))
	if err != nil {
		return fail(fmt.Errorf("federation: %w", err))
	}
	closers = append(closers, rt.Federation.Drain)

	rt.Network = federation.NewAgent(federation.AgentDeps{
		Bus:        rt.Federation,
		Trust:      rt.Trust,
		Priorities: rt.Priorities,
		Dispatcher: rt.Orchestrator,
		Metrics:    rt.Metrics,
	}, cfg.Federation.EvaluateMinInterval, log)
	detach := rt.Network.Attach(rt.Events)
	closers = append(closers, func(context.Context) error { detach(); return nil })

	rt.Loop = autonomy.New(autonomy.Config{
		Enabled: cfg.Autonomy.Enabled,
		Initial: domain.ScalingState{
			Concurrency: cfg.Autonomy.InitialConcurrency,
			IntervalMs:  int(cfg.Autonomy.InitialInterval.Milliseconds()),
		},
		HistorySize:   cfg.Autonomy.HistorySize,
		MetricsWindow: cfg.Autonomy.MetricsWindow,
		SnapshotLimit: cfg.Autonomy.SnapshotLimit,
	}, autonomy.Deps{
		Trust:        rt.Trust,
		Orchestrator: rt.Orchestrator,
		Priorities:   rt.Priorities,
		Recovery:     rt.Recovery,
		Metrics:      db,
		Advisor:      rt.Network,
	}, rt.Metrics, log)
	closers = append(closers, func(context.Context) error { rt.Loop.Stop(); return nil })

	rt.Scheduler = scheduling.NewScheduler(log)
	if err := rt.Scheduler.Install(cfg, scheduledJobs(rt, log)); err != nil {
		return fail(fmt.Errorf("scheduler: %w", err))
	}
	closers = append(closers, func(context.Context) error { return rt.Scheduler.Stop() })

	if cfg.Gateway.Enabled {
		limiter := middleware.NewLimiter(cfg.Federation.IngestRateLimit, func(r *http.Request, ip string) {
			log.Warn("federation ingest rate limited", "ip", ip, "path", r.URL.Path)
		})
		deps := gateway.HandlerDeps{
			Federation:       rt.Federation,
			Network:          rt.Network,
			Loop:             rt.Loop,
			Priorities:       rt.Priorities,
			Recovery:         rt.Recovery,
			Outcomes:         rt.Trust,
			Metrics:          db,
			Events:           rt.Orchestrator,
			Archive:          db,
			Tasks:            rt.Scheduler,
			Feed:             rt.Events,
			Prom:             rt.Metrics,
			Limiter:          limiter,
			Logger:           log,
			FederationSecret: cfg.Federation.SharedSecret,
			APIToken:         cfg.Gateway.APIToken,
			TrustedProxies:   cfg.Federation.IngestRateLimit.TrustedProxies,
		}
		if rt.Audit != nil {
			// A typed nil would defeat the gateway's nil check.
			deps.Audit = rt.Audit
		}
		rt.Gateway = gateway.NewServer(cfg.Gateway.Addr, deps)
		closers = append(closers, rt.Gateway.Stop)
	}

	return rt, cleanup, nil
}

// initStream returns the stream backend, plus the Redis client for cluster
// locks when the backend is Redis.
func initStream(ctx context.Context, cfg config.OrchestrationConfig, closers *[]func(context.Context) error) (domain.StreamBackend, cluster.LockClient, error) {
	switch cfg.StreamBackend {
	case config.StreamBackendRedis:
		client, err := newRedisStreams(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		*closers = append(*closers, func(context.Context) error { return client.Close() })
		return stream.NewRedis(client), client, nil
	default:
		// Headroom above MaxLen so trimming, not the ring, bounds the stream.
		return stream.NewMemory(int(cfg.MaxLen) * 2), nil, nil
	}
}

func nodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "autopilot"
	}
	return host + "-" + uuid.NewString()[:8]
}

// scheduledJobs binds the housekeeping jobs to the runtime. With cluster
// locks each job runs on one replica per tick.
func scheduledJobs(rt *Runtime, log *slog.Logger) scheduling.Jobs {
	jobs := scheduling.Jobs{
		Broadcast: func(ctx context.Context) error {
			_, err := rt.Network.BroadcastLocalSnapshot(ctx)
			return err
		},
		CheckPeers: func(ctx context.Context) error {
			for _, h := range rt.Federation.CheckHealth(ctx) {
				if !h.Healthy {
					log.Warn("federation peer unhealthy", "endpoint", h.Endpoint, "error", h.LastError)
				}
			}
			return nil
		},
		TrimStream: rt.Orchestrator.Trim,
		PruneMetrics: func(ctx context.Context, cutoff time.Time) error {
			n, err := rt.Store.PruneMetrics(ctx, cutoff)
			if err == nil && n > 0 {
				log.Debug("pruned observability metrics", "rows", n)
			}
			return err
		},
		Sweep: func(ctx context.Context) error {
			var errorRate float64
			if last := rt.Loop.Status().LastCycle; last != nil {
				errorRate = last.Telemetry.ErrorRate
			}
			_, err := rt.Recovery.RunSweep(ctx, errorRate, "")
			return err
		},
	}
	if rt.Audit != nil {
		jobs.AuditRetention = func(ctx context.Context) error {
			n, err := rt.Audit.EnforceRetention(ctx)
			if err != nil {
				return err
			}
			log.Info("audit retention enforced", "removed", n)
			return rt.Audit.Log(ctx, domain.AuditEvent{
				Type:    domain.AuditRetentionEnforced,
				Action:  "retention",
				Outcome: "success",
				Detail:  map[string]string{"removed": fmt.Sprint(n)},
			})
		}
	}

	c := rt.Cluster
	jobs.Broadcast = c.Exclusive("federation-broadcast", jobs.Broadcast)
	jobs.CheckPeers = c.Exclusive("federation-health", jobs.CheckPeers)
	jobs.TrimStream = c.Exclusive("stream-trim", jobs.TrimStream)
	jobs.Sweep = c.Exclusive("recovery-sweep", jobs.Sweep)
	jobs.AuditRetention = c.Exclusive("audit-retention", jobs.AuditRetention)
	return jobs
}
