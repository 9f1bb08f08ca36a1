package scheduling

import (
	"context"
	"fmt"
	"time"

	"autopilot/internal/infra/config"
)

// MetricsRetention is how long observability samples are kept.
const MetricsRetention = 24 * time.Hour

const (
	metricsPruneSchedule    = "@hourly"
	auditRetentionSchedule  = "@daily"
	federationHealthDefault = "5m"
)

// Jobs are the functions the scheduler can run. Nil jobs are not installed.
type Jobs struct {
	Broadcast    func(ctx context.Context) error
	CheckPeers   func(ctx context.Context) error
	TrimStream   func(ctx context.Context) error
	PruneMetrics func(ctx context.Context, cutoff time.Time) error
	Sweep        func(ctx context.Context) error

	// AuditRetention drops audit records past their max age.
	AuditRetention func(ctx context.Context) error
}

// Plan returns the tasks cfg enables, given which jobs exist.
func Plan(cfg *config.Config, jobs Jobs) []ScheduledTask {
	var tasks []ScheduledTask
	if cfg.Federation.Enabled {
		if jobs.Broadcast != nil && cfg.Federation.BroadcastSchedule != "" {
			tasks = append(tasks, ScheduledTask{Name: "federation-broadcast", Schedule: cfg.Federation.BroadcastSchedule, Action: ActionFederationBroadcast})
		}
		if jobs.CheckPeers != nil && len(cfg.Federation.Endpoints) > 0 {
			tasks = append(tasks, ScheduledTask{Name: "federation-health", Schedule: federationHealthDefault, Action: ActionFederationHealth})
		}
	}
	if cfg.Orchestration.Enabled && jobs.TrimStream != nil && cfg.Scheduler.TrimSchedule != "" {
		tasks = append(tasks, ScheduledTask{Name: "stream-trim", Schedule: cfg.Scheduler.TrimSchedule, Action: ActionStreamTrim})
	}
	if jobs.PruneMetrics != nil {
		tasks = append(tasks, ScheduledTask{Name: "metrics-prune", Schedule: metricsPruneSchedule, Action: ActionMetricsPrune})
	}
	if jobs.Sweep != nil && cfg.Scheduler.SweepSchedule != "" {
		tasks = append(tasks, ScheduledTask{Name: "recovery-sweep", Schedule: cfg.Scheduler.SweepSchedule, Action: ActionRecoverySweep})
	}
	if cfg.Audit.Enabled && cfg.Audit.MaxAge > 0 && jobs.AuditRetention != nil {
		tasks = append(tasks, ScheduledTask{Name: "audit-retention", Schedule: auditRetentionSchedule, Action: ActionAuditRetention})
	}
	return tasks
}

// Install registers jobs and adds every task Plan yields. It does nothing
// when the scheduler is disabled.
func (s *Scheduler) Install(cfg *config.Config, jobs Jobs) error {
	if !cfg.Scheduler.Enabled {
		return nil
	}
	if jobs.Broadcast != nil {
		s.RegisterAction(ActionFederationBroadcast, jobs.Broadcast)
	}
	if jobs.CheckPeers != nil {
		s.RegisterAction(ActionFederationHealth, jobs.CheckPeers)
	}
	if jobs.TrimStream != nil {
		s.RegisterAction(ActionStreamTrim, jobs.TrimStream)
	}
	if jobs.PruneMetrics != nil {
		prune := jobs.PruneMetrics
		s.RegisterAction(ActionMetricsPrune, func(ctx context.Context) error {
			return prune(ctx, time.Now().Add(-MetricsRetention))
		})
	}
	if jobs.Sweep != nil {
		s.RegisterAction(ActionRecoverySweep, jobs.Sweep)
	}
	if jobs.AuditRetention != nil {
		s.RegisterAction(ActionAuditRetention, jobs.AuditRetention)
	}
	for _, task := range Plan(cfg, jobs) {
		if err := s.AddTask(task); err != nil {
			return fmt.Errorf("install %s: %w", task.Name, err)
		}
	}
	return nil
}
