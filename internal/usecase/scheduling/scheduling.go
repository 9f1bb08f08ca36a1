// Package scheduling runs the periodic housekeeping jobs that sit beside the
// control loop: federation re-broadcast, peer probes, stream trimming,
// metrics and audit retention, and extra recovery sweeps.
package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduledAction identifies a type of scheduled action.
type ScheduledAction string

const (
	ActionFederationBroadcast ScheduledAction = "federation_broadcast"
	ActionFederationHealth    ScheduledAction = "federation_health"
	ActionStreamTrim          ScheduledAction = "stream_trim"
	ActionMetricsPrune        ScheduledAction = "metrics_prune"
	ActionRecoverySweep       ScheduledAction = "recovery_sweep"
	ActionAuditRetention      ScheduledAction = "audit_retention"
)

const taskTimeout = 5 * time.Minute

// ScheduledTask defines a recurring task.
type ScheduledTask struct {
	Name     string
	Schedule string // cron expression "*/5 * * * *" OR duration "30m"
	Action   ScheduledAction
}

// TaskInfo describes an installed task.
type TaskInfo struct {
	Name     string          `json:"name"`
	Schedule string          `json:"schedule"`
	Action   ScheduledAction `json:"action"`
	Next     time.Time       `json:"next"`
}

type entry struct {
	task ScheduledTask
	id   cron.EntryID
}

// Scheduler runs tasks on a recurring schedule using cron expressions or durations.
type Scheduler struct {
	cron    *cron.Cron
	actions map[ScheduledAction]func(ctx context.Context) error
	entries []entry
	logger  *slog.Logger
	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		actions: make(map[ScheduledAction]func(ctx context.Context) error),
		logger:  logger,
	}
}

// RegisterAction registers a handler for a scheduled action type.
func (s *Scheduler) RegisterAction(action ScheduledAction, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[action] = fn
}

// AddTask adds a scheduled task. The schedule can be a cron expression or a duration string.
func (s *Scheduler) AddTask(task ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn, ok := s.actions[task.Action]
	if !ok {
		return fmt.Errorf("scheduler: unknown action %q for task %q", task.Action, task.Name)
	}

	schedule, err := parseSchedule(task.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for task %q: %w", task.Schedule, task.Name, err)
	}

	taskName := task.Name
	logger := s.logger
	id := s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()

		if ctx == nil || ctx.Err() != nil {
			logger.Debug("scheduler stopped, skipping task", "task", taskName)
			return
		}

		taskCtx, cancel := context.WithTimeout(ctx, taskTimeout)
		defer cancel()

		start := time.Now()
		if err := fn(taskCtx); err != nil {
			logger.Warn("scheduled task failed",
				"task", taskName,
				"error", err,
				"duration", time.Since(start))
		} else {
			logger.Debug("scheduled task completed",
				"task", taskName,
				"duration", time.Since(start))
		}
	}))
	s.entries = append(s.entries, entry{task: task, id: id})

	logger.Info("task added to scheduler", "name", task.Name, "schedule", task.Schedule, "action", string(task.Action))
	return nil
}

// Tasks lists installed tasks ordered by name. Next is zero until Start.
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.Lock()
	entries := append([]entry(nil), s.entries...)
	s.mu.Unlock()

	out := make([]TaskInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, TaskInfo{
			Name:     e.task.Name,
			Schedule: e.task.Schedule,
			Action:   e.task.Action,
			Next:     s.cron.Entry(e.id).Next,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start begins running the scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	return nil
}

// Stop signals the scheduler to stop and waits for running jobs to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.started = false
	s.mu.Unlock()

	// Running jobs take s.mu, so wait outside it.
	<-s.cron.Stop().Done()
	return nil
}

// parseSchedule tries to parse a schedule string as a cron expression first,
// then falls back to time.ParseDuration.
func parseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return &constantDelay{delay: dur}, nil
}

// ParseSchedule exposes schedule parsing for external callers.
func ParseSchedule(schedule string) (cron.Schedule, error) {
	return parseSchedule(schedule)
}

// constantDelay implements cron.Schedule for a fixed interval.
// Unlike cron.Every(), it supports sub-second durations.
type constantDelay struct {
	delay time.Duration
}

func (d *constantDelay) Next(t time.Time) time.Time {
	return t.Add(d.delay)
}
