package scheduling

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"autopilot/internal/infra/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSchedulerStartStop(t *testing.T) {
	s := NewScheduler(newTestLogger())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestSchedulerActionFires(t *testing.T) {
	var count atomic.Int32

	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionStreamTrim, func(ctx context.Context) error {
		count.Add(1)
		return nil
	})
	if err := s.AddTask(ScheduledTask{Name: "trim", Schedule: "50ms", Action: ActionStreamTrim}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	time.Sleep(200 * time.Millisecond)
	s.Stop()

	if c := count.Load(); c < 1 {
		t.Errorf("action fired %d times, expected at least 1", c)
	}
}

func TestSchedulerUnknownAction(t *testing.T) {
	s := NewScheduler(newTestLogger())

	err := s.AddTask(ScheduledTask{Name: "unknown", Schedule: "100ms", Action: "does_not_exist"})
	if err == nil {
		t.Error("expected error for unknown action")
	}
}

func TestSchedulerContextCancellation(t *testing.T) {
	var count atomic.Int32

	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionStreamTrim, func(ctx context.Context) error {
		count.Add(1)
		return nil
	})
	s.AddTask(ScheduledTask{Name: "ctx-task", Schedule: "50ms", Action: ActionStreamTrim})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	time.Sleep(150 * time.Millisecond)
	cancel()
	s.Stop()

	countAfterCancel := count.Load()
	time.Sleep(100 * time.Millisecond)

	if count.Load() != countAfterCancel {
		t.Error("task continued after context cancellation")
	}
}

func TestSchedulerActionError(t *testing.T) {
	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionRecoverySweep, func(ctx context.Context) error {
		return fmt.Errorf("simulated error")
	})
	s.AddTask(ScheduledTask{Name: "failing", Schedule: "50ms", Action: ActionRecoverySweep})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	time.Sleep(150 * time.Millisecond)

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestSchedulerDoubleStop(t *testing.T) {
	s := NewScheduler(newTestLogger())
	s.Start(context.Background())

	if err := s.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestSchedulerStopWithoutStart(t *testing.T) {
	s := NewScheduler(newTestLogger())
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop without start: %v", err)
	}
}

func TestParseSchedule(t *testing.T) {
	valid := []string{"*/5 * * * *", "@every 30m", "@hourly", "30m", "100ms"}
	for _, v := range valid {
		sched, err := parseSchedule(v)
		if err != nil {
			t.Errorf("parseSchedule(%q): %v", v, err)
			continue
		}
		if sched == nil {
			t.Errorf("parseSchedule(%q): nil schedule", v)
		}
	}

	invalid := []string{"", "not-a-schedule", "-5m", "0s"}
	for _, v := range invalid {
		if _, err := parseSchedule(v); err == nil {
			t.Errorf("parseSchedule(%q): expected error", v)
		}
	}
}

func TestConstantDelayNext(t *testing.T) {
	sched, err := ParseSchedule("10m")
	if err != nil {
		t.Fatalf("ParseSchedule: %v", err)
	}
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	if got := sched.Next(now); !got.Equal(now.Add(10 * time.Minute)) {
		t.Errorf("Next = %v, want %v", got, now.Add(10*time.Minute))
	}
}

func noop(context.Context) error { return nil }

func allJobs() Jobs {
	return Jobs{
		Broadcast:      noop,
		CheckPeers:     noop,
		TrimStream:     noop,
		PruneMetrics:   func(context.Context, time.Time) error { return nil },
		Sweep:          noop,
		AuditRetention: noop,
	}
}

func taskNames(tasks []ScheduledTask) []string {
	names := make([]string, len(tasks))
	for i, t := range tasks {
		names[i] = t.Name
	}
	return names
}

func TestPlanDefaults(t *testing.T) {
	cfg := config.Defaults()
	got := taskNames(Plan(cfg, allJobs()))
	want := []string{"metrics-prune"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Plan = %v, want %v", got, want)
	}
}

func TestPlanEverythingEnabled(t *testing.T) {
	cfg := config.Defaults()
	cfg.Federation.Enabled = true
	cfg.Federation.Endpoints = []string{"http://peer"}
	cfg.Orchestration.Enabled = true
	cfg.Scheduler.SweepSchedule = "15m"
	cfg.Audit.Enabled = true

	got := taskNames(Plan(cfg, allJobs()))
	want := []string{"federation-broadcast", "federation-health", "stream-trim", "metrics-prune", "recovery-sweep", "audit-retention"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Plan = %v, want %v", got, want)
	}

	if got := taskNames(Plan(cfg, Jobs{TrimStream: noop})); fmt.Sprint(got) != "[stream-trim]" {
		t.Errorf("missing jobs should not be planned, got %v", got)
	}
}

func TestInstall(t *testing.T) {
	cfg := config.Defaults()
	cfg.Orchestration.Enabled = true
	cfg.Scheduler.TrimSchedule = "40ms"

	var trims atomic.Int32
	jobs := Jobs{
		TrimStream:   func(context.Context) error { trims.Add(1); return nil },
		PruneMetrics: func(context.Context, time.Time) error { return nil },
	}

	s := NewScheduler(newTestLogger())
	if err := s.Install(cfg, jobs); err != nil {
		t.Fatalf("Install: %v", err)
	}
	tasks := s.Tasks()
	if len(tasks) != 2 || tasks[0].Name != "metrics-prune" || tasks[1].Name != "stream-trim" {
		t.Fatalf("Tasks = %+v", tasks)
	}

	s.Start(context.Background())
	time.Sleep(150 * time.Millisecond)
	if s.Tasks()[1].Next.IsZero() {
		t.Error("started task has no next run")
	}
	s.Stop()

	if trims.Load() < 1 {
		t.Error("stream trim never ran")
	}
}

func TestPlanAuditRetentionNeedsMaxAge(t *testing.T) {
	cfg := config.Defaults()
	cfg.Audit.Enabled = true
	cfg.Audit.MaxAge = 0
	for _, name := range taskNames(Plan(cfg, allJobs())) {
		if name == "audit-retention" {
			t.Error("audit retention planned without a max age")
		}
	}
}

func TestInstallDisabled(t *testing.T) {
	cfg := config.Defaults()
	cfg.Scheduler.Enabled = false
	s := NewScheduler(newTestLogger())
	if err := s.Install(cfg, allJobs()); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if n := len(s.Tasks()); n != 0 {
		t.Errorf("disabled scheduler installed %d tasks", n)
	}
}

func TestInstallBadSchedule(t *testing.T) {
	cfg := config.Defaults()
	cfg.Orchestration.Enabled = true
	cfg.Scheduler.TrimSchedule = "whenever"
	s := NewScheduler(newTestLogger())
	if err := s.Install(cfg, allJobs()); err == nil {
		t.Error("expected error for invalid trim schedule")
	}
}
