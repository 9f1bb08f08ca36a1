// Package store is the durable SQLite store shared by the control loop, the
// trust scorer, and the HTTP ingestion endpoints.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"autopilot/internal/domain"
)

var (
	_ domain.PriorityStore = (*SQLite)(nil)
	_ domain.OutcomeStore  = (*SQLite)(nil)
	_ domain.RecoveryLog   = (*SQLite)(nil)
	_ domain.EventArchive  = (*SQLite)(nil)
	_ domain.MetricsSource = (*SQLite)(nil)
	_ domain.MetricsSink   = (*SQLite)(nil)
)

// SQLite implements every durable store interface on one database file.
// Writes are single statements so independent processes sharing the file
// never need a lock beyond SQLite's own.
type SQLite struct {
	db      *sql.DB
	tempDir string // removed on Close; set for MemoryPath
}

// MemoryPath opens a throwaway store that is discarded on Close.
//
// A real SQLite ":memory:" database is private to one connection, and
// database/sql pools several, so the throwaway store is a file in a private
// temp dir instead.
const MemoryPath = ":memory:"

// Open opens (or creates) the database at path and runs the schema migration.
func Open(path string) (*SQLite, error) {
	var tempDir string
	if path == MemoryPath {
		dir, err := os.MkdirTemp("", "autopilot-store-")
		if err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
		tempDir, path = dir, filepath.Join(dir, "autopilot.db")
	} else if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		if tempDir != "" {
			os.RemoveAll(tempDir)
		}
		return nil, fmt.Errorf("open store: %w", err)
	}
	s := &SQLite{db: db, tempDir: tempDir}
	// WAL lets the gateway read while the loop writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		s.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return s, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS priorities (
			agent      TEXT PRIMARY KEY,
			weight     REAL NOT NULL,
			confidence REAL NOT NULL,
			rationale  TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS outcome_counters (
			kind  TEXT PRIMARY KEY,
			value INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS recovery_actions (
			id           TEXT PRIMARY KEY,
			agent        TEXT NOT NULL,
			action       TEXT NOT NULL,
			reason       TEXT NOT NULL,
			trust_before REAL NOT NULL,
			trust_after  REAL NOT NULL,
			trace_id     TEXT NOT NULL DEFAULT '',
			created_at   INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_recovery_created ON recovery_actions(created_at);
		CREATE TABLE IF NOT EXISTS event_archive (
			seq       INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id  TEXT NOT NULL,
			type      TEXT NOT NULL,
			source    TEXT NOT NULL,
			priority  INTEGER NOT NULL,
			timestamp INTEGER NOT NULL,
			body      TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_event_archive_trace ON event_archive(trace_id);
		CREATE TABLE IF NOT EXISTS observability_metrics (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			route       TEXT NOT NULL,
			p50_ms      REAL NOT NULL,
			p95_ms      REAL NOT NULL,
			p99_ms      REAL NOT NULL,
			error_rate  REAL NOT NULL,
			sample_size INTEGER NOT NULL,
			recorded_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_metrics_recorded ON observability_metrics(recorded_at);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	err := s.db.Close()
	if s.tempDir != "" {
		os.RemoveAll(s.tempDir)
	}
	return err
}

// Ping checks the database is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	return unavailable("Store.Ping", s.db.PingContext(ctx))
}

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return domain.WrapOp(op, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err))
}

func (s *SQLite) UpsertPriority(ctx context.Context, p domain.PersistedPriority) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO priorities (agent, weight, confidence, rationale, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(agent) DO UPDATE SET
			weight = excluded.weight,
			confidence = excluded.confidence,
			rationale = excluded.rationale,
			updated_at = excluded.updated_at`,
		string(p.Agent), p.Weight, p.Confidence, p.Rationale, p.UpdatedAt.UnixMilli(),
	)
	return unavailable("Store.UpsertPriority", err)
}

// ListPriorities returns every stored priority ordered by agent name.
func (s *SQLite) ListPriorities(ctx context.Context) ([]domain.PersistedPriority, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT agent, weight, confidence, rationale, updated_at FROM priorities ORDER BY agent")
	if err != nil {
		return nil, unavailable("Store.ListPriorities", err)
	}
	defer rows.Close()

	var out []domain.PersistedPriority
	for rows.Next() {
		var (
			p       domain.PersistedPriority
			agent   string
			updated int64
		)
		if err := rows.Scan(&agent, &p.Weight, &p.Confidence, &p.Rationale, &updated); err != nil {
			return nil, unavailable("Store.ListPriorities", err)
		}
		p.Agent = domain.AgentID(agent)
		p.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, p)
	}
	return out, unavailable("Store.ListPriorities", rows.Err())
}

// IncrementOutcome adds delta to the counter for kind in a single statement.
func (s *SQLite) IncrementOutcome(ctx context.Context, kind domain.OutcomeKind, delta int64) error {
	if !kind.Valid() {
		return domain.NewDomainError("Store.IncrementOutcome", domain.ErrInvalidInput, "unknown outcome kind "+string(kind))
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outcome_counters (kind, value) VALUES (?, ?)
		ON CONFLICT(kind) DO UPDATE SET value = value + excluded.value`,
		string(kind), delta,
	)
	return unavailable("Store.IncrementOutcome", err)
}

func (s *SQLite) OutcomeCounters(ctx context.Context) (domain.OutcomeCounters, error) {
	var c domain.OutcomeCounters
	rows, err := s.db.QueryContext(ctx, "SELECT kind, value FROM outcome_counters")
	if err != nil {
		return c, unavailable("Store.OutcomeCounters", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			kind  string
			value int64
		)
		if err := rows.Scan(&kind, &value); err != nil {
			return c, unavailable("Store.OutcomeCounters", err)
		}
		switch domain.OutcomeKind(kind) {
		case domain.OutcomeKindCreated:
			c.TotalRecommendations = value
		case domain.OutcomeKindApplied:
			c.Applied = value
		case domain.OutcomeKindRolledBack:
			c.RolledBack = value
		case domain.OutcomeKindPolicyViolation:
			c.PolicyViolations = value
		}
	}
	return c, unavailable("Store.OutcomeCounters", rows.Err())
}

// AppendRecoveryAction inserts an immutable audit record. Re-inserting an
// existing ID fails with domain.ErrDuplicate.
func (s *SQLite) AppendRecoveryAction(ctx context.Context, a domain.RecoveryAction) error {
	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM recovery_actions WHERE id = ?", a.ID).Scan(&exists)
	if err != nil {
		return unavailable("Store.AppendRecoveryAction", err)
	}
	if exists > 0 {
		return domain.NewDomainError("Store.AppendRecoveryAction", domain.ErrDuplicate, a.ID)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO recovery_actions (id, agent, action, reason, trust_before, trust_after, trace_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, string(a.Agent), string(a.Action), a.Reason, a.TrustBefore, a.TrustAfter, a.TraceID,
		a.CreatedAt.UnixMilli(),
	)
	return unavailable("Store.AppendRecoveryAction", err)
}

// ListRecoveryActions returns the newest limit records, newest first.
func (s *SQLite) ListRecoveryActions(ctx context.Context, limit int) ([]domain.RecoveryAction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent, action, reason, trust_before, trust_after, trace_id, created_at
		FROM recovery_actions ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, unavailable("Store.ListRecoveryActions", err)
	}
	defer rows.Close()

	var out []domain.RecoveryAction
	for rows.Next() {
		var (
			a             domain.RecoveryAction
			agent, action string
			created       int64
		)
		if err := rows.Scan(&a.ID, &agent, &action, &a.Reason, &a.TrustBefore, &a.TrustAfter, &a.TraceID, &created); err != nil {
			return nil, unavailable("Store.ListRecoveryActions", err)
		}
		a.Agent = domain.AgentID(agent)
		a.Action = domain.RecoveryActionKind(action)
		a.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, a)
	}
	return out, unavailable("Store.ListRecoveryActions", rows.Err())
}

// ArchiveEvent stores the full JSON form of a dispatched event.
func (s *SQLite) ArchiveEvent(ctx context.Context, e domain.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal archived event: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO event_archive (trace_id, type, source, priority, timestamp, body)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.TraceID, string(e.Type), string(e.Source), e.Priority, e.Timestamp.UnixMilli(), string(body),
	)
	return unavailable("Store.ArchiveEvent", err)
}

// ArchivedEvents returns every archived event with the given trace ID in
// insertion order.
func (s *SQLite) ArchivedEvents(ctx context.Context, traceID string) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT body FROM event_archive WHERE trace_id = ? ORDER BY seq", traceID)
	if err != nil {
		return nil, unavailable("Store.ArchivedEvents", err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, unavailable("Store.ArchivedEvents", err)
		}
		var e domain.Event
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return nil, fmt.Errorf("decode archived event: %w", err)
		}
		out = append(out, e)
	}
	return out, unavailable("Store.ArchivedEvents", rows.Err())
}

func (s *SQLite) RecordMetric(ctx context.Context, m domain.ObservabilityMetric) error {
	if m.RecordedAt.IsZero() {
		m.RecordedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO observability_metrics (route, p50_ms, p95_ms, p99_ms, error_rate, sample_size, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.Route, m.P50Ms, m.P95Ms, m.P99Ms, m.ErrorRate, m.SampleSize, m.RecordedAt.UnixMilli(),
	)
	return unavailable("Store.RecordMetric", err)
}

// RecentMetrics returns metrics recorded at or after since, oldest first.
func (s *SQLite) RecentMetrics(ctx context.Context, since time.Time) ([]domain.ObservabilityMetric, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT route, p50_ms, p95_ms, p99_ms, error_rate, sample_size, recorded_at
		FROM observability_metrics WHERE recorded_at >= ? ORDER BY recorded_at, seq`,
		since.UnixMilli())
	if err != nil {
		return nil, unavailable("Store.RecentMetrics", err)
	}
	defer rows.Close()

	var out []domain.ObservabilityMetric
	for rows.Next() {
		var (
			m        domain.ObservabilityMetric
			recorded int64
		)
		if err := rows.Scan(&m.Route, &m.P50Ms, &m.P95Ms, &m.P99Ms, &m.ErrorRate, &m.SampleSize, &recorded); err != nil {
			return nil, unavailable("Store.RecentMetrics", err)
		}
		m.RecordedAt = time.UnixMilli(recorded).UTC()
		out = append(out, m)
	}
	return out, unavailable("Store.RecentMetrics", rows.Err())
}

// PruneMetrics deletes metrics recorded before cutoff and reports how many
// rows went.
func (s *SQLite) PruneMetrics(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM observability_metrics WHERE recorded_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, unavailable("Store.PruneMetrics", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
