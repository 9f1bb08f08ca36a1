// Package audit keeps the security audit trail: rejected federation events,
// denied requests and policy blocks, one JSON object per line.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"autopilot/internal/domain"
	"autopilot/internal/infra/tracer"
)

var _ domain.AuditLogger = (*FileLogger)(nil)

// FileLogger appends audit events to a JSONL file.
type FileLogger struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	maxAge time.Duration
	now    func() time.Time
}

// Open creates the file (0600) and its directory when missing. maxAge bounds
// what EnforceRetention keeps; zero keeps everything.
func Open(path string, maxAge time.Duration) (*FileLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := openAppend(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &FileLogger{file: f, path: path, maxAge: maxAge, now: time.Now}, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
}

// Log writes event as a single JSON line and mirrors it onto the active span.
func (a *FileLogger) Log(ctx context.Context, event domain.AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return domain.NewDomainError("audit.Log", domain.ErrAuditWrite, err.Error())
	}

	a.mu.Lock()
	_, err = a.file.Write(append(data, '\n'))
	a.mu.Unlock()
	if err != nil {
		return domain.NewDomainError("audit.Log", domain.ErrAuditWrite, err.Error())
	}

	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		attrs := make([]attribute.KeyValue, 0, len(event.Detail)+1)
		attrs = append(attrs, tracer.StringAttr("audit.outcome", event.Outcome))
		for k, v := range event.Detail {
			attrs = append(attrs, tracer.StringAttr("audit."+k, v))
		}
		span.AddEvent("audit."+string(event.Type), trace.WithAttributes(attrs...))
	}
	return nil
}

// Close closes the audit log file.
func (a *FileLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// EnforceRetention rewrites the file without entries older than maxAge and
// returns how many were dropped. Writers block for the duration.
func (a *FileLogger) EnforceRetention(ctx context.Context) (int, error) {
	if a.maxAge <= 0 {
		return 0, nil
	}
	cutoff := a.now().Add(-a.maxAge)

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.file.Close(); err != nil {
		return 0, fmt.Errorf("close for retention: %w", err)
	}
	// Whatever happens below, leave an open append handle behind.
	defer func() {
		if f, err := openAppend(a.path); err == nil {
			a.file = f
		}
	}()

	kept, removed, err := a.filter(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if removed == 0 {
		return 0, nil
	}

	tmpPath := a.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	w := bufio.NewWriter(tmp)
	for _, line := range kept {
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("write temp file: %w", err)
	}
	tmp.Close()
	if err := os.Rename(tmpPath, a.path); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("rename temp file: %w", err)
	}
	return removed, nil
}

func (a *FileLogger) filter(ctx context.Context, cutoff time.Time) (kept [][]byte, removed int, err error) {
	f, err := os.Open(a.path)
	if err != nil {
		return nil, 0, fmt.Errorf("open for reading: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry struct {
			Timestamp time.Time `json:"timestamp"`
		}
		if json.Unmarshal(line, &entry) == nil && !entry.Timestamp.IsZero() && entry.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, append([]byte(nil), line...))
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("scan audit log: %w", err)
	}
	return kept, removed, nil
}
