package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"autopilot/internal/domain"
)

func readEntries(t *testing.T, path string) []domain.AuditEvent {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var out []domain.AuditEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e domain.AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("line %q: %v", scanner.Text(), err)
		}
		out = append(out, e)
	}
	return out
}

func TestLogWritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.jsonl")
	a, err := Open(path, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	ctx := context.Background()
	if err := a.Log(ctx, domain.AuditEvent{
		Type:     domain.AuditFederationReject,
		Actor:    "tenant-b",
		Resource: "evt-1",
		Outcome:  "SIGNATURE_INVALID",
	}); err != nil {
		t.Fatalf("Log: %v", err)
	}
	if err := a.Log(ctx, domain.AuditEvent{Type: domain.AuditPolicyBlocked, Detail: map[string]string{"recommendation_id": "r1"}}); err != nil {
		t.Fatalf("Log: %v", err)
	}

	entries := readEntries(t, path)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Actor != "tenant-b" || entries[0].Type != domain.AuditFederationReject {
		t.Errorf("first entry = %+v", entries[0])
	}
	if entries[0].Timestamp.IsZero() {
		t.Error("timestamp not filled in")
	}
	if entries[1].Detail["recommendation_id"] != "r1" {
		t.Errorf("detail = %v", entries[1].Detail)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("perm = %o, want 600", perm)
	}
}

func TestLogConcurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	a, err := Open(path, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Log(context.Background(), domain.AuditEvent{Type: domain.AuditAuthDenied})
		}()
	}
	wg.Wait()

	if n := len(readEntries(t, path)); n != 20 {
		t.Errorf("got %d entries, want 20", n)
	}
}

func TestLogAfterCloseFails(t *testing.T) {
	a, err := Open(filepath.Join(t.TempDir(), "audit.jsonl"), 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	a.Close()

	err = a.Log(context.Background(), domain.AuditEvent{Type: domain.AuditAuthDenied})
	if !errors.Is(err, domain.ErrAuditWrite) {
		t.Errorf("expected ErrAuditWrite, got %v", err)
	}
}

func TestEnforceRetention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	a, err := Open(path, 24*time.Hour)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }
	ctx := context.Background()
	a.Log(ctx, domain.AuditEvent{Type: domain.AuditAuthDenied, Timestamp: now.Add(-72 * time.Hour)})
	a.Log(ctx, domain.AuditEvent{Type: domain.AuditAuthDenied, Timestamp: now.Add(-48 * time.Hour)})
	a.Log(ctx, domain.AuditEvent{Type: domain.AuditPolicyBlocked, Timestamp: now.Add(-time.Hour)})

	removed, err := a.EnforceRetention(ctx)
	if err != nil {
		t.Fatalf("EnforceRetention: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	// The logger keeps appending after the rewrite.
	if err := a.Log(ctx, domain.AuditEvent{Type: domain.AuditFederationAccept}); err != nil {
		t.Fatalf("Log after retention: %v", err)
	}
	entries := readEntries(t, path)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Type != domain.AuditPolicyBlocked || entries[1].Type != domain.AuditFederationAccept {
		t.Errorf("entries = %+v", entries)
	}
}

func TestEnforceRetentionDisabled(t *testing.T) {
	a, err := Open(filepath.Join(t.TempDir(), "audit.jsonl"), 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()
	a.Log(context.Background(), domain.AuditEvent{Type: domain.AuditAuthDenied, Timestamp: time.Unix(0, 0)})

	removed, err := a.EnforceRetention(context.Background())
	if err != nil || removed != 0 {
		t.Errorf("EnforceRetention = %d, %v; want 0, nil", removed, err)
	}
}
