package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autopilot/internal/domain"
	"autopilot/internal/infra/config"
	"autopilot/internal/usecase/autonomy"
)

// writeConfig writes a minimal config whose store lives in a temp dir.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "autopilot.yaml")
	body := "store:\n  path: " + filepath.Join(dir, "autopilot.db") + "\n" +
		"orchestration:\n  enabled: true\n" +
		"gateway:\n  enabled: false\n" +
		"logger:\n  level: error\n  format: text\n  output: stderr\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestConfigPathPrecedence(t *testing.T) {
	t.Setenv("AUTOPILOT_CONFIG", "/etc/autopilot.yaml")
	assert.Equal(t, "/tmp/x.yaml", configPath("/tmp/x.yaml"))
	assert.Equal(t, "/etc/autopilot.yaml", configPath(""))
	t.Setenv("AUTOPILOT_CONFIG", "")
	assert.Equal(t, "autopilot.yaml", configPath(""))
}

func TestEncryptRoundTrip(t *testing.T) {
	t.Setenv("AUTOPILOT_CONFIG_KEY", "passphrase")
	var out bytes.Buffer
	require.NoError(t, runEncrypt(nil, strings.NewReader("s3cret\n"), &out))

	line := strings.TrimSpace(out.String())
	require.True(t, strings.HasPrefix(line, "enc:"))
	plain, err := config.DecryptValue(strings.TrimPrefix(line, "enc:"), "passphrase")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", plain)
}

func TestEncryptRequiresKey(t *testing.T) {
	t.Setenv("AUTOPILOT_CONFIG_KEY", "")
	err := runEncrypt([]string{"--value", "x"}, strings.NewReader(""), &bytes.Buffer{})
	assert.Error(t, err)
}

func TestCycleCommandIsDryRun(t *testing.T) {
	path := writeConfig(t)
	var out bytes.Buffer
	require.NoError(t, runCycle([]string{"--config", path}, &out))

	var res autonomy.CycleResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.NotEmpty(t, res.TraceID)
	assert.NotEmpty(t, res.Summary)
	assert.Nil(t, res.Event, "dry run dispatches nothing")
}

func TestTrustCommand(t *testing.T) {
	path := writeConfig(t)
	var out bytes.Buffer
	require.NoError(t, runTrust([]string{"--config", path}, &out))

	var ts domain.TrustScore
	require.NoError(t, json.Unmarshal(out.Bytes(), &ts))
	assert.GreaterOrEqual(t, ts.Score, 0)
	assert.LessOrEqual(t, ts.Score, 100)
}

func TestRuntimeWiresAuditRetention(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Store.Path = filepath.Join(dir, "autopilot.db")
	cfg.Gateway.Enabled = false
	cfg.Audit.Enabled = true
	cfg.Audit.Path = filepath.Join(dir, "audit", "audit.jsonl")

	ctx := context.Background()
	rt, cleanup, err := initRuntime(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer cleanup(ctx)

	require.NotNil(t, rt.Audit)
	assert.Nil(t, rt.Cluster, "memory backend runs without cluster locks")

	var names []string
	for _, task := range rt.Scheduler.Tasks() {
		names = append(names, task.Name)
	}
	assert.Contains(t, names, "audit-retention")

	jobs := scheduledJobs(rt, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NotNil(t, jobs.AuditRetention)
	require.NoError(t, jobs.AuditRetention(ctx))

	data, err := os.ReadFile(cfg.Audit.Path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"retention_enforced"`)
}

func TestServeKeepsRunningWithFeaturesDisabled(t *testing.T) {
	path := writeConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, []string{"--config", path}) }()

	select {
	case err := <-done:
		t.Fatalf("serve exited with the loop disabled: %v", err)
	case <-time.After(500 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}
}
