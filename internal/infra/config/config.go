package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Orchestration OrchestrationConfig `yaml:"orchestration"`
	Autonomy      AutonomyConfig      `yaml:"autonomy"`
	Federation    FederationConfig    `yaml:"federation"`
	Store         StoreConfig         `yaml:"store"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Audit         AuditConfig         `yaml:"audit"`
	Logger        LoggerConfig        `yaml:"logger"`
	Tracer        TracerConfig        `yaml:"tracer"`
}

// Stream backend selectors.
const (
	StreamBackendMemory = "memory"
	StreamBackendRedis  = "redis"
)

// OrchestrationConfig holds the event bus settings.
type OrchestrationConfig struct {
	Enabled       bool   `yaml:"enabled"`
	StreamBackend string `yaml:"stream_backend"` // "memory" or "redis"
	StreamKey     string `yaml:"stream_key"`     // event stream key; agent keys derive from it
	MaxLen        int64  `yaml:"max_len"`        // trimmed length of the event stream
	RedisURL      string `yaml:"redis_url"`      // e.g. "redis://localhost:6379/0"
}

// AutonomyConfig holds control loop settings.
type AutonomyConfig struct {
	Enabled            bool          `yaml:"enabled"`
	InitialConcurrency int           `yaml:"initial_concurrency"`
	InitialInterval    time.Duration `yaml:"initial_interval"`
	HistorySize        int           `yaml:"history_size"`
	MetricsWindow      time.Duration `yaml:"metrics_window"` // how far back observability samples count
	RecoveryAgent      string        `yaml:"recovery_agent"` // agent recovery sweeps are recorded against
	SnapshotLimit      int           `yaml:"snapshot_limit"`
}

// FederationConfig holds cross-tenant federation settings.
type FederationConfig struct {
	Enabled             bool            `yaml:"enabled"`
	TenantID            string          `yaml:"tenant_id"`
	SharedSecret        string          `yaml:"shared_secret"` // may be "enc:..."
	Endpoints           []string        `yaml:"endpoints"`
	DeliveryTimeout     time.Duration   `yaml:"delivery_timeout"`
	RecentBuffer        int             `yaml:"recent_buffer"`
	BroadcastSchedule   string          `yaml:"broadcast_schedule"` // cron expression or duration
	EvaluateMinInterval time.Duration   `yaml:"evaluate_min_interval"`
	Breaker             BreakerConfig   `yaml:"breaker"`
	IngestRateLimit     RateLimitConfig `yaml:"ingest_rate_limit"`
}

// BreakerConfig configures the per-peer circuit breaker.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// RateLimitConfig configures the inbound federation rate limiter.
type RateLimitConfig struct {
	RequestsPerMin int      `yaml:"requests_per_min"`
	BurstSize      int      `yaml:"burst_size"`
	TrustedProxies []string `yaml:"trusted_proxies,omitempty"`
}

// StoreConfig holds durable store settings.
type StoreConfig struct {
	Path string `yaml:"path"` // SQLite database file
}

// GatewayConfig holds the HTTP surface settings.
type GatewayConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	// APIToken guards the operator endpoints (/api/v1/*). Empty disables auth
	// for them; federation endpoints always use the shared secret.
	APIToken string `yaml:"api_token"`
}

// SchedulerConfig holds periodic job settings.
type SchedulerConfig struct {
	Enabled       bool   `yaml:"enabled"`
	TrimSchedule  string `yaml:"trim_schedule"`  // stream trim sweep
	SweepSchedule string `yaml:"sweep_schedule"` // extra recovery sweeps between cycles; empty = off
}

// AuditConfig holds the security audit trail settings.
type AuditConfig struct {
	Enabled bool          `yaml:"enabled"`
	Path    string        `yaml:"path"`    // JSONL file
	MaxAge  time.Duration `yaml:"max_age"` // entries older than this are dropped daily; 0 keeps everything
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text", "json", or "tint"
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// defaultDataDir returns the persistent data directory under $HOME/.autopilot/data.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".autopilot", "data")
}

// Defaults returns a Config with sensible defaults. Every feature flag starts
// disabled.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Orchestration: OrchestrationConfig{
			Enabled:       false,
			StreamBackend: StreamBackendMemory,
			StreamKey:     "autopilot:orchestrator",
			MaxLen:        200,
		},
		Autonomy: AutonomyConfig{
			Enabled:            false,
			InitialConcurrency: 1,
			InitialInterval:    5 * time.Minute,
			HistorySize:        50,
			MetricsWindow:      15 * time.Minute,
			RecoveryAgent:      "optimizer",
			SnapshotLimit:      50,
		},
		Federation: FederationConfig{
			Enabled:             false,
			DeliveryTimeout:     5 * time.Second,
			RecentBuffer:        25,
			BroadcastSchedule:   "10m",
			EvaluateMinInterval: 5 * time.Second,
			Breaker: BreakerConfig{
				MaxFailures: 3,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
			IngestRateLimit: RateLimitConfig{
				RequestsPerMin: 120,
				BurstSize:      20,
			},
		},
		Store: StoreConfig{
			Path: filepath.Join(dataDir, "autopilot.db"),
		},
		Gateway: GatewayConfig{
			Enabled: false,
			Addr:    ":8095",
		},
		Scheduler: SchedulerConfig{
			Enabled:      true,
			TrimSchedule: "*/5 * * * *",
		},
		Audit: AuditConfig{
			Enabled: false,
			Path:    filepath.Join(dataDir, "audit.jsonl"),
			MaxAge:  30 * 24 * time.Hour,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file is not an error; defaults plus env overrides are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := validatePermissions(path); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("AUTOPILOT_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps AUTOPILOT_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v, ok := envBool("AUTOPILOT_ORCHESTRATION_ENABLED"); ok {
		cfg.Orchestration.Enabled = v
	}
	if v := os.Getenv("AUTOPILOT_STREAM_BACKEND"); v != "" {
		cfg.Orchestration.StreamBackend = v
	}
	if v := os.Getenv("AUTOPILOT_REDIS_URL"); v != "" {
		cfg.Orchestration.RedisURL = v
	}
	if v := os.Getenv("AUTOPILOT_STREAM_MAX_LEN"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Orchestration.MaxLen = n
		}
	}
	if v, ok := envBool("AUTOPILOT_AUTONOMY_ENABLED"); ok {
		cfg.Autonomy.Enabled = v
	}
	if v := os.Getenv("AUTOPILOT_AUTONOMY_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Autonomy.InitialInterval = d
		}
	}
	if v, ok := envBool("AUTOPILOT_FEDERATION_ENABLED"); ok {
		cfg.Federation.Enabled = v
	}
	if v := os.Getenv("AUTOPILOT_FEDERATION_TENANT_ID"); v != "" {
		cfg.Federation.TenantID = v
	}
	if v := os.Getenv("AUTOPILOT_FEDERATION_SECRET"); v != "" {
		cfg.Federation.SharedSecret = v
	}
	if v := os.Getenv("AUTOPILOT_FEDERATION_ENDPOINTS"); v != "" {
		cfg.Federation.Endpoints = splitAndTrim(v, ",")
	}
	if v := os.Getenv("AUTOPILOT_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v, ok := envBool("AUTOPILOT_GATEWAY_ENABLED"); ok {
		cfg.Gateway.Enabled = v
	}
	if v := os.Getenv("AUTOPILOT_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("AUTOPILOT_GATEWAY_API_TOKEN"); v != "" {
		cfg.Gateway.APIToken = v
	}
	if v, ok := envBool("AUTOPILOT_AUDIT_ENABLED"); ok {
		cfg.Audit.Enabled = v
	}
	if v := os.Getenv("AUTOPILOT_AUDIT_PATH"); v != "" {
		cfg.Audit.Path = v
	}
	if v := os.Getenv("AUTOPILOT_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("AUTOPILOT_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v, ok := envBool("AUTOPILOT_TRACER_ENABLED"); ok {
		cfg.Tracer.Enabled = v
	}
	if v := os.Getenv("AUTOPILOT_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

// envBool reads a boolean env var. The second result is false when the
// variable is unset or unparsable.
func envBool(name string) (bool, bool) {
	v := os.Getenv(name)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// splitAndTrim splits s by sep and trims whitespace from each element,
// dropping empty elements.
func splitAndTrim(s, sep string) []string {
	var out []string
	for _, p := range strings.Split(s, sep) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// decryptSecrets finds "enc:..." values and decrypts them in place.
func decryptSecrets(cfg *Config, passphrase string) error {
	secrets := map[string]*string{
		"federation.shared_secret": &cfg.Federation.SharedSecret,
		"gateway.api_token":        &cfg.Gateway.APIToken,
		"orchestration.redis_url":  &cfg.Orchestration.RedisURL,
	}
	for name, fp := range secrets {
		if !strings.HasPrefix(*fp, "enc:") {
			continue
		}
		decrypted, err := DecryptValue(strings.TrimPrefix(*fp, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*fp = decrypted
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
// The file may hold the federation shared secret.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
