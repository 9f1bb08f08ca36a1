package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateOrchestration(cfg, ve)
	validateAutonomy(cfg, ve)
	validateFederation(cfg, ve)
	validateStore(cfg, ve)
	validateGateway(cfg, ve)
	validateAudit(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateOrchestration(cfg *Config, ve *ValidationError) {
	o := cfg.Orchestration
	switch o.StreamBackend {
	case StreamBackendMemory:
	case StreamBackendRedis:
		if o.Enabled && o.RedisURL == "" {
			ve.Add("orchestration.redis_url is required when stream_backend is %q", StreamBackendRedis)
		}
	default:
		ve.Add("orchestration.stream_backend %q is invalid (want %q or %q)",
			o.StreamBackend, StreamBackendMemory, StreamBackendRedis)
	}
	if o.StreamKey == "" {
		ve.Add("orchestration.stream_key must not be empty")
	}
	if o.MaxLen <= 0 {
		ve.Add("orchestration.max_len must be > 0")
	}
}

func validateAutonomy(cfg *Config, ve *ValidationError) {
	a := cfg.Autonomy
	if a.InitialConcurrency < 1 || a.InitialConcurrency > 6 {
		ve.Add("autonomy.initial_concurrency must be in [1, 6], got %d", a.InitialConcurrency)
	}
	if a.InitialInterval < time.Minute || a.InitialInterval > 15*time.Minute {
		ve.Add("autonomy.initial_interval must be in [1m, 15m], got %s", a.InitialInterval)
	}
	if a.HistorySize <= 0 {
		ve.Add("autonomy.history_size must be > 0")
	}
	if a.MetricsWindow <= 0 {
		ve.Add("autonomy.metrics_window must be > 0")
	}
	switch a.RecoveryAgent {
	case "governance", "optimizer", "learning", "insight", "federation":
	default:
		ve.Add("autonomy.recovery_agent %q is not a known agent", a.RecoveryAgent)
	}
}

func validateFederation(cfg *Config, ve *ValidationError) {
	f := cfg.Federation
	if !f.Enabled {
		return
	}
	// A federation without a secret cannot sign or verify anything.
	if f.SharedSecret == "" {
		ve.Add("federation.shared_secret is required when federation is enabled")
	} else if strings.HasPrefix(f.SharedSecret, "enc:") {
		ve.Add("federation.shared_secret is encrypted but AUTOPILOT_CONFIG_KEY is not set")
	}
	if f.TenantID == "" {
		ve.Add("federation.tenant_id is required when federation is enabled")
	}
	for i, ep := range f.Endpoints {
		u, err := url.Parse(ep)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			ve.Add("federation.endpoints[%d] %q must be an absolute http(s) URL", i, ep)
		}
	}
	if f.DeliveryTimeout <= 0 {
		ve.Add("federation.delivery_timeout must be > 0")
	}
	if f.RecentBuffer <= 0 {
		ve.Add("federation.recent_buffer must be > 0")
	}
	if f.EvaluateMinInterval < 0 {
		ve.Add("federation.evaluate_min_interval must be >= 0")
	}
	if f.IngestRateLimit.RequestsPerMin < 0 || f.IngestRateLimit.BurstSize < 0 {
		ve.Add("federation.ingest_rate_limit values must be >= 0")
	}
}

func validateStore(cfg *Config, ve *ValidationError) {
	if cfg.Store.Path == "" {
		ve.Add("store.path must not be empty")
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if !cfg.Gateway.Enabled {
		return
	}
	if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
		ve.Add("gateway.addr %q is invalid: %v", cfg.Gateway.Addr, err)
	}
}

func validateAudit(cfg *Config, ve *ValidationError) {
	if !cfg.Audit.Enabled {
		return
	}
	if cfg.Audit.Path == "" {
		ve.Add("audit.path must not be empty when audit is enabled")
	}
	if cfg.Audit.MaxAge < 0 {
		ve.Add("audit.max_age must be >= 0")
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		ve.Add("logger.level %q is invalid", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "text", "json", "tint":
	default:
		ve.Add("logger.format %q is invalid (want text, json, or tint)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "stdout", "noop", "":
	default:
		ve.Add("tracer.exporter %q is not supported", cfg.Tracer.Exporter)
	}
}
