package gateway

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"autopilot/internal/domain"
)

// OutcomeRequest is the body of POST /api/v1/outcomes.
type OutcomeRequest struct {
	Kind             domain.OutcomeKind    `json:"kind"`
	RecommendationID string                `json:"recommendationId,omitempty"`
	PolicyDecision   domain.PolicyDecision `json:"policyDecision,omitempty"`
	AutoApply        bool                  `json:"autoApply,omitempty"`
	Score            *float64              `json:"score,omitempty"`
}

// OutcomeResponse reports what was recorded and the resulting trust.
type OutcomeResponse struct {
	Recorded []domain.OutcomeKind `json:"recorded"`
	Trust    *domain.TrustScore   `json:"trust,omitempty"`
}

func validateMetric(m domain.ObservabilityMetric) error {
	ve := &domain.ValidationError{Kind: "metric"}
	if m.Route == "" {
		ve.Add("route", "is required")
	}
	if m.P50Ms < 0 || m.P95Ms < 0 || m.P99Ms < 0 {
		ve.Add("p50Ms", "latencies must be >= 0")
	}
	if m.ErrorRate < 0 || m.ErrorRate > 1 {
		ve.Add("errorRate", "must be in [0, 1], got %g", m.ErrorRate)
	}
	if m.SampleSize < 0 {
		ve.Add("sampleSize", "must be >= 0")
	}
	if err := ve.OrNil(); err != nil {
		return domain.NewDomainError("gateway.recordMetric", domain.ErrInvalidInput, err.Error())
	}
	return nil
}

func (s *Server) recordMetric(w http.ResponseWriter, r *http.Request) {
	var m domain.ObservabilityMetric
	if err := decodeBody(w, r, &m); err != nil {
		writeError(w, err)
		return
	}
	if err := validateMetric(m); err != nil {
		writeError(w, err)
		return
	}
	if m.RecordedAt.IsZero() {
		m.RecordedAt = time.Now().UTC()
	}
	if err := s.deps.Metrics.RecordMetric(r.Context(), m); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

// recordOutcome moves the outcome counters. An auto-applied recommendation
// against a BLOCKED policy is refused with 409; a manual apply against one
// is recorded and also counted as a policy violation.
func (s *Server) recordOutcome(w http.ResponseWriter, r *http.Request) {
	var req OutcomeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !req.Kind.Valid() {
		writeError(w, domain.NewDomainError("gateway.recordOutcome", domain.ErrInvalidInput, "unknown kind "+string(req.Kind)))
		return
	}
	if req.PolicyDecision != "" && !req.PolicyDecision.Valid() {
		writeError(w, domain.NewDomainError("gateway.recordOutcome", domain.ErrInvalidInput, "unknown policyDecision "+string(req.PolicyDecision)))
		return
	}

	kinds := []domain.OutcomeKind{req.Kind}
	if req.Kind == domain.OutcomeKindApplied {
		if err := domain.EnforcePolicy(req.PolicyDecision, req.AutoApply); err != nil {
			s.deps.Prom.PolicyBlocked()
			s.logger.Warn("auto-apply blocked by policy", "recommendation_id", req.RecommendationID)
			s.audit(r.Context(), domain.AuditEvent{
				Type:     domain.AuditPolicyBlocked,
				Resource: req.RecommendationID,
				Action:   "auto_apply",
				Outcome:  string(domain.CodePolicyBlocked),
			})
			writeError(w, err)
			return
		}
		if req.PolicyDecision == domain.PolicyBlocked {
			kinds = append(kinds, domain.OutcomeKindPolicyViolation)
			s.audit(r.Context(), domain.AuditEvent{
				Type:     domain.AuditPolicyViolation,
				Resource: req.RecommendationID,
				Action:   "manual_apply",
				Outcome:  "recorded",
			})
		}
	}

	for _, k := range kinds {
		if err := s.deps.Outcomes.Record(r.Context(), k); err != nil {
			writeError(w, err)
			return
		}
	}
	s.dispatchEvaluation(r, req)

	resp := OutcomeResponse{Recorded: kinds}
	if ts, err := s.deps.Outcomes.Compute(r.Context()); err == nil {
		resp.Trust = &ts
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// dispatchEvaluation mirrors applied and rolled back outcomes onto the
// orchestration stream. Failures are logged only.
func (s *Server) dispatchEvaluation(r *http.Request, req OutcomeRequest) {
	if s.deps.Events == nil || req.RecommendationID == "" {
		return
	}
	var outcome domain.EvaluationOutcome
	switch req.Kind {
	case domain.OutcomeKindApplied:
		outcome = domain.OutcomeApplied
	case domain.OutcomeKindRolledBack:
		outcome = domain.OutcomeRolledBack
	default:
		return
	}
	_, err := s.deps.Events.DispatchEvent(r.Context(), domain.EventInput{
		Source: domain.AgentLearning,
		Target: domain.AgentOptimizer,
		Payload: domain.EvaluationPayload{
			RecommendationID: req.RecommendationID,
			Outcome:          outcome,
			Score:            req.Score,
		},
	})
	if err != nil {
		level := slog.LevelError
		if errors.Is(err, domain.ErrInvalidEvent) {
			level = slog.LevelWarn
		}
		s.logger.Log(r.Context(), level, "evaluation dispatch failed", "recommendation_id", req.RecommendationID, "error", err)
	}
}
