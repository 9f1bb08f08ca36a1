package gateway

import (
	"net/http"

	"autopilot/internal/domain"
	"autopilot/internal/infra/middleware"
	"autopilot/internal/usecase/federation"
)

// FederationStatusResponse is the body of GET /api/federation/status.
type FederationStatusResponse struct {
	federation.Status
	Snapshots []domain.FederationSnapshot `json:"snapshots,omitempty"`
	Insight   *domain.GlobalInsight       `json:"insight,omitempty"`
}

func (s *Server) federationIngest(w http.ResponseWriter, r *http.Request) {
	var e domain.FederationEvent
	if err := decodeBody(w, r, &e); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Federation.Ingest(r.Context(), e); err != nil {
		code := domain.ErrorCodeOf(err)
		s.logger.Warn("federation event rejected",
			"tenant", e.TenantID,
			"type", string(e.Type),
			"code", string(code),
		)
		s.audit(r.Context(), domain.AuditEvent{
			Type:     domain.AuditFederationReject,
			Actor:    e.TenantID,
			Resource: e.ID,
			Action:   string(e.Type),
			Outcome:  string(code),
			Detail:   map[string]string{"ip": middleware.ClientIP(r, s.deps.TrustedProxies)},
		})
		writeError(w, err)
		return
	}
	s.audit(r.Context(), domain.AuditEvent{
		Type:     domain.AuditFederationAccept,
		Actor:    e.TenantID,
		Resource: e.ID,
		Action:   string(e.Type),
		Outcome:  "accepted",
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "id": e.ID})
}

func (s *Server) federationStatus(w http.ResponseWriter, _ *http.Request) {
	resp := FederationStatusResponse{Status: s.deps.Federation.Status()}
	if s.deps.Network != nil {
		resp.Snapshots = s.deps.Network.Snapshots()
		resp.Insight = s.deps.Network.LastInsight()
	}
	writeJSON(w, http.StatusOK, resp)
}
