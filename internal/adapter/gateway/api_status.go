package gateway

import (
	"net/http"
	"strconv"
	"time"

	"autopilot/internal/domain"
	"autopilot/internal/usecase/autonomy"
	"autopilot/internal/usecase/federation"
	"autopilot/internal/usecase/scheduling"
)

// StatusResponse is the JSON body returned by GET /api/v1/status.
type StatusResponse struct {
	Service       string                `json:"service"`
	UptimeSeconds int64                 `json:"uptimeSeconds"`
	Loop          *autonomy.Status      `json:"loop,omitempty"`
	Trust         *domain.TrustScore    `json:"trust,omitempty"`
	Federation    *federation.Status    `json:"federation,omitempty"`
	Tasks         []scheduling.TaskInfo `json:"tasks,omitempty"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Service:       "autopilot",
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}
	if s.deps.Loop != nil {
		st := s.deps.Loop.Status()
		resp.Loop = &st
	}
	if s.deps.Outcomes != nil {
		if ts, err := s.deps.Outcomes.Compute(r.Context()); err == nil {
			resp.Trust = &ts
		} else {
			s.logger.Warn("status: trust unavailable", "error", err)
		}
	}
	if s.deps.Federation != nil {
		st := s.deps.Federation.Status()
		resp.Federation = &st
	}
	if s.deps.Tasks != nil {
		resp.Tasks = s.deps.Tasks.Tasks()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) priorities(w http.ResponseWriter, r *http.Request) {
	ps, err := s.deps.Priorities.Stored(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if ps == nil {
		ps = []domain.PersistedPriority{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"priorities": ps})
}

func (s *Server) recovery(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 50, 500)
	if err != nil {
		writeError(w, err)
		return
	}
	actions, err := s.deps.Recovery.History(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if actions == nil {
		actions = []domain.RecoveryAction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 50, 500)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Events.Snapshot(r.Context(), limit))
}

func (s *Server) archivedEvents(w http.ResponseWriter, r *http.Request) {
	traceID := r.PathValue("traceId")
	events, err := s.deps.Archive.ArchivedEvents(r.Context(), traceID)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(events) == 0 {
		writeError(w, domain.NewDomainError("gateway.archivedEvents", domain.ErrNotFound, "no events for trace "+traceID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"traceId": traceID, "events": events})
}

// queryLimit parses ?limit=, defaulting to def and capping at maxLimit.
func queryLimit(r *http.Request, def, maxLimit int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, domain.NewDomainError("gateway.limit", domain.ErrInvalidInput, "limit must be a positive integer")
	}
	return min(n, maxLimit), nil
}
