package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"autopilot/internal/domain"
	"autopilot/internal/infra/metrics"
	"autopilot/internal/infra/middleware"
	"autopilot/internal/usecase/autonomy"
	"autopilot/internal/usecase/eventbus"
	"autopilot/internal/usecase/federation"
	"autopilot/internal/usecase/orchestrator"
	"autopilot/internal/usecase/scheduling"
)

// FederationService is the federation bus as seen by the gateway.
type FederationService interface {
	Ingest(ctx context.Context, e domain.FederationEvent) error
	Status() federation.Status
}

// NetworkView exposes the federation agent's per-tenant state.
type NetworkView interface {
	Snapshots() []domain.FederationSnapshot
	LastInsight() *domain.GlobalInsight
}

// LoopStatus reports the control loop.
type LoopStatus interface {
	Status() autonomy.Status
}

// PriorityReader returns the stored agent weights.
type PriorityReader interface {
	Stored(ctx context.Context) ([]domain.PersistedPriority, error)
}

// RecoveryHistory reads the recovery audit log.
type RecoveryHistory interface {
	History(ctx context.Context, limit int) ([]domain.RecoveryAction, error)
}

// OutcomeRecorder moves outcome counters and reports the resulting trust.
type OutcomeRecorder interface {
	Record(ctx context.Context, kind domain.OutcomeKind) error
	Compute(ctx context.Context) (domain.TrustScore, error)
}

// EventLog is the orchestrator surface the gateway reads and writes.
type EventLog interface {
	Snapshot(ctx context.Context, limit int) orchestrator.Snapshot
	DispatchEvent(ctx context.Context, in domain.EventInput) (*domain.Event, error)
}

// EventArchive reads archived events by trace.
type EventArchive interface {
	ArchivedEvents(ctx context.Context, traceID string) ([]domain.Event, error)
}

// TaskLister lists scheduled housekeeping tasks.
type TaskLister interface {
	Tasks() []scheduling.TaskInfo
}

// HandlerDeps are the gateway's collaborators. Any of them may be nil; the
// routes that need a missing one are not mounted.
type HandlerDeps struct {
	Federation FederationService
	Network    NetworkView
	Loop       LoopStatus
	Priorities PriorityReader
	Recovery   RecoveryHistory
	Outcomes   OutcomeRecorder
	Metrics    domain.MetricsSink
	Events     EventLog
	Archive    EventArchive
	Tasks      TaskLister
	Feed       *eventbus.Bus
	Prom       *metrics.Metrics
	Limiter    *middleware.Limiter
	Audit      domain.AuditLogger
	Logger     *slog.Logger

	// FederationSecret authenticates peers; APIToken guards /api/v1 and
	// /metrics and is optional.
	FederationSecret string
	APIToken         string
	TrustedProxies   []string
}

// feedClient is one event feed subscriber.
type feedClient struct {
	sendCh chan Frame
}

// Server is the HTTP gateway.
type Server struct {
	deps      HandlerDeps
	addr      string
	logger    *slog.Logger
	handler   http.Handler
	httpSrv   *http.Server
	boundAddr atomic.Value // string
	started   time.Time

	clients sync.Map // connID (uint64) -> *feedClient
	nextID  atomic.Uint64
	unsub   func()
}

// NewServer builds the gateway and its routes.
func NewServer(addr string, deps HandlerDeps) *Server {
	s := &Server{
		deps:    deps,
		addr:    addr,
		logger:  deps.Logger,
		started: time.Now(),
	}
	s.handler = middleware.SecurityHeaders(s.routes())
	if deps.Feed != nil {
		s.unsub = deps.Feed.SubscribeAll(s.broadcast)
	}
	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	fed := NewTokenAuth(s.deps.FederationSecret)
	api := NewOptionalTokenAuth(s.deps.APIToken)

	if s.deps.Federation != nil {
		ingest := http.Handler(s.guard(fed, s.federationIngest))
		if s.deps.Limiter != nil {
			ingest = s.deps.Limiter.Middleware(ingest)
		}
		mux.Handle("POST /api/federation/events", ingest)
		mux.HandleFunc("GET /api/federation/status", s.guard(fed, s.federationStatus))
	}

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /api/v1/status", s.guard(api, s.status))
	if s.deps.Prom != nil {
		prom := s.deps.Prom.Handler()
		mux.HandleFunc("GET /metrics", s.guard(api, prom.ServeHTTP))
	}
	if s.deps.Priorities != nil {
		mux.HandleFunc("GET /api/v1/priorities", s.guard(api, s.priorities))
	}
	if s.deps.Recovery != nil {
		mux.HandleFunc("GET /api/v1/recovery", s.guard(api, s.recovery))
	}
	if s.deps.Metrics != nil {
		mux.HandleFunc("POST /api/v1/metrics", s.guard(api, s.recordMetric))
	}
	if s.deps.Outcomes != nil {
		mux.HandleFunc("POST /api/v1/outcomes", s.guard(api, s.recordOutcome))
	}
	if s.deps.Events != nil {
		mux.HandleFunc("GET /api/v1/events", s.guard(api, s.events))
	}
	if s.deps.Archive != nil {
		mux.HandleFunc("GET /api/v1/events/{traceId}", s.guard(api, s.archivedEvents))
	}
	if s.deps.Feed != nil {
		mux.HandleFunc("GET /api/v1/events/ws", s.guard(api, s.handleFeed))
	}
	return mux
}

func (s *Server) guard(auth *TokenAuth, next http.HandlerFunc) http.HandlerFunc {
	return requireToken(auth, next, func(r *http.Request) {
		s.audit(r.Context(), domain.AuditEvent{
			Type:     domain.AuditAuthDenied,
			Actor:    middleware.ClientIP(r, s.deps.TrustedProxies),
			Resource: r.URL.Path,
			Action:   r.Method,
			Outcome:  string(domain.CodeAuthInvalid),
		})
	})
}

// audit records e when an audit logger is configured. Failures are logged
// and never fail the request.
func (s *Server) audit(ctx context.Context, e domain.AuditEvent) {
	if s.deps.Audit == nil {
		return
	}
	if err := s.deps.Audit.Log(ctx, e); err != nil {
		s.logger.Warn("audit write failed", "type", string(e.Type), "error", err)
	}
}

// Handler returns the root handler, for embedding or httptest.
func (s *Server) Handler() http.Handler { return s.handler }

// Start serves HTTP until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr.Store(listener.Addr().String())
	s.httpSrv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if s.deps.Limiter != nil {
		go s.deps.Limiter.Run(ctx)
	}

	s.logger.Info("gateway started", "addr", s.BoundAddr())

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the gateway server.
func (s *Server) Stop(ctx context.Context) error {
	if s.unsub != nil {
		s.unsub()
	}
	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// BoundAddr returns the actual address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string {
	addr, _ := s.boundAddr.Load().(string)
	return addr
}

// broadcast pushes a federation event to every feed subscriber, dropping it
// for clients whose queue is full.
func (s *Server) broadcast(_ context.Context, e domain.FederationEvent) {
	payload, err := json.Marshal(e)
	if err != nil {
		return
	}
	frame := Frame{Type: FrameTypeEvent, Event: string(e.Type), Tenant: e.TenantID, Payload: payload}
	s.clients.Range(func(_, value any) bool {
		fc := value.(*feedClient)
		select {
		case fc.sendCh <- frame:
		default:
			s.logger.Warn("gateway: dropped event for slow client")
		}
		return true
	})
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	connID := s.nextID.Add(1)
	fc := &feedClient{sendCh: make(chan Frame, 64)}
	s.clients.Store(connID, fc)
	defer s.clients.Delete(connID)
	s.logger.Info("event feed client connected", "conn_id", connID)

	// The feed is one-way; CloseRead handles control frames and cancels
	// ctx when the client goes away.
	ctx := ws.CloseRead(r.Context())
	if err := s.writeFrame(ctx, ws, Frame{Type: FrameTypeHello}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			ws.Close(websocket.StatusNormalClosure, "")
			s.logger.Info("event feed client disconnected", "conn_id", connID)
			return
		case frame := <-fc.sendCh:
			if err := s.writeFrame(ctx, ws, frame); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeFrame(ctx context.Context, ws *websocket.Conn, f Frame) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, ws, f)
}
