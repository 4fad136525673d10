package fitsync

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"
)

// ============================================================================
// Server
// ============================================================================

const maxAdminBody = 1 << 20

// Server exposes the worker over HTTP. Requests under /_worker/ are platform
// signals; every other request is a fetch event.
//
// Signal and status routes require the admin token as a bearer credential.
// Push is authenticated by its signature and the client socket by its Origin.
type Server struct {
	worker     *Worker
	hub        *Hub
	sched      *Scheduler
	conn       *Connectivity
	push       *PushHandler
	adminToken string
	log        *slog.Logger
	mux        *http.ServeMux
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithScheduler exposes scheduler registrations.
func WithScheduler(s *Scheduler) ServerOption {
	return func(srv *Server) { srv.sched = s }
}

// WithConnectivity reports connectivity in status.
func WithConnectivity(c *Connectivity) ServerOption {
	return func(srv *Server) { srv.conn = c }
}

// WithPushSecret enables the signed push endpoint.
func WithPushSecret(secret string) ServerOption {
	return func(srv *Server) {
		if secret == "" {
			return
		}
		h, err := NewPushHandler(secret, func(ctx context.Context, data string) error {
			_, err := srv.worker.Dispatch(ctx, PushEvent{Data: data})
			return err
		})
		if err == nil {
			srv.push = h
		}
	}
}

// WithAdminToken sets the bearer token the signal and status routes require.
// Without one those routes answer 403.
func WithAdminToken(token string) ServerOption {
	return func(srv *Server) { srv.adminToken = token }
}

// WithServerLogger sets the request logger.
func WithServerLogger(log *slog.Logger) ServerOption {
	return func(srv *Server) { srv.log = log }
}

// NewServer routes HTTP requests to worker. hub may be nil to disable client
// connections.
func NewServer(worker *Worker, hub *Hub, opts ...ServerOption) *Server {
	s := &Server{worker: worker, hub: hub, log: discardLogger(), mux: http.NewServeMux()}
	for _, opt := range opts {
		opt(s)
	}
	if hub != nil {
		worker.AttachHub(hub)
		s.mux.Handle("GET "+ClientsPath, hub)
	}
	if s.push != nil {
		s.mux.Handle("POST /_worker/push", s.push)
	}
	s.mux.HandleFunc("POST /_worker/sync/{tag}", s.admin(s.handleSync))
	s.mux.HandleFunc("POST /_worker/periodic/{tag}", s.admin(s.handlePeriodic))
	s.mux.HandleFunc("POST /_worker/register/{tag}", s.admin(s.handleRegister))
	s.mux.HandleFunc("POST /_worker/message", s.admin(s.handleMessage))
	s.mux.HandleFunc("POST /_worker/notification-click", s.admin(s.handleClick))
	s.mux.HandleFunc("POST /_worker/install", s.admin(s.handleInstall))
	s.mux.HandleFunc("POST /_worker/activate", s.admin(s.handleActivate))
	s.mux.HandleFunc("GET /_worker/status", s.admin(s.handleStatus))
	s.mux.HandleFunc("/", s.handleFetch)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ── Fetch ────────────────────────────────────────────────

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	// Absolute-form request lines name the upstream host; only the origin is served.
	if r.URL.IsAbs() && !s.worker.Engine().SameOrigin(r.URL) {
		s.log.WarnContext(r.Context(), "refused foreign host", "method", r.Method, "host", r.URL.Host)
		w.Header().Set(HeaderSource, "worker")
		http.Error(w, "fitsync: only the origin is proxied", http.StatusBadRequest)
		return
	}
	res, err := s.worker.Dispatch(r.Context(), FetchEvent{Request: r})
	if err != nil {
		s.log.WarnContext(r.Context(), "fetch failed", "method", r.Method, "url", r.URL.String(), "error", err)
		w.Header().Set(HeaderSource, "worker")
		http.Error(w, "fitsync: "+err.Error(), http.StatusBadGateway)
		return
	}
	if err := res.Response.Write(w); err != nil {
		s.log.DebugContext(r.Context(), "write response", "error", err)
	}
	s.log.DebugContext(r.Context(), "fetch served",
		"method", r.Method, "url", r.URL.String(), "status", res.Response.StatusCode,
		"cache", res.Response.Header.Get(HeaderCache), "elapsed", time.Since(start))
}

// ── Platform signals ─────────────────────────────────────

// admin rejects requests without the admin bearer token.
func (s *Server) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin token is not configured"})
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			s.log.WarnContext(r.Context(), "admin request rejected", "path", r.URL.Path)
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid admin token"})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, SyncEvent{Tag: r.PathValue("tag")})
}

func (s *Server) handlePeriodic(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, PeriodicSyncEvent{Tag: r.PathValue("tag")})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "scheduler is not configured"})
		return
	}
	if err := s.sched.Register(r.PathValue("tag")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg MessageEvent
	if err := decodeBody(r, &msg); err != nil {
		writeError(w, err)
		return
	}
	s.dispatch(w, r, msg)
}

func (s *Server) handleClick(w http.ResponseWriter, r *http.Request) {
	var click NotificationClickEvent
	if err := decodeBody(r, &click); err != nil {
		writeError(w, err)
		return
	}
	s.dispatch(w, r, click)
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Version string `json:"version"`
	}
	if r.ContentLength != 0 {
		if err := decodeBody(r, &body); err != nil {
			writeError(w, err)
			return
		}
	}
	s.dispatch(w, r, InstallEvent{Version: body.Version})
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, ActivateEvent{})
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, ev Event) {
	res, err := s.worker.Dispatch(r.Context(), ev)
	if err != nil {
		s.log.WarnContext(r.Context(), "event failed", "event", ev.eventName(), "error", err)
		status := statusFor(err)
		writeJSON(w, status, struct {
			Error string `json:"error"`
			Result
		}{Error: err.Error(), Result: res})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ── Status ───────────────────────────────────────────────

// Status is the worker state reported by /_worker/status.
type Status struct {
	Version   string       `json:"version"`
	Active    *Generation  `json:"active,omitempty"`
	Waiting   *Generation  `json:"waiting,omitempty"`
	Online    bool         `json:"online"`
	Clients   []ClientInfo `json:"clients"`
	Workouts  int          `json:"pendingWorkouts"`
	Analytics int          `json:"pendingAnalytics"`
	Jobs      []SyncJob    `json:"jobs"`
}

// Status collects the current worker state.
func (s *Server) Status(ctx context.Context) (Status, error) {
	st := Status{Version: s.worker.Version(), Online: true, Clients: []ClientInfo{}, Jobs: []SyncJob{}}
	st.Active, st.Waiting = s.worker.Lifecycle().Generations()
	if s.conn != nil {
		st.Online = s.conn.IsOnline()
	}
	if s.hub != nil {
		st.Clients = s.hub.Clients()
	}
	if s.sched != nil {
		st.Jobs = s.sched.Jobs()
	}
	workouts, err := s.worker.Coordinator().Workouts().List(ctx)
	if err != nil {
		return st, errors.Wrap(err, errors.CodeDatabase, "list workout queue")
	}
	analytics, err := s.worker.Coordinator().Analytics().List(ctx)
	if err != nil {
		return st, errors.Wrap(err, errors.CodeDatabase, "list analytics queue")
	}
	st.Workouts, st.Analytics = len(workouts), len(analytics)
	return st, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ── Helpers ──────────────────────────────────────────────

func decodeBody(r *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxAdminBody))
	if err != nil {
		return errors.Wrap(err, errors.CodeInvalidInput, "read body")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrap(err, errors.CodeInvalidInput, "decode body")
	}
	return nil
}

func statusFor(err error) int {
	switch errors.GetCode(err) {
	case errors.CodeInvalidInput, errors.CodeInvalidConfig:
		return http.StatusBadRequest
	case errors.CodeNotFound:
		return http.StatusNotFound
	case errors.CodeNetwork, errors.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}
