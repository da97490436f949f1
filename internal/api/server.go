// Package api exposes the HTTP control surface for the crawler supervisor.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leadforge/crawl-control/internal/listener"
	"github.com/leadforge/crawl-control/internal/metrics"
	"github.com/leadforge/crawl-control/internal/policy/hostpolicy"
	"github.com/leadforge/crawl-control/internal/router"
	"github.com/leadforge/crawl-control/internal/store"
	"github.com/leadforge/crawl-control/internal/supervisor"
)

// Pinger reports backend connectivity for readiness checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options carries the collaborators the server exposes.
type Options struct {
	Supervisor *supervisor.Supervisor
	Runs       store.RunStateRepository
	Queues     *router.Router
	Hosts      *hostpolicy.Policy
	Listener   *listener.Listener
	DB         Pinger
	Logger     *zap.Logger

	RequestTimeout time.Duration
	AuthEnabled    bool
	APIKey         string
}

// Server wires HTTP handlers to the supervisor, stores and queues.
type Server struct {
	router chi.Router
	opts   Options
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	s := &Server{opts: opts, logger: opts.Logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metricsMiddleware)
	r.Use(timeoutMiddleware(opts.RequestTimeout))
	if opts.AuthEnabled {
		r.Use(apiKeyMiddleware(opts.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.startRun)
			r.Get("/", s.listRuns)
			r.Route("/{run_id}", func(r chi.Router) {
				r.Get("/", s.getRun)
				r.Post("/abort", s.abortRun)
				r.Get("/events", s.drainEvents)
			})
		})
		r.Route("/supervisor", func(r chi.Router) {
			r.Get("/status", s.supervisorStatus)
			r.Post("/qpi", s.setQPI)
		})
		r.Post("/breaker/reset", s.resetBreaker)
		r.Get("/queues/stats", s.queueStats)
		r.Route("/hosts", func(r chi.Router) {
			r.Post("/check", s.checkHost)
			r.Post("/result", s.recordHostResult)
		})
		r.Get("/listener/health", s.listenerHealth)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.opts.DB != nil {
		if err := s.opts.DB.Ping(r.Context()); err != nil {
			s.writeError(w, http.StatusServiceUnavailable, "database unreachable")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type startRunRequest struct {
	Industry string `json:"industry"`
	QPI      int    `json:"qpi"`
	Once     bool   `json:"once"`
	Mode     string `json:"mode"`
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	runID, err := s.opts.Supervisor.Start(r.Context(), supervisor.RunParams{
		Industry: req.Industry,
		QPI:      req.QPI,
		Once:     req.Once,
		Mode:     req.Mode,
	})
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID.String()})
	case errors.Is(err, supervisor.ErrFatalLaunch):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, supervisor.ErrRunActive):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, supervisor.ErrCircuitOpen):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	var status *store.RunStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := store.RunStatus(raw)
		status = &st
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	runs, err := s.opts.Runs.ListRuns(r.Context(), status, limit, offset)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []store.RunRecord{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := s.runIDParam(w, r)
	if !ok {
		return
	}
	rec, err := s.opts.Runs.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to fetch run")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"run": rec})
}

func (s *Server) abortRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := s.runIDParam(w, r)
	if !ok {
		return
	}
	if err := s.opts.Supervisor.Abort(runID); err != nil {
		if errors.Is(err, supervisor.ErrNoActiveRun) {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID.String(), "status": "aborting"})
}

func (s *Server) drainEvents(w http.ResponseWriter, r *http.Request) {
	runID, ok := s.runIDParam(w, r)
	if !ok {
		return
	}
	if r.URL.Query().Get("wait") == "true" {
		events, err := s.opts.Queues.DrainWait(r.Context(), runID)
		if err != nil {
			s.writeJSON(w, http.StatusOK, map[string]any{"events": []store.LogEvent{}})
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"events": events})
		return
	}
	events := s.opts.Queues.Drain(runID)
	if events == nil {
		events = []store.LogEvent{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) supervisorStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.opts.Supervisor.Status())
}

type setQPIRequest struct {
	QPI int `json:"qpi"`
}

func (s *Server) setQPI(w http.ResponseWriter, r *http.Request) {
	var req setQPIRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.opts.Supervisor.SetQPI(req.QPI); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"qpi": req.QPI})
}

func (s *Server) resetBreaker(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Supervisor.ResetBreaker(r.Context()); err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) queueStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.opts.Queues.Stats())
}

type hostCheckRequest struct {
	Host string `json:"host"`
}

func (s *Server) checkHost(w http.ResponseWriter, r *http.Request) {
	var req hostCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Host == "" {
		s.writeError(w, http.StatusBadRequest, "host required")
		return
	}
	d := s.opts.Hosts.PreRequest(req.Host)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"allowed":    d.Allowed,
		"delay_ms":   d.Delay.Milliseconds(),
		"user_agent": d.UserAgent,
	})
}

type hostResultRequest struct {
	Host       string `json:"host"`
	StatusCode int    `json:"status_code"`
}

func (s *Server) recordHostResult(w http.ResponseWriter, r *http.Request) {
	var req hostResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Host == "" {
		s.writeError(w, http.StatusBadRequest, "host required")
		return
	}
	s.opts.Hosts.RecordResult(req.Host, req.StatusCode)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *Server) listenerHealth(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Listener == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"healthy": false, "enabled": false})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"healthy":     s.opts.Listener.Healthy(),
		"enabled":     true,
		"queue_usage": s.opts.Listener.QueueUsage(),
		"reconnects":  s.opts.Listener.Reconnects(),
	})
}

func (s *Server) runIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	runID, err := uuid.Parse(chi.URLParam(r, "run_id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid run id")
		return uuid.Nil, false
	}
	return runID, true
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
