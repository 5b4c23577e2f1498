package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/cuemby/cyberrange/pkg/artifact"
	"github.com/cuemby/cyberrange/pkg/deploy"
	"github.com/cuemby/cyberrange/pkg/events"
	"github.com/cuemby/cyberrange/pkg/jobs"
	"github.com/cuemby/cyberrange/pkg/log"
	"github.com/cuemby/cyberrange/pkg/metrics"
	"github.com/cuemby/cyberrange/pkg/storage"
)

const maxBodyBytes = 1 << 20

// Deps are the components the API exposes
type Deps struct {
	Store        storage.Store
	Orchestrator *deploy.Orchestrator
	Jobs         *jobs.Engine
	Artifacts    *artifact.Manager
	Events       *events.Broadcaster
}

// Server is the REST API of the orchestrator. Every mutation that touches
// the runtime returns a job reference immediately; outcomes are observed by
// polling /jobs/{id} or through the range's event stream.
type Server struct {
	store     storage.Store
	orch      *deploy.Orchestrator
	jobs      *jobs.Engine
	artifacts *artifact.Manager
	events    *events.Broadcaster
	upgrader  websocket.Upgrader
	logger    zerolog.Logger

	http *http.Server
}

// NewServer creates a new API server
func NewServer(deps Deps) *Server {
	return &Server{
		store:     deps.Store,
		orch:      deps.Orchestrator,
		jobs:      deps.Jobs,
		artifacts: deps.Artifacts,
		events:    deps.Events,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log.WithComponent("api"),
	}
}

// Handler returns the root handler with middleware applied
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)
	s.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers all API endpoints on r
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Get("/health", metrics.HealthHandler())
	r.Get("/ready", metrics.ReadyHandler())
	r.Get("/live", metrics.LivenessHandler())
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/ranges", func(r chi.Router) {
		r.Get("/", s.listRanges)
		r.Post("/", s.createRange)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getRange)
			r.Delete("/", s.deleteRange)
			r.Put("/status", s.setRangeStatus)
			r.Post("/validate", s.validateRange)
			r.Post("/deploy", s.rangeJob(s.orch.Deploy))
			r.Post("/retry", s.rangeJob(s.orch.Retry))
			r.Post("/start", s.rangeJob(s.orch.StartRange))
			r.Post("/stop", s.rangeJob(s.orch.StopRange))
			r.Post("/teardown", s.rangeJob(s.orch.Teardown))
		})
	})

	r.Route("/vms/{id}", func(r chi.Router) {
		r.Get("/", s.getVM)
		r.Post("/start", s.vmJob(s.orch.StartVM))
		r.Post("/stop", s.vmJob(s.orch.StopVM))
		r.Post("/restart", s.vmJob(s.orch.RestartVM))
		r.Post("/retry", s.vmJob(s.orch.RetryVM))
		r.Post("/snapshot", s.snapshotVM)
	})

	r.Route("/templates", func(r chi.Router) {
		r.Get("/", s.listTemplates)
		r.Post("/", s.createTemplate)
		r.Get("/{id}", s.getTemplate)
		r.Delete("/{id}", s.deleteTemplate)
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.listJobs)
		r.Get("/{id}", s.getJob)
		r.Post("/{id}/cancel", s.cancelJob)
	})

	r.Route("/events/{rangeID}", func(r chi.Router) {
		r.Get("/", s.listEvents)
		r.Get("/stream", s.streamEvents)
		r.Get("/ws", s.watchEvents)
	})

	r.Route("/artifacts", func(r chi.Router) {
		r.Get("/", s.listArtifacts)
		r.Post("/", s.ensureArtifact)
		r.Get("/{kind}/*", s.getArtifact)
		r.Delete("/{kind}/*", s.deleteArtifact)
	})
}

// Start serves the API on addr until Shutdown
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve serves the API on lis until Shutdown
func (s *Server) Serve(lis net.Listener) error {
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	metrics.RegisterComponent(metrics.ComponentAPI, true, "listening on "+lis.Addr().String())
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("API listening")

	if err := s.http.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		metrics.UpdateComponent(metrics.ComponentAPI, false, err.Error())
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	// Hijacked websocket connections and open SSE streams end when the
	// broadcaster closes their subscriptions.
	return s.http.Shutdown(ctx)
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
}

// JobResponse is the body of every accepted asynchronous operation
type JobResponse struct {
	JobID string `json:"job_id"`
	State string `json:"state"`
}

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", deploy.ErrConflict, fmt.Sprintf(format, args...))
}

// StatusFor maps an error to its HTTP status code
func StatusFor(err error) int {
	var verr *deploy.ValidationError
	switch {
	case errors.As(err, &verr),
		errors.Is(err, errBadRequest),
		errors.Is(err, artifact.ErrInvalidRef),
		errors.Is(err, artifact.ErrUnsupportedSource):
		return http.StatusBadRequest
	case storage.IsNotFound(err),
		errors.Is(err, jobs.ErrNotFound),
		errors.Is(err, artifact.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, deploy.ErrConflict),
		errors.Is(err, artifact.ErrConflict),
		errors.Is(err, jobs.ErrAlreadyTerminal):
		return http.StatusConflict
	case errors.Is(err, jobs.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := StatusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("Request failed")
	}
	writeJSON(w, code, ErrorResponse{Error: err.Error()})
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid request body: %v", err)
	}
	return nil
}

// instrument records request metrics and logs each request
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.APIRequestsTotal.WithLabelValues(r.Method, fmt.Sprintf("%d", status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method)

		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("duration", timer.Duration()).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("Request served")
	})
}
