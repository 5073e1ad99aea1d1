// Package api serves the JSON HTTP interface of the orchestrator.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/rendis/conductor/internal/engine"
	"github.com/rendis/conductor/internal/scheduler"
	"github.com/rendis/conductor/internal/streaming"
	"github.com/rendis/conductor/pkg/schema"
)

// BreakerSource exposes the circuit breakers of the configured services.
// engine.Gateway satisfies it.
type BreakerSource interface {
	Services() []schema.ServiceID
	Breakers() *engine.CircuitBreakerRegistry
}

// Deps holds the collaborators of the API server. Executor is required;
// the rest enable their routes when set.
type Deps struct {
	Executor  engine.Executor
	Breakers  BreakerSource
	Bus       streaming.EventBus
	Metrics   http.Handler
	Pool      func() engine.PoolMetrics
	Schedules func() []scheduler.JobStatus
	// Definitions enables the diagram routes.
	Definitions func(workflowID string) (*schema.WorkflowDefinition, error)
	Logger      *slog.Logger
}

// Server routes HTTP requests to the executor.
type Server struct {
	deps Deps
}

func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for every route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics)
	}

	mux.HandleFunc("GET /v1/workflows", s.handleListWorkflows)
	mux.HandleFunc("POST /v1/workflows/{id}/executions", s.handleExecute)
	mux.HandleFunc("GET /v1/workflows/{id}/diagram", s.handleWorkflowDiagram)

	mux.HandleFunc("GET /v1/executions/{id}", s.handleStatus)
	mux.HandleFunc("GET /v1/executions/{id}/diagram", s.handleExecutionDiagram)
	mux.HandleFunc("POST /v1/executions/{id}/cancel", s.handleControl(actionCancel))
	mux.HandleFunc("POST /v1/executions/{id}/pause", s.handleControl(actionPause))
	mux.HandleFunc("POST /v1/executions/{id}/resume", s.handleControl(actionResume))

	mux.HandleFunc("GET /v1/services/{service}/breaker", s.handleBreaker)
	mux.HandleFunc("GET /v1/schedules", s.handleSchedules)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	return s.recoverer(s.logRequests(mux))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.deps.Logger.DebugContext(r.Context(), "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("elapsed", time.Since(start)))
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				s.deps.Logger.ErrorContext(r.Context(), "http handler panic",
					slog.String("path", r.URL.Path),
					slog.Any("panic", v))
				writeError(w, schema.NewError(schema.ErrCodeExecution, "internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
