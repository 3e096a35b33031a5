package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/progresstree/internal/jobs"
	"github.com/JakeFAU/progresstree/internal/metrics"
	"github.com/JakeFAU/progresstree/internal/store"
)

const requestTimeout = 60 * time.Second

// JobSubmitter starts jobs in the background.
type JobSubmitter interface {
	Submit(ctx context.Context, job jobs.Job) (uuid.UUID, error)
}

// Deps groups the collaborators of the HTTP server. Only Repo is required for
// the read endpoints; nil optional fields disable their routes or checks.
type Deps struct {
	Repo      store.ProgressRepository
	Submitter JobSubmitter
	// JobContext bounds jobs submitted over HTTP. Defaults to context.Background().
	JobContext context.Context
	// MaxWorkers caps the workers a submitted import may request.
	MaxWorkers int
	Gatherer   prometheus.Gatherer
	Metrics    *metrics.HTTP
	Ready      func(ctx context.Context) error
	Logger     *zap.Logger
}

// Server wires HTTP handlers to the progress repository and job runner.
type Server struct {
	router   chi.Router
	progress *ProgressHandler
	deps     Deps
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.JobContext == nil {
		deps.JobContext = context.Background()
	}
	if deps.MaxWorkers <= 0 {
		deps.MaxWorkers = 1
	}
	s := &Server{
		deps:     deps,
		logger:   deps.Logger,
		progress: NewProgressHandler(deps.Repo, deps.Logger),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Middleware)
	}
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	r.Route("/api/jobs", func(r chi.Router) {
		r.Get("/", s.progress.ListJobs)
		r.Post("/", s.submitImport)
		r.Get("/{job_id}", s.progress.GetJob)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type importRequest struct {
	Rows    int64 `json:"rows"`
	Batch   int64 `json:"batch"`
	Workers int   `json:"workers"`
	DelayMs int   `json:"delay_ms"`
}

func (s *Server) submitImport(w http.ResponseWriter, r *http.Request) {
	if s.deps.Submitter == nil {
		writeError(w, http.StatusServiceUnavailable, "job runner unavailable")
		return
	}
	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Rows < 0 || req.Batch < 0 || req.Workers < 0 || req.DelayMs < 0 {
		writeError(w, http.StatusBadRequest, "rows, batch, workers and delay_ms must be >= 0")
		return
	}
	workers := req.Workers
	if workers == 0 || workers > s.deps.MaxWorkers {
		workers = s.deps.MaxWorkers
	}
	job := jobs.ImportJob(jobs.ImportOptions{
		Rows:    req.Rows,
		Batch:   req.Batch,
		Workers: workers,
		Delay:   time.Duration(req.DelayMs) * time.Millisecond,
	})
	jobID, err := s.deps.Submitter.Submit(s.deps.JobContext, job)
	if err != nil {
		s.logger.Error("submit job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to submit job")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID.String(), "kind": job.Kind})
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", requestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.String("request_id", requestID(r.Context())),
						zap.Any("error", rec),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
