// Package server exposes the scheduler over HTTP: job submission, status and
// cancellation, plus the health endpoint.
package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/windlassproject/windlass/internal/common/health"
	"github.com/windlassproject/windlass/internal/windlass/configuration"
	"github.com/windlassproject/windlass/internal/windlass/jobdb"
	"github.com/windlassproject/windlass/internal/windlass/scheduler"
	"github.com/windlassproject/windlass/internal/windlass/schedulererrors"
	"github.com/windlassproject/windlass/pkg/api"
)

type Server struct {
	scheduler *scheduler.Scheduler
	checker   health.Checker
}

func New(s *scheduler.Scheduler, checker health.Checker) *Server {
	return &Server{scheduler: s, checker: checker}
}

// Router builds the chi router with all API routes mounted.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Route("/api/v1/jobs", func(r chi.Router) {
		r.Post("/", s.submitJob)
		r.Get("/{jobId}", s.getJob)
		r.Delete("/{jobId}", s.cancelJob)
	})
	r.Method(http.MethodGet, "/health", health.NewHealthCheckHttpHandler(s.checker))
	return r
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req api.SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "invalid request body"))
		return
	}
	if req.TenantID == "" {
		writeError(w, http.StatusBadRequest, errors.New("tenantId is required"))
		return
	}

	result, err := s.scheduler.Submit(r.Context(), scheduler.SubmitRequest{
		TenantID:       req.TenantID,
		Tier:           configuration.Tier(strings.ToLower(req.Tier)),
		Payload:        req.Payload,
		Idempotent:     req.Idempotent,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeSchedulerError(w, err)
		return
	}

	resp := api.SubmitJobResponse{
		JobID:  result.JobID,
		Status: string(result.Status),
	}
	if result.Status == jobdb.JobQueued && result.QueuePosition >= 0 {
		resp.QueuePosition = &result.QueuePosition
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	job, position, err := s.scheduler.GetJob(jobID)
	if err != nil {
		writeSchedulerError(w, err)
		return
	}

	resp := api.JobStatusResponse{
		JobID:      job.ID,
		Status:     string(job.Status),
		Attempt:    job.Attempt,
		EnqueuedAt: job.EnqueuedAt,
		Result:     job.Result,
	}
	if job.Status == jobdb.JobQueued && position >= 0 {
		resp.QueuePosition = &position
	}
	if !job.StartedAt.IsZero() {
		startedAt := job.StartedAt
		resp.StartedAt = &startedAt
	}
	if !job.CompletedAt.IsZero() {
		completedAt := job.CompletedAt
		resp.CompletedAt = &completedAt
	}
	if job.ErrorKind != "" {
		resp.Error = &api.JobError{Kind: job.ErrorKind, Detail: job.ErrorDetail}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	status, err := s.scheduler.Cancel(r.Context(), jobID)

	var terminalErr *schedulererrors.ErrAlreadyTerminal
	if errors.As(err, &terminalErr) {
		writeJSON(w, http.StatusOK, api.CancelJobResponse{
			JobID:           jobID,
			Status:          terminalErr.Status,
			AlreadyTerminal: true,
		})
		return
	}
	if err != nil {
		writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.CancelJobResponse{JobID: jobID, Status: string(status)})
}

func writeSchedulerError(w http.ResponseWriter, err error) {
	status := schedulererrors.StatusFromError(err)
	if status == http.StatusInternalServerError {
		log.WithError(err).Error("Request failed")
	}

	resp := api.ErrorResponse{Error: err.Error()}
	var quotaErr *schedulererrors.ErrQuotaExceeded
	if errors.As(err, &quotaErr) {
		seconds := int64(quotaErr.RetryAfter/time.Second) + 1
		resp.RetryAfterSeconds = seconds
		w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
	}
	writeJSON(w, status, resp)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, api.ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithError(err).Error("Failed to write response body")
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.WithField("status", ww.Status()).
			WithField("duration", time.Since(start)).
			Debugf("%s %s", r.Method, r.URL.Path)
	})
}
