package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"fetchq/internal/artifact"
	"fetchq/internal/metrics"
	"fetchq/internal/models"
	"fetchq/internal/registry"
	"fetchq/internal/service"

	"github.com/go-chi/chi/v5"
)

// JobHandler handles HTTP requests for jobs and artifacts
type JobHandler struct {
	jobService *service.JobService
	store      *artifact.Store
	metrics    *metrics.Metrics
	log        *slog.Logger
}

// NewJobHandler creates a new job handler
func NewJobHandler(jobService *service.JobService, store *artifact.Store, m *metrics.Metrics, log *slog.Logger) *JobHandler {
	return &JobHandler{
		jobService: jobService,
		store:      store,
		metrics:    m,
		log:        log,
	}
}

// Routes returns the service's HTTP routes
func (h *JobHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/jobs", h.SubmitJob)
	r.Get("/jobs/{jobID}", h.GetJob)
	r.Get("/artifacts/{artifactID}", h.GetArtifact)
	r.Get("/metrics", h.GetMetrics)
	r.Get("/healthz", h.Healthz)
	return r
}

// SubmitJob handles POST /jobs
func (h *JobHandler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req models.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	job, err := h.jobService.Submit(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidInput):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, service.ErrRateLimited):
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		default:
			h.log.Error("error creating job", "error", err)
			http.Error(w, "job creation failed", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(map[string]string{"job_id": job.ID}); err != nil {
		h.log.Error("error encoding response", "error", err)
	}
}

// GetJob handles GET /jobs/{jobID}
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")

	status, err := h.jobService.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		h.log.Error("error getting job", "job_id", id, "error", err)
		http.Error(w, "failed to retrieve job", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		h.log.Error("error encoding response", "error", err)
	}
}

// GetArtifact handles GET /artifacts/{artifactID}
func (h *JobHandler) GetArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "artifactID")

	rc, meta, err := h.store.Open(id)
	if err != nil {
		switch {
		case errors.Is(err, artifact.ErrNotFound):
			http.Error(w, "artifact not found", http.StatusNotFound)
		case errors.Is(err, artifact.ErrGone):
			http.Error(w, "artifact expired", http.StatusGone)
		default:
			h.log.Error("error opening artifact", "artifact_id", id, "error", err)
			http.Error(w, "failed to serve artifact", http.StatusInternalServerError)
		}
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", meta.MediaType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", meta.Filename))
	if meta.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	}

	if _, err := io.Copy(w, rc); err != nil {
		h.log.Warn("error streaming artifact", "artifact_id", id, "error", err)
	}
}

// GetMetrics handles GET /metrics
func (h *JobHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	snapshot := h.metrics.GetSnapshot()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		h.log.Error("error encoding response", "error", err)
	}
}

// Healthz handles GET /healthz
func (h *JobHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
