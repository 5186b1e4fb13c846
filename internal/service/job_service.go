package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"fetchq/internal/metrics"
	"fetchq/internal/models"
	"fetchq/internal/registry"
	"fetchq/internal/runner"

	"golang.org/x/time/rate"
)

var (
	ErrInvalidInput = errors.New("invalid submission")
	ErrRateLimited  = errors.New("submission rate limit exceeded")
)

// JobService handles job submission and status business logic
type JobService struct {
	registry registry.JobRegistry
	runner   *runner.Runner
	limiter  *rate.Limiter
	metrics  *metrics.Metrics
}

// NewJobService creates a new job service
func NewJobService(reg registry.JobRegistry, run *runner.Runner, limiter *rate.Limiter, m *metrics.Metrics) *JobService {
	return &JobService{
		registry: reg,
		runner:   run,
		limiter:  limiter,
		metrics:  m,
	}
}

// Submit validates the request, creates the job and launches its runner.
// Invalid input is rejected synchronously; no job record is created for it.
func (s *JobService) Submit(ctx context.Context, req models.SubmitRequest) (*models.Job, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	if !s.limiter.Allow() {
		return nil, ErrRateLimited
	}

	job, err := s.registry.Create(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	s.metrics.IncrementSubmittedJobs()
	s.runner.Launch(job.ID, req)

	return job, nil
}

// Status returns the poll view of a job
func (s *JobService) Status(ctx context.Context, id string) (*models.StatusResponse, error) {
	job, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	resp := &models.StatusResponse{
		ID:        job.ID,
		State:     job.State,
		Progress:  job.Progress,
		DirectURL: job.DirectURL,
		Error:     job.ErrorDetail,
	}
	if job.ArtifactID != "" {
		resp.ArtifactURL = "/artifacts/" + job.ArtifactID
	}
	return resp, nil
}

func validate(req models.SubmitRequest) error {
	if req.URL == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidInput)
	}

	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url must be absolute http(s)", ErrInvalidInput)
	}
	return nil
}
