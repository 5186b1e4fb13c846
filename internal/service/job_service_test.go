package service

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"fetchq/internal/artifact"
	"fetchq/internal/extractor"
	"fetchq/internal/metrics"
	"fetchq/internal/models"
	"fetchq/internal/registry"
	"fetchq/internal/runner"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// noopExtractor resolves everything to a direct link immediately
type noopExtractor struct{}

func (noopExtractor) Resolve(ctx context.Context, req extractor.Request, onProgress extractor.ProgressFunc) (*extractor.Result, error) {
	return &extractor.Result{DirectURL: "https://cdn.example/v.mp4"}, nil
}

func newTestService(t *testing.T, limiter *rate.Limiter) (*JobService, *registry.MemoryRegistry, *runner.Runner) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.NewMemoryRegistry()
	store, err := artifact.NewStore(t.TempDir(), artifact.PolicyFixedTTL, time.Hour, 0, log)
	require.NoError(t, err)

	run := runner.New(reg, store, noopExtractor{}, nil, metrics.NewMetrics(), log, t.TempDir())
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return NewJobService(reg, run, limiter, metrics.NewMetrics()), reg, run
}

func TestJobService_SubmitSuccess(t *testing.T) {
	svc, reg, run := newTestService(t, nil)

	job, err := svc.Submit(context.Background(), models.SubmitRequest{
		URL:      "https://example/video1",
		Selector: models.SelectorLink,
	})
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)
	assert.Equal(t, models.StatePending, job.State)

	run.Wait()
	got, err := reg.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFinished, got.State)
}

func TestJobService_SubmitInvalidURL(t *testing.T) {
	svc, reg, _ := newTestService(t, nil)

	cases := []string{
		"",
		"not a url",
		"ftp://example/video",
		"/relative/path",
	}
	for _, url := range cases {
		_, err := svc.Submit(context.Background(), models.SubmitRequest{URL: url})
		assert.ErrorIs(t, err, ErrInvalidInput, "url %q", url)
	}

	// Rejected synchronously: no job record is ever created.
	removed, err := reg.SweepOlderThan(context.Background(), 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}

func TestJobService_SubmitRateLimited(t *testing.T) {
	svc, _, _ := newTestService(t, rate.NewLimiter(rate.Limit(0.001), 1))

	_, err := svc.Submit(context.Background(), models.SubmitRequest{
		URL:      "https://example/video1",
		Selector: models.SelectorLink,
	})
	require.NoError(t, err)

	_, err = svc.Submit(context.Background(), models.SubmitRequest{
		URL:      "https://example/video2",
		Selector: models.SelectorLink,
	})
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestJobService_Status(t *testing.T) {
	svc, reg, _ := newTestService(t, nil)
	ctx := context.Background()

	job, err := reg.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, reg.SetState(ctx, job.ID, models.StateRunning))
	require.NoError(t, reg.MarkFinished(ctx, job.ID, "artifact-1"))

	status, err := svc.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFinished, status.State)
	assert.Equal(t, "/artifacts/artifact-1", status.ArtifactURL)
}

func TestJobService_StatusUnknown(t *testing.T) {
	svc, _, _ := newTestService(t, nil)

	_, err := svc.Status(context.Background(), "no-such-job")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}
