package sweeper

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fetchq/internal/artifact"
	"fetchq/internal/metrics"
	"fetchq/internal/models"
	"fetchq/internal/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSweeper(t *testing.T, ttl, stallTimeout, retention time.Duration) (*Sweeper, *registry.MemoryRegistry, *artifact.Store, *metrics.Metrics) {
	t.Helper()

	log := discardLogger()
	reg := registry.NewMemoryRegistry()
	store, err := artifact.NewStore(t.TempDir(), artifact.PolicyFixedTTL, ttl, 0, log)
	require.NoError(t, err)

	m := metrics.NewMetrics()
	return New(reg, store, m, log, time.Minute, stallTimeout, retention), reg, store, m
}

func putBlob(t *testing.T, store *artifact.Store) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blob.mp4")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	id, err := store.Put(path, "clip.mp4", "video/mp4")
	require.NoError(t, err)
	return id
}

func TestSweeper_ReclaimsExpiredArtifacts(t *testing.T) {
	sw, _, store, m := newTestSweeper(t, 10*time.Millisecond, time.Hour, time.Hour)
	id := putBlob(t, store)

	time.Sleep(20 * time.Millisecond)
	sw.Sweep(context.Background())

	assert.True(t, store.Missing(id))
	_, _, err := store.Open(id)
	assert.ErrorIs(t, err, artifact.ErrGone)
	assert.Equal(t, int64(1), m.GetSnapshot()["swept_artifacts"])
}

func TestSweeper_FailsStalledJobs(t *testing.T) {
	sw, reg, _, m := newTestSweeper(t, time.Hour, 10*time.Millisecond, time.Hour)
	ctx := context.Background()

	job, err := reg.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, reg.SetState(ctx, job.ID, models.StateRunning))

	time.Sleep(20 * time.Millisecond)
	sw.Sweep(ctx)

	got, err := reg.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, got.State)
	assert.Contains(t, got.ErrorDetail, "stalled: no progress for")
	assert.Equal(t, int64(1), m.GetSnapshot()["stalled_jobs"])
}

func TestSweeper_LeavesActiveJobsAlone(t *testing.T) {
	sw, reg, _, _ := newTestSweeper(t, time.Hour, time.Hour, time.Hour)
	ctx := context.Background()

	job, err := reg.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, reg.SetState(ctx, job.ID, models.StateRunning))

	sw.Sweep(ctx)

	got, err := reg.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateRunning, got.State)
}

func TestSweeper_DropsAbandonedJobRecords(t *testing.T) {
	sw, reg, store, m := newTestSweeper(t, 10*time.Millisecond, time.Hour, 0)
	ctx := context.Background()

	// Finished job whose artifact expires: both eventually reclaimed.
	job, err := reg.Create(ctx)
	require.NoError(t, err)
	id := putBlob(t, store)
	require.NoError(t, reg.SetState(ctx, job.ID, models.StateRunning))
	require.NoError(t, reg.MarkFinished(ctx, job.ID, id))

	time.Sleep(20 * time.Millisecond)
	sw.Sweep(ctx)

	_, err = reg.Get(ctx, job.ID)
	assert.ErrorIs(t, err, registry.ErrNotFound)
	assert.Equal(t, int64(1), m.GetSnapshot()["swept_job_records"])
}

func TestSweeper_RetainsJobWhileArtifactLive(t *testing.T) {
	sw, reg, store, _ := newTestSweeper(t, time.Hour, time.Hour, 0)
	ctx := context.Background()

	job, err := reg.Create(ctx)
	require.NoError(t, err)
	id := putBlob(t, store)
	require.NoError(t, reg.MarkFinished(ctx, job.ID, id))

	time.Sleep(5 * time.Millisecond)
	sw.Sweep(ctx)

	// Artifact not yet expired: the job record stays pollable.
	_, err = reg.Get(ctx, job.ID)
	assert.NoError(t, err)
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	sw, _, _, _ := newTestSweeper(t, time.Hour, time.Hour, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on cancel")
	}
}
