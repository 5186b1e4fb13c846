package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"fetchq/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRegistry_CreateAndGet(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	job, err := reg.Create(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)
	assert.Equal(t, models.StatePending, job.State)

	got, err := reg.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, models.StatePending, got.State)
}

func TestMemoryRegistry_GetUnknown(t *testing.T) {
	reg := NewMemoryRegistry()

	_, err := reg.Get(context.Background(), "no-such-job")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRegistry_GetReturnsSnapshot(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	job, err := reg.Create(ctx)
	require.NoError(t, err)

	got, err := reg.Get(ctx, job.ID)
	require.NoError(t, err)

	// Mutating the snapshot must not leak into the registry.
	got.State = models.StateFailed
	got.ErrorDetail = "tampered"

	again, err := reg.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, again.State)
	assert.Empty(t, again.ErrorDetail)
}

func TestMemoryRegistry_TerminalStatesAreFinal(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	job, err := reg.Create(ctx)
	require.NoError(t, err)

	require.NoError(t, reg.SetState(ctx, job.ID, models.StateRunning))
	require.NoError(t, reg.MarkFailed(ctx, job.ID, "boom"))

	assert.ErrorIs(t, reg.SetState(ctx, job.ID, models.StateRunning), ErrTerminal)
	assert.ErrorIs(t, reg.MarkFinished(ctx, job.ID, "artifact-1"), ErrTerminal)
	assert.ErrorIs(t, reg.MarkFailed(ctx, job.ID, "again"), ErrTerminal)

	got, err := reg.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, got.State)
	assert.Equal(t, "boom", got.ErrorDetail)
	assert.Empty(t, got.ArtifactID)
}

func TestMemoryRegistry_ProgressMonotonic(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	job, err := reg.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, reg.SetState(ctx, job.ID, models.StateRunning))

	require.NoError(t, reg.SetProgress(ctx, job.ID, 40))
	require.NoError(t, reg.SetProgress(ctx, job.ID, 25))

	got, err := reg.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 40.0, got.Progress)

	require.NoError(t, reg.SetProgress(ctx, job.ID, 150))
	got, err = reg.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 100.0, got.Progress)
}

func TestMemoryRegistry_ProgressIgnoredOutsideRunning(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	job, err := reg.Create(ctx)
	require.NoError(t, err)

	// Still pending: progress updates are ignored, not an error.
	require.NoError(t, reg.SetProgress(ctx, job.ID, 50))

	got, err := reg.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, got.Progress)
}

func TestMemoryRegistry_MarkFinished(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	job, err := reg.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, reg.SetState(ctx, job.ID, models.StateRunning))
	require.NoError(t, reg.MarkFinished(ctx, job.ID, "artifact-1"))

	got, err := reg.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFinished, got.State)
	assert.Equal(t, "artifact-1", got.ArtifactID)
	assert.Equal(t, 100.0, got.Progress)
}

func TestMemoryRegistry_MarkFinishedDirect(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	job, err := reg.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, reg.SetState(ctx, job.ID, models.StateRunning))
	require.NoError(t, reg.MarkFinishedDirect(ctx, job.ID, "https://cdn.example/v.mp4"))

	got, err := reg.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFinished, got.State)
	assert.Equal(t, "https://cdn.example/v.mp4", got.DirectURL)
	assert.Empty(t, got.ArtifactID)
}

func TestMemoryRegistry_Stalled(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	running, err := reg.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, reg.SetState(ctx, running.ID, models.StateRunning))

	pending, err := reg.Create(ctx)
	require.NoError(t, err)

	finished, err := reg.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, reg.SetState(ctx, finished.ID, models.StateRunning))
	require.NoError(t, reg.MarkFinished(ctx, finished.ID, "artifact-1"))

	time.Sleep(20 * time.Millisecond)

	stalled, err := reg.Stalled(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []string{running.ID}, stalled)
	assert.NotContains(t, stalled, pending.ID)

	// A fresh progress update takes the job off the stalled list.
	require.NoError(t, reg.SetProgress(ctx, running.ID, 10))
	stalled, err = reg.Stalled(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, stalled)
}

func TestMemoryRegistry_SweepOlderThan(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	failed, err := reg.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, reg.MarkFailed(ctx, failed.ID, "boom"))

	withArtifact, err := reg.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, reg.MarkFinished(ctx, withArtifact.ID, "artifact-live"))

	inFlight, err := reg.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, reg.SetState(ctx, inFlight.ID, models.StateRunning))

	time.Sleep(5 * time.Millisecond)

	// Artifact still present: the finished job must be retained.
	removed, err := reg.SweepOlderThan(ctx, 0, func(artifactID string) bool { return false })
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = reg.Get(ctx, failed.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = reg.Get(ctx, withArtifact.ID)
	assert.NoError(t, err)
	_, err = reg.Get(ctx, inFlight.ID)
	assert.NoError(t, err)

	// Once the artifact is gone the finished job is swept too.
	removed, err = reg.SweepOlderThan(ctx, 0, func(artifactID string) bool { return true })
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, err = reg.Get(ctx, withArtifact.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRegistry_ConcurrentWritersAndPollers(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	const jobs = 10
	ids := make([]string, jobs)
	for i := range ids {
		job, err := reg.Create(ctx)
		require.NoError(t, err)
		require.NoError(t, reg.SetState(ctx, job.ID, models.StateRunning))
		ids[i] = job.ID
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(2)
		// Writer: one runner per job.
		go func(id string) {
			defer wg.Done()
			for p := 1; p <= 100; p++ {
				_ = reg.SetProgress(ctx, id, float64(p))
			}
			_ = reg.MarkFinished(ctx, id, "artifact-"+id)
		}(id)
		// Poller.
		go func(id string) {
			defer wg.Done()
			var last float64
			for i := 0; i < 200; i++ {
				got, err := reg.Get(ctx, id)
				if err != nil {
					continue
				}
				if got.Progress < last {
					t.Errorf("progress went backwards: %f -> %f", last, got.Progress)
					return
				}
				last = got.Progress
			}
		}(id)
	}
	wg.Wait()

	for _, id := range ids {
		got, err := reg.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StateFinished, got.State)
		assert.Equal(t, fmt.Sprintf("artifact-%s", id), got.ArtifactID)
	}
}
