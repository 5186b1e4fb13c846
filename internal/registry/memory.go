package registry

import (
	"context"
	"sync"
	"time"

	"fetchq/internal/models"

	"github.com/google/uuid"
)

// MemoryRegistry implements JobRegistry with an in-memory map and per-entry
// locking, so one job's update never stalls another job's poll.
type MemoryRegistry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	mu  sync.Mutex
	job models.Job
}

// NewMemoryRegistry creates a new in-memory registry
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		entries: make(map[string]*entry),
	}
}

// Create allocates a new job in the pending state
func (r *MemoryRegistry) Create(ctx context.Context) (*models.Job, error) {
	now := time.Now()
	job := models.Job{
		ID:        uuid.New().String(),
		State:     models.StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.mu.Lock()
	r.entries[job.ID] = &entry{job: job}
	r.mu.Unlock()

	snapshot := job
	return &snapshot, nil
}

// Get returns a snapshot copy of the job
func (r *MemoryRegistry) Get(ctx context.Context, id string) (*models.Job, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	e.mu.Lock()
	snapshot := e.job
	e.mu.Unlock()
	return &snapshot, nil
}

// mutate applies fn to the job under its entry lock. Terminal jobs are left
// untouched and reported as ErrTerminal.
func (r *MemoryRegistry) mutate(id string, fn func(*models.Job)) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.job.State.Terminal() {
		return ErrTerminal
	}
	fn(&e.job)
	e.job.UpdatedAt = time.Now()
	return nil
}

// SetState applies a non-terminal state transition
func (r *MemoryRegistry) SetState(ctx context.Context, id string, state models.JobState) error {
	return r.mutate(id, func(j *models.Job) {
		j.State = state
	})
}

// SetProgress records download progress for a running or merging job
func (r *MemoryRegistry) SetProgress(ctx context.Context, id string, progress float64) error {
	return r.mutate(id, func(j *models.Job) {
		if j.State != models.StateRunning && j.State != models.StateMerging {
			return
		}
		if progress < 0 {
			progress = 0
		}
		if progress > 100 {
			progress = 100
		}
		if progress > j.Progress {
			j.Progress = progress
		}
	})
}

// MarkFinished transitions the job to finished with its artifact id
func (r *MemoryRegistry) MarkFinished(ctx context.Context, id, artifactID string) error {
	return r.mutate(id, func(j *models.Job) {
		j.State = models.StateFinished
		j.Progress = 100
		j.ArtifactID = artifactID
	})
}

// MarkFinishedDirect transitions the job to finished with a direct URL
func (r *MemoryRegistry) MarkFinishedDirect(ctx context.Context, id, directURL string) error {
	return r.mutate(id, func(j *models.Job) {
		j.State = models.StateFinished
		j.Progress = 100
		j.DirectURL = directURL
	})
}

// MarkFailed transitions the job to failed with the error detail verbatim
func (r *MemoryRegistry) MarkFailed(ctx context.Context, id, detail string) error {
	return r.mutate(id, func(j *models.Job) {
		j.State = models.StateFailed
		j.ErrorDetail = detail
	})
}

// Stalled returns ids of running/merging jobs with no update for olderThan
func (r *MemoryRegistry) Stalled(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-olderThan)

	r.mu.RLock()
	candidates := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		candidates = append(candidates, e)
	}
	r.mu.RUnlock()

	var stalled []string
	for _, e := range candidates {
		e.mu.Lock()
		if (e.job.State == models.StateRunning || e.job.State == models.StateMerging) &&
			e.job.UpdatedAt.Before(cutoff) {
			stalled = append(stalled, e.job.ID)
		}
		e.mu.Unlock()
	}
	return stalled, nil
}

// SweepOlderThan removes terminal jobs older than age whose artifact is gone
func (r *MemoryRegistry) SweepOlderThan(ctx context.Context, age time.Duration, artifactGone func(artifactID string) bool) (int, error) {
	cutoff := time.Now().Add(-age)

	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	removed := 0
	for _, id := range ids {
		r.mu.Lock()
		e, ok := r.entries[id]
		if !ok {
			r.mu.Unlock()
			continue
		}
		e.mu.Lock()
		eligible := e.job.State.Terminal() && e.job.CreatedAt.Before(cutoff) &&
			(e.job.ArtifactID == "" || artifactGone == nil || artifactGone(e.job.ArtifactID))
		e.mu.Unlock()
		if eligible {
			delete(r.entries, id)
			removed++
		}
		r.mu.Unlock()
	}
	return removed, nil
}

// Close releases registry resources
func (r *MemoryRegistry) Close() error {
	return nil
}
