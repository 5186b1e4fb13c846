package registry

import (
	"context"
	"errors"
	"time"

	"fetchq/internal/models"
)

var (
	ErrNotFound = errors.New("job not found")
	ErrTerminal = errors.New("job already in a terminal state")
)

// JobRegistry defines the interface for tracking job lifecycle state.
// All methods are safe for concurrent use; the runner owning a job is the
// only writer for it, while poll handlers and the sweeper read concurrently.
type JobRegistry interface {
	// Create allocates a new job in the pending state.
	Create(ctx context.Context) (*models.Job, error)
	// Get returns a snapshot copy of the job, never a live reference.
	Get(ctx context.Context, id string) (*models.Job, error)
	// SetState applies a non-terminal transition. Returns ErrTerminal if the
	// job has already finished or failed.
	SetState(ctx context.Context, id string, state models.JobState) error
	// SetProgress records download progress. Updates outside running/merging
	// are ignored; progress never decreases.
	SetProgress(ctx context.Context, id string, progress float64) error
	// MarkFinished transitions the job to finished with its artifact id.
	MarkFinished(ctx context.Context, id, artifactID string) error
	// MarkFinishedDirect transitions the job to finished with a resolved
	// direct URL instead of an artifact.
	MarkFinishedDirect(ctx context.Context, id, directURL string) error
	// MarkFailed transitions the job to failed with the error detail verbatim.
	MarkFailed(ctx context.Context, id, detail string) error
	// Stalled returns ids of running/merging jobs with no update for olderThan.
	Stalled(ctx context.Context, olderThan time.Duration) ([]string, error)
	// SweepOlderThan removes terminal jobs created more than age ago whose
	// artifact, if any, is already gone according to artifactGone.
	SweepOlderThan(ctx context.Context, age time.Duration, artifactGone func(artifactID string) bool) (int, error)
	Close() error
}
