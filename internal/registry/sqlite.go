package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fetchq/internal/models"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteRegistry implements JobRegistry backed by SQLite, for deployments
// that want job records to survive a process restart.
type SQLiteRegistry struct {
	db *sql.DB
}

// NewSQLiteRegistry creates a new SQLite-backed registry
func NewSQLiteRegistry(dbPath string) (*SQLiteRegistry, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	r := &SQLiteRegistry{db: db}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return r, nil
}

// initSchema initializes the database schema
func (r *SQLiteRegistry) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL DEFAULT 'pending',
		progress REAL NOT NULL DEFAULT 0,
		artifact_id TEXT NOT NULL DEFAULT '',
		direct_url TEXT NOT NULL DEFAULT '',
		error_detail TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
	CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
	`

	_, err := r.db.Exec(schema)
	return err
}

// Create allocates a new job in the pending state
func (r *SQLiteRegistry) Create(ctx context.Context) (*models.Job, error) {
	now := time.Now()
	job := models.Job{
		ID:        uuid.New().String(),
		State:     models.StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	query := `
		INSERT INTO jobs (id, state, created_at, updated_at)
		VALUES (?, ?, ?, ?)
	`
	if _, err := r.db.ExecContext(ctx, query, job.ID, string(job.State), now.UnixMilli(), now.UnixMilli()); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	return &job, nil
}

// Get returns a snapshot of the job
func (r *SQLiteRegistry) Get(ctx context.Context, id string) (*models.Job, error) {
	query := `
		SELECT id, state, progress, artifact_id, direct_url, error_detail, created_at, updated_at
		FROM jobs WHERE id = ?
	`

	var job models.Job
	var state string
	var createdAt, updatedAt int64
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&job.ID, &state, &job.Progress, &job.ArtifactID, &job.DirectURL,
		&job.ErrorDetail, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	job.State = models.JobState(state)
	job.CreatedAt = time.UnixMilli(createdAt)
	job.UpdatedAt = time.UnixMilli(updatedAt)
	return &job, nil
}

// guardedUpdate runs an update that must not touch terminal jobs and maps a
// zero row count to ErrNotFound or ErrTerminal.
func (r *SQLiteRegistry) guardedUpdate(ctx context.Context, id, query string, args ...interface{}) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var exists int
	if err := r.db.QueryRowContext(ctx, "SELECT 1 FROM jobs WHERE id = ?", id).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to check job existence: %w", err)
	}
	return ErrTerminal
}

// SetState applies a non-terminal state transition
func (r *SQLiteRegistry) SetState(ctx context.Context, id string, state models.JobState) error {
	query := `
		UPDATE jobs SET state = ?, updated_at = ?
		WHERE id = ? AND state NOT IN ('finished', 'failed')
	`
	return r.guardedUpdate(ctx, id, query, string(state), time.Now().UnixMilli(), id)
}

// SetProgress records download progress for a running or merging job
func (r *SQLiteRegistry) SetProgress(ctx context.Context, id string, progress float64) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}

	// Ignored outside running/merging; MAX keeps progress monotonic.
	query := `
		UPDATE jobs SET progress = MAX(progress, ?), updated_at = ?
		WHERE id = ? AND state IN ('running', 'merging')
	`
	if _, err := r.db.ExecContext(ctx, query, progress, time.Now().UnixMilli(), id); err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return nil
}

// MarkFinished transitions the job to finished with its artifact id
func (r *SQLiteRegistry) MarkFinished(ctx context.Context, id, artifactID string) error {
	query := `
		UPDATE jobs SET state = 'finished', progress = 100, artifact_id = ?, updated_at = ?
		WHERE id = ? AND state NOT IN ('finished', 'failed')
	`
	return r.guardedUpdate(ctx, id, query, artifactID, time.Now().UnixMilli(), id)
}

// MarkFinishedDirect transitions the job to finished with a direct URL
func (r *SQLiteRegistry) MarkFinishedDirect(ctx context.Context, id, directURL string) error {
	query := `
		UPDATE jobs SET state = 'finished', progress = 100, direct_url = ?, updated_at = ?
		WHERE id = ? AND state NOT IN ('finished', 'failed')
	`
	return r.guardedUpdate(ctx, id, query, directURL, time.Now().UnixMilli(), id)
}

// MarkFailed transitions the job to failed with the error detail verbatim
func (r *SQLiteRegistry) MarkFailed(ctx context.Context, id, detail string) error {
	query := `
		UPDATE jobs SET state = 'failed', error_detail = ?, updated_at = ?
		WHERE id = ? AND state NOT IN ('finished', 'failed')
	`
	return r.guardedUpdate(ctx, id, query, detail, time.Now().UnixMilli(), id)
}

// Stalled returns ids of running/merging jobs with no update for olderThan
func (r *SQLiteRegistry) Stalled(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()

	query := `
		SELECT id FROM jobs
		WHERE state IN ('running', 'merging') AND updated_at < ?
	`
	rows, err := r.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stalled jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan stalled job: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FinishedArtifactIDs returns artifact ids referenced by finished jobs. Used
// on startup to reconcile job records that survived a restart with a fresh
// artifact store.
func (r *SQLiteRegistry) FinishedArtifactIDs(ctx context.Context) ([]string, error) {
	query := `SELECT artifact_id FROM jobs WHERE state = 'finished' AND artifact_id != ''`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifact ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan artifact id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SweepOlderThan removes terminal jobs older than age whose artifact is gone
func (r *SQLiteRegistry) SweepOlderThan(ctx context.Context, age time.Duration, artifactGone func(artifactID string) bool) (int, error) {
	cutoff := time.Now().Add(-age).UnixMilli()

	query := `
		SELECT id, artifact_id FROM jobs
		WHERE state IN ('finished', 'failed') AND created_at < ?
	`
	rows, err := r.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list sweepable jobs: %w", err)
	}

	type candidate struct {
		id         string
		artifactID string
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.artifactID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan sweepable job: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	removed := 0
	for _, c := range candidates {
		if c.artifactID != "" && artifactGone != nil && !artifactGone(c.artifactID) {
			continue
		}
		if _, err := r.db.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", c.id); err != nil {
			return removed, fmt.Errorf("failed to delete job %s: %w", c.id, err)
		}
		removed++
	}
	return removed, nil
}

// Close closes the database connection
func (r *SQLiteRegistry) Close() error {
	return r.db.Close()
}
