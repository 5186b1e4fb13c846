package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"fetchq/internal/artifact"
	"fetchq/internal/metrics"
	"fetchq/internal/registry"
)

// Sweeper is the recurring background task that reclaims expired artifacts,
// fails stalled jobs and drops abandoned job records.
type Sweeper struct {
	registry     registry.JobRegistry
	store        *artifact.Store
	metrics      *metrics.Metrics
	log          *slog.Logger
	interval     time.Duration
	stallTimeout time.Duration
	retention    time.Duration
}

// New creates a new sweeper
func New(reg registry.JobRegistry, store *artifact.Store, m *metrics.Metrics, log *slog.Logger, interval, stallTimeout, retention time.Duration) *Sweeper {
	return &Sweeper{
		registry:     reg,
		store:        store,
		metrics:      m,
		log:          log,
		interval:     interval,
		stallTimeout: stallTimeout,
		retention:    retention,
	}
}

// Run executes the sweep loop until ctx is cancelled
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one pass. Per-entry failures are logged and skipped.
func (s *Sweeper) Sweep(ctx context.Context) {
	if n := s.store.SweepExpired(time.Now()); n > 0 {
		s.metrics.AddSweptArtifacts(n)
		s.log.Info("swept expired artifacts", "count", n)
	}

	stalled, err := s.registry.Stalled(ctx, s.stallTimeout)
	if err != nil {
		s.log.Error("failed to list stalled jobs", "error", err)
	}
	for _, id := range stalled {
		detail := fmt.Sprintf("stalled: no progress for %s", s.stallTimeout)
		if err := s.registry.MarkFailed(ctx, id, detail); err != nil {
			// The runner finished or failed the job in the meantime.
			continue
		}
		s.metrics.IncrementStalledJobs()
		s.log.Warn("job failed by watchdog", "job_id", id, "stall_timeout", s.stallTimeout)
	}

	removed, err := s.registry.SweepOlderThan(ctx, s.retention, s.store.Missing)
	if err != nil {
		s.log.Error("failed to sweep job records", "error", err)
		return
	}
	if removed > 0 {
		s.metrics.AddSweptJobRecords(removed)
		s.log.Info("swept job records", "count", removed)
	}
}
