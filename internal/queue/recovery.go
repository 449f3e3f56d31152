package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/quillforge/internal/store"
	"github.com/kiranshivaraju/quillforge/pkg/models"
)

// RecoverStaleJobs handles running jobs left behind by a dead process. A job that already
// used cfg.MaxAttempts attempts is failed and reported to cfg.Observer, so a job that keeps
// killing the process is not dispatched again. The others go back to pending. Both happen
// in one transaction. It returns how many jobs went back to pending.
//
// With a zero cfg.StaleThreshold every running job counts as stale, which is only safe
// while a single worker process runs against the store.
func RecoverStaleJobs(ctx context.Context, s store.Store, cfg Config) (int64, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxAttempts := max(cfg.MaxAttempts, 1)
	msg := fmt.Sprintf("%s: worker stopped during attempt %d", ErrAttemptsExhausted, maxAttempts)

	var (
		failed    []*models.Job
		reclaimed int64
	)
	err := s.InTx(ctx, func(tx store.Store) error {
		var err error
		failed, err = tx.FailExhaustedJobs(ctx, cfg.StaleThreshold, maxAttempts, msg)
		if err != nil {
			return err
		}
		if cfg.Observer != nil {
			for _, job := range failed {
				if err := cfg.Observer.JobFailed(ctx, tx, job, ErrAttemptsExhausted); err != nil {
					return err
				}
			}
		}
		reclaimed, err = tx.ReclaimStaleJobs(ctx, cfg.StaleThreshold)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}

	for _, job := range failed {
		logger.Error("stale job failed; attempts exhausted",
			"job_id", job.ID, "job_type", job.Type, "target_id", job.TargetID, "attempt", job.Attempts)
		publishStatus(ctx, cfg.StatusCache, logger, job.ID, models.JobStatusFailed)
	}
	if reclaimed > 0 {
		logger.Warn("reclaimed stale jobs", "count", reclaimed, "threshold", cfg.StaleThreshold.String())
	} else if len(failed) == 0 {
		logger.Info("no stale jobs to reclaim")
	}
	return reclaimed, nil
}
