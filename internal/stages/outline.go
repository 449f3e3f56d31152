package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/quillforge/internal/progress"
	"github.com/kiranshivaraju/quillforge/internal/store"
	"github.com/kiranshivaraju/quillforge/pkg/models"
)

// outlineCheckpoint is stored on a generate_outline job after every saved act.
type outlineCheckpoint struct {
	ActsDone int `json:"acts_done"`
}

// generateOutline writes a book outline one act at a time. Every act is upserted before
// the next one starts, so a retried job resumes after the last saved act.
func (s *Service) generateOutline(ctx context.Context, job *models.Job) error {
	book, err := s.store.GetBook(ctx, job.TargetID)
	if err != nil {
		return fmt.Errorf("load book %s: %w", job.TargetID, err)
	}
	logger := s.logger.With("job_id", job.ID, "target_id", book.ID)

	outline, done, err := s.resumeOutline(ctx, job, book)
	if err != nil {
		return err
	}
	total := outline.TotalActs

	if done == 0 {
		s.publish(ctx, logger, progress.Snapshot{
			TargetID: book.ID, JobID: job.ID.String(), Phase: progress.PhaseStarting,
			Message: "Starting outline", Total: total,
		})
	} else {
		logger.Info("resuming outline", "acts_done", done, "total_acts", total)
	}

	for n := done + 1; n <= total; n++ {
		s.publish(ctx, logger, progress.Snapshot{
			TargetID: book.ID, JobID: job.ID.String(), Phase: progress.PhaseActs,
			Message:   fmt.Sprintf("Writing act %d of %d", n, total),
			Percent:   progress.Percent(n-1, total),
			Generated: n - 1,
			Total:     total,
		})

		if err := s.writeAct(ctx, job, book, outline, n); err != nil {
			s.publish(ctx, logger, progress.Snapshot{
				TargetID: book.ID, JobID: job.ID.String(), Phase: progress.PhaseFailed,
				Message:   fmt.Sprintf("Act %d of %d failed: %v", n, total, err),
				Percent:   progress.Percent(n-1, total),
				Generated: n - 1,
				Total:     total,
			})
			return err
		}
	}

	s.publish(ctx, logger, progress.Snapshot{
		TargetID: book.ID, JobID: job.ID.String(), Phase: progress.PhaseComplete,
		Message: "Outline complete", Percent: 100, Generated: total, Total: total,
	})
	logger.Info("outline complete", "total_acts", total)
	return nil
}

// writeAct generates act n, saves it with the acts before it and checkpoints the job.
func (s *Service) writeAct(ctx context.Context, job *models.Job, book *models.Book, outline *models.Outline, n int) error {
	act, err := s.writer.OutlineAct(ctx, book, n, outline.TotalActs, outline.Acts)
	if err != nil {
		return err
	}
	outline.Acts = append(outline.Acts, *act)
	outline.Complete = n == outline.TotalActs
	if err := s.store.UpsertOutline(ctx, outline); err != nil {
		return fmt.Errorf("save outline act %d: %w", n, err)
	}
	return s.saveCheckpoint(ctx, job, outlineCheckpoint{ActsDone: n})
}

// resumeOutline returns the outline to continue and how many of its acts are already
// saved. A job without a checkpoint starts a fresh outline.
func (s *Service) resumeOutline(ctx context.Context, job *models.Job, book *models.Book) (*models.Outline, int, error) {
	fresh := &models.Outline{ID: book.ID, BookID: book.ID, TotalActs: s.cfg.OutlineActs}

	var cp outlineCheckpoint
	if len(job.Checkpoint) == 0 {
		return fresh, 0, nil
	}
	if err := json.Unmarshal(job.Checkpoint, &cp); err != nil || cp.ActsDone <= 0 {
		return fresh, 0, nil
	}

	saved, err := s.store.GetOutline(ctx, book.ID)
	if errors.Is(err, store.ErrNotFound) {
		return fresh, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}

	done := min(cp.ActsDone, len(saved.Acts))
	saved.Acts = saved.Acts[:done]
	if saved.TotalActs < done || saved.TotalActs < 1 {
		saved.TotalActs = max(done, s.cfg.OutlineActs)
	}
	return saved, done, nil
}

// publish reports progress. Snapshots are a polling convenience, so failures are logged
// and otherwise ignored.
func (s *Service) publish(ctx context.Context, logger *slog.Logger, snap progress.Snapshot) {
	if s.progress == nil {
		return
	}
	if err := s.progress.Publish(ctx, snap); err != nil {
		logger.Warn("progress publish failed", "phase", snap.Phase, "error", err)
	}
}
