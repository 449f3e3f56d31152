package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/quillforge/internal/queue"
	"github.com/kiranshivaraju/quillforge/internal/store"
	"github.com/kiranshivaraju/quillforge/pkg/models"
)

// RegenerationReason is recorded on jobs cancelled by a newer regeneration request.
const RegenerationReason = "cancelled: superseded by regeneration"

var (
	ErrNotEditorStage = errors.New("stage cannot be run synchronously")
	ErrMissingTarget  = errors.New("target id is required")
)

// StageRunner executes one stage outside the queue.
type StageRunner interface {
	RunStage(ctx context.Context, stage, targetID string) (*models.StageResult, error)
}

type Config struct {
	// HaltOnRejection stops a chain when an editor pass does not approve the chapter.
	// Off by default: disapproval is surfaced as flags and the chain carries on.
	HaltOnRejection bool
	Logger          *slog.Logger
}

// ChainResult describes the jobs created by one regeneration request.
type ChainResult struct {
	TargetID  string               `json:"target_id"`
	Cancelled int64                `json:"cancelled"`
	Jobs      map[string]uuid.UUID `json:"jobs"`
}

// Orchestrator owns the stage graph: it creates jobs, enqueues whole chains and decides
// what follows a finished job. It is the worker's queue.Observer.
type Orchestrator struct {
	store    store.Store
	registry *queue.Registry
	runner   StageRunner
	cfg      Config
	logger   *slog.Logger
}

func New(s store.Store, registry *queue.Registry, runner StageRunner, cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:    s,
		registry: registry,
		runner:   runner,
		cfg:      cfg,
		logger:   logger.With("component", "pipeline"),
	}
}

// CreateJob enqueues a single pending job. It returns as soon as the row is stored.
func (o *Orchestrator) CreateJob(ctx context.Context, jobType, targetID string) (*models.Job, error) {
	if strings.TrimSpace(targetID) == "" {
		return nil, ErrMissingTarget
	}
	if !o.registry.Has(jobType) {
		return nil, fmt.Errorf("create job: %w: %s", queue.ErrUnknownJobType, jobType)
	}
	job := models.NewJob(jobType, targetID)
	if err := o.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	o.logger.Info("job created", "job_id", job.ID, "job_type", jobType, "target_id", targetID)
	return job, nil
}

// RegenerateChapter cancels whatever is still queued or running for the chapter, resets
// its derived state and enqueues the full chain, all in one transaction. Concurrent
// requests resolve last-writer-wins: the later one cancels the earlier chain.
func (o *Orchestrator) RegenerateChapter(ctx context.Context, chapterID string) (*ChainResult, error) {
	if strings.TrimSpace(chapterID) == "" {
		return nil, ErrMissingTarget
	}
	result := &ChainResult{TargetID: chapterID, Jobs: make(map[string]uuid.UUID, len(ChapterChain))}

	err := o.store.InTx(ctx, func(tx store.Store) error {
		if _, err := tx.GetChapter(ctx, chapterID); err != nil {
			return err
		}
		n, err := tx.CancelActiveJobs(ctx, chapterID, RegenerationReason)
		if err != nil {
			return err
		}
		result.Cancelled = n
		if err := tx.ResetChapter(ctx, chapterID); err != nil {
			return err
		}
		for _, stage := range ChapterChain {
			job := models.NewJob(stage, chapterID)
			if err := tx.CreateJob(ctx, job); err != nil {
				return err
			}
			result.Jobs[stage] = job.ID
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("regenerate chapter %s: %w", chapterID, err)
	}

	o.logger.Info("chapter chain enqueued",
		"target_id", chapterID, "jobs", len(result.Jobs), "cancelled", result.Cancelled)
	return result, nil
}

// JobCompleted enqueues the next chain stage unless one is already waiting for the target.
func (o *Orchestrator) JobCompleted(ctx context.Context, tx store.Store, job *models.Job) error {
	next, ok := NextStage(job.Type)
	if !ok {
		return nil
	}

	if o.cfg.HaltOnRejection && IsEditorStage(job.Type) {
		approved, err := o.approved(ctx, tx, job)
		if err != nil {
			return err
		}
		if !approved {
			reason := fmt.Sprintf("cancelled: %s did not approve the chapter", job.Type)
			n, err := tx.CancelActiveJobs(ctx, job.TargetID, reason)
			if err != nil {
				return err
			}
			o.logger.Warn("chain halted on rejection",
				"job_id", job.ID, "job_type", job.Type, "target_id", job.TargetID, "cancelled", n)
			return nil
		}
	}

	active, err := tx.HasActiveJob(ctx, job.TargetID, next)
	if err != nil {
		return err
	}
	if active {
		return nil
	}

	nextJob := models.NewJob(next, job.TargetID)
	if err := tx.CreateJob(ctx, nextJob); err != nil {
		return fmt.Errorf("chain %s: %w", next, err)
	}
	o.logger.Info("next stage enqueued",
		"job_id", nextJob.ID, "job_type", next, "target_id", job.TargetID, "after", job.ID)
	return nil
}

// JobFailed stops the rest of a chapter chain once one of its stages has failed for good.
func (o *Orchestrator) JobFailed(ctx context.Context, tx store.Store, job *models.Job, cause error) error {
	if !InChain(job.Type) {
		return nil
	}
	reason := fmt.Sprintf("cancelled: %s failed", job.Type)
	n, err := tx.CancelActiveJobs(ctx, job.TargetID, reason)
	if err != nil {
		return err
	}
	if n > 0 {
		o.logger.Warn("downstream stages cancelled",
			"job_id", job.ID, "job_type", job.Type, "target_id", job.TargetID,
			"cancelled", n, "cause", cause)
	}
	return nil
}

// RunStage runs a single editor pass synchronously. Nothing is queued or chained.
func (o *Orchestrator) RunStage(ctx context.Context, stage, targetID string) (*models.StageResult, error) {
	if !IsEditorStage(stage) {
		return nil, fmt.Errorf("%w: %s", ErrNotEditorStage, stage)
	}
	if strings.TrimSpace(targetID) == "" {
		return nil, ErrMissingTarget
	}
	return o.runner.RunStage(ctx, stage, targetID)
}

// approved reads the stage result the handler stored as the job checkpoint. A job with
// no readable result counts as approved.
func (o *Orchestrator) approved(ctx context.Context, tx store.Store, job *models.Job) (bool, error) {
	stored, err := tx.GetJob(ctx, job.ID)
	if err != nil {
		return false, err
	}
	if len(stored.Checkpoint) == 0 {
		return true, nil
	}
	var res models.StageResult
	if err := json.Unmarshal(stored.Checkpoint, &res); err != nil {
		o.logger.Warn("unreadable stage result", "job_id", job.ID, "error", err)
		return true, nil
	}
	return res.Approved, nil
}

var _ queue.Observer = (*Orchestrator)(nil)
