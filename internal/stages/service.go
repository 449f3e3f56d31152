// Package stages implements the job handlers: each one loads its target, checks that its
// input exists, asks the writer for the stage output and persists the result.
package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kiranshivaraju/quillforge/internal/ai"
	"github.com/kiranshivaraju/quillforge/internal/pipeline"
	"github.com/kiranshivaraju/quillforge/internal/progress"
	"github.com/kiranshivaraju/quillforge/internal/queue"
	"github.com/kiranshivaraju/quillforge/internal/store"
	"github.com/kiranshivaraju/quillforge/pkg/models"
)

// ErrMissingInput means a stage ran before the output it depends on existed.
var ErrMissingInput = errors.New("missing stage input")

type Config struct {
	OutlineActs int
	Logger      *slog.Logger
}

// Service owns the stage handlers. Register installs them in a queue.Registry; RunStage
// runs an editor pass without a job.
type Service struct {
	store    store.Store
	writer   *ai.Writer
	progress progress.Store
	cfg      Config
	logger   *slog.Logger
}

func NewService(s store.Store, writer *ai.Writer, snapshots progress.Store, cfg Config) *Service {
	if cfg.OutlineActs < 1 {
		cfg.OutlineActs = 5
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    s,
		writer:   writer,
		progress: snapshots,
		cfg:      cfg,
		logger:   logger.With("component", "stages"),
	}
}

type stageFunc func(ctx context.Context, targetID string) (*models.StageResult, error)

// Register installs a handler for every job type.
func (s *Service) Register(r *queue.Registry) {
	r.Register(models.JobTypeGenerateChapter, s.handle(s.generateChapter))
	for _, stage := range pipeline.ChapterChain {
		if pipeline.IsEditorStage(stage) {
			r.Register(stage, s.handle(s.editor(stage)))
		}
	}
	r.Register(models.JobTypeGenerateSummary, s.handle(s.generateSummary))
	r.Register(models.JobTypeUpdateStates, s.handle(s.updateStates))
	r.Register(models.JobTypeGenerateOutline, s.generateOutline)
}

// RunStage runs one editor pass synchronously.
func (s *Service) RunStage(ctx context.Context, stage, targetID string) (*models.StageResult, error) {
	if !pipeline.IsEditorStage(stage) {
		return nil, fmt.Errorf("%w: %s", pipeline.ErrNotEditorStage, stage)
	}
	res, err := s.editor(stage)(ctx, targetID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("stage run synchronously",
		"job_type", stage, "target_id", targetID,
		"suggestions", res.Suggestions, "flags", res.Flags, "approved", res.Approved)
	return res, nil
}

// handle adapts a stage to a queue.Handler that stores the stage result as the job
// checkpoint.
func (s *Service) handle(fn stageFunc) queue.Handler {
	return func(ctx context.Context, job *models.Job) error {
		res, err := fn(ctx, job.TargetID)
		if err != nil {
			return err
		}
		return s.saveCheckpoint(ctx, job, res)
	}
}

func (s *Service) generateChapter(ctx context.Context, chapterID string) (*models.StageResult, error) {
	ch, book, err := s.loadChapter(ctx, chapterID)
	if err != nil {
		return nil, err
	}

	chapters, err := s.store.ListChapters(ctx, book.ID)
	if err != nil {
		return nil, err
	}
	var previous []string
	for _, c := range chapters {
		if c.Number < ch.Number && c.Summary != "" {
			previous = append(previous, c.Summary)
		}
	}
	states, err := s.store.ListStoryStates(ctx, book.ID)
	if err != nil {
		return nil, err
	}

	text, err := s.writer.DraftChapter(ctx, ai.DraftInput{
		Book: book, Chapter: ch, PreviousSummaries: previous, States: states,
	})
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateChapterContent(ctx, ch.ID, models.JobTypeGenerateChapter, text); err != nil {
		return nil, err
	}

	updated, err := s.store.GetChapter(ctx, ch.ID)
	if err != nil {
		return nil, err
	}
	return &models.StageResult{
		Stage:     models.JobTypeGenerateChapter,
		TargetID:  ch.ID,
		Approved:  true,
		WordCount: updated.WordCount,
	}, nil
}

func (s *Service) editor(stage string) stageFunc {
	return func(ctx context.Context, chapterID string) (*models.StageResult, error) {
		ch, book, err := s.loadChapter(ctx, chapterID)
		if err != nil {
			return nil, err
		}
		if ch.Content == "" {
			return nil, missingInput("chapter %s has no content to edit", ch.ID)
		}

		res, err := s.writer.Edit(ctx, stage, book, ch)
		if err != nil {
			return nil, err
		}

		flags := make([]models.ChapterFlag, 0, len(res.Flags))
		for _, f := range res.Flags {
			flags = append(flags, models.ChapterFlag{
				ChapterID: ch.ID, Stage: stage, Severity: f.Severity, Message: f.Message,
			})
		}
		if !res.Approved {
			// Disapproval is surfaced for review; it does not stop the chain.
			flags = append(flags, models.ChapterFlag{
				ChapterID: ch.ID, Stage: stage, Severity: models.FlagSeverityWarning,
				Message: stage + " did not approve this chapter",
			})
		}
		if err := s.store.ApplyEdit(ctx, ch.ID, stage, res.Revised, flags); err != nil {
			return nil, err
		}

		return &models.StageResult{
			Stage:       stage,
			TargetID:    ch.ID,
			Suggestions: len(res.Suggestions),
			Flags:       len(flags),
			Approved:    res.Approved,
			WordCount:   len(strings.Fields(res.Revised)),
		}, nil
	}
}

func (s *Service) generateSummary(ctx context.Context, chapterID string) (*models.StageResult, error) {
	ch, _, err := s.loadChapter(ctx, chapterID)
	if err != nil {
		return nil, err
	}
	if ch.Content == "" {
		return nil, missingInput("chapter %s has no content to summarise", ch.ID)
	}
	summary, err := s.writer.Summarize(ctx, ch)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateChapterSummary(ctx, ch.ID, summary); err != nil {
		return nil, err
	}
	return &models.StageResult{Stage: models.JobTypeGenerateSummary, TargetID: ch.ID, Approved: true}, nil
}

func (s *Service) updateStates(ctx context.Context, chapterID string) (*models.StageResult, error) {
	ch, book, err := s.loadChapter(ctx, chapterID)
	if err != nil {
		return nil, err
	}
	if ch.Content == "" || ch.Summary == "" {
		return nil, missingInput("chapter %s needs content and a summary before states update", ch.ID)
	}

	known, err := s.store.ListStoryStates(ctx, book.ID)
	if err != nil {
		return nil, err
	}
	updates, err := s.writer.ExtractStates(ctx, book, ch, known)
	if err != nil {
		return nil, err
	}

	err = s.store.InTx(ctx, func(tx store.Store) error {
		for _, u := range updates {
			if err := tx.UpsertStoryState(ctx, &models.StoryState{
				BookID: book.ID, Name: u.Name, Description: u.Description, ChapterID: ch.ID,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("propagate story states: %w", err)
	}
	return &models.StageResult{
		Stage:       models.JobTypeUpdateStates,
		TargetID:    ch.ID,
		Suggestions: len(updates),
		Approved:    true,
	}, nil
}

func (s *Service) loadChapter(ctx context.Context, chapterID string) (*models.Chapter, *models.Book, error) {
	ch, err := s.store.GetChapter(ctx, chapterID)
	if err != nil {
		return nil, nil, fmt.Errorf("load chapter %s: %w", chapterID, err)
	}
	book, err := s.store.GetBook(ctx, ch.BookID)
	if err != nil {
		return nil, nil, fmt.Errorf("load book %s: %w", ch.BookID, err)
	}
	return ch, book, nil
}

func (s *Service) saveCheckpoint(ctx context.Context, job *models.Job, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := s.store.SaveCheckpoint(ctx, job.ID, data); err != nil {
		return err
	}
	job.Checkpoint = data
	return nil
}

func missingInput(format string, args ...any) error {
	return queue.Permanent(fmt.Errorf("%w: %s", ErrMissingInput, fmt.Sprintf(format, args...)))
}
