package stages

import (
	"context"
	"errors"

	"github.com/kiranshivaraju/quillforge/internal/pipeline"
	"github.com/kiranshivaraju/quillforge/internal/progress"
	"github.com/kiranshivaraju/quillforge/internal/store"
)

// DurableResults reads saved stage output for progress polling: an outline when the target
// is a book, otherwise the chapter.
type DurableResults struct {
	store store.Store
}

func NewDurableResults(s store.Store) *DurableResults {
	return &DurableResults{store: s}
}

func (d *DurableResults) Partial(ctx context.Context, targetID string) (*progress.Partial, error) {
	outline, err := d.store.GetOutline(ctx, targetID)
	switch {
	case err == nil:
		return &progress.Partial{
			Kind:      "outline",
			Generated: len(outline.Acts),
			Total:     outline.TotalActs,
			Complete:  outline.Complete,
		}, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	ch, err := d.store.GetChapter(ctx, targetID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if ch.LastStage == "" && ch.Content == "" {
		return nil, nil
	}

	done := 0
	for i, stage := range pipeline.ChapterChain {
		if stage == ch.LastStage {
			done = i + 1
		}
	}
	return &progress.Partial{
		Kind:      "chapter",
		Generated: done,
		Total:     len(pipeline.ChapterChain),
		Complete:  ch.Summary != "",
		Stage:     ch.LastStage,
	}, nil
}

var _ progress.DurableSource = (*DurableResults)(nil)
