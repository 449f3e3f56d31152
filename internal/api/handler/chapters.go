package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/quillforge/internal/api/response"
	"github.com/kiranshivaraju/quillforge/internal/review"
	"github.com/kiranshivaraju/quillforge/internal/store"
	"github.com/kiranshivaraju/quillforge/pkg/models"
)

// DeletionReason is recorded on jobs cancelled because their chapter was deleted.
const DeletionReason = "cancelled: chapter deleted"

type chapterResponse struct {
	*models.Chapter
	Flags      []models.ChapterFlag `json:"flags"`
	FlagGroups []review.FlagGroup   `json:"flag_groups"`
}

// NewGetChapterHandler returns GET /api/v1/chapters/{chapterID} with its editor flags, both
// raw and grouped by finding.
func NewGetChapterHandler(s store.ChapterStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := chi.URLParam(r, "chapterID")

		ch, err := s.GetChapter(ctx, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		flags, err := s.ListChapterFlags(ctx, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if flags == nil {
			flags = []models.ChapterFlag{}
		}
		response.JSON(w, chapterResponse{Chapter: ch, Flags: flags, FlagGroups: review.GroupFlags(flags)})
	}
}

// NewDeleteChapterHandler returns DELETE /api/v1/chapters/{chapterID}. Queued stages for
// the chapter are cancelled in the same transaction.
func NewDeleteChapterHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := chi.URLParam(r, "chapterID")

		err := s.InTx(ctx, func(tx store.Store) error {
			if _, err := tx.CancelActiveJobs(ctx, id, DeletionReason); err != nil {
				return err
			}
			return tx.DeleteChapter(ctx, id)
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.NoContent(w)
	}
}

// NewRegenerateHandler returns POST /api/v1/chapters/{chapterID}/regenerate. The response
// carries the id of every job in the new chain.
func NewRegenerateHandler(p Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := p.RegenerateChapter(r.Context(), chi.URLParam(r, "chapterID"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Accepted(w, result)
	}
}

// NewRunStageHandler returns POST /api/v1/chapters/{chapterID}/stages/{stage}. The editor
// pass runs inside the request; nothing is queued.
func NewRunStageHandler(p Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := p.RunStage(r.Context(), chi.URLParam(r, "stage"), chi.URLParam(r, "chapterID"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, result)
	}
}
