package handler

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/quillforge/internal/api/response"
	"github.com/kiranshivaraju/quillforge/internal/store"
	"github.com/kiranshivaraju/quillforge/pkg/models"
)

type bookResponse struct {
	*models.Book
	Chapters []*models.Chapter `json:"chapters"`
	Outline  *models.Outline   `json:"outline,omitempty"`
}

// NewCreateBookHandler returns POST /api/v1/books.
func NewCreateBookHandler(s store.BookStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID      string `json:"id"`
			Title   string `json:"title"`
			Premise string `json:"premise"`
			Genre   string `json:"genre"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Title) == "" {
			invalidRequest(w, "title is required")
			return
		}

		now := time.Now().UTC()
		book := &models.Book{
			ID:        req.ID,
			Title:     req.Title,
			Premise:   req.Premise,
			Genre:     req.Genre,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if book.ID == "" {
			book.ID = uuid.NewString()
		}
		if err := s.CreateBook(r.Context(), book); err != nil {
			writeError(w, r, err)
			return
		}
		response.Created(w, book)
	}
}

// NewGetBookHandler returns GET /api/v1/books/{bookID} with its chapters and, once one
// has been generated, its outline.
func NewGetBookHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		bookID := chi.URLParam(r, "bookID")

		book, err := s.GetBook(ctx, bookID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		chapters, err := s.ListChapters(ctx, bookID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if chapters == nil {
			chapters = []*models.Chapter{}
		}
		outline, err := s.GetOutline(ctx, bookID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			writeError(w, r, err)
			return
		}

		response.JSON(w, bookResponse{Book: book, Chapters: chapters, Outline: outline})
	}
}

// NewCreateChapterHandler returns POST /api/v1/books/{bookID}/chapters.
func NewCreateChapterHandler(s store.ChapterStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     string `json:"id"`
			Number int    `json:"number"`
			Title  string `json:"title"`
			Brief  string `json:"brief"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Number < 1 {
			invalidRequest(w, "number must be a positive integer")
			return
		}

		now := time.Now().UTC()
		ch := &models.Chapter{
			ID:        req.ID,
			BookID:    chi.URLParam(r, "bookID"),
			Number:    req.Number,
			Title:     req.Title,
			Brief:     req.Brief,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if ch.ID == "" {
			ch.ID = uuid.NewString()
		}
		if err := s.CreateChapter(r.Context(), ch); err != nil {
			writeError(w, r, err)
			return
		}
		response.Created(w, ch)
	}
}

// NewEnqueueOutlineHandler returns POST /api/v1/books/{bookID}/outline. A book with an
// outline job already pending or running gets a 409.
func NewEnqueueOutlineHandler(s store.Store, p Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		bookID := chi.URLParam(r, "bookID")

		if _, err := s.GetBook(ctx, bookID); err != nil {
			writeError(w, r, err)
			return
		}
		active, err := s.HasActiveJob(ctx, bookID, models.JobTypeGenerateOutline)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if active {
			response.Error(w, http.StatusConflict, "JOB_ACTIVE",
				"An outline job is already queued for this book", nil)
			return
		}

		job, err := p.CreateJob(ctx, models.JobTypeGenerateOutline, bookID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Accepted(w, job)
	}
}
