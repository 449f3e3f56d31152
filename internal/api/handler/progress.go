package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/quillforge/internal/api/response"
	"github.com/kiranshivaraju/quillforge/internal/progress"
)

type ProgressReader interface {
	GetProgress(ctx context.Context, targetID string) progress.Status
}

// NewProgressHandler returns GET /api/v1/progress/{targetID}. It always answers 200; an
// unknown target reports state "none".
func NewProgressHandler(t ProgressReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, t.GetProgress(r.Context(), chi.URLParam(r, "targetID")))
	}
}
