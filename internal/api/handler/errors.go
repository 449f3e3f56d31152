package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/quillforge/internal/ai"
	"github.com/kiranshivaraju/quillforge/internal/api/response"
	"github.com/kiranshivaraju/quillforge/internal/pipeline"
	"github.com/kiranshivaraju/quillforge/internal/queue"
	"github.com/kiranshivaraju/quillforge/internal/stages"
	"github.com/kiranshivaraju/quillforge/internal/store"
)

// writeError maps domain errors to status codes. Anything unrecognised is logged and
// reported as a 500 without details.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Resource not found", nil)
	case errors.Is(err, store.ErrDuplicateKey):
		response.Error(w, http.StatusConflict, "ALREADY_EXISTS", "Resource already exists", nil)
	case errors.Is(err, store.ErrInvalidTransition):
		response.Error(w, http.StatusConflict, "INVALID_TRANSITION", err.Error(), nil)
	case errors.Is(err, queue.ErrUnknownJobType):
		response.Error(w, http.StatusBadRequest, "UNKNOWN_JOB_TYPE", err.Error(), nil)
	case errors.Is(err, pipeline.ErrMissingTarget):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "target_id is required", nil)
	case errors.Is(err, pipeline.ErrNotEditorStage):
		response.Error(w, http.StatusBadRequest, "NOT_EDITOR_STAGE", err.Error(), nil)
	case errors.Is(err, stages.ErrMissingInput):
		response.Error(w, http.StatusUnprocessableEntity, "MISSING_INPUT", err.Error(), nil)
	case errors.Is(err, ai.ErrProviderUnavailable):
		response.Error(w, http.StatusBadGateway, "AI_PROVIDER_UNAVAILABLE",
			"The AI provider is not available", nil)
	case errors.Is(err, ai.ErrInferenceTimeout):
		response.Error(w, http.StatusGatewayTimeout, "AI_INFERENCE_TIMEOUT",
			"AI inference took too long and was cancelled", nil)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}

func invalidRequest(w http.ResponseWriter, message string) {
	response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", message, nil)
}

// decodeBody decodes a JSON request body into v, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		invalidRequest(w, "Invalid JSON body")
		return false
	}
	return true
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		invalidRequest(w, "job id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}
