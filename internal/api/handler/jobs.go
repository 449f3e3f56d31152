package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/kiranshivaraju/quillforge/internal/api/response"
	"github.com/kiranshivaraju/quillforge/internal/pipeline"
	"github.com/kiranshivaraju/quillforge/internal/store"
	"github.com/kiranshivaraju/quillforge/pkg/models"
)

// Pipeline is the part of the orchestrator the handlers drive.
type Pipeline interface {
	CreateJob(ctx context.Context, jobType, targetID string) (*models.Job, error)
	RegenerateChapter(ctx context.Context, chapterID string) (*pipeline.ChainResult, error)
	RunStage(ctx context.Context, stage, targetID string) (*models.StageResult, error)
}

var jobStatuses = map[string]bool{
	models.JobStatusPending:   true,
	models.JobStatusRunning:   true,
	models.JobStatusCompleted: true,
	models.JobStatusFailed:    true,
}

// NewCreateJobHandler returns POST /api/v1/jobs. The job is stored pending and the
// response does not wait for it to run.
func NewCreateJobHandler(p Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Type     string `json:"type"`
			TargetID string `json:"target_id"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Type == "" {
			invalidRequest(w, "type is required")
			return
		}

		job, err := p.CreateJob(r.Context(), req.Type, req.TargetID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Accepted(w, job)
	}
}

// NewListJobsHandler returns GET /api/v1/jobs, filtered by target_id, status and type.
func NewListJobsHandler(s store.JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := store.JobFilter{
			TargetID: q.Get("target_id"),
			Status:   q.Get("status"),
			Type:     q.Get("type"),
		}
		if filter.Status != "" && !jobStatuses[filter.Status] {
			invalidRequest(w, "status must be one of pending, running, completed, failed")
			return
		}
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				invalidRequest(w, "limit must be a positive integer")
				return
			}
			filter.Limit = n
		}

		jobs, err := s.ListJobs(r.Context(), filter)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if jobs == nil {
			jobs = []*models.Job{}
		}
		response.List(w, jobs, response.ListMeta{Count: len(jobs), Limit: filter.EffectiveLimit()})
	}
}

// NewGetJobHandler returns GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(s store.JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		job, err := s.GetJob(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, job)
	}
}

// NewRequeueJobHandler returns POST /api/v1/jobs/{jobID}/requeue. Only failed jobs can be
// requeued; anything else is a 409.
func NewRequeueJobHandler(s store.JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		if err := s.RequeueJob(r.Context(), id); err != nil {
			writeError(w, r, err)
			return
		}
		job, err := s.GetJob(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Accepted(w, job)
	}
}
