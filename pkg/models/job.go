package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// Job types. The first seven form the chapter chain, in order.
const (
	JobTypeGenerateChapter = "generate_chapter"
	JobTypeDevEdit         = "dev_edit"
	JobTypeLineEdit        = "line_edit"
	JobTypeContinuityCheck = "continuity_check"
	JobTypeCopyEdit        = "copy_edit"
	JobTypeGenerateSummary = "generate_summary"
	JobTypeUpdateStates    = "update_states"

	JobTypeGenerateOutline = "generate_outline"
)

// Job is one unit of scheduled work. Rows are created pending; the worker claims them in
// creation order, executes the registered handler for Type and records the outcome.
// Clients poll GET /api/v1/jobs/{job_id} or /api/v1/progress/{target_id}.
type Job struct {
	ID          uuid.UUID       `db:"id"            json:"id"`
	Seq         int64           `db:"seq"           json:"-"`
	Type        string          `db:"type"          json:"type"`
	TargetID    string          `db:"target_id"     json:"target_id"`
	Status      string          `db:"status"        json:"status"`
	Checkpoint  json.RawMessage `db:"checkpoint"    json:"checkpoint,omitempty"`
	Error       *string         `db:"error_message" json:"error,omitempty"`
	Attempts    int             `db:"attempts"      json:"attempts"`
	StartedAt   *time.Time      `db:"started_at"    json:"started_at,omitempty"`
	CompletedAt *time.Time      `db:"completed_at"  json:"completed_at,omitempty"`
	CreatedAt   time.Time       `db:"created_at"    json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at"    json:"updated_at"`
}

// NewJob returns a pending job ready to be inserted.
func NewJob(jobType, targetID string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:        uuid.New(),
		Type:      jobType,
		TargetID:  targetID,
		Status:    JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Terminal reports whether the job reached completed or failed.
func (j *Job) Terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// ErrorMessage returns the recorded error or an empty string.
func (j *Job) ErrorMessage() string {
	if j.Error == nil {
		return ""
	}
	return *j.Error
}
