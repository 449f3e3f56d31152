package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/quillforge/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrInvalidTransition is returned by guarded job writes when the job is no longer in the
// status the write expects, e.g. completing a job that was cancelled while running.
var ErrInvalidTransition = errors.New("invalid job status transition")

// JobStore persists jobs and enforces their status transitions. Every method is a single
// atomic statement unless noted.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error)

	// ClaimNextJob moves the oldest pending job to running, increments its attempts and
	// returns it. Returns nil, nil when nothing is pending.
	ClaimNextJob(ctx context.Context) (*models.Job, error)
	CompleteJob(ctx context.Context, id uuid.UUID) error
	FailJob(ctx context.Context, id uuid.UUID, msg string) error
	RetryJob(ctx context.Context, id uuid.UUID, msg string) error
	RequeueJob(ctx context.Context, id uuid.UUID) error
	SaveCheckpoint(ctx context.Context, id uuid.UUID, data json.RawMessage) error

	// CancelActiveJobs fails every pending or running job for the target with reason.
	CancelActiveJobs(ctx context.Context, targetID, reason string) (int64, error)
	// FailExhaustedJobs fails running jobs started at least threshold ago that have already
	// used maxAttempts attempts, and returns them as failed.
	FailExhaustedJobs(ctx context.Context, threshold time.Duration, maxAttempts int, msg string) ([]*models.Job, error)
	// ReclaimStaleJobs moves running jobs started at least threshold ago back to pending.
	ReclaimStaleJobs(ctx context.Context, threshold time.Duration) (int64, error)
	// HasActiveJob reports whether a pending or running job exists for the target. An empty
	// jobType matches any type.
	HasActiveJob(ctx context.Context, targetID, jobType string) (bool, error)
}

type ChapterStore interface {
	CreateChapter(ctx context.Context, ch *models.Chapter) error
	GetChapter(ctx context.Context, id string) (*models.Chapter, error)
	ListChapters(ctx context.Context, bookID string) ([]*models.Chapter, error)
	UpdateChapterContent(ctx context.Context, id, stage, content string) error
	// ApplyEdit records an editor pass: replaces the content when revised is non-empty,
	// stores flags and marks the stage. Runs in one transaction.
	ApplyEdit(ctx context.Context, id, stage, revised string, flags []models.ChapterFlag) error
	UpdateChapterSummary(ctx context.Context, id, summary string) error
	// ResetChapter clears all derived state (content, summary, flags) before a regeneration.
	ResetChapter(ctx context.Context, id string) error
	DeleteChapter(ctx context.Context, id string) error
	ListChapterFlags(ctx context.Context, chapterID string) ([]models.ChapterFlag, error)
}

type BookStore interface {
	CreateBook(ctx context.Context, book *models.Book) error
	GetBook(ctx context.Context, id string) (*models.Book, error)
	UpsertStoryState(ctx context.Context, st *models.StoryState) error
	ListStoryStates(ctx context.Context, bookID string) ([]models.StoryState, error)
}

type OutlineStore interface {
	UpsertOutline(ctx context.Context, o *models.Outline) error
	GetOutline(ctx context.Context, id string) (*models.Outline, error)
}

// Store is the data access interface. All database operations go through here.
type Store interface {
	JobStore
	ChapterStore
	BookStore
	OutlineStore

	Ping(ctx context.Context) error
	// InTx runs fn against a transaction-scoped Store. The transaction commits when fn
	// returns nil and rolls back otherwise. Nested calls reuse the outer transaction.
	InTx(ctx context.Context, fn func(Store) error) error
}

type JobFilter struct {
	TargetID string
	Status   string
	Type     string
	Limit    int
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// EffectiveLimit clamps Limit to (0, 500], defaulting to 50.
func (f JobFilter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return defaultListLimit
	case f.Limit > maxListLimit:
		return maxListLimit
	default:
		return f.Limit
	}
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}
