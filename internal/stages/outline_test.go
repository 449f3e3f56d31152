package stages_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kiranshivaraju/quillforge/internal/ai"
	"github.com/kiranshivaraju/quillforge/internal/ai/mock"
	"github.com/kiranshivaraju/quillforge/internal/progress"
	"github.com/kiranshivaraju/quillforge/internal/queue"
	"github.com/kiranshivaraju/quillforge/internal/stages"
	"github.com/kiranshivaraju/quillforge/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// actFailingProvider fails the outline act calls listed in failOn (1-based call numbers).
func actFailingProvider(failOn ...int64) (*mock.Provider, *atomic.Int64) {
	var actCalls atomic.Int64
	fail := map[int64]bool{}
	for _, n := range failOn {
		fail[n] = true
	}
	return &mock.Provider{
		NameValue: "mock",
		CompleteFunc: func(_ context.Context, req models.CompletionRequest) (models.CompletionResponse, error) {
			if req.Task == ai.TaskOutlineAct {
				if fail[actCalls.Add(1)] {
					return models.CompletionResponse{}, models.ErrProviderUnavailable
				}
			}
			return models.CompletionResponse{Content: mock.Respond(req)}, nil
		},
	}, &actCalls
}

func TestGenerateOutline_Complete(t *testing.T) {
	h := newHarness(t, mock.NewProvider())
	seedBook(t, h.store)

	job, err := h.orch.CreateJob(ctxBG(), models.JobTypeGenerateOutline, "book-1")
	require.NoError(t, err)
	assert.Equal(t, 1, h.drain(t))

	outline, err := h.store.GetOutline(ctxBG(), "book-1")
	require.NoError(t, err)
	assert.True(t, outline.Complete)
	assert.Equal(t, 5, outline.TotalActs)
	require.Len(t, outline.Acts, 5)
	for i, act := range outline.Acts {
		assert.Equal(t, i+1, act.Number)
	}

	got, err := h.store.GetJob(ctxBG(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.JSONEq(t, `{"acts_done": 5}`, string(got.Checkpoint))

	st := h.status("book-1")
	assert.Equal(t, progress.StateComplete, st.State)
	assert.True(t, st.Complete)
	require.NotNil(t, st.Snapshot)
	assert.Equal(t, progress.PhaseComplete, st.Snapshot.Phase)
	assert.Equal(t, 100, st.Snapshot.Percent)
}

func TestGenerateOutline_CrashFallsBackToDurablePartial(t *testing.T) {
	provider, actCalls := actFailingProvider(3)
	h := newHarness(t, provider)
	seedBook(t, h.store)

	job, err := h.orch.CreateJob(ctxBG(), models.JobTypeGenerateOutline, "book-1")
	require.NoError(t, err)
	processed, err := h.worker.ProcessNext(ctxBG())
	require.NoError(t, err)
	require.True(t, processed)

	// The third act failed: two acts are saved and the last snapshot says 40%. The job is
	// pending for retry, so the target is still in progress.
	st := h.status("book-1")
	assert.Equal(t, progress.StateInProgress, st.State)
	require.NotNil(t, st.Snapshot)
	assert.Equal(t, progress.PhaseFailed, st.Snapshot.Phase)
	assert.Equal(t, 40, st.Snapshot.Percent)
	assert.Equal(t, 2, st.Snapshot.Generated)

	// Restart much later: the snapshot has expired, the saved acts have not.
	h.clock.Advance(31 * time.Minute)
	st = h.status("book-1")
	assert.Nil(t, st.Snapshot)
	assert.False(t, st.Complete)
	require.NotNil(t, st.Partial)
	assert.Equal(t, "outline", st.Partial.Kind)
	assert.Equal(t, 2, st.Partial.Generated)
	assert.Equal(t, 5, st.Partial.Total)
	assert.False(t, st.Partial.Complete)
	assert.True(t, st.ActiveJob, "the job is pending for retry")

	got, err := h.store.GetJob(ctxBG(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.JSONEq(t, `{"acts_done": 2}`, string(got.Checkpoint))

	// The retry resumes at act three.
	h.drain(t)
	assert.Equal(t, int64(6), actCalls.Load(), "two saved acts, one failure, three resumed acts")

	outline, err := h.store.GetOutline(ctxBG(), "book-1")
	require.NoError(t, err)
	assert.True(t, outline.Complete)
	assert.Len(t, outline.Acts, 5)

	st = h.status("book-1")
	assert.Equal(t, progress.StateComplete, st.State)
}

func TestGenerateOutline_ExpiredSnapshotNeverDeletesPartial(t *testing.T) {
	provider, _ := actFailingProvider(2, 3, 4)
	h := newHarness(t, provider)
	seedBook(t, h.store)

	job, err := h.orch.CreateJob(ctxBG(), models.JobTypeGenerateOutline, "book-1")
	require.NoError(t, err)
	h.drain(t)

	got, err := h.store.GetJob(ctxBG(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Contains(t, got.ErrorMessage(), "ai provider unavailable")

	// Before the snapshot expires, polling already reports the saved act, not progress.
	st := h.status("book-1")
	assert.Equal(t, progress.StateNone, st.State)
	assert.False(t, st.InProgress)
	require.NotNil(t, st.Snapshot)
	assert.Equal(t, progress.PhaseFailed, st.Snapshot.Phase)
	require.NotNil(t, st.Partial)
	assert.Equal(t, 1, st.Partial.Generated)

	h.clock.Advance(time.Hour)
	assert.Equal(t, 1, h.snapshots.Purge())

	st = h.status("book-1")
	assert.Equal(t, progress.StateNone, st.State)
	assert.False(t, st.ActiveJob)
	require.NotNil(t, st.Partial)
	assert.Equal(t, 1, st.Partial.Generated)
	assert.False(t, st.Partial.Complete)
}

func TestGenerateOutline_FreshJobStartsOver(t *testing.T) {
	h := newHarness(t, mock.NewProvider())
	seedBook(t, h.store)
	require.NoError(t, h.store.UpsertOutline(ctxBG(), &models.Outline{
		ID: "book-1", BookID: "book-1", TotalActs: 5,
		Acts: []models.OutlineAct{{Number: 1, Title: "Old"}, {Number: 2, Title: "Old"}},
	}))

	_, err := h.orch.CreateJob(ctxBG(), models.JobTypeGenerateOutline, "book-1")
	require.NoError(t, err)
	h.drain(t)

	outline, err := h.store.GetOutline(ctxBG(), "book-1")
	require.NoError(t, err)
	require.Len(t, outline.Acts, 5)
	assert.NotEqual(t, "Old", outline.Acts[0].Title)
}

func TestGenerateOutline_MissingBook(t *testing.T) {
	h := newHarness(t, mock.NewProvider())

	job, err := h.orch.CreateJob(ctxBG(), models.JobTypeGenerateOutline, "no-book")
	require.NoError(t, err)
	h.drain(t)

	got, err := h.store.GetJob(ctxBG(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Empty(t, h.provider.Calls())
}

func TestGenerateOutline_PublishFailureIsIgnored(t *testing.T) {
	h := newHarness(t, mock.NewProvider())
	seedBook(t, h.store)
	svc := newServiceWithSnapshots(t, h, failingSnapshots{})
	reg := queue.NewRegistry()
	svc.Register(reg)
	w := queue.NewWorker(h.store, reg, queue.Config{PollInterval: time.Millisecond, MaxAttempts: 1, Logger: quietLogger()})

	job, err := h.orch.CreateJob(ctxBG(), models.JobTypeGenerateOutline, "book-1")
	require.NoError(t, err)
	_, err = w.Drain(ctxBG())
	require.NoError(t, err)

	got, err := h.store.GetJob(ctxBG(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)

	var cp map[string]int
	require.NoError(t, json.Unmarshal(got.Checkpoint, &cp))
	assert.Equal(t, 5, cp["acts_done"])
}

type failingSnapshots struct{}

func (failingSnapshots) Publish(context.Context, progress.Snapshot) error {
	return errors.New("redis down")
}

func (failingSnapshots) Get(context.Context, string) (*progress.Snapshot, bool, error) {
	return nil, false, errors.New("redis down")
}

func (failingSnapshots) Clear(context.Context, string) error { return nil }

func newServiceWithSnapshots(t *testing.T, h *harness, snapshots progress.Store) *stages.Service {
	t.Helper()
	writer := ai.NewWriter(h.provider, time.Second, quietLogger())
	return stages.NewService(h.store, writer, snapshots, stages.Config{OutlineActs: 5, Logger: quietLogger()})
}
