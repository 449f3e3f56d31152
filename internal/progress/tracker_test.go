package progress

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubDurable struct {
	partial *Partial
	err     error
}

func (s stubDurable) Partial(context.Context, string) (*Partial, error) {
	return s.partial, s.err
}

type stubJobs struct {
	active bool
	err    error
}

func (s stubJobs) HasActiveJob(context.Context, string, string) (bool, error) {
	return s.active, s.err
}

type failingStore struct{}

func (failingStore) Publish(context.Context, Snapshot) error { return errors.New("down") }
func (failingStore) Get(context.Context, string) (*Snapshot, bool, error) {
	return nil, false, errors.New("down")
}
func (failingStore) Clear(context.Context, string) error { return errors.New("down") }

func TestTracker_NothingKnown(t *testing.T) {
	tr := NewTracker(NewMemoryStore(time.Minute), stubDurable{}, stubJobs{}, nil)

	st := tr.GetProgress(context.Background(), "chapter-9")
	if st.State != StateNone || st.InProgress || st.Complete {
		t.Errorf("got %+v, want state none", st)
	}
	if st.TargetID != "chapter-9" {
		t.Errorf("TargetID = %q", st.TargetID)
	}
}

func TestTracker_SnapshotInProgress(t *testing.T) {
	mem := NewMemoryStore(time.Minute)
	_ = mem.Publish(context.Background(), Snapshot{TargetID: "book-1", Phase: PhaseActs, Percent: 40})
	tr := NewTracker(mem, stubDurable{}, stubJobs{active: true}, nil)

	st := tr.GetProgress(context.Background(), "book-1")
	if st.State != StateInProgress || !st.InProgress {
		t.Fatalf("got %+v, want in_progress", st)
	}
	if st.Snapshot == nil || st.Snapshot.Percent != 40 {
		t.Errorf("snapshot = %+v, want percent 40", st.Snapshot)
	}
}

func TestTracker_SnapshotComplete(t *testing.T) {
	mem := NewMemoryStore(time.Minute)
	_ = mem.Publish(context.Background(), Snapshot{TargetID: "book-1", Phase: PhaseComplete, Percent: 100})
	tr := NewTracker(mem, stubDurable{}, stubJobs{}, nil)

	st := tr.GetProgress(context.Background(), "book-1")
	if st.State != StateComplete || !st.Complete {
		t.Errorf("got %+v, want complete", st)
	}
}

func TestTracker_FallsBackToDurableComplete(t *testing.T) {
	tr := NewTracker(NewMemoryStore(time.Minute),
		stubDurable{partial: &Partial{Kind: "outline", Generated: 5, Total: 5, Complete: true}}, stubJobs{}, nil)

	st := tr.GetProgress(context.Background(), "book-1")
	if st.State != StateComplete || !st.Complete {
		t.Fatalf("got %+v, want complete", st)
	}
	if st.Partial == nil || st.Partial.Generated != 5 {
		t.Errorf("partial = %+v", st.Partial)
	}
}

func TestTracker_DurablePartialWithPendingJob(t *testing.T) {
	tr := NewTracker(NewMemoryStore(time.Minute),
		stubDurable{partial: &Partial{Kind: "outline", Generated: 2, Total: 5}}, stubJobs{active: true}, nil)

	st := tr.GetProgress(context.Background(), "book-1")
	if st.State != StateInProgress || st.Complete {
		t.Fatalf("got %+v, want in_progress and not complete", st)
	}
	if st.Partial == nil || st.Partial.Generated != 2 {
		t.Errorf("partial = %+v", st.Partial)
	}
}

func TestTracker_UnfinishedSnapshotWithoutActiveJob(t *testing.T) {
	mem := NewMemoryStore(time.Minute)
	_ = mem.Publish(context.Background(), Snapshot{TargetID: "book-1", Phase: PhaseActs, Percent: 40, Generated: 2, Total: 5})
	tr := NewTracker(mem, stubDurable{partial: &Partial{Kind: "outline", Generated: 2, Total: 5}}, stubJobs{}, nil)

	st := tr.GetProgress(context.Background(), "book-1")
	if st.State != StateNone || st.InProgress || st.Complete {
		t.Fatalf("got %+v, want state none", st)
	}
	if st.ActiveJob {
		t.Error("ActiveJob = true, want false")
	}
	if st.Partial == nil || st.Partial.Generated != 2 || st.Partial.Total != 5 {
		t.Errorf("partial = %+v, want 2 of 5 acts", st.Partial)
	}
	if st.Snapshot == nil || st.Snapshot.Percent != 40 {
		t.Errorf("snapshot = %+v, want the last published one", st.Snapshot)
	}
}

func TestTracker_FailedSnapshotWithCompleteOutput(t *testing.T) {
	mem := NewMemoryStore(time.Minute)
	_ = mem.Publish(context.Background(), Snapshot{TargetID: "book-1", Phase: PhaseFailed})
	tr := NewTracker(mem, stubDurable{partial: &Partial{Kind: "outline", Generated: 5, Total: 5, Complete: true}}, stubJobs{}, nil)

	st := tr.GetProgress(context.Background(), "book-1")
	if st.State != StateComplete || !st.Complete {
		t.Errorf("got %+v, want complete from durable output", st)
	}
}

func TestTracker_CompleteSnapshotWithNewJob(t *testing.T) {
	mem := NewMemoryStore(time.Minute)
	_ = mem.Publish(context.Background(), Snapshot{TargetID: "book-1", Phase: PhaseComplete, Percent: 100})
	tr := NewTracker(mem, stubDurable{}, stubJobs{active: true}, nil)

	st := tr.GetProgress(context.Background(), "book-1")
	if st.State != StateInProgress || st.Complete {
		t.Errorf("got %+v, want in_progress while a new job is active", st)
	}
}

func TestTracker_ExpiredSnapshotKeepsDurableOutput(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	mem := NewMemoryStore(30*time.Minute, WithClock(clock.Now))
	_ = mem.Publish(context.Background(), Snapshot{TargetID: "book-1", Phase: PhaseActs, Percent: 40})
	clock.Advance(31 * time.Minute)
	mem.Purge()

	tr := NewTracker(mem, stubDurable{partial: &Partial{Kind: "outline", Generated: 2, Total: 5}}, stubJobs{}, nil)
	st := tr.GetProgress(context.Background(), "book-1")

	if st.Snapshot != nil {
		t.Error("expired snapshot returned")
	}
	if st.Partial == nil || st.Partial.Generated != 2 {
		t.Errorf("durable partial lost: %+v", st.Partial)
	}
	if st.Complete {
		t.Error("partial output reported complete")
	}
}

func TestTracker_LookupErrorsNeverFail(t *testing.T) {
	tr := NewTracker(failingStore{}, stubDurable{err: errors.New("db down")}, stubJobs{err: errors.New("db down")}, nil)

	st := tr.GetProgress(context.Background(), "chapter-1")
	if st.State != StateNone {
		t.Errorf("got %+v, want state none", st)
	}
}
