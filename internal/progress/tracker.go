package progress

import (
	"context"
	"log/slog"
)

type State string

const (
	StateNone       State = "none"
	StateInProgress State = "in_progress"
	StateComplete   State = "complete"
)

// Partial describes durably saved output for a target, used when no snapshot exists.
type Partial struct {
	Kind      string `json:"kind"`
	Generated int    `json:"generated"`
	Total     int    `json:"total"`
	Complete  bool   `json:"complete"`
	Stage     string `json:"stage,omitempty"`
}

// DurableSource reports durable output for a target; nil, nil means there is none.
type DurableSource interface {
	Partial(ctx context.Context, targetID string) (*Partial, error)
}

// JobLookup reports whether a target has a pending or running job.
type JobLookup interface {
	HasActiveJob(ctx context.Context, targetID, jobType string) (bool, error)
}

// Status is the polling response. It is always well formed.
type Status struct {
	TargetID   string    `json:"target_id"`
	State      State     `json:"state"`
	InProgress bool      `json:"in_progress"`
	Complete   bool      `json:"complete"`
	ActiveJob  bool      `json:"active_job"`
	Snapshot   *Snapshot `json:"snapshot,omitempty"`
	Partial    *Partial  `json:"partial,omitempty"`
}

// Tracker answers progress polls from snapshots, falling back to durable output.
type Tracker struct {
	snapshots Store
	durable   DurableSource
	jobs      JobLookup
	logger    *slog.Logger
}

func NewTracker(snapshots Store, durable DurableSource, jobs JobLookup, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{snapshots: snapshots, durable: durable, jobs: jobs, logger: logger}
}

// GetProgress never fails: lookup errors are logged and treated as "nothing known".
func (t *Tracker) GetProgress(ctx context.Context, targetID string) Status {
	st := Status{TargetID: targetID, State: StateNone}

	active, err := t.jobs.HasActiveJob(ctx, targetID, "")
	if err != nil {
		t.logger.Warn("progress job lookup failed", "target_id", targetID, "error", err)
	}
	st.ActiveJob = active

	snap, found, err := t.snapshots.Get(ctx, targetID)
	if err != nil {
		t.logger.Warn("progress snapshot lookup failed", "target_id", targetID, "error", err)
	}
	if found {
		st.Snapshot = snap
		switch {
		case active:
			return st.inProgress()
		case snap.Phase == PhaseComplete:
			return st.complete()
		}
		// The job behind an unfinished snapshot has failed or been cancelled; what is
		// left is whatever it saved.
	}

	partial, err := t.durable.Partial(ctx, targetID)
	if err != nil {
		t.logger.Warn("progress durable lookup failed", "target_id", targetID, "error", err)
	}
	st.Partial = partial

	switch {
	case active:
		return st.inProgress()
	case partial != nil && partial.Complete:
		return st.complete()
	default:
		// Nothing running. Any partial output is reported as-is, incomplete.
		return st
	}
}

func (s Status) inProgress() Status {
	s.State = StateInProgress
	s.InProgress = true
	return s
}

func (s Status) complete() Status {
	s.State = StateComplete
	s.Complete = true
	return s
}
