// Package progress holds the ephemeral progress view of long-running jobs. Snapshots are a
// polling convenience only; the durable record of partial work lives in the store.
package progress

import (
	"context"
	"time"
)

// Phases published by long-running handlers.
const (
	PhaseStarting = "starting"
	PhaseActs     = "acts"
	PhaseComplete = "complete"
	PhaseFailed   = "failed"
)

// Snapshot is the latest progress report for one target. Publishing overwrites the
// previous snapshot for the same target.
type Snapshot struct {
	TargetID  string    `json:"target_id"`
	JobID     string    `json:"job_id,omitempty"`
	Phase     string    `json:"phase"`
	Message   string    `json:"message,omitempty"`
	Percent   int       `json:"percent"`
	Generated int       `json:"generated"`
	Total     int       `json:"total"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store keeps snapshots for a bounded retention window. Implementations must be safe for
// concurrent use.
type Store interface {
	Publish(ctx context.Context, s Snapshot) error
	// Get returns the snapshot for targetID, or false when there is none or it expired.
	Get(ctx context.Context, targetID string) (*Snapshot, bool, error)
	Clear(ctx context.Context, targetID string) error
}

// Percent returns done/total as a whole percentage clamped to [0, 100].
func Percent(done, total int) int {
	if total <= 0 {
		return 0
	}
	p := done * 100 / total
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
