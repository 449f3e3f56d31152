package cache

import (
	"fmt"

	"github.com/google/uuid"
)

// JobStatusKey holds the mirrored status of one job.
func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s", jobID)
}

// RateLimitKey counts requests from one client IP in the current window.
func RateLimitKey(client string) string {
	return fmt.Sprintf("ratelimit:%s", client)
}

// ProgressKey is where the snapshot of a running long job for targetID lives.
func ProgressKey(targetID string) string {
	return fmt.Sprintf("progress:%s", targetID)
}
