package worker

import (
	"context"
	"time"
)

// IdempotencyStore tracks which job IDs have already been processed so a
// redelivered job is acknowledged instead of executed twice.
type IdempotencyStore interface {
	// MarkProcessed marks a job as processed with a TTL.
	// Returns true if the job was newly marked, false if already present.
	MarkProcessed(ctx context.Context, jobID string, ttl time.Duration) (bool, error)

	// IsProcessed checks whether a job has already been processed
	IsProcessed(ctx context.Context, jobID string) (bool, error)
}
