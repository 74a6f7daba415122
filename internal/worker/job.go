// Package worker implements the serverless job loop: it takes jobs from the
// control plane, runs them through the registered handler, and reports results.
package worker

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a job
type Status string

const (
	StatusInQueue    Status = "IN_QUEUE"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusTimedOut   Status = "TIMED_OUT"
)

// Job is a unit of work delivered by the control plane
type Job struct {
	ID      string          `json:"id"`
	Input   json.RawMessage `json:"input"`
	Webhook string          `json:"webhook,omitempty"`

	// ReceivedAt is set by the worker when the job is taken
	ReceivedAt time.Time `json:"-"`
}

// Result is the terminal envelope reported back for a job.
// A handler error becomes a FAILED result, never a dropped job.
type Result struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
	Output any    `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`

	// DelayTime is the queue wait before execution started, in milliseconds.
	// ExecutionTime is how long the handler ran, in milliseconds.
	DelayTime     int64 `json:"delayTime,omitempty"`
	ExecutionTime int64 `json:"executionTime,omitempty"`
}

// IsTerminal reports whether the status is a final state
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}
