package diagnose

import (
	"time"

	"mediscope/internal/capability"
)

// TaskStatus is the terminal state of one task.
type TaskStatus string

const (
	StatusSucceeded TaskStatus = "succeeded"
	StatusFailed    TaskStatus = "failed"
	StatusSkipped   TaskStatus = "skipped"
)

// TaskOutcome records how one task settled. Immutable once created.
type TaskOutcome struct {
	Task TaskID
	// Required mirrors the descriptor flag so the aggregator can gate
	// without holding the task set.
	Required bool
	Status   TaskStatus
	// Payload is set when Status is succeeded.
	Payload *capability.Payload
	// FailureReason is a human-readable reason when Status is failed.
	FailureReason string
	Duration      time.Duration
}

// Terminal reports whether the outcome will not be superseded.
func (o TaskOutcome) Terminal() bool {
	return o.Status == StatusSucceeded || o.Status == StatusFailed
}
