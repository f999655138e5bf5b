// Package model defines the data structures for deepagent's tasks, jobs,
// adapters, configuration, and error taxonomy.
package model

import "fmt"

// Task is one unit of work submitted to the system. Immutable once accepted.
type Task struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   string         `json:"created_at"`
}

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// JobRecord tracks a Task through the durable queue. Owned exclusively by the
// queue server for the queue file it lives in.
type JobRecord struct {
	Task       Task         `json:"task"`
	Status     JobStatus    `json:"status"`
	Attempts   int          `json:"attempts"`
	Result     string       `json:"result,omitempty"`
	Error      *ErrorDetail `json:"error,omitempty"`
	StartedAt  *string      `json:"started_at,omitempty"`
	FinishedAt *string      `json:"finished_at,omitempty"`
}

var terminalJobStatuses = map[JobStatus]bool{
	JobSucceeded: true,
	JobFailed:    true,
}

// Job status transitions: queued ↔ running → terminal.
// running → queued covers both retry-at-tail and stale-run recovery.
var validJobTransitions = map[JobStatus]map[JobStatus]bool{
	JobQueued: {
		JobRunning: true,
	},
	JobRunning: {
		JobQueued:    true,
		JobSucceeded: true,
		JobFailed:    true,
	},
}

func IsJobTerminal(s JobStatus) bool {
	return terminalJobStatuses[s]
}

func ValidateJobTransition(from, to JobStatus) error {
	if IsJobTerminal(from) {
		return fmt.Errorf("cannot transition from terminal job status %q", from)
	}
	allowed, ok := validJobTransitions[from]
	if !ok {
		return fmt.Errorf("unknown job status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid job transition: %q → %q", from, to)
	}
	return nil
}
