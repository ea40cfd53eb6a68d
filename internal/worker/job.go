package worker

import (
	"context"
	"sync/atomic"
	"time"
)

// State is where a job is in its lifecycle.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Finished reports whether s is terminal.
func (s State) Finished() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Task is the work behind a job. It should poll job.Cancelled between steps
// and may call job.Report to publish progress.
type Task func(ctx context.Context, job *Job) (any, error)

// Job is one unit of background work.
type Job struct {
	ID   string
	Name string

	task      Task
	pool      *Pool
	cancelled atomic.Bool
}

// Cancelled reports whether Cancel was called for this job.
func (j *Job) Cancelled() bool {
	return j.cancelled.Load()
}

// Report publishes that the job entered stage.
func (j *Job) Report(stage string) {
	j.pool.progress(j, stage)
}

// Status is a snapshot of a job.
type Status struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	State     State      `json:"state"`
	Stage     string     `json:"stage,omitempty"`
	Error     string     `json:"error,omitempty"`
	Result    any        `json:"result,omitempty"`
	Submitted time.Time  `json:"submitted_at"`
	Started   *time.Time `json:"started_at,omitempty"`
	Finished  *time.Time `json:"finished_at,omitempty"`
}

// EventKind tells consumers what happened to a job.
type EventKind string

const (
	EventStarted   EventKind = "started"
	EventProgress  EventKind = "progress"
	EventSucceeded EventKind = "succeeded"
	EventFailed    EventKind = "failed"
	EventCancelled EventKind = "cancelled"
)

// Terminal reports whether k is the last event of a job.
func (k EventKind) Terminal() bool {
	return k == EventSucceeded || k == EventFailed || k == EventCancelled
}

// Event is delivered on Pool.Events.
type Event struct {
	JobID  string
	Name   string
	Kind   EventKind
	Stage  string
	Result any
	Err    error
	At     time.Time
}
