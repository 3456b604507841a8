package job

import (
	"time"
)

// RunStatus represents the status of a batch run
type RunStatus string

const (
	StatusQueued    RunStatus = "queued"
	StatusRunning   RunStatus = "running"
	StatusSucceeded RunStatus = "succeeded"
	StatusPartial   RunStatus = "partial" // finished, some jobs failed
	StatusFailed    RunStatus = "failed"
	StatusCanceled  RunStatus = "canceled"
)

// Finished reports whether the status is terminal
func (s RunStatus) Finished() bool {
	return s == StatusSucceeded || s == StatusPartial || s == StatusFailed || s == StatusCanceled
}

// Run is one submitted batch: the planned jobs plus its live progress.
type Run struct {
	ID          string
	Project     string
	Destination string
	Jobs        []FetchJob
	Status      RunStatus
	CreatedAt   time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
	JobsStarted int
	Succeeded   int
	Failed      int
	LastError   string
	Events      []Event // most recent events, bounded by the store's history size
	Summary     *Summary
}

// snapshot returns a copy safe to hand out while the worker keeps mutating the original
func (r *Run) snapshot() *Run {
	c := *r
	c.Jobs = append([]FetchJob(nil), r.Jobs...)
	c.Events = append([]Event(nil), r.Events...)
	if r.Summary != nil {
		s := *r.Summary
		s.Failures = append([]Failure(nil), r.Summary.Failures...)
		c.Summary = &s
	}
	return &c
}
