package job

import (
	"fmt"
	"time"
)

// EventType tags a progress event
type EventType string

const (
	EventStarted EventType = "started"
	EventFetched EventType = "fetched"
	EventSaved   EventType = "saved"
	EventFailed  EventType = "failed"
)

// Stage names the step of a job that failed
type Stage string

const (
	StageFetch     Stage = "fetch"
	StageSave      Stage = "save"
	StageDirectory Stage = "directory"
)

// Event is a progress report for one job.
// TraceCount is set for fetched events, Path for saved events,
// Stage/Kind/Message for failed events.
type Event struct {
	Type       EventType `json:"type"`
	Job        FetchJob  `json:"job"`
	TraceCount int       `json:"traceCount,omitempty"`
	Path       string    `json:"path,omitempty"`
	Stage      Stage     `json:"stage,omitempty"`
	Kind       string    `json:"kind,omitempty"`
	Message    string    `json:"message,omitempty"`
	Time       time.Time `json:"time"`
}

func (e Event) String() string {
	switch e.Type {
	case EventStarted:
		return fmt.Sprintf("[%d] started %s %s", e.Job.Sequence, e.Job.Channel, e.Job.Interval)
	case EventFetched:
		return fmt.Sprintf("[%d] fetched %d trace(s)", e.Job.Sequence, e.TraceCount)
	case EventSaved:
		return fmt.Sprintf("[%d] saved %s", e.Job.Sequence, e.Path)
	case EventFailed:
		return fmt.Sprintf("[%d] %s failed (%s): %s", e.Job.Sequence, e.Stage, e.Kind, e.Message)
	}
	return fmt.Sprintf("[%d] %s", e.Job.Sequence, e.Type)
}

// Failure is a by-value record of one failed job
type Failure struct {
	Sequence int    `json:"sequence"`
	Stage    Stage  `json:"stage"`
	Kind     string `json:"kind"`
	Message  string `json:"message"`
}

// Summary is computed once after the last job of a batch completes.
// Total counts attempted jobs, so Total == Succeeded + Failed.
// Skipped counts jobs never started because the batch was cancelled.
type Summary struct {
	Total     int       `json:"total"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	Failures  []Failure `json:"failures"`
}
