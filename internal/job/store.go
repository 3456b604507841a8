package job

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// ErrQueueFull is returned when the run queue is full
var ErrQueueFull = errors.New("queue is full")

// ErrNotFound is returned for unknown run ids
var ErrNotFound = errors.New("run not found")

const (
	defaultQueueSize    = 100
	defaultEventHistory = 200
)

// Store manages batch runs in memory
type Store struct {
	mu           sync.RWMutex
	runs         map[string]*Run
	queue        chan *Run
	cancels      map[string]context.CancelFunc
	eventHistory int
}

// NewStore creates a new run store.
// queueSize bounds the number of runs waiting for the worker,
// eventHistory bounds the number of events kept per run.
func NewStore(queueSize, eventHistory int) *Store {
	if queueSize < 1 {
		queueSize = defaultQueueSize
	}
	if eventHistory < 1 {
		eventHistory = defaultEventHistory
	}
	return &Store{
		runs:         make(map[string]*Run),
		queue:        make(chan *Run, queueSize),
		cancels:      make(map[string]context.CancelFunc),
		eventHistory: eventHistory,
	}
}

// Create registers a new run and queues it.
// Returns ErrQueueFull if the queue is full (run is not created)
func (s *Store) Create(r *Run) (string, error) {
	r.ID = uuid.New().String()
	r.Status = StatusQueued
	r.CreatedAt = time.Now()

	// Register before queueing so the worker can never see an unknown id
	s.mu.Lock()
	s.runs[r.ID] = r
	s.mu.Unlock()

	select {
	case s.queue <- r:
		return r.ID, nil
	default:
		s.mu.Lock()
		delete(s.runs, r.ID)
		s.mu.Unlock()
		return "", ErrQueueFull
	}
}

// Get returns a snapshot of a run by ID
func (s *Store) Get(id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "run %s", id)
	}
	return r.snapshot(), nil
}

// List returns snapshots of all runs, oldest first
func (s *Store) List() []*Run {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// UpdateStatus updates run status and start/finish timestamps.
// A canceled run keeps its status.
func (s *Store) UpdateStatus(id string, status RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "run %s", id)
	}
	if r.Status == StatusCanceled {
		return nil
	}

	r.Status = status
	now := time.Now()

	switch status {
	case StatusRunning:
		if r.StartedAt == nil {
			r.StartedAt = &now
		}
	case StatusSucceeded, StatusPartial, StatusFailed, StatusCanceled:
		if r.FinishedAt == nil {
			r.FinishedAt = &now
		}
	}

	return nil
}

// RecordEvent appends a progress event and updates the run counters
func (s *Store) RecordEvent(id string, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return
	}

	switch ev.Type {
	case EventStarted:
		r.JobsStarted++
	case EventSaved:
		r.Succeeded++
	case EventFailed:
		r.Failed++
	}

	r.Events = append(r.Events, ev)
	if over := len(r.Events) - s.eventHistory; over > 0 {
		r.Events = append(r.Events[:0:0], r.Events[over:]...)
	}
}

// Finish stores the final summary and terminal status. A cancel that
// arrived after every job had started stopped nothing, so the run takes
// the completion status instead of staying canceled.
func (s *Store) Finish(id string, summary Summary, status RunStatus) {
	s.mu.Lock()
	r, ok := s.runs[id]
	if ok {
		r.Summary = &summary
		if r.Status == StatusCanceled && status != StatusCanceled &&
			len(r.Jobs) > 0 && summary.Skipped == 0 && summary.Total == len(r.Jobs) {
			r.Status = status
			now := time.Now()
			r.FinishedAt = &now
			if r.LastError == "" {
				r.LastError = "cancel requested after every job had started"
			}
		}
	}
	s.mu.Unlock()

	if ok {
		_ = s.UpdateStatus(id, status)
	}
}

// UpdateError updates run error message
func (s *Store) UpdateError(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return
	}

	if err != nil {
		r.LastError = err.Error()
	} else {
		r.LastError = ""
	}
}

// SetCancel registers a cancel function for a run
func (s *Store) SetCancel(id string, cf context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[id]; !ok {
		return errors.Wrapf(ErrNotFound, "run %s", id)
	}

	s.cancels[id] = cf
	return nil
}

// ClearCancel removes cancel function for a run
func (s *Store) ClearCancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.cancels, id)
}

// Cancel cancels a run. A running batch stops before its next job.
func (s *Store) Cancel(id string) error {
	var cf context.CancelFunc

	s.mu.Lock()
	r, ok := s.runs[id]
	if !ok {
		s.mu.Unlock()
		return errors.Wrapf(ErrNotFound, "run %s", id)
	}

	if r.Status.Finished() {
		s.mu.Unlock()
		return errors.Newf("run already finished: %s", r.Status)
	}

	if cancelFunc, exists := s.cancels[id]; exists {
		cf = cancelFunc
	}

	r.Status = StatusCanceled
	now := time.Now()
	r.FinishedAt = &now
	s.mu.Unlock()

	// Call cancel function outside of lock
	if cf != nil {
		cf()
	}

	return nil
}

// IsCanceled reports whether the run was canceled (used to skip queued runs)
func (s *Store) IsCanceled(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[id]
	return ok && r.Status == StatusCanceled
}

// NextRun returns the next run from the queue (blocking)
func (s *Store) NextRun(ctx context.Context) (*Run, error) {
	select {
	case r := <-s.queue:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
