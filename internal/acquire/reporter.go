package acquire

import (
	"sync"
	"time"

	"github.com/ryabkov82/multifetch/internal/job"
)

// Reporter serializes event delivery to a caller callback.
// Workers may emit concurrently; the callback never runs twice at once.
type Reporter struct {
	mu  sync.Mutex
	fn  func(job.Event)
	now func() time.Time
}

// NewReporter wraps fn. A nil fn discards events.
func NewReporter(fn func(job.Event)) *Reporter {
	return &Reporter{fn: fn, now: time.Now}
}

// Emit stamps and delivers ev
func (r *Reporter) Emit(ev job.Event) {
	if ev.Time.IsZero() {
		ev.Time = r.now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fn != nil {
		r.fn(ev)
	}
}
