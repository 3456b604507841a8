package acquire

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ryabkov82/multifetch/internal/job"
)

// Timings tracks timing metrics for the stages of a batch
type Timings struct {
	mu sync.Mutex

	// Source fetches
	FetchTotal time.Duration
	FetchCount int64

	// Sink writes
	SaveTotal time.Duration
	SaveCount int64

	// Whole jobs, start to saved or failed
	JobTotal time.Duration
	JobCount int64
}

// NewTimings creates a new Timings instance
func NewTimings() *Timings {
	return &Timings{}
}

// ObserveFetch records a fetch duration
func (t *Timings) ObserveFetch(d time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.FetchTotal += d
	t.FetchCount++
}

// ObserveSave records a write duration
func (t *Timings) ObserveSave(d time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.SaveTotal += d
	t.SaveCount++
}

// ObserveJob records a whole-job duration
func (t *Timings) ObserveJob(d time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.JobTotal += d
	t.JobCount++
}

// String returns a formatted summary of all timings
func (t *Timings) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var parts []string
	add := func(name string, total time.Duration, count int64) {
		if count == 0 {
			return
		}
		avg := total / time.Duration(count)
		parts = append(parts, fmt.Sprintf("%s: total=%v count=%d avg=%v", name, total, count, avg))
	}
	add("Fetch", t.FetchTotal, t.FetchCount)
	add("Save", t.SaveTotal, t.SaveCount)
	add("Job", t.JobTotal, t.JobCount)

	if len(parts) == 0 {
		return "No timings recorded"
	}
	return strings.Join(parts, "; ")
}

// Metrics exposes batch progress as Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	jobs         *prometheus.CounterVec
	traces       prometheus.Counter
	fetchSeconds prometheus.Histogram
	saveSeconds  prometheus.Histogram
	batches      *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		jobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "multifetch",
			Name:      "jobs_total",
			Help:      "Finished fetch jobs by outcome and failing stage.",
		}, []string{"outcome", "stage", "kind"}),
		traces: f.NewCounter(prometheus.CounterOpts{
			Namespace: "multifetch",
			Name:      "traces_fetched_total",
			Help:      "Traces received from waveform sources.",
		}),
		fetchSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "multifetch",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of waveform fetches.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		saveSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "multifetch",
			Name:      "save_duration_seconds",
			Help:      "Duration of miniSEED writes.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		batches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "multifetch",
			Name:      "batches_total",
			Help:      "Finished batches by result.",
		}, []string{"result"}),
	}
}

func (m *Metrics) observeFetch(d time.Duration, traces int) {
	if m == nil {
		return
	}
	m.fetchSeconds.Observe(d.Seconds())
	m.traces.Add(float64(traces))
}

func (m *Metrics) observeSave(d time.Duration) {
	if m == nil {
		return
	}
	m.saveSeconds.Observe(d.Seconds())
}

func (m *Metrics) jobSaved() {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues("saved", "", "").Inc()
}

func (m *Metrics) jobFailed(stage job.Stage, kind string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues("failed", string(stage), kind).Inc()
}

func (m *Metrics) batchFinished(result string) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(result).Inc()
}
