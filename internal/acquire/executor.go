package acquire

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ryabkov82/multifetch/internal/job"
	"github.com/ryabkov82/multifetch/internal/logger"
)

// Options configures an Executor
type Options struct {
	// Workers is the number of jobs run at once. 1 (the default) runs jobs
	// strictly in sequence order.
	Workers int
	// FetchTimeout bounds each fetch, including connection setup. Zero means no limit.
	FetchTimeout time.Duration
	// RateLimit caps fetches per second across all workers. Zero means unlimited.
	RateLimit float64
	Logger    *zap.SugaredLogger
	Timings   *Timings
	Metrics   *Metrics
}

// Executor runs planned fetch jobs against a source and a sink.
// A failing job never aborts the batch: it is reported and the next job runs.
type Executor struct {
	source  Source
	sink    Sink
	opts    Options
	limiter *rate.Limiter
	logger  *zap.SugaredLogger
}

// NewExecutor creates an executor
func NewExecutor(source Source, sink Sink, opts Options) *Executor {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	e := &Executor{
		source: source,
		sink:   sink,
		opts:   opts,
		logger: logger,
	}
	if opts.RateLimit > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}
	return e
}

// outcome of one job; started is false for jobs skipped by cancellation
type outcome struct {
	started bool
	failure *job.Failure
}

// Run executes jobs and writes results under dest.
//
// Cancellation is checked before each job starts. A fetch or write already
// in flight runs to completion (or its own timeout). When ctx is cancelled
// before every job started, Run returns the partial summary together with an
// error marked ErrCancelled. Per-job failures are never returned as errors.
func (e *Executor) Run(ctx context.Context, jobs []job.FetchJob, dest string, onEvent func(job.Event)) (job.Summary, error) {
	reporter := NewReporter(onEvent)
	outcomes := make([]outcome, len(jobs))

	workers := e.opts.Workers
	if workers > len(jobs) {
		workers = len(jobs)
	}

	queue := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range queue {
				outcomes[idx] = e.runJob(ctx, jobs[idx], dest, reporter)
			}
		}()
	}

dispatch:
	for i := range jobs {
		if ctx.Err() != nil {
			break
		}
		select {
		case queue <- i:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(queue)
	wg.Wait()

	summary := summarize(outcomes)

	e.logger.Infow("Batch finished",
		"total", summary.Total,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
	)

	if summary.Skipped > 0 {
		cause := ctx.Err()
		if cause == nil {
			cause = errors.New("jobs left unstarted")
		}
		e.opts.Metrics.batchFinished("cancelled")
		return summary, errors.Mark(
			errors.Wrapf(cause, "batch stopped after %d of %d jobs", summary.Total, len(jobs)),
			ErrCancelled,
		)
	}
	e.opts.Metrics.batchFinished("completed")
	return summary, nil
}

func summarize(outcomes []outcome) job.Summary {
	s := job.Summary{Failures: []job.Failure{}}
	for _, o := range outcomes {
		if !o.started {
			s.Skipped++
			continue
		}
		s.Total++
		if o.failure != nil {
			s.Failed++
			s.Failures = append(s.Failures, *o.failure)
			continue
		}
		s.Succeeded++
	}
	sort.SliceStable(s.Failures, func(i, j int) bool {
		return s.Failures[i].Sequence < s.Failures[j].Sequence
	})
	return s
}

// runJob executes one job: Started, then Fetched or Failed, then Saved or Failed
func (e *Executor) runJob(ctx context.Context, j job.FetchJob, dest string, reporter *Reporter) outcome {
	if ctx.Err() != nil {
		return outcome{}
	}
	if !e.waitTurn(ctx) {
		return outcome{}
	}

	jobStart := time.Now()
	defer func() {
		e.opts.Timings.ObserveJob(time.Since(jobStart))
	}()

	reporter.Emit(job.Event{Type: job.EventStarted, Job: j})

	if !j.Interval.Valid() {
		return e.fail(reporter, j, job.StageFetch, KindValidation,
			errors.Newf("interval start %s is not before end %s", j.Interval.Start, j.Interval.End))
	}

	// In-flight I/O is detached from batch cancellation
	ioCtx := context.WithoutCancel(ctx)

	fetchCtx := ioCtx
	cancelFetch := func() {}
	if e.opts.FetchTimeout > 0 {
		fetchCtx, cancelFetch = context.WithTimeout(ioCtx, e.opts.FetchTimeout)
	}
	fetchStart := time.Now()
	bundle, err := e.source.Fetch(fetchCtx, j.Connection, j.Channel, j.Interval)
	cancelFetch()
	e.opts.Timings.ObserveFetch(time.Since(fetchStart))
	if err == nil && fetchCtx.Err() == context.DeadlineExceeded {
		// The source ignored its deadline; the result cannot be trusted as complete
		err = errors.Wrapf(context.DeadlineExceeded, "fetch exceeded %v", e.opts.FetchTimeout)
	}
	if err != nil {
		return e.fail(reporter, j, job.StageFetch, Classify(err), err)
	}
	if bundle == nil || bundle.TraceCount() == 0 {
		return e.fail(reporter, j, job.StageFetch, KindNoData,
			NoData(errors.Newf("no traces returned for %s %s", j.Channel, j.Interval)))
	}
	e.opts.Metrics.observeFetch(time.Since(fetchStart), bundle.TraceCount())

	reporter.Emit(job.Event{Type: job.EventFetched, Job: j, TraceCount: bundle.TraceCount()})

	path := filepath.Join(dest, j.Filename)
	if info, err := os.Stat(filepath.Dir(path)); err != nil || !info.IsDir() {
		if err == nil {
			err = errors.Newf("%s is not a directory", filepath.Dir(path))
		}
		return e.fail(reporter, j, job.StageDirectory, KindDirectory, errors.Mark(err, ErrDirectory))
	}

	saveStart := time.Now()
	err = e.sink.Write(ioCtx, path, bundle)
	e.opts.Timings.ObserveSave(time.Since(saveStart))
	if err != nil {
		kind := Classify(err)
		if kind == KindUnknown {
			kind = KindStorage
		}
		return e.fail(reporter, j, job.StageSave, kind, err)
	}
	e.opts.Metrics.observeSave(time.Since(saveStart))

	reporter.Emit(job.Event{Type: job.EventSaved, Job: j, Path: path})
	e.opts.Metrics.jobSaved()
	e.logger.Debugw("Job saved", logger.FieldSequence, j.Sequence, logger.FieldChannel, j.Channel.String(), logger.FieldPath, path)
	return outcome{started: true}
}

// waitTurn blocks until the rate limiter admits the next fetch. It reports
// false only when ctx is done first. A deadline further away than the wait
// does not skip the job.
func (e *Executor) waitTurn(ctx context.Context) bool {
	if e.limiter == nil {
		return true
	}
	r := e.limiter.Reserve()
	delay := r.Delay()
	if delay == 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		r.Cancel()
		return false
	}
}

func (e *Executor) fail(reporter *Reporter, j job.FetchJob, stage job.Stage, kind string, err error) outcome {
	msg := err.Error()
	reporter.Emit(job.Event{Type: job.EventFailed, Job: j, Stage: stage, Kind: kind, Message: msg})
	e.opts.Metrics.jobFailed(stage, kind)
	e.logger.Warnw("Job failed",
		logger.FieldSequence, j.Sequence,
		logger.FieldChannel, j.Channel.String(),
		logger.FieldStage, string(stage),
		logger.FieldKind, kind,
		logger.FieldError, msg,
	)
	return outcome{
		started: true,
		failure: &job.Failure{Sequence: j.Sequence, Stage: stage, Kind: kind, Message: msg},
	}
}
