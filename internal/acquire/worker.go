package acquire

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/ryabkov82/multifetch/internal/job"
	"github.com/ryabkov82/multifetch/internal/logger"
)

// Worker drains queued runs from a store, one batch at a time
type Worker struct {
	store    *job.Store
	executor *Executor
	logger   *zap.SugaredLogger
}

// NewWorker creates a worker. A nil logger discards output.
func NewWorker(store *job.Store, executor *Executor, logger *zap.SugaredLogger) *Worker {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Worker{store: store, executor: executor, logger: logger}
}

// Run processes runs until ctx is cancelled
func (w *Worker) Run(ctx context.Context) {
	for {
		r, err := w.store.NextRun(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Errorw("Error getting next run", logger.FieldError, err)
			time.Sleep(time.Second)
			continue
		}
		w.process(ctx, r)
	}
}

// process runs a single batch. Per-job failures land in the summary;
// the run is partial when some jobs failed and failed when none succeeded.
func (w *Worker) process(ctx context.Context, r *job.Run) {
	if w.store.IsCanceled(r.ID) {
		w.logger.Infow("Skipping canceled run", logger.FieldRunID, r.ID)
		w.store.Finish(r.ID, job.Summary{Skipped: len(r.Jobs), Failures: []job.Failure{}}, job.StatusCanceled)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := w.store.SetCancel(r.ID, cancel); err != nil {
		w.logger.Warnw("Failed to register cancel", logger.FieldRunID, r.ID, logger.FieldError, err)
	}
	defer w.store.ClearCancel(r.ID)

	// a cancel that raced with SetCancel leaves the status sticky but the
	// context live
	if w.store.IsCanceled(r.ID) {
		cancel()
	}

	_ = w.store.UpdateStatus(r.ID, job.StatusRunning)
	w.logger.Infow("Run started", logger.FieldRunID, r.ID, logger.FieldProject, r.Project, logger.FieldCount, len(r.Jobs))

	summary, err := w.executor.Run(runCtx, r.Jobs, r.Destination, func(ev job.Event) {
		w.store.RecordEvent(r.ID, ev)
	})

	status := job.StatusSucceeded
	switch {
	case errors.Is(err, ErrCancelled):
		status = job.StatusCanceled
		w.store.UpdateError(r.ID, err)
	case err != nil:
		status = job.StatusFailed
		w.store.UpdateError(r.ID, err)
	case summary.Failed > 0 && summary.Succeeded == 0:
		status = job.StatusFailed
		w.store.UpdateError(r.ID, errors.Newf("all %d jobs failed", summary.Failed))
	case summary.Failed > 0:
		status = job.StatusPartial
		w.store.UpdateError(r.ID, errors.Newf("%d of %d jobs failed", summary.Failed, summary.Total))
	}

	w.store.Finish(r.ID, summary, status)
	w.logger.Infow("Run finished", logger.FieldRunID, r.ID, logger.FieldStatus, status)
}
