package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/classify-cli/internal/classify"
	"github.com/sells-group/classify-cli/internal/ledger"
	"github.com/sells-group/classify-cli/internal/lock"
	"github.com/sells-group/classify-cli/internal/model"
	"github.com/sells-group/classify-cli/internal/resilience"
	"github.com/sells-group/classify-cli/internal/store"
)

const defaultCheckpointSize = 100

// errLeaseLost stops a run whose lock was taken over. The new holder owns
// the job, so nothing is finalized.
var errLeaseLost = eris.New("engine: lock lease lost")

// runner holds the state of one locked run over a job.
type runner struct {
	e          *Engine
	job        *model.Job
	classifier classify.Classifier
	log        *zap.Logger

	retry   bool
	resumed bool
	// completedBefore marks a retry-errors pass over a completed job, which
	// keeps its status.
	completedBefore bool
	pass            int
	scope           store.ItemScope
	lease           *lock.Lease

	buf      resultBuffer
	limiter  *rate.Limiter
	breaker  *resilience.CircuitBreaker
	retryCfg resilience.RetryConfig

	started time.Time
	state   State
	report  *Report
}

func (e *Engine) run(ctx context.Context, job *model.Job, classifier classify.Classifier, opts ResumeOptions, resumed bool, started time.Time) (*Report, error) {
	log := zap.L().With(zap.String("job_id", job.ID))
	r := &runner{
		e:               e,
		job:             job,
		classifier:      classifier,
		log:             log,
		retry:           opts.RetryErrors,
		resumed:         resumed,
		completedBefore: job.Status == model.JobStatusCompleted,
		scope:           store.ItemScope{BatchID: job.BatchID, ItemTypes: job.Config.ItemTypes},
		breaker:         resilience.NewCircuitBreaker(e.opts.Circuit),
		started:         e.now(),
		state:           StateValidating,
		report:          &Report{JobID: job.ID, State: StateValidating, Status: job.Status},
	}
	if rps := job.Config.RequestsPerSecond; rps > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))
	}
	r.retryCfg = resilience.FromRetryPolicy(job.Config.Retry, job.Config.ItemTimeout)
	r.retryCfg.ShouldRetry = classify.IsTransient
	r.retryCfg.OnRetry = func(attempt int, err error) {
		log.Debug("engine: retrying item", zap.Int("attempt", attempt), zap.Error(err))
	}

	lease, err := e.locker.Acquire(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	r.lease = lease
	r.to(StateLocked)
	defer r.release(ctx)

	runCtx, stop := context.WithCancelCause(ctx)
	alive := r.keepAlive(runCtx, stop)
	defer func() {
		stop(nil)
		<-alive
	}()

	err = r.execute(runCtx)
	r.finish(started)
	return r.report, err
}

func (r *runner) to(s State) {
	logState(r.log, r.state, s)
	r.state = s
	r.report.State = s
}

// execute walks the job's remaining items chunk by chunk, checkpointing
// after each one, until nothing remains or the run is stopped.
func (r *runner) execute(ctx context.Context) error {
	if err := r.prepare(ctx); err != nil {
		return r.fail(ctx, err)
	}
	if r.job.CancelRequested {
		return r.cancel(ctx)
	}

	for {
		items, err := r.nextChunk(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return r.stopped(ctx)
			}
			return r.fail(ctx, eris.Wrap(err, "engine: select items"))
		}
		if len(items) == 0 {
			break
		}

		r.to(StateProcessing)
		r.process(ctx, items)
		if ctx.Err() != nil {
			return r.stopped(ctx)
		}

		r.to(StateCheckpointing)
		stats, err := r.checkpoint(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return r.stopped(ctx)
			}
			return r.fail(ctx, err)
		}

		// Another holder may have written these items; check ownership
		// before treating an empty checkpoint as a failure.
		cancelled, err := r.heartbeat(ctx)
		if err != nil {
			return r.abandon(err)
		}
		if stats.Inserted == 0 {
			return r.fail(ctx, eris.Errorf("engine: checkpoint recorded none of %d selected items", len(items)))
		}
		if cancelled {
			return r.cancel(ctx)
		}
	}

	return r.finalize(ctx)
}

// prepare reopens a failed or cancelled job and allocates the retry pass.
func (r *runner) prepare(ctx context.Context) error {
	switch {
	case r.job.Status.Reopenable():
		if _, err := r.e.ledger.Reopen(ctx, r.job.ID); err != nil {
			return err
		}
		job, err := r.e.ledger.Get(ctx, r.job.ID)
		if err != nil {
			return err
		}
		r.job = job
	case r.resumed && r.job.Status == model.JobStatusRunning:
		r.e.ledger.Record(ctx, r.job.ID, model.JobEventResumed, "")
	}

	if r.retry {
		pass, err := r.e.ledger.BeginRetryPass(ctx, r.job.ID)
		if err != nil {
			return err
		}
		r.pass = pass
		r.report.Pass = pass
	}
	r.report.Status = r.job.Status
	return nil
}

func (r *runner) nextChunk(ctx context.Context) ([]model.WorkItem, error) {
	size := r.job.Config.CheckpointSize
	if size <= 0 {
		size = defaultCheckpointSize
	}
	if r.retry {
		return r.e.store.ErrorItems(ctx, r.job.ID, r.scope, r.pass, size)
	}
	return r.e.store.PendingItems(ctx, r.job.ID, r.scope, size)
}

// process classifies a chunk with up to Concurrency calls in flight. Items
// interrupted by ctx are not recorded and stay pending.
func (r *runner) process(ctx context.Context, items []model.WorkItem) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, r.job.Config.Concurrency))

	for _, item := range items {
		g.Go(func() error {
			if rec, ok := r.classifyItem(gctx, item); ok {
				r.buf.add(rec)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (r *runner) classifyItem(ctx context.Context, item model.WorkItem) (model.ResultRecord, bool) {
	if ctx.Err() != nil {
		return model.ResultRecord{}, false
	}

	start := r.e.now()
	out, attempts, err := resilience.DoVal(ctx, r.retryCfg, func(attemptCtx context.Context) (*classify.Outcome, error) {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		if err := r.breaker.Wait(ctx); err != nil {
			return nil, err
		}
		return resilience.ExecuteVal(attemptCtx, r.breaker, func(c context.Context) (*classify.Outcome, error) {
			return r.classifier.Classify(c, item.Text)
		})
	})
	if ctx.Err() != nil {
		return model.ResultRecord{}, false
	}
	if err == nil && out == nil {
		err = classify.Permanent(eris.New("engine: classifier returned no outcome"), "")
	}

	rec := model.ResultRecord{
		JobID:     r.job.ID,
		Key:       item.Key,
		Pass:      r.pass,
		Model:     r.job.Config.Model,
		LatencyMs: r.e.now().Sub(start).Milliseconds(),
		Attempts:  attempts,
		CreatedAt: r.e.now().UTC(),
	}
	if err != nil {
		f := classify.AsFailure(err)
		rec.IsError = true
		rec.ErrorKind = f.Kind
		rec.ErrorMessage = f.Message
		rec.RawResponse = f.Raw
		r.log.Debug("engine: item failed",
			zap.String("item", item.Key.String()),
			zap.String("kind", string(f.Kind)),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return rec, true
	}

	rec.Label = out.Label
	rec.Confidence = out.Confidence
	rec.RawResponse = out.Raw
	if out.Model != "" {
		rec.Model = out.Model
	}
	rec.InputTokens = out.InputTokens
	rec.OutputTokens = out.OutputTokens
	rec.CostUSD = out.CostUSD
	return rec, true
}

// checkpoint flushes buffered results and records progress. Both steps are
// retried together; the flush is insert-or-skip and clears the buffer only
// on success, so a retry never writes a record twice.
func (r *runner) checkpoint(ctx context.Context) (model.AppendStats, error) {
	var stats model.AppendStats
	cfg := resilience.RetryConfig{
		MaxAttempts:    max(1, r.job.Config.CheckpointAttempts),
		InitialBackoff: r.e.opts.CheckpointBackoff,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2,
		ShouldRetry:    func(error) bool { return true },
		OnRetry:        resilience.RetryLogger(r.log, "checkpoint"),
	}
	attempts, err := resilience.Do(ctx, cfg, func(ctx context.Context) error {
		s, err := r.buf.flush(ctx, r.e.store)
		if err != nil {
			return err
		}
		stats.Add(s)
		return r.updateProgress(ctx)
	})
	if err != nil {
		msg := fmt.Sprintf("after %d attempts: %v", attempts, err)
		r.e.ledger.Record(context.WithoutCancel(ctx), r.job.ID, model.JobEventCheckpointFailed, msg)
		return stats, eris.Wrapf(err, "engine: checkpoint failed after %d attempts", attempts)
	}

	r.report.Checkpoints++
	r.log.Info("engine: checkpoint",
		zap.Int("inserted", stats.Inserted),
		zap.Int("skipped", stats.Skipped),
		zap.Int("processed", r.buf.processed()),
	)
	return stats, nil
}

// updateProgress derives the completed count from the result store, never
// from an in-memory counter.
func (r *runner) updateProgress(ctx context.Context) error {
	counts, err := r.e.store.CountResults(ctx, r.job.ID)
	if err != nil {
		return eris.Wrap(err, "engine: count results")
	}
	return r.e.ledger.UpdateProgress(ctx, r.job.ID, ledger.Progress{
		Completed:    counts.Items,
		Total:        r.job.TotalItems,
		RunStarted:   r.started,
		RunProcessed: r.buf.processed(),
	})
}

// keepAlive refreshes the lease every HeartbeatInterval for as long as the
// run holds it, so a long chunk or an open circuit never lets the heartbeat
// go stale. Losing the lease cancels ctx with errLeaseLost.
func (r *runner) keepAlive(ctx context.Context, stop context.CancelCauseFunc) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.e.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if err := r.refresh(ctx); err != nil {
				stop(err)
				return
			}
		}
	}()
	return done
}

// refresh extends the lease. Only a lost lease is returned; store hiccups
// are logged and the next refresh tries again.
func (r *runner) refresh(ctx context.Context) error {
	err := r.e.locker.Refresh(ctx, r.lease)
	switch {
	case err == nil || ctx.Err() != nil:
		return nil
	case errors.Is(err, lock.ErrNotHeld):
		return eris.Wrap(errLeaseLost, err.Error())
	}
	r.log.Warn("engine: lock refresh failed", zap.Error(err))
	return nil
}

// heartbeat refreshes the lock and reports whether cancellation was
// requested. The only error is a lost lease.
func (r *runner) heartbeat(ctx context.Context) (bool, error) {
	if err := r.refresh(ctx); err != nil {
		return false, err
	}
	job, err := r.e.ledger.Get(ctx, r.job.ID)
	if err != nil {
		r.log.Warn("engine: cancel check failed", zap.Error(err))
		return false, nil
	}
	return job.CancelRequested, nil
}

func (r *runner) finalize(ctx context.Context) error {
	r.to(StateFinalizing)
	counts, err := r.e.store.CountResults(ctx, r.job.ID)
	if err != nil {
		return r.fail(ctx, eris.Wrap(err, "engine: count results"))
	}

	switch {
	case r.completedBefore:
		r.report.Status = model.JobStatusCompleted
	case counts.Items == r.job.TotalItems:
		if err := r.e.ledger.Finalize(ctx, r.job.ID, model.JobStatusCompleted, ""); err != nil {
			return r.fail(ctx, err)
		}
		r.report.Status = model.JobStatusCompleted
	case r.retry:
		pending := r.job.TotalItems - counts.Items
		r.report.Message = fmt.Sprintf("%d items still have no result; resume without retry-errors to process them", pending)
		r.log.Info("engine: retry pass done, items pending", zap.Int("pending", pending))
	default:
		return r.fail(ctx, eris.Errorf("engine: completeness check failed: %d of %d items have results",
			counts.Items, r.job.TotalItems))
	}

	r.to(StateDone)
	return nil
}

func (r *runner) cancel(ctx context.Context) error {
	r.to(StateFinalizing)
	if err := r.e.ledger.Finalize(ctx, r.job.ID, model.JobStatusCancelled, "cancelled by request"); err != nil {
		return r.fail(ctx, err)
	}
	r.report.Status = model.JobStatusCancelled
	r.report.Message = "cancelled by request"
	r.to(StateDone)
	return nil
}

// stopped ends a run whose context was cancelled, either by the caller or
// by losing the lease.
func (r *runner) stopped(ctx context.Context) error {
	if lost := leaseLost(ctx, nil); lost != nil {
		return r.abandon(lost)
	}
	return r.interrupt(ctx)
}

// abandon stops a run that no longer holds the job's lease. The new holder
// owns the job, so nothing is flushed or finalized.
func (r *runner) abandon(cause error) error {
	r.log.Error("engine: lease lost, abandoning run", zap.Error(cause))
	r.report.Message = cause.Error()
	r.to(StateFailed)
	return cause
}

func leaseLost(ctx context.Context, err error) error {
	if errors.Is(err, errLeaseLost) {
		return err
	}
	if cause := context.Cause(ctx); errors.Is(cause, errLeaseLost) {
		return cause
	}
	return nil
}

// interrupt saves what the run has buffered after the caller's context
// ended. The job stays running so a later resume continues from here.
func (r *runner) interrupt(ctx context.Context) error {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.e.opts.FlushTimeout)
	defer cancel()

	if _, err := r.buf.flush(fctx, r.e.store); err != nil {
		r.log.Error("engine: flush on interrupt failed", zap.Error(err))
	} else if err := r.updateProgress(fctx); err != nil {
		r.log.Warn("engine: progress on interrupt failed", zap.Error(err))
	}
	r.report.Message = "interrupted; resume to continue"
	r.to(StateInterrupted)
	return nil
}

// fail makes a best effort to save buffered results and mark the job failed,
// then returns cause.
func (r *runner) fail(ctx context.Context, cause error) error {
	if lost := leaseLost(ctx, cause); lost != nil {
		return r.abandon(lost)
	}
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.e.opts.FlushTimeout)
	defer cancel()

	r.log.Error("engine: run failed", zap.Error(cause))
	if _, err := r.buf.flush(fctx, r.e.store); err != nil {
		r.log.Warn("engine: flush on failure failed", zap.Error(err))
	}
	if !r.completedBefore {
		if err := r.e.ledger.Finalize(fctx, r.job.ID, model.JobStatusFailed, cause.Error()); err != nil {
			r.log.Error("engine: mark job failed", zap.Error(err))
		} else {
			r.report.Status = model.JobStatusFailed
		}
	}
	r.report.Message = cause.Error()
	r.to(StateFailed)
	return cause
}

func (r *runner) release(ctx context.Context) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.e.opts.FlushTimeout)
	defer cancel()
	if err := r.e.locker.Release(rctx, r.lease); err != nil {
		r.log.Warn("engine: release lock", zap.Error(err))
	}
}

func (r *runner) finish(started time.Time) {
	stats, processed, errs := r.buf.totals()
	r.report.Processed = processed
	r.report.Inserted = stats.Inserted
	r.report.Skipped = stats.Skipped
	r.report.Errors = errs
	r.report.Duration = r.e.now().Sub(started)
	r.log.Info("engine: run finished",
		zap.String("state", string(r.report.State)),
		zap.String("status", string(r.report.Status)),
		zap.Int("processed", processed),
		zap.Int("inserted", stats.Inserted),
		zap.Int("errors", errs),
		zap.Duration("duration", r.report.Duration),
	)
}
