// Package engine drives a classification job from its frozen configuration to
// a terminal status. A run can stop at any point and a later resume picks up
// exactly the items that have no durable result.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/classify-cli/internal/classify"
	"github.com/sells-group/classify-cli/internal/fetcher"
	"github.com/sells-group/classify-cli/internal/ledger"
	"github.com/sells-group/classify-cli/internal/lock"
	"github.com/sells-group/classify-cli/internal/model"
	"github.com/sells-group/classify-cli/internal/resilience"
	"github.com/sells-group/classify-cli/internal/source"
	"github.com/sells-group/classify-cli/internal/store"
)

var (
	// ErrIntegrity is returned when the source no longer matches the batch
	// the job was started on.
	ErrIntegrity = source.ErrIntegrity
	// ErrContention is returned when another process holds the job lock.
	ErrContention = lock.ErrContention
	// ErrAlreadyCompleted is returned when resuming a completed job without
	// anything left to retry.
	ErrAlreadyCompleted = eris.New("engine: job already completed")
	// ErrJobNotFound is returned when the job id is unknown.
	ErrJobNotFound = eris.New("engine: job not found")
)

// Store is the persistence the engine reads and writes directly. Job
// records go through the Ledger.
type Store interface {
	store.Catalog
	store.Results
}

// ClassifierFactory builds the classifier for a job from its frozen
// configuration, so a resumed job keeps the model and labels it started with.
type ClassifierFactory func(cfg model.JobConfig) (classify.Classifier, error)

// Options tunes engine behavior that is not part of a job's frozen config.
type Options struct {
	// Circuit guards the classifier across all items of a run.
	Circuit resilience.CircuitBreakerConfig
	// CheckpointBackoff is the first delay between checkpoint attempts.
	CheckpointBackoff time.Duration
	// FlushTimeout bounds the final flush after the caller's context ends.
	FlushTimeout time.Duration
	// HeartbeatInterval is how often the lock is refreshed during a run.
	// It must be well under the locker's stale timeout.
	HeartbeatInterval time.Duration
}

// Deps holds the engine's collaborators.
type Deps struct {
	Store       Store
	Ledger      *ledger.Ledger
	Locker      lock.Locker
	Classifiers ClassifierFactory
	// HTTP is used to re-read remote sources for checksum verification. It
	// may be nil when every source is a local file.
	HTTP    *fetcher.HTTPFetcher
	Options Options
}

// Engine starts and resumes classification jobs.
type Engine struct {
	store       Store
	ledger      *ledger.Ledger
	locker      lock.Locker
	classifiers ClassifierFactory
	http        *fetcher.HTTPFetcher
	opts        Options
	now         func() time.Time
}

// ResumeOptions selects how a job is resumed.
type ResumeOptions struct {
	// RetryErrors reprocesses exactly the items whose effective result is an
	// error, writing the new outcomes at a fresh pass number.
	RetryErrors bool
}

// New creates an Engine.
func New(deps Deps) *Engine {
	opts := deps.Options
	if opts.CheckpointBackoff <= 0 {
		opts.CheckpointBackoff = time.Second
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 30 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = lock.Options{}.RefreshInterval()
	}
	if opts.Circuit.ShouldTrip == nil {
		opts.Circuit.ShouldTrip = classify.IsTransient
	}
	return &Engine{
		store:       deps.Store,
		ledger:      deps.Ledger,
		locker:      deps.Locker,
		classifiers: deps.Classifiers,
		http:        deps.HTTP,
		opts:        opts,
		now:         time.Now,
	}
}

// Start validates the batch named by cfg, records a new job with cfg frozen
// into it, and runs it.
func (e *Engine) Start(ctx context.Context, cfg model.JobConfig) (*Report, error) {
	started := e.now()
	log := zap.L().With(zap.String("batch_id", cfg.BatchID))
	logState(log, StateNew, StateValidating)

	batch, err := e.store.GetBatch(ctx, cfg.BatchID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, eris.Wrapf(ErrIntegrity, "unknown batch %q", cfg.BatchID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "engine: get batch")
	}
	if cfg.Checksum != "" && cfg.Checksum != batch.Checksum {
		return nil, eris.Wrapf(ErrIntegrity, "checksum %s does not match batch %s", cfg.Checksum, batch.Checksum)
	}
	if cfg.SourcePath == "" {
		cfg.SourcePath = batch.Path
	}
	if err := source.Verify(ctx, batch, cfg.SourcePath, e.http); err != nil {
		return nil, err
	}
	cfg.Checksum = batch.Checksum
	cfg.SourceName = batch.SourceName

	classifier, err := e.classifiers(cfg)
	if err != nil {
		return nil, eris.Wrap(err, "engine: build classifier")
	}

	job, err := e.ledger.Start(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "engine: start job")
	}
	return e.run(ctx, job, classifier, ResumeOptions{}, false, started)
}

// Resume continues an existing job. Unless opts.RetryErrors is set, only
// items with no result are processed. Integrity and contention failures
// return before the job is touched.
func (e *Engine) Resume(ctx context.Context, jobID string, opts ResumeOptions) (*Report, error) {
	started := e.now()
	log := zap.L().With(zap.String("job_id", jobID))
	logState(log, StateNew, StateValidating)

	job, err := e.ledger.Get(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, eris.Wrapf(ErrJobNotFound, "job %s", jobID)
	}
	if err != nil {
		return nil, err
	}

	if job.Status == model.JobStatusCompleted {
		if !opts.RetryErrors {
			return nil, eris.Wrapf(ErrAlreadyCompleted, "job %s", jobID)
		}
		counts, err := e.store.CountResults(ctx, jobID)
		if err != nil {
			return nil, eris.Wrap(err, "engine: count results")
		}
		if counts.Errors == 0 {
			return nil, eris.Wrapf(ErrAlreadyCompleted, "job %s has no error results", jobID)
		}
	}

	batch, err := e.store.GetBatch(ctx, job.BatchID)
	if err != nil {
		return nil, eris.Wrap(err, "engine: get batch")
	}
	if err := source.Verify(ctx, batch, job.Config.SourcePath, e.http); err != nil {
		return nil, err
	}

	classifier, err := e.classifiers(job.Config)
	if err != nil {
		return nil, eris.Wrap(err, "engine: build classifier")
	}
	return e.run(ctx, job, classifier, opts, true, started)
}

func logState(log *zap.Logger, from, to State) {
	log.Info("engine: state", zap.String("from", string(from)), zap.String("to", string(to)))
}
