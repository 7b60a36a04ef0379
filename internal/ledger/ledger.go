// Package ledger records the lifecycle of classification jobs: creation,
// progress, cancellation requests, and the single terminal transition.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/classify-cli/internal/model"
	"github.com/sells-group/classify-cli/internal/store"
)

// Backend is the persistence the ledger needs.
type Backend interface {
	store.Jobs
	CountItems(ctx context.Context, scope store.ItemScope) (int, error)
	CountResults(ctx context.Context, jobID string) (model.ResultCounts, error)
}

// Progress is one progress sample. Completed comes from the result store.
type Progress struct {
	Completed    int
	Total        int
	RunStarted   time.Time // when the current process began working the job
	RunProcessed int       // items processed by the current process
}

// Status is a point-in-time view of a job.
type Status struct {
	JobID               string          `json:"job_id" yaml:"job_id"`
	Status              model.JobStatus `json:"status" yaml:"status"`
	Completed           int             `json:"completed" yaml:"completed"`
	Total               int             `json:"total" yaml:"total"`
	Errors              int             `json:"errors" yaml:"errors"`
	Attempt             int             `json:"attempt" yaml:"attempt"`
	RetryPass           int             `json:"retry_pass" yaml:"retry_pass"`
	CancelRequested     bool            `json:"cancel_requested" yaml:"cancel_requested"`
	LastProgressUpdate  *time.Time      `json:"last_progress_update,omitempty" yaml:"last_progress_update,omitempty"`
	EstimatedCompletion *time.Time      `json:"estimated_completion,omitempty" yaml:"estimated_completion,omitempty"`
	Error               string          `json:"error,omitempty" yaml:"error,omitempty"`
}

// Ledger provides read/write access to job records.
type Ledger struct {
	st  Backend
	now func() time.Time
}

// New creates a Ledger backed by st.
func New(st Backend) *Ledger {
	return &Ledger{st: st, now: time.Now}
}

// Start creates a running job over the scope named by cfg and freezes cfg
// into it.
func (l *Ledger) Start(ctx context.Context, cfg model.JobConfig) (*model.Job, error) {
	total, err := l.st.CountItems(ctx, store.ItemScope{BatchID: cfg.BatchID, ItemTypes: cfg.ItemTypes})
	if err != nil {
		return nil, eris.Wrap(err, "ledger: count scope")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, eris.Wrap(err, "ledger: job id")
	}

	job := &model.Job{
		ID:         id.String(),
		BatchID:    cfg.BatchID,
		Status:     model.JobStatusRunning,
		TotalItems: total,
		Config:     cfg,
		Attempt:    1,
		CreatedAt:  l.now().UTC(),
	}
	if err := l.st.CreateJob(ctx, job); err != nil {
		return nil, eris.Wrap(err, "ledger: start job")
	}
	l.Record(ctx, job.ID, model.JobEventStarted, fmt.Sprintf("%d items in scope", total))
	return job, nil
}

// Get returns the stored job.
func (l *Ledger) Get(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := l.st.GetJob(ctx, jobID)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: get job")
	}
	return job, nil
}

// UpdateProgress persists the completed count, timestamp and a linear ETA.
// The stored count never decreases and never exceeds the total.
func (l *Ledger) UpdateProgress(ctx context.Context, jobID string, p Progress) error {
	now := l.now()
	err := l.st.UpdateJobProgress(ctx, jobID, p.Completed, now, estimateCompletion(now, p))
	return eris.Wrapf(err, "ledger: update progress %s", jobID)
}

// estimateCompletion extrapolates this run's throughput over the remaining
// items. It returns nil until the run has processed something. The rate is
// elapsed time over items processed in this run, not over the job's whole
// completed count, so time spent before an interruption does not skew it.
func estimateCompletion(now time.Time, p Progress) *time.Time {
	remaining := p.Total - p.Completed
	if remaining <= 0 {
		eta := now
		return &eta
	}
	if p.RunProcessed <= 0 || p.RunStarted.IsZero() {
		return nil
	}
	perItem := now.Sub(p.RunStarted) / time.Duration(p.RunProcessed)
	eta := now.Add(perItem * time.Duration(remaining))
	return &eta
}

// Finalize moves the job to a terminal status. Finalizing a job that is
// already terminal is logged and recorded but is not an error.
func (l *Ledger) Finalize(ctx context.Context, jobID string, status model.JobStatus, errMsg string) error {
	if !status.IsTerminal() {
		return eris.Errorf("ledger: %q is not a terminal status", status)
	}
	applied, err := l.st.FinalizeJob(ctx, jobID, status, errMsg, l.now())
	if err != nil {
		return eris.Wrapf(err, "ledger: finalize %s", jobID)
	}
	if !applied {
		zap.L().Warn("ledger: finalize on terminal job ignored",
			zap.String("job_id", jobID),
			zap.String("requested_status", string(status)),
		)
		l.Record(ctx, jobID, model.JobEventFinalizeNoop, string(status))
		return nil
	}

	msg := string(status)
	if errMsg != "" {
		msg += ": " + errMsg
	}
	l.Record(ctx, jobID, model.JobEventFinalized, msg)
	return nil
}

// Status returns the job's state with the completed count taken from the
// result store.
func (l *Ledger) Status(ctx context.Context, jobID string) (*Status, error) {
	job, err := l.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	counts, err := l.st.CountResults(ctx, jobID)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: count results")
	}
	return &Status{
		JobID:               job.ID,
		Status:              job.Status,
		Completed:           counts.Items,
		Total:               job.TotalItems,
		Errors:              counts.Errors,
		Attempt:             job.Attempt,
		RetryPass:           job.RetryPass,
		CancelRequested:     job.CancelRequested,
		LastProgressUpdate:  job.LastProgressUpdate,
		EstimatedCompletion: job.EstimatedCompletion,
		Error:               job.Error,
	}, nil
}

// Cancel sets the cooperative cancellation flag. It reports false, without
// error, when the job is already terminal.
func (l *Ledger) Cancel(ctx context.Context, jobID string) (bool, error) {
	applied, err := l.st.RequestCancel(ctx, jobID)
	if err != nil {
		return false, eris.Wrapf(err, "ledger: cancel %s", jobID)
	}
	if !applied {
		zap.L().Info("ledger: job already terminal, nothing to cancel", zap.String("job_id", jobID))
		return false, nil
	}
	l.Record(ctx, jobID, model.JobEventCancelRequested, "")
	return true, nil
}

// Reopen turns a failed or cancelled job back into a running one as a new
// attempt. It reports false when the job was not reopenable.
func (l *Ledger) Reopen(ctx context.Context, jobID string) (bool, error) {
	applied, err := l.st.ReopenJob(ctx, jobID)
	if err != nil {
		return false, eris.Wrapf(err, "ledger: reopen %s", jobID)
	}
	if applied {
		l.Record(ctx, jobID, model.JobEventReopened, "")
	}
	return applied, nil
}

// BeginRetryPass allocates the next retry-errors pass number.
func (l *Ledger) BeginRetryPass(ctx context.Context, jobID string) (int, error) {
	pass, err := l.st.IncrementRetryPass(ctx, jobID)
	if err != nil {
		return 0, eris.Wrapf(err, "ledger: begin retry pass %s", jobID)
	}
	l.Record(ctx, jobID, model.JobEventRetryPass, fmt.Sprintf("pass %d", pass))
	return pass, nil
}

// List returns jobs matching filter, newest first.
func (l *Ledger) List(ctx context.Context, filter store.JobFilter) ([]model.Job, error) {
	jobs, err := l.st.ListJobs(ctx, filter)
	return jobs, eris.Wrap(err, "ledger: list jobs")
}

// Events returns the job's audit log in order.
func (l *Ledger) Events(ctx context.Context, jobID string) ([]model.JobEvent, error) {
	events, err := l.st.ListEvents(ctx, jobID)
	return events, eris.Wrap(err, "ledger: list events")
}

// Record appends an audit event. Failures are logged, not returned.
func (l *Ledger) Record(ctx context.Context, jobID string, kind model.JobEventKind, msg string) {
	err := l.st.AppendEvent(ctx, model.JobEvent{JobID: jobID, Kind: kind, Message: msg, CreatedAt: l.now()})
	if err != nil {
		zap.L().Warn("ledger: record event failed",
			zap.String("job_id", jobID),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	}
}
