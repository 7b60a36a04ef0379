// Package store persists the durable state of classification jobs: source
// batches and their work items, jobs and their audit events, result records,
// and the ephemeral job locks.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/classify-cli/internal/model"
)

// ErrNotFound is returned (wrapped) when a requested row does not exist.
var ErrNotFound = eris.New("store: not found")

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	Status       model.JobStatus `json:"status,omitempty"`
	BatchID      string          `json:"batch_id,omitempty"`
	CreatedAfter time.Time       `json:"created_after,omitempty"` // zero means no lower bound
	Limit        int             `json:"limit,omitempty"`
	Offset       int             `json:"offset,omitempty"`
}

// ResultFilter specifies criteria for listing effective results.
type ResultFilter struct {
	JobID      string `json:"job_id"`
	ErrorsOnly bool   `json:"errors_only,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	Offset     int    `json:"offset,omitempty"`
}

// ItemScope selects the work items a job covers.
type ItemScope struct {
	BatchID   string
	ItemTypes []string // empty means every type
}

// Catalog is the append-only store of loaded work items.
type Catalog interface {
	CreateBatch(ctx context.Context, batch model.SourceBatch, items []model.WorkItem) error
	GetBatch(ctx context.Context, batchID string) (*model.SourceBatch, error)
	// GetBatchBySource returns nil, nil when the source was never loaded.
	GetBatchBySource(ctx context.Context, sourceName string) (*model.SourceBatch, error)
	CountItems(ctx context.Context, scope ItemScope) (int, error)
	// PendingItems returns scoped items with no result for jobID in any pass,
	// ordered by ordinal. limit <= 0 means no limit.
	PendingItems(ctx context.Context, jobID string, scope ItemScope, limit int) ([]model.WorkItem, error)
}

// Jobs persists the job ledger and its audit events.
type Jobs interface {
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error)
	// UpdateJobProgress stores max(current, min(completed, total)).
	UpdateJobProgress(ctx context.Context, jobID string, completed int, at time.Time, eta *time.Time) error
	// FinalizeJob moves a non-terminal job to status. It reports false when
	// the job was already terminal.
	FinalizeJob(ctx context.Context, jobID string, status model.JobStatus, errMsg string, at time.Time) (bool, error)
	// ReopenJob moves a failed or cancelled job back to running as a new
	// attempt. It reports false when the job was not reopenable.
	ReopenJob(ctx context.Context, jobID string) (bool, error)
	// RequestCancel sets the cooperative cancel flag on a non-terminal job.
	RequestCancel(ctx context.Context, jobID string) (bool, error)
	// IncrementRetryPass bumps and returns the job's retry pass counter.
	IncrementRetryPass(ctx context.Context, jobID string) (int, error)
	AppendEvent(ctx context.Context, ev model.JobEvent) error
	ListEvents(ctx context.Context, jobID string) ([]model.JobEvent, error)
}

// Results is the insert-only store of result records.
type Results interface {
	// AppendResults inserts records in one transaction. Records whose
	// (job, item, pass) already exists are skipped, not errors.
	AppendResults(ctx context.Context, records []model.ResultRecord) (model.AppendStats, error)
	// CountResults counts effective results (highest pass per item).
	CountResults(ctx context.Context, jobID string) (model.ResultCounts, error)
	// SumUsage totals tokens and cost over every record of the job,
	// superseded passes included.
	SumUsage(ctx context.Context, jobID string) (model.Usage, error)
	// ErrorItems returns scoped items whose effective result for jobID is an
	// error recorded before pass beforePass, ordered by ordinal.
	ErrorItems(ctx context.Context, jobID string, scope ItemScope, beforePass, limit int) ([]model.WorkItem, error)
	ListResults(ctx context.Context, filter ResultFilter) ([]model.ResultRecord, error)
}

// Locks persists job locks.
type Locks interface {
	// InsertLock reports false when a lock row already exists for the job.
	InsertLock(ctx context.Context, lock model.ResumeLock) (bool, error)
	// GetLock returns nil, nil when the job is unlocked.
	GetLock(ctx context.Context, jobID string) (*model.ResumeLock, error)
	// DeleteLock removes the job's lock. An empty ownerID removes any holder.
	DeleteLock(ctx context.Context, jobID, ownerID string) (bool, error)
	// TouchLock refreshes the heartbeat of a lock held by ownerID.
	TouchLock(ctx context.Context, jobID, ownerID string, at time.Time) (bool, error)
}

// Store defines the persistence interface for the classification engine.
type Store interface {
	Catalog
	Jobs
	Results
	Locks

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
