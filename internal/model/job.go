package model

import "time"

// JobStatus represents the lifecycle state of a classification job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the status closes a run attempt.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Reopenable reports whether a resume may reopen a job in this status.
// Completed jobs are final. A reopened job returns to running under a new
// attempt number, so each attempt still ends in at most one terminal status
// and the attempt counter keeps the job's history monotonic.
func (s JobStatus) Reopenable() bool {
	return s == JobStatusFailed || s == JobStatusCancelled
}

// RetryPolicy is the frozen retry schedule for classifier calls.
type RetryPolicy struct {
	MaxAttempts    int           `json:"max_attempts" yaml:"max_attempts"`
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff" yaml:"max_backoff"`
	Multiplier     float64       `json:"multiplier" yaml:"multiplier"`
	JitterFraction float64       `json:"jitter_fraction" yaml:"jitter_fraction"`
}

// JobConfig is the configuration snapshot frozen into a job at start and
// honored unchanged across resumes.
type JobConfig struct {
	SourcePath         string        `json:"source_path" yaml:"source_path"`
	SourceName         string        `json:"source_name" yaml:"source_name"`
	BatchID            string        `json:"batch_id" yaml:"batch_id"`
	Checksum           string        `json:"checksum" yaml:"checksum"`
	ItemTypes          []string      `json:"item_types,omitempty" yaml:"item_types,omitempty"`
	Model              string        `json:"model" yaml:"model"`
	Labels             []string      `json:"labels" yaml:"labels"`
	Instructions       string        `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	CheckpointSize     int           `json:"checkpoint_size" yaml:"checkpoint_size"`
	CheckpointAttempts int           `json:"checkpoint_attempts" yaml:"checkpoint_attempts"`
	ItemTimeout        time.Duration `json:"item_timeout" yaml:"item_timeout"`
	Concurrency        int           `json:"concurrency" yaml:"concurrency"`
	RequestsPerSecond  float64       `json:"requests_per_second" yaml:"requests_per_second"`
	Retry              RetryPolicy   `json:"retry" yaml:"retry"`
}

// Job is one execution attempt over a scoped set of work items.
type Job struct {
	ID                  string     `json:"id"`
	BatchID             string     `json:"batch_id"`
	Status              JobStatus  `json:"status"`
	TotalItems          int        `json:"total_item_count"`
	CompletedItems      int        `json:"completed_item_count"`
	LastProgressUpdate  *time.Time `json:"last_progress_update,omitempty"`
	EstimatedCompletion *time.Time `json:"estimated_completion_time,omitempty"`
	Config              JobConfig  `json:"config"`
	CancelRequested     bool       `json:"cancel_requested"`
	Attempt             int        `json:"attempt"`
	RetryPass           int        `json:"retry_pass"`
	Error               string     `json:"error,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	FinishedAt          *time.Time `json:"finished_at,omitempty"`
}

// JobEventKind labels an entry in the job audit log.
type JobEventKind string

const (
	JobEventStarted          JobEventKind = "started"
	JobEventResumed          JobEventKind = "resumed"
	JobEventReopened         JobEventKind = "reopened"
	JobEventRetryPass        JobEventKind = "retry_pass"
	JobEventCheckpointFailed JobEventKind = "checkpoint_failed"
	JobEventCancelRequested  JobEventKind = "cancel_requested"
	JobEventFinalized        JobEventKind = "finalized"
	JobEventFinalizeNoop     JobEventKind = "finalize_noop"
)

// JobEvent is an append-only audit entry for a job.
type JobEvent struct {
	ID        int64        `json:"id"`
	JobID     string       `json:"job_id"`
	Kind      JobEventKind `json:"kind"`
	Message   string       `json:"message,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}
