package engine

import (
	"time"

	"github.com/sells-group/classify-cli/internal/model"
)

// State is a step of the engine's per-run state machine.
type State string

const (
	StateNew           State = "new"
	StateValidating    State = "validating"
	StateLocked        State = "locked"
	StateProcessing    State = "processing"
	StateCheckpointing State = "checkpointing"
	StateFinalizing    State = "finalizing"
	StateDone          State = "done"
	StateFailed        State = "failed"
	// StateInterrupted means the caller's context ended mid-run. The job is
	// left running with its flushed results so a later resume continues.
	StateInterrupted State = "interrupted"
)

// Report summarizes one Start or Resume call.
type Report struct {
	JobID       string          `json:"job_id" yaml:"job_id"`
	State       State           `json:"state" yaml:"state"`
	Status      model.JobStatus `json:"status" yaml:"status"`
	Pass        int             `json:"pass" yaml:"pass"`
	Processed   int             `json:"processed" yaml:"processed"`
	Inserted    int             `json:"inserted" yaml:"inserted"`
	Skipped     int             `json:"skipped" yaml:"skipped"`
	Errors      int             `json:"errors" yaml:"errors"`
	Checkpoints int             `json:"checkpoints" yaml:"checkpoints"`
	Duration    time.Duration   `json:"duration" yaml:"duration"`
	Message     string          `json:"message,omitempty" yaml:"message,omitempty"`
}
