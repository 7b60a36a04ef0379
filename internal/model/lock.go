package model

import "time"

// ResumeLock is the ephemeral record granting one process exclusive
// execution of a job.
type ResumeLock struct {
	JobID       string    `json:"job_id"`
	OwnerID     string    `json:"owner_id"`
	PID         int       `json:"pid"`
	Hostname    string    `json:"hostname"`
	AcquiredAt  time.Time `json:"acquired_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
}
