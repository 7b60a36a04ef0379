// Package monitoring watches job health: it summarizes recent jobs from the
// ledger and result store and raises webhook alerts when failure rates,
// error rates or spend cross configured thresholds.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/classify-cli/internal/model"
	"github.com/sells-group/classify-cli/internal/store"
)

// MetricsSnapshot holds a point-in-time view of job health.
type MetricsSnapshot struct {
	// Jobs created within the lookback window.
	JobsTotal     int     `json:"jobs_total"`
	JobsCompleted int     `json:"jobs_completed"`
	JobsFailed    int     `json:"jobs_failed"`
	JobsCancelled int     `json:"jobs_cancelled"`
	JobsRunning   int     `json:"jobs_running"`
	JobFailRate   float64 `json:"job_fail_rate"`

	// Running jobs whose last progress update is older than the stall limit.
	StalledJobIDs []string `json:"stalled_job_ids,omitempty"`

	// Effective results of those jobs.
	ItemsClassified int     `json:"items_classified"`
	ItemErrors      int     `json:"item_errors"`
	ItemErrorRate   float64 `json:"item_error_rate"`

	// Spend across every pass of those jobs.
	Calls        int     `json:"calls"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`

	Lookback      time.Duration `json:"-"`
	LookbackHours float64       `json:"lookback_hours"`
	CollectedAt   time.Time     `json:"collected_at"`
}

// JobSource is the persistence the collector reads.
type JobSource interface {
	ListJobs(ctx context.Context, filter store.JobFilter) ([]model.Job, error)
	CountResults(ctx context.Context, jobID string) (model.ResultCounts, error)
	SumUsage(ctx context.Context, jobID string) (model.Usage, error)
}

// maxJobsPerSnapshot bounds how many recent jobs one snapshot inspects.
const maxJobsPerSnapshot = 10000

// Collector gathers metrics from the job store.
type Collector struct {
	src        JobSource
	stallAfter time.Duration
	now        func() time.Time
}

// NewCollector creates a metrics collector. A running job counts as stalled
// when it has made no progress for stallAfter; zero disables the check.
func NewCollector(src JobSource, stallAfter time.Duration) *Collector {
	return &Collector{src: src, stallAfter: stallAfter, now: time.Now}
}

// Collect gathers a snapshot of jobs created within the lookback window.
func (c *Collector) Collect(ctx context.Context, lookback time.Duration) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		Lookback:      lookback,
		LookbackHours: lookback.Hours(),
		CollectedAt:   now,
	}

	jobs, err := c.src.ListJobs(ctx, store.JobFilter{
		CreatedAfter: now.Add(-lookback),
		Limit:        maxJobsPerSnapshot,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list jobs")
	}

	snap.JobsTotal = len(jobs)
	for _, j := range jobs {
		switch j.Status {
		case model.JobStatusCompleted:
			snap.JobsCompleted++
		case model.JobStatusFailed:
			snap.JobsFailed++
		case model.JobStatusCancelled:
			snap.JobsCancelled++
		case model.JobStatusRunning:
			snap.JobsRunning++
			if c.stalled(j, now) {
				snap.StalledJobIDs = append(snap.StalledJobIDs, j.ID)
			}
		}

		counts, err := c.src.CountResults(ctx, j.ID)
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: count results %s", j.ID)
		}
		snap.ItemsClassified += counts.Items
		snap.ItemErrors += counts.Errors

		usage, err := c.src.SumUsage(ctx, j.ID)
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: sum usage %s", j.ID)
		}
		snap.Calls += usage.Calls
		snap.InputTokens += usage.InputTokens
		snap.OutputTokens += usage.OutputTokens
		snap.CostUSD += usage.CostUSD
	}

	if finished := snap.JobsCompleted + snap.JobsFailed; finished > 0 {
		snap.JobFailRate = float64(snap.JobsFailed) / float64(finished)
	}
	if snap.ItemsClassified > 0 {
		snap.ItemErrorRate = float64(snap.ItemErrors) / float64(snap.ItemsClassified)
	}
	return snap, nil
}

func (c *Collector) stalled(j model.Job, now time.Time) bool {
	if c.stallAfter <= 0 {
		return false
	}
	last := j.CreatedAt
	if j.LastProgressUpdate != nil {
		last = *j.LastProgressUpdate
	}
	return now.Sub(last) > c.stallAfter
}
