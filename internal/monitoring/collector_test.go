package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/classify-cli/internal/model"
	"github.com/sells-group/classify-cli/internal/store"
)

// fakeSource is an in-memory JobSource.
type fakeSource struct {
	jobs     []model.Job
	counts   map[string]model.ResultCounts
	usage    map[string]model.Usage
	listErr  error
	countErr error
	filter   store.JobFilter
}

func (f *fakeSource) ListJobs(_ context.Context, filter store.JobFilter) ([]model.Job, error) {
	f.filter = filter
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []model.Job
	for _, j := range f.jobs {
		if !filter.CreatedAfter.IsZero() && j.CreatedAt.Before(filter.CreatedAfter) {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func (f *fakeSource) CountResults(_ context.Context, jobID string) (model.ResultCounts, error) {
	return f.counts[jobID], f.countErr
}

func (f *fakeSource) SumUsage(_ context.Context, jobID string) (model.Usage, error) {
	return f.usage[jobID], nil
}

var fixedNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func fixedCollector(src JobSource, stallAfter time.Duration) *Collector {
	c := NewCollector(src, stallAfter)
	c.now = func() time.Time { return fixedNow }
	return c
}

func TestCollector_Collect(t *testing.T) {
	recent := fixedNow.Add(-time.Hour)
	staleProgress := fixedNow.Add(-2 * time.Hour)
	freshProgress := fixedNow.Add(-time.Minute)

	src := &fakeSource{
		jobs: []model.Job{
			{ID: "done-1", Status: model.JobStatusCompleted, CreatedAt: recent},
			{ID: "done-2", Status: model.JobStatusCompleted, CreatedAt: recent},
			{ID: "failed", Status: model.JobStatusFailed, CreatedAt: recent},
			{ID: "cancelled", Status: model.JobStatusCancelled, CreatedAt: recent},
			{ID: "stuck", Status: model.JobStatusRunning, CreatedAt: recent.Add(-time.Hour), LastProgressUpdate: &staleProgress},
			{ID: "moving", Status: model.JobStatusRunning, CreatedAt: recent, LastProgressUpdate: &freshProgress},
			{ID: "ancient", Status: model.JobStatusFailed, CreatedAt: fixedNow.Add(-72 * time.Hour)},
		},
		counts: map[string]model.ResultCounts{
			"done-1": {Items: 100, Errors: 10},
			"done-2": {Items: 50},
			"failed": {Items: 50, Errors: 20},
		},
		usage: map[string]model.Usage{
			"done-1": {Calls: 110, InputTokens: 1000, OutputTokens: 100, CostUSD: 1.25},
			"failed": {Calls: 50, InputTokens: 500, OutputTokens: 50, CostUSD: 0.75},
		},
	}

	snap, err := fixedCollector(src, 30*time.Minute).Collect(context.Background(), 24*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, fixedNow.Add(-24*time.Hour), src.filter.CreatedAfter)
	assert.Equal(t, 6, snap.JobsTotal)
	assert.Equal(t, 2, snap.JobsCompleted)
	assert.Equal(t, 1, snap.JobsFailed)
	assert.Equal(t, 1, snap.JobsCancelled)
	assert.Equal(t, 2, snap.JobsRunning)
	assert.InDelta(t, 1.0/3.0, snap.JobFailRate, 1e-9)
	assert.Equal(t, []string{"stuck"}, snap.StalledJobIDs)

	assert.Equal(t, 200, snap.ItemsClassified)
	assert.Equal(t, 30, snap.ItemErrors)
	assert.InDelta(t, 0.15, snap.ItemErrorRate, 1e-9)

	assert.Equal(t, 160, snap.Calls)
	assert.Equal(t, int64(1500), snap.InputTokens)
	assert.InDelta(t, 2.0, snap.CostUSD, 1e-9)
	assert.Equal(t, 24.0, snap.LookbackHours)
	assert.Equal(t, fixedNow, snap.CollectedAt)
}

func TestCollector_RunningJobWithoutProgressUsesCreatedAt(t *testing.T) {
	src := &fakeSource{jobs: []model.Job{
		{ID: "never-started", Status: model.JobStatusRunning, CreatedAt: fixedNow.Add(-3 * time.Hour)},
	}}

	snap, err := fixedCollector(src, time.Hour).Collect(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"never-started"}, snap.StalledJobIDs)
}

func TestCollector_StallCheckDisabled(t *testing.T) {
	src := &fakeSource{jobs: []model.Job{
		{ID: "old", Status: model.JobStatusRunning, CreatedAt: fixedNow.Add(-3 * time.Hour)},
	}}

	snap, err := fixedCollector(src, 0).Collect(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Empty(t, snap.StalledJobIDs)
}

func TestCollector_Empty(t *testing.T) {
	snap, err := fixedCollector(&fakeSource{}, time.Hour).Collect(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Zero(t, snap.JobsTotal)
	assert.Zero(t, snap.JobFailRate)
	assert.Zero(t, snap.ItemErrorRate)
}

func TestCollector_ListError(t *testing.T) {
	src := &fakeSource{listErr: errors.New("db down")}

	_, err := fixedCollector(src, time.Hour).Collect(context.Background(), time.Hour)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring: list jobs")
}

func TestCollector_CountError(t *testing.T) {
	src := &fakeSource{
		jobs:     []model.Job{{ID: "j", Status: model.JobStatusCompleted, CreatedAt: fixedNow}},
		countErr: errors.New("db down"),
	}

	_, err := fixedCollector(src, time.Hour).Collect(context.Background(), time.Hour)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring: count results j")
}

func TestCollector_SQLiteStore(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewSQLite(t.TempDir() + "/monitor.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	now := time.Now().UTC()
	require.NoError(t, st.CreateBatch(ctx,
		model.SourceBatch{ID: "b1", SourceName: "src", Path: "/data/src.csv", Checksum: "sha256:c", ItemCount: 1, LoadedAt: now},
		[]model.WorkItem{{BatchID: "b1", Key: model.ItemKey{SourceID: "1", ItemType: "t"}, Text: "x", LoadedAt: now}}))
	require.NoError(t, st.CreateJob(ctx, &model.Job{ID: "j1", BatchID: "b1", Status: model.JobStatusRunning, TotalItems: 1, Attempt: 1, CreatedAt: now}))
	_, err = st.AppendResults(ctx, []model.ResultRecord{{
		JobID: "j1", Key: model.ItemKey{SourceID: "1", ItemType: "t"}, IsError: true, ErrorKind: model.ErrorKindPermanent,
		InputTokens: 10, CostUSD: 0.5, Attempts: 1, CreatedAt: now,
	}})
	require.NoError(t, err)

	snap, err := NewCollector(st, time.Hour).Collect(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.JobsRunning)
	assert.Equal(t, 1, snap.ItemErrors)
	assert.InDelta(t, 0.5, snap.CostUSD, 1e-9)
}
