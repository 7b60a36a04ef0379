package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/classify-cli/internal/ledger"
	"github.com/sells-group/classify-cli/internal/model"
	"github.com/sells-group/classify-cli/internal/monitoring"
	"github.com/sells-group/classify-cli/internal/source"
	"github.com/sells-group/classify-cli/internal/store"
)

type apiFixture struct {
	st     *store.SQLiteStore
	ledger *ledger.Ledger
	job    *model.Job
	router http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	st, err := store.NewSQLite(filepath.Join(dir, "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	path := filepath.Join(dir, "tickets.csv")
	csv := "source_id,item_type,text\nt-1,ticket,refund please\nt-2,ticket,app crashes\nt-3,ticket,hello\n"
	require.NoError(t, os.WriteFile(path, []byte(csv), 0o644))
	res, err := source.NewLoader(st, nil).Load(ctx, source.LoadRequest{Path: path})
	require.NoError(t, err)

	l := ledger.New(st)
	job, err := l.Start(ctx, model.JobConfig{
		SourcePath: path,
		BatchID:    res.Batch.ID,
		Checksum:   res.Batch.Checksum,
		Model:      "test-model",
		Labels:     []string{"billing", "technical"},
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	_, err = st.AppendResults(ctx, []model.ResultRecord{
		{JobID: job.ID, Key: model.ItemKey{SourceID: "t-1", ItemType: "ticket"}, Label: "billing", Confidence: 0.9, CreatedAt: now},
		{JobID: job.ID, Key: model.ItemKey{SourceID: "t-2", ItemType: "ticket"}, IsError: true, ErrorKind: model.ErrorKindPermanent, ErrorMessage: "bad label", CreatedAt: now},
	})
	require.NoError(t, err)

	api := &controlAPI{
		ledger:   l,
		results:  st,
		ping:     st.Ping,
		metrics:  monitoring.NewCollector(st, time.Hour),
		lookback: 24 * time.Hour,
	}
	return &apiFixture{st: st, ledger: l, job: job, router: buildRouter(api, []string{"*"})}
}

func (f *apiFixture) do(t *testing.T, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func TestAPI_Health(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestAPI_HealthUnavailable(t *testing.T) {
	api := &controlAPI{ping: func(context.Context) error { return errors.New("connection refused") }}
	rr := httptest.NewRecorder()
	buildRouter(api, nil).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestAPI_ListJobs(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodGet, "/jobs")
	require.Equal(t, http.StatusOK, rr.Code)

	var jobs []model.Job
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, f.job.ID, jobs[0].ID)
	assert.Equal(t, 3, jobs[0].TotalItems)
}

func TestAPI_ListJobsStatusFilter(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodGet, "/jobs?status=completed")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, "[]", rr.Body.String())
}

func TestAPI_BadLimit(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodGet, "/jobs?limit=abc")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodGet, "/jobs/"+f.job.ID+"/results?offset=-1")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAPI_GetJob(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodGet, "/jobs/"+f.job.ID)
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, f.job.ID, body["job_id"])
	assert.Equal(t, "running", body["status"])
	assert.EqualValues(t, 2, body["completed"])
	assert.EqualValues(t, 1, body["errors"])

	cfg, ok := body["config"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "test-model", cfg["model"])
}

func TestAPI_GetJobNotFound(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodGet, "/jobs/does-not-exist")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAPI_ListResults(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodGet, "/jobs/"+f.job.ID+"/results")
	require.Equal(t, http.StatusOK, rr.Code)
	var all []model.ResultRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &all))
	assert.Len(t, all, 2)

	rr = f.do(t, http.MethodGet, "/jobs/"+f.job.ID+"/results?errors=true")
	require.Equal(t, http.StatusOK, rr.Code)
	var errs []model.ResultRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &errs))
	require.Len(t, errs, 1)
	assert.Equal(t, "t-2", errs[0].Key.SourceID)
	assert.Equal(t, model.ErrorKindPermanent, errs[0].ErrorKind)
}

func TestAPI_Cancel(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodPost, "/jobs/"+f.job.ID+"/cancel")
	assert.Equal(t, http.StatusAccepted, rr.Code)

	job, err := f.ledger.Get(context.Background(), f.job.ID)
	require.NoError(t, err)
	assert.True(t, job.CancelRequested)
}

func TestAPI_CancelTerminalJob(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.ledger.Finalize(context.Background(), f.job.ID, model.JobStatusFailed, "boom"))

	rr := f.do(t, http.MethodPost, "/jobs/"+f.job.ID+"/cancel")
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestAPI_CancelUnknownJob(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodPost, "/jobs/nope/cancel")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAPI_Events(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodGet, "/jobs/"+f.job.ID+"/events")
	require.Equal(t, http.StatusOK, rr.Code)

	var events []model.JobEvent
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &events))
	require.NotEmpty(t, events)
	assert.Equal(t, model.JobEventStarted, events[0].Kind)
}

func TestAPI_CancelIsPostOnly(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodGet, "/jobs/"+f.job.ID+"/cancel")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestAPI_CORSPreflight(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodOptions, "/jobs", nil)
	req.Header.Set("Origin", "https://dashboard.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestAPI_Metrics(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rr.Code)

	var snap monitoring.MetricsSnapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	assert.Equal(t, 1, snap.JobsTotal)
	assert.Equal(t, 1, snap.JobsRunning)
	assert.Equal(t, 2, snap.ItemsClassified)
	assert.Equal(t, 1, snap.ItemErrors)
	assert.Equal(t, 24.0, snap.LookbackHours)

	rr = f.do(t, http.MethodGet, "/metrics?window=1h")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(t, http.MethodGet, "/metrics?window=soon")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
