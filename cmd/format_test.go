package main

import (
	"bytes"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/classify-cli/internal/engine"
	"github.com/sells-group/classify-cli/internal/ledger"
	"github.com/sells-group/classify-cli/internal/model"
)

func TestFormatReport(t *testing.T) {
	var buf bytes.Buffer
	formatReport(&buf, &engine.Report{
		JobID:       "job-1",
		State:       engine.StateDone,
		Status:      model.JobStatusCompleted,
		Processed:   120,
		Inserted:    120,
		Errors:      3,
		Checkpoints: 3,
		Duration:    1500 * time.Millisecond,
	})

	out := buf.String()
	assert.Contains(t, out, "job-1")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "Checkpoints:")
	assert.Contains(t, out, "1.5s")
	assert.NotContains(t, out, "Retry pass")
	assert.NotContains(t, out, "Note:")
}

func TestFormatReport_RetryPassAndNote(t *testing.T) {
	var buf bytes.Buffer
	formatReport(&buf, &engine.Report{
		JobID:   "job-2",
		State:   engine.StateInterrupted,
		Status:  model.JobStatusRunning,
		Pass:    2,
		Message: "interrupted; resume to continue",
	})

	out := buf.String()
	assert.Contains(t, out, "Retry pass:")
	assert.Contains(t, out, "interrupted; resume to continue")
}

func TestFormatStatus(t *testing.T) {
	var buf bytes.Buffer
	formatStatus(&buf, &ledger.Status{
		JobID:           "job-1",
		Status:          model.JobStatusRunning,
		Completed:       50,
		Total:           200,
		Errors:          2,
		Attempt:         1,
		CancelRequested: true,
	})

	out := buf.String()
	assert.Contains(t, out, "50/200 (25.0%)")
	assert.Contains(t, out, "requested")
}

func TestPercent(t *testing.T) {
	assert.Equal(t, "100%", percent(0, 0))
	assert.Equal(t, "50.0%", percent(1, 2))
	assert.Equal(t, "33.3%", percent(1, 3))
}

func TestFormatJobsList(t *testing.T) {
	var buf bytes.Buffer
	formatJobsList(&buf, []model.Job{
		{
			ID:             "job-a",
			Status:         model.JobStatusCompleted,
			CompletedItems: 10,
			TotalItems:     10,
			Attempt:        1,
			Config:         model.JobConfig{Model: "claude-haiku-4-5-20251001"},
			CreatedAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		},
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "ID")
	assert.Contains(t, lines[2], "job-a")
	assert.Contains(t, lines[2], "10/10")
	assert.Contains(t, lines[2], "claude-haiku-4-5-20251001")
}

func TestFormatResults_ShowsErrorKind(t *testing.T) {
	var buf bytes.Buffer
	formatResults(&buf, []model.ResultRecord{
		{Key: model.ItemKey{SourceID: "t-1", ItemType: "ticket"}, Label: "billing", Confidence: 0.8},
		{Key: model.ItemKey{SourceID: "t-2", ItemType: "ticket"}, IsError: true, ErrorKind: model.ErrorKindTransient, ErrorMessage: "rate limited"},
	})

	out := buf.String()
	assert.Contains(t, out, "billing")
	assert.Contains(t, out, "transient: rate limited")
}

func TestWriteResultsCSV(t *testing.T) {
	var buf bytes.Buffer
	err := writeResultsCSV(&buf, []model.ResultRecord{
		{Key: model.ItemKey{SourceID: "t-1", ItemType: "ticket"}, Label: "billing", Confidence: 0.75, Model: "m", InputTokens: 100, OutputTokens: 5, CostUSD: 0.0001, Attempts: 1},
		{Key: model.ItemKey{SourceID: "t-2", ItemType: "ticket"}, Pass: 1, IsError: true, ErrorKind: model.ErrorKindPermanent, ErrorMessage: "label \"x\", not allowed"},
	})
	require.NoError(t, err)

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, resultCSVHeader, rows[0])
	assert.Equal(t, "t-1", rows[1][0])
	assert.Equal(t, "0.75", rows[1][4])
	assert.Equal(t, "0.000100", rows[1][11])
	assert.Equal(t, "true", rows[2][5])
	assert.Equal(t, "permanent", rows[2][6])
	assert.Equal(t, "label \"x\", not allowed", rows[2][7])
}

func TestWriteFormatted_YAML(t *testing.T) {
	detail := newJobDetail(
		&model.Job{ID: "job-1", BatchID: "b-1", Config: model.JobConfig{Model: "m", Labels: []string{"a", "b"}}},
		&ledger.Status{JobID: "job-1", Status: model.JobStatusRunning, Total: 4, Completed: 1},
	)

	var buf bytes.Buffer
	require.NoError(t, writeFormatted(&buf, "yaml", detail))

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "job-1", decoded["job_id"])
	assert.Equal(t, "b-1", decoded["batch_id"])
	assert.Equal(t, 4, decoded["total"])

	cfgMap, ok := decoded["config"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "m", cfgMap["model"])
}

func TestWriteFormatted_UnknownFormat(t *testing.T) {
	err := writeFormatted(&bytes.Buffer{}, "toml", struct{}{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported format")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
