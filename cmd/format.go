package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/classify-cli/internal/engine"
	"github.com/sells-group/classify-cli/internal/ledger"
	"github.com/sells-group/classify-cli/internal/model"
)

// jobDetail is the full view of one job: its live status plus the frozen
// configuration.
type jobDetail struct {
	ledger.Status `yaml:",inline"`
	BatchID       string          `json:"batch_id" yaml:"batch_id"`
	CreatedAt     time.Time       `json:"created_at" yaml:"created_at"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	Config        model.JobConfig `json:"config" yaml:"config"`
}

func newJobDetail(job *model.Job, st *ledger.Status) jobDetail {
	return jobDetail{
		Status:     *st,
		BatchID:    job.BatchID,
		CreatedAt:  job.CreatedAt,
		FinishedAt: job.FinishedAt,
		Config:     job.Config,
	}
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeFormatted renders v as json or yaml.
func writeFormatted(out io.Writer, format string, v any) error {
	switch format {
	case "", "json":
		return writeJSON(out, v)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return eris.Wrap(err, "encode yaml")
		}
		return enc.Close()
	default:
		return eris.Errorf("unsupported format %q (json, yaml)", format)
	}
}

func formatReport(out io.Writer, rep *engine.Report) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Job:\t%s\n", rep.JobID)
	_, _ = fmt.Fprintf(w, "State:\t%s\n", rep.State)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", rep.Status)
	if rep.Pass > 0 {
		_, _ = fmt.Fprintf(w, "Retry pass:\t%d\n", rep.Pass)
	}
	_, _ = fmt.Fprintf(w, "Processed:\t%d\n", rep.Processed)
	_, _ = fmt.Fprintf(w, "Inserted:\t%d\n", rep.Inserted)
	_, _ = fmt.Fprintf(w, "Skipped:\t%d\n", rep.Skipped)
	_, _ = fmt.Fprintf(w, "Errors:\t%d\n", rep.Errors)
	_, _ = fmt.Fprintf(w, "Checkpoints:\t%d\n", rep.Checkpoints)
	_, _ = fmt.Fprintf(w, "Duration:\t%s\n", rep.Duration.Round(time.Millisecond))
	if rep.Message != "" {
		_, _ = fmt.Fprintf(w, "Note:\t%s\n", rep.Message)
	}
	_ = w.Flush()
}

func formatStatus(out io.Writer, st *ledger.Status) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Job:\t%s\n", st.JobID)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", st.Status)
	_, _ = fmt.Fprintf(w, "Progress:\t%d/%d (%s)\n", st.Completed, st.Total, percent(st.Completed, st.Total))
	_, _ = fmt.Fprintf(w, "Errors:\t%d\n", st.Errors)
	_, _ = fmt.Fprintf(w, "Attempt:\t%d\n", st.Attempt)
	if st.RetryPass > 0 {
		_, _ = fmt.Fprintf(w, "Retry pass:\t%d\n", st.RetryPass)
	}
	if st.CancelRequested {
		_, _ = fmt.Fprintln(w, "Cancel:\trequested")
	}
	if st.LastProgressUpdate != nil {
		_, _ = fmt.Fprintf(w, "Last update:\t%s\n", st.LastProgressUpdate.Local().Format(time.DateTime))
	}
	if st.EstimatedCompletion != nil && !st.Status.IsTerminal() {
		_, _ = fmt.Fprintf(w, "ETA:\t%s\n", st.EstimatedCompletion.Local().Format(time.DateTime))
	}
	if st.Error != "" {
		_, _ = fmt.Fprintf(w, "Error:\t%s\n", st.Error)
	}
	_ = w.Flush()
}

func percent(done, total int) string {
	if total <= 0 {
		return "100%"
	}
	return fmt.Sprintf("%.1f%%", float64(done)*100/float64(total))
}

func formatJobsList(out io.Writer, jobs []model.Job) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tPROGRESS\tATTEMPT\tMODEL\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t------\t--------\t-------\t-----\t-------")
	for _, j := range jobs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d/%d\t%d\t%s\t%s\n",
			j.ID,
			j.Status,
			j.CompletedItems,
			j.TotalItems,
			j.Attempt,
			j.Config.Model,
			j.CreatedAt.Local().Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

func formatEvents(out io.Writer, events []model.JobEvent) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TIME\tEVENT\tMESSAGE")
	for _, ev := range events {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", ev.CreatedAt.Local().Format(time.DateTime), ev.Kind, ev.Message)
	}
	_ = w.Flush()
}

func formatResults(out io.Writer, results []model.ResultRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ITEM\tPASS\tLABEL\tCONFIDENCE\tERROR")
	for _, r := range results {
		errCol := ""
		if r.IsError {
			errCol = fmt.Sprintf("%s: %s", r.ErrorKind, truncate(r.ErrorMessage, 60))
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%.2f\t%s\n", r.Key, r.Pass, r.Label, r.Confidence, errCol)
	}
	_ = w.Flush()
}

var resultCSVHeader = []string{
	"source_id", "item_type", "pass", "label", "confidence", "is_error", "error_kind",
	"error_message", "model", "input_tokens", "output_tokens", "cost_usd", "latency_ms", "attempts",
}

func writeResultsCSV(out io.Writer, results []model.ResultRecord) error {
	w := csv.NewWriter(out)
	if err := w.Write(resultCSVHeader); err != nil {
		return eris.Wrap(err, "write csv header")
	}
	for _, r := range results {
		row := []string{
			r.Key.SourceID,
			r.Key.ItemType,
			strconv.Itoa(r.Pass),
			r.Label,
			strconv.FormatFloat(r.Confidence, 'f', -1, 64),
			strconv.FormatBool(r.IsError),
			string(r.ErrorKind),
			r.ErrorMessage,
			r.Model,
			strconv.FormatInt(r.InputTokens, 10),
			strconv.FormatInt(r.OutputTokens, 10),
			strconv.FormatFloat(r.CostUSD, 'f', 6, 64),
			strconv.FormatInt(r.LatencyMs, 10),
			strconv.Itoa(r.Attempts),
		}
		if err := w.Write(row); err != nil {
			return eris.Wrap(err, "write csv row")
		}
	}
	w.Flush()
	return eris.Wrap(w.Error(), "flush csv")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
