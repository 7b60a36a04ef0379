package model

import "time"

// ErrorKind distinguishes retryable from non-retryable item failures.
type ErrorKind string

const (
	ErrorKindNone      ErrorKind = ""
	ErrorKindTransient ErrorKind = "transient"
	ErrorKindPermanent ErrorKind = "permanent"
)

// ResultRecord is the outcome for one (job, item, pass). Never updated in place.
type ResultRecord struct {
	JobID        string    `json:"job_id"`
	Key          ItemKey   `json:"key"`
	Pass         int       `json:"pass"`
	Label        string    `json:"label,omitempty"`
	Confidence   float64   `json:"confidence"`
	IsError      bool      `json:"is_error"`
	ErrorKind    ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	RawResponse  string    `json:"raw_response,omitempty"`
	Model        string    `json:"model,omitempty"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	LatencyMs    int64     `json:"latency_ms"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"created_at"`
}

// AppendStats reports the effect of an insert-or-skip append.
type AppendStats struct {
	Inserted int `json:"inserted"`
	Skipped  int `json:"skipped"`
}

// Add accumulates another AppendStats.
func (a *AppendStats) Add(o AppendStats) {
	a.Inserted += o.Inserted
	a.Skipped += o.Skipped
}

// ResultCounts summarizes effective results for a job.
type ResultCounts struct {
	Items  int `json:"items"`
	Errors int `json:"errors"`
}

// Usage totals the API spend recorded for a job across every pass.
type Usage struct {
	Calls        int     `json:"calls"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}
