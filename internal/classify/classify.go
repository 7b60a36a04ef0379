// Package classify is the boundary to the external classification service.
// A Classifier turns one item's text into an Outcome or a Failure.
package classify

import (
	"context"
	"errors"
	"fmt"

	"github.com/sells-group/classify-cli/internal/model"
	"github.com/sells-group/classify-cli/internal/resilience"
)

// Outcome is a successful classification of one item.
type Outcome struct {
	Label        string  `json:"label"`
	Confidence   float64 `json:"confidence"`
	Raw          string  `json:"-"`
	Model        string  `json:"-"`
	InputTokens  int64   `json:"-"`
	OutputTokens int64   `json:"-"`
	CostUSD      float64 `json:"-"`
}

// Classifier classifies one item's text.
type Classifier interface {
	Classify(ctx context.Context, text string) (*Outcome, error)
}

// Func adapts an ordinary function to the Classifier interface.
type Func func(ctx context.Context, text string) (*Outcome, error)

// Classify calls f(ctx, text).
func (f Func) Classify(ctx context.Context, text string) (*Outcome, error) {
	return f(ctx, text)
}

// Failure is a structured classification failure. Transient failures are
// retried; permanent ones are recorded immediately.
type Failure struct {
	Kind    model.ErrorKind
	Message string
	Raw     string
	Err     error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("classify: %s failure: %s", f.Kind, f.Message)
}

func (f *Failure) Unwrap() error { return f.Err }

// Transient builds a retryable failure.
func Transient(err error, raw string) *Failure {
	return &Failure{Kind: model.ErrorKindTransient, Message: err.Error(), Raw: raw, Err: err}
}

// Permanent builds a non-retryable failure.
func Permanent(err error, raw string) *Failure {
	return &Failure{Kind: model.ErrorKindPermanent, Message: err.Error(), Raw: raw, Err: err}
}

// AsFailure converts any error into a Failure. Errors that are not already
// Failures are classified with resilience.IsTransient.
func AsFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	if resilience.IsTransient(err) {
		return Transient(err, "")
	}
	return Permanent(err, "")
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind == model.ErrorKindTransient
	}
	return resilience.IsTransient(err)
}
