package classify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/classify-cli/internal/cost"
	"github.com/sells-group/classify-cli/internal/resilience"
	"github.com/sells-group/classify-cli/pkg/anthropic"
)

// DefaultMaxTokens caps the response size. A label and a confidence fit easily.
const DefaultMaxTokens = 256

// AnthropicOptions configures an AnthropicClassifier.
type AnthropicOptions struct {
	Model        string
	Labels       []string
	Instructions string
	MaxTokens    int64
	Temperature  *float64
	CacheTTL     string
}

// AnthropicClassifier classifies text with a Claude model.
type AnthropicClassifier struct {
	client anthropic.Client
	calc   *cost.Calculator
	opts   AnthropicOptions
	system []anthropic.SystemBlock
}

// NewAnthropic creates an AnthropicClassifier. calc may be nil, in which case
// cost is not estimated.
func NewAnthropic(client anthropic.Client, calc *cost.Calculator, opts AnthropicOptions) *AnthropicClassifier {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	return &AnthropicClassifier{
		client: client,
		calc:   calc,
		opts:   opts,
		system: anthropic.BuildCachedSystemBlocks(SystemPrompt(opts.Instructions, opts.Labels), opts.CacheTTL),
	}
}

// SystemPrompt renders the classification instructions for a label set.
func SystemPrompt(instructions string, labels []string) string {
	var b strings.Builder
	if instructions != "" {
		b.WriteString(strings.TrimSpace(instructions))
		b.WriteString("\n\n")
	}
	b.WriteString("Classify the text in the user message")
	if len(labels) > 0 {
		fmt.Fprintf(&b, " into exactly one of these labels: %s", strings.Join(labels, ", "))
	}
	b.WriteString(".\nRespond with only a JSON object of the form ")
	b.WriteString(`{"label": "<label>", "confidence": <number between 0 and 1>}`)
	b.WriteString(" and nothing else.")
	return b.String()
}

// Classify sends one item to the model and normalizes the reply.
func (c *AnthropicClassifier) Classify(ctx context.Context, text string) (*Outcome, error) {
	resp, err := c.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       c.opts.Model,
		MaxTokens:   c.opts.MaxTokens,
		System:      c.system,
		Messages:    []anthropic.Message{{Role: anthropic.RoleUser, Content: text}},
		Temperature: c.opts.Temperature,
	})
	if err != nil {
		return nil, classifyCallError(err)
	}

	raw := resp.Text()
	out, err := Normalize(raw, c.opts.Labels)
	if err != nil {
		zap.L().Debug("classify: unparseable response",
			zap.String("model", resp.Model),
			zap.String("stop_reason", resp.StopReason),
			zap.Error(err),
		)
		return nil, Permanent(err, raw)
	}

	out.Model = resp.Model
	if out.Model == "" {
		out.Model = c.opts.Model
	}
	out.InputTokens = resp.Usage.InputTokens + resp.Usage.CacheCreationInputTokens + resp.Usage.CacheReadInputTokens
	out.OutputTokens = resp.Usage.OutputTokens
	if c.calc != nil {
		out.CostUSD = c.calc.Usage(c.opts.Model, resp.Usage)
	}
	return &out, nil
}

// classifyCallError maps a client error to a Failure. Errors without an HTTP
// status are network level and treated as transient.
func classifyCallError(err error) *Failure {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient(err, "")
	}
	status := anthropic.StatusCode(err)
	switch {
	case status == 0:
		return Transient(eris.Wrap(err, "classify: call"), "")
	case resilience.IsTransientHTTPStatus(status):
		return Transient(eris.Wrapf(err, "classify: status %d", status), "")
	default:
		return Permanent(eris.Wrapf(err, "classify: status %d", status), "")
	}
}
