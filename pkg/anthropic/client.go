// Package anthropic is a thin wrapper over the official SDK exposing the one
// call the classifier makes, in types that are easy to fake in tests.
package anthropic

import (
	"context"
	"errors"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
)

// Client sends single-turn message requests.
type Client interface {
	CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error)
}

// Roles accepted in Message.Role. Anything else is sent as RoleUser.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// MessageRequest is one Messages API call.
type MessageRequest struct {
	Model       string
	MaxTokens   int64
	System      []SystemBlock
	Messages    []Message
	Temperature *float64 // nil leaves the model default
}

// SystemBlock is a system prompt segment. A non-nil CacheControl places a
// prompt-cache breakpoint after it.
type SystemBlock struct {
	Text         string
	CacheControl *CacheControl
}

// CacheControl sets the lifetime of a prompt-cache entry: "5m" or "1h".
type CacheControl struct {
	TTL string
}

type Message struct {
	Role    string
	Content string
}

// MessageResponse is the part of a reply the classifier reads.
type MessageResponse struct {
	ID         string
	Model      string
	StopReason string
	Content    []ContentBlock
	Usage      TokenUsage
}

type ContentBlock struct {
	Type string
	Text string
}

// TokenUsage is the billed token breakdown of one call.
type TokenUsage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

// Text joins the text blocks of the reply, skipping any other block types.
func (r *MessageResponse) Text() string {
	var b strings.Builder
	for _, block := range r.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// ClientOptions tunes the SDK client. MaxRetries defaults to zero since the
// engine owns retries and the circuit breaker.
type ClientOptions struct {
	BaseURL    string
	MaxRetries int
	Timeout    time.Duration
}

type sdkClient struct {
	api sdk.Client
}

// NewClient returns a Client backed by the official SDK.
func NewClient(apiKey string, opts ClientOptions) Client {
	return &sdkClient{api: sdk.NewClient(opts.requestOptions(apiKey)...)}
}

func (o ClientOptions) requestOptions(apiKey string) []option.RequestOption {
	ro := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(o.MaxRetries),
	}
	if o.BaseURL != "" {
		ro = append(ro, option.WithBaseURL(o.BaseURL))
	}
	if o.Timeout > 0 {
		ro = append(ro, option.WithRequestTimeout(o.Timeout))
	}
	return ro
}

func (c *sdkClient) CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error) {
	msg, err := c.api.Messages.New(ctx, req.params())
	if err != nil {
		return nil, eris.Wrap(err, "anthropic: create message")
	}
	return newMessageResponse(msg), nil
}

// StatusCode returns the HTTP status carried by an API error, or 0 when err
// did not come from an API response (network failures, timeouts).
func StatusCode(err error) int {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

func (r MessageRequest) params() sdk.MessageNewParams {
	p := sdk.MessageNewParams{
		Model:     sdk.Model(r.Model),
		MaxTokens: r.MaxTokens,
		Messages:  make([]sdk.MessageParam, 0, len(r.Messages)),
	}
	for _, m := range r.Messages {
		block := sdk.NewTextBlock(m.Content)
		if m.Role == RoleAssistant {
			p.Messages = append(p.Messages, sdk.NewAssistantMessage(block))
		} else {
			p.Messages = append(p.Messages, sdk.NewUserMessage(block))
		}
	}
	for _, s := range r.System {
		p.System = append(p.System, s.param())
	}
	if r.Temperature != nil {
		p.Temperature = sdk.Float(*r.Temperature)
	}
	return p
}

func (s SystemBlock) param() sdk.TextBlockParam {
	tb := sdk.TextBlockParam{Text: s.Text}
	if s.CacheControl == nil {
		return tb
	}
	tb.CacheControl = sdk.NewCacheControlEphemeralParam()
	if s.CacheControl.TTL != "" {
		tb.CacheControl.TTL = sdk.CacheControlEphemeralTTL(s.CacheControl.TTL)
	}
	return tb
}

func newMessageResponse(msg *sdk.Message) *MessageResponse {
	resp := &MessageResponse{
		ID:         msg.ID,
		Model:      string(msg.Model),
		StopReason: string(msg.StopReason),
		Content:    make([]ContentBlock, 0, len(msg.Content)),
		Usage: TokenUsage{
			InputTokens:              msg.Usage.InputTokens,
			OutputTokens:             msg.Usage.OutputTokens,
			CacheCreationInputTokens: msg.Usage.CacheCreationInputTokens,
			CacheReadInputTokens:     msg.Usage.CacheReadInputTokens,
		},
	}
	for _, b := range msg.Content {
		resp.Content = append(resp.Content, ContentBlock{Type: b.Type, Text: b.Text})
	}
	return resp
}
