package classify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/classify-cli/internal/cost"
	"github.com/sells-group/classify-cli/internal/model"
	"github.com/sells-group/classify-cli/pkg/anthropic"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		ID:         "msg_1",
		Model:      "claude-haiku-4-5-20251001",
		Content:    []anthropic.ContentBlock{{Type: "text", Text: text}},
		StopReason: "end_turn",
		Usage:      anthropic.TokenUsage{InputTokens: 1000, OutputTokens: 20, CacheReadInputTokens: 500},
	}
}

func newTestClassifier(client anthropic.Client) *AnthropicClassifier {
	return NewAnthropic(client, cost.NewCalculator(cost.Rates{}), AnthropicOptions{
		Model:  "claude-haiku-4-5-20251001",
		Labels: testLabels,
	})
}

func TestAnthropicClassifier_Success(t *testing.T) {
	mc := new(mockClient)
	mc.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == "claude-haiku-4-5-20251001" &&
			req.MaxTokens == DefaultMaxTokens &&
			len(req.System) == 1 && req.System[0].CacheControl != nil &&
			len(req.Messages) == 1 && req.Messages[0].Content == "my invoice is wrong"
	})).Return(textResponse(`{"label":"billing","confidence":0.9}`), nil)

	out, err := newTestClassifier(mc).Classify(context.Background(), "my invoice is wrong")
	require.NoError(t, err)
	assert.Equal(t, "billing", out.Label)
	assert.InDelta(t, 0.9, out.Confidence, 1e-9)
	assert.Equal(t, "claude-haiku-4-5-20251001", out.Model)
	assert.Equal(t, int64(1500), out.InputTokens)
	assert.Equal(t, int64(20), out.OutputTokens)
	assert.Greater(t, out.CostUSD, 0.0)
	mc.AssertExpectations(t)
}

func TestAnthropicClassifier_MalformedIsPermanent(t *testing.T) {
	mc := new(mockClient)
	mc.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse("no idea"), nil)

	_, err := newTestClassifier(mc).Classify(context.Background(), "text")
	require.Error(t, err)

	f := AsFailure(err)
	require.NotNil(t, f)
	assert.Equal(t, model.ErrorKindPermanent, f.Kind)
	assert.Equal(t, "no idea", f.Raw)
	assert.False(t, IsTransient(err))
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestAnthropicClassifier_DeadlineIsTransient(t *testing.T) {
	mc := new(mockClient)
	mc.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, context.DeadlineExceeded)

	_, err := newTestClassifier(mc).Classify(context.Background(), "text")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, model.ErrorKindTransient, AsFailure(err).Kind)
}

func TestAnthropicClassifier_HTTPStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"overloaded", 529, true},
		{"server error", http.StatusInternalServerError, true},
		{"bad request", http.StatusBadRequest, false},
		{"unauthorized", http.StatusUnauthorized, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
					"type":  "error",
					"error": map[string]any{"type": "api_error", "message": "boom"},
				})
			}))
			defer ts.Close()

			client := anthropic.NewClient("test-key", anthropic.ClientOptions{BaseURL: ts.URL})
			_, err := newTestClassifier(client).Classify(context.Background(), "text")
			require.Error(t, err)
			assert.Equal(t, tt.transient, IsTransient(err))
		})
	}
}

func TestSystemPrompt(t *testing.T) {
	p := SystemPrompt("You triage support tickets.", testLabels)
	assert.Contains(t, p, "You triage support tickets.")
	assert.Contains(t, p, "billing, technical, other")
	assert.Contains(t, p, `"confidence"`)

	assert.NotContains(t, SystemPrompt("", nil), "labels:")
}

func TestFunc(t *testing.T) {
	var c Classifier = Func(func(_ context.Context, text string) (*Outcome, error) {
		return &Outcome{Label: text, Confidence: 1}, nil
	})
	out, err := c.Classify(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "x", out.Label)
}

func TestAsFailure(t *testing.T) {
	assert.Nil(t, AsFailure(nil))

	perm := AsFailure(errors.New("something odd"))
	assert.Equal(t, model.ErrorKindPermanent, perm.Kind)
	assert.Equal(t, "something odd", perm.Message)

	tr := AsFailure(errors.New("read: connection reset by peer"))
	assert.Equal(t, model.ErrorKindTransient, tr.Kind)

	wrapped := Transient(errors.New("x"), "raw")
	assert.Same(t, wrapped, AsFailure(wrapped))
}
