package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/studyflow/internal/model"
	"github.com/pavelanni/studyflow/internal/retry"
)

// fakeAPI serves /v1/chat/completions. respond picks the status and reply per call.
type fakeAPI struct {
	mu       sync.Mutex
	requests []openai.ChatCompletionRequest
	respond  func(call int, req openai.ChatCompletionRequest) (int, string)
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/chat/completions" {
		http.NotFound(w, r)
		return
	}
	var req openai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	call := len(f.requests)
	f.mu.Unlock()

	status, text := f.respond(call, req)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if status != http.StatusOK {
		fmt.Fprintf(w, `{"error":{"message":%q,"type":"server_error"}}`, text)
		return
	}
	fmt.Fprintf(w, `{"id":"chatcmpl-1","object":"chat.completion","model":%q,"choices":[{"index":0,"message":{"role":"assistant","content":%q},"finish_reason":"stop"}]}`, req.Model, text)
}

func (f *fakeAPI) models() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.requests))
	for i, r := range f.requests {
		out[i] = r.Model
	}
	return out
}

func newTutor(t *testing.T, api *fakeAPI, fallback string) *Tutor {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	exec := retry.NewExecutor(nil, retry.WithSleep(func(ctx context.Context, _ time.Duration) error {
		return ctx.Err()
	}))
	return New(Config{
		BaseURL:       srv.URL + "/v1",
		APIKey:        "test-key",
		Model:         "tutor-large",
		FallbackModel: fallback,
	}, exec, nil)
}

func history() []model.ChatMessage {
	return []model.ChatMessage{
		{ID: 1, Sender: model.SenderUser, Text: "how do I start?"},
		{ID: 2, Sender: model.SenderAI, AgentID: "tutor", Text: "What does the bar mean?"},
		{ID: 3, Sender: model.SenderUser, Text: "divide?"},
	}
}

func TestGenerate(t *testing.T) {
	api := &fakeAPI{respond: func(int, openai.ChatCompletionRequest) (int, string) {
		return http.StatusOK, "  Yes, divide 3 by 4.  "
	}}
	tutor := newTutor(t, api, "tutor-small")

	res, err := tutor.Generate(context.Background(), GenerateRequest{Messages: history(), SystemPrompt: "be kind"})
	require.NoError(t, err)
	assert.Equal(t, "Yes, divide 3 by 4.", res.Text)
	assert.Equal(t, "tutor-large", res.Model)
	assert.False(t, res.FallbackUsed)
	assert.Equal(t, 1, res.Attempts)

	require.Len(t, api.requests, 1)
	msgs := api.requests[0].Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, openai.ChatMessageRoleSystem, msgs[0].Role)
	assert.Equal(t, "be kind", msgs[0].Content)
	assert.Equal(t, openai.ChatMessageRoleUser, msgs[1].Role)
	assert.Equal(t, openai.ChatMessageRoleAssistant, msgs[2].Role)
	assert.Equal(t, "divide?", msgs[3].Content)
}

func TestGenerateRequestModelOverride(t *testing.T) {
	api := &fakeAPI{respond: func(int, openai.ChatCompletionRequest) (int, string) {
		return http.StatusOK, "ok"
	}}
	tutor := newTutor(t, api, "")
	res, err := tutor.Generate(context.Background(), GenerateRequest{Model: "tutor-mini"})
	require.NoError(t, err)
	assert.Equal(t, "tutor-mini", res.Model)
	assert.Equal(t, []string{"tutor-mini"}, api.models())
}

func TestGenerateRetriesTransientFailures(t *testing.T) {
	api := &fakeAPI{respond: func(call int, _ openai.ChatCompletionRequest) (int, string) {
		if call < 3 {
			return http.StatusServiceUnavailable, "overloaded"
		}
		return http.StatusOK, "hint"
	}}
	tutor := newTutor(t, api, "tutor-small")

	res, err := tutor.Generate(context.Background(), GenerateRequest{Messages: history()})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.False(t, res.FallbackUsed)
	assert.Equal(t, []string{"tutor-large", "tutor-large", "tutor-large"}, api.models())
}

func TestGenerateFallsBackOnTerminalError(t *testing.T) {
	api := &fakeAPI{respond: func(_ int, req openai.ChatCompletionRequest) (int, string) {
		if req.Model == "tutor-large" {
			return http.StatusNotFound, "model not found"
		}
		return http.StatusOK, "fallback hint"
	}}
	tutor := newTutor(t, api, "tutor-small")

	res, err := tutor.Generate(context.Background(), GenerateRequest{Messages: history()})
	require.NoError(t, err)
	assert.True(t, res.FallbackUsed)
	assert.Equal(t, "tutor-small", res.Model)
	assert.Equal(t, "fallback hint", res.Text)
	assert.Equal(t, []string{"tutor-large", "tutor-small"}, api.models(), "404 is not retried")
}

func TestGenerateAllFail(t *testing.T) {
	api := &fakeAPI{respond: func(int, openai.ChatCompletionRequest) (int, string) {
		return http.StatusTooManyRequests, "rate limited"
	}}
	tutor := newTutor(t, api, "tutor-small")

	_, err := tutor.Generate(context.Background(), GenerateRequest{Messages: history()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
	assert.Len(t, api.models(), 2*retry.DefaultPolicy.MaxAttempts)
}

func TestGenerateWithoutFallback(t *testing.T) {
	api := &fakeAPI{respond: func(int, openai.ChatCompletionRequest) (int, string) {
		return http.StatusBadRequest, "bad request"
	}}
	tutor := newTutor(t, api, "")

	_, err := tutor.Generate(context.Background(), GenerateRequest{})
	require.Error(t, err)
	assert.Len(t, api.models(), 1)
}

func TestGenerateEmptyReply(t *testing.T) {
	api := &fakeAPI{respond: func(int, openai.ChatCompletionRequest) (int, string) {
		return http.StatusOK, "   "
	}}
	tutor := newTutor(t, api, "")

	_, err := tutor.Generate(context.Background(), GenerateRequest{})
	assert.ErrorIs(t, err, ErrEmptyReply)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"api 503", &openai.APIError{HTTPStatusCode: 503, Message: "overloaded"}, true},
		{"api 429", &openai.APIError{HTTPStatusCode: 429, Message: "slow down"}, true},
		{"api 400", &openai.APIError{HTTPStatusCode: 400, Message: "bad"}, false},
		{"request 502", &openai.RequestError{HTTPStatusCode: 502, Err: fmt.Errorf("bad gateway")}, true},
		{"wrapped", fmt.Errorf("call: %w", &openai.APIError{HTTPStatusCode: 500}), true},
		{"plain", fmt.Errorf("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, retry.IsRetryable(classify(tt.err)))
		})
	}
}
