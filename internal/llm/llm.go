// Package llm generates tutor replies over an OpenAI-compatible chat API.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pavelanni/studyflow/internal/model"
	"github.com/pavelanni/studyflow/internal/retry"
)

// ErrEmptyReply is returned when the API answers with no usable text.
var ErrEmptyReply = errors.New("model returned no reply")

// Config configures a Tutor.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	// FallbackModel is tried once the primary model has failed. Empty disables it.
	FallbackModel string
	Temperature   float32
	MaxTokens     int
	Policy        retry.Policy
}

// GenerateRequest is one reply request. An empty Model uses the configured model.
type GenerateRequest struct {
	Messages     []model.ChatMessage
	SystemPrompt string
	Model        string
}

// GenerateResult is a generated reply.
type GenerateResult struct {
	Text         string `json:"text"`
	Model        string `json:"model"`
	FallbackUsed bool   `json:"fallback_used"`
	Attempts     int    `json:"attempts"`
}

// Tutor wraps an OpenAI-compatible API client.
type Tutor struct {
	api  *openai.Client
	cfg  Config
	exec *retry.Executor
	log  *slog.Logger
}

// New creates a tutor client. A nil executor uses retry.NewExecutor(log).
func New(cfg Config, exec *retry.Executor, log *slog.Logger) *Tutor {
	if log == nil {
		log = slog.Default()
	}
	if exec == nil {
		exec = retry.NewExecutor(log)
	}
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = retry.DefaultPolicy
	}
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	return &Tutor{
		api:  openai.NewClientWithConfig(config),
		cfg:  cfg,
		exec: exec,
		log:  log,
	}
}

// Generate returns the next assistant reply for the conversation in req.
// Transient API failures are retried; if the model still fails, the fallback
// model is substituted once.
func (t *Tutor) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	modelName := req.Model
	if modelName == "" {
		modelName = t.cfg.Model
	}
	msgs := buildMessages(req.SystemPrompt, req.Messages)

	text, res := t.complete(ctx, modelName, msgs)
	if res.Success {
		return &GenerateResult{Text: text, Model: modelName, Attempts: res.Attempts}, nil
	}
	fallback := t.cfg.FallbackModel
	if fallback == "" || fallback == modelName || errors.Is(res.Err, context.Canceled) {
		return nil, fmt.Errorf("generate with %s: %w", modelName, res.Err)
	}

	t.log.Warn("tutor model failed, using fallback", "model", modelName, "fallback", fallback, "error", res.Err)
	text, fres := t.complete(ctx, fallback, msgs)
	if !fres.Success {
		return nil, fmt.Errorf("generate with %s and fallback %s: %w", modelName, fallback, errors.Join(res.Err, fres.Err))
	}
	return &GenerateResult{Text: text, Model: fallback, FallbackUsed: true, Attempts: res.Attempts + fres.Attempts}, nil
}

func (t *Tutor) complete(ctx context.Context, modelName string, msgs []openai.ChatCompletionMessage) (string, retry.Result) {
	return retry.Do(ctx, t.exec, t.cfg.Policy, "llm.generate", func(ctx context.Context) (string, error) {
		resp, err := t.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       modelName,
			Messages:    msgs,
			Temperature: t.cfg.Temperature,
			MaxTokens:   t.cfg.MaxTokens,
		})
		if err != nil {
			return "", classify(err)
		}
		if len(resp.Choices) == 0 {
			return "", ErrEmptyReply
		}
		text := strings.TrimSpace(resp.Choices[0].Message.Content)
		if text == "" {
			return "", ErrEmptyReply
		}
		t.log.Debug("tutor reply", "model", modelName, "chars", len(text))
		return text, nil
	})
}

func buildMessages(systemPrompt string, history []model.ChatMessage) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	if systemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
	}
	for _, m := range history {
		role := openai.ChatMessageRoleUser
		if m.Sender == model.SenderAI {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Text})
	}
	return msgs
}

// statusError exposes the HTTP status of an API failure to retry.IsRetryable.
type statusError struct {
	status int
	err    error
}

func (e *statusError) Error() string       { return e.err.Error() }
func (e *statusError) Unwrap() error       { return e.err }
func (e *statusError) HTTPStatusCode() int { return e.status }

func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &statusError{status: apiErr.HTTPStatusCode, err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &statusError{status: reqErr.HTTPStatusCode, err: err}
	}
	return err
}
