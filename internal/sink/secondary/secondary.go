// Package secondary posts validated submissions to the ingest service.
package secondary

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pavelanni/studyflow/internal/model"
	"github.com/pavelanni/studyflow/internal/retry"
	"github.com/pavelanni/studyflow/internal/sink"
)

const (
	Name       = "secondary"
	IngestPath = "/ingest/submissions"
)

// Config configures the ingest client.
type Config struct {
	BaseURL string
	// Token is sent as a bearer token when set.
	Token   string
	Timeout time.Duration
}

// IngestResponse is the body returned by the ingest service.
type IngestResponse struct {
	Success bool     `json:"success"`
	ID      string   `json:"id,omitempty"`
	Error   string   `json:"error,omitempty"`
	Details []string `json:"details,omitempty"`
}

// HTTPError is a non-2xx ingest response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("ingest returned %d: %s", e.StatusCode, e.Body)
}

func (e *HTTPError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

// Client is the secondary sink.
type Client struct {
	cfg        Config
	httpClient *http.Client
	log        *slog.Logger
}

var _ sink.Sink = (*Client)(nil)

// New returns an ingest client. A nil logger uses slog.Default().
func New(cfg Config, log *slog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("missing secondary sink base URL")
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log.With("sink", Name),
	}, nil
}

func (c *Client) Name() string { return Name }

// Write posts sub and returns the id assigned by the ingest service.
func (c *Client) Write(ctx context.Context, sub *model.Submission) (string, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(sub); err != nil {
		return "", &sink.TerminalError{Sink: Name, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+IngestPath, &buf)
	if err != nil {
		return "", &sink.TerminalError{Sink: Name, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", &sink.TransientError{Sink: Name, Err: err}
	}
	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		httpErr := &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		if retry.IsRetryableHTTPStatus(resp.StatusCode) {
			return "", &sink.TransientError{Sink: Name, Err: httpErr}
		}
		return "", &sink.TerminalError{Sink: Name, Err: httpErr}
	}
	if readErr != nil {
		return "", &sink.TransientError{Sink: Name, Err: readErr}
	}

	var out IngestResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", &sink.TerminalError{Sink: Name, Err: fmt.Errorf("decode ingest response: %w", err)}
	}
	if !out.Success || out.ID == "" {
		return "", &sink.TerminalError{Sink: Name, Err: fmt.Errorf("ingest did not accept submission: %s", out.Error)}
	}
	c.log.Info("submission written", "user_id", sub.UserID, "record_id", out.ID)
	return out.ID, nil
}
