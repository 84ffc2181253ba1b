package secondary

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/studyflow/internal/model"
	"github.com/pavelanni/studyflow/internal/model/modeltest"
	"github.com/pavelanni/studyflow/internal/retry"
	"github.com/pavelanni/studyflow/internal/sink"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL + "/", Token: "s3cret"}, nil)
	require.NoError(t, err)
	return c
}

func TestWriteSuccess(t *testing.T) {
	var got model.Submission
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, IngestPath, r.URL.Path)
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(IngestResponse{Success: true, ID: "rec-1"})
	})

	sub := modeltest.Submission("user-1")
	id, err := c.Write(context.Background(), &sub)
	require.NoError(t, err)
	assert.Equal(t, "rec-1", id)
	assert.Equal(t, sub, got)
}

func TestWriteClassifiesFailures(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		transient bool
	}{
		{"rate limited", http.StatusTooManyRequests, `{"success":false}`, true},
		{"unavailable", http.StatusServiceUnavailable, "", true},
		{"timeout", http.StatusRequestTimeout, "", true},
		{"schema rejection", http.StatusUnprocessableEntity, `{"success":false,"error":"validation failed"}`, false},
		{"bad request", http.StatusBadRequest, "", false},
		{"not accepted", http.StatusOK, `{"success":false,"error":"duplicate"}`, false},
		{"garbage body", http.StatusOK, `<html>`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			sub := modeltest.Submission("user-1")
			_, err := c.Write(context.Background(), &sub)
			require.Error(t, err)
			assert.Equal(t, tt.transient, retry.IsRetryable(err))
			if tt.transient {
				var te *sink.TransientError
				assert.ErrorAs(t, err, &te)
			} else {
				var te *sink.TerminalError
				assert.ErrorAs(t, err, &te)
			}
		})
	}
}

func TestWriteStatusIsVisible(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusBadGateway)
	})
	sub := modeltest.Submission("user-1")
	_, err := c.Write(context.Background(), &sub)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadGateway, httpErr.HTTPStatusCode())
	assert.Equal(t, "overloaded", httpErr.Body)
}

func TestWriteConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(Config{BaseURL: url}, nil)
	require.NoError(t, err)
	sub := modeltest.Submission("user-1")
	_, err = c.Write(context.Background(), &sub)
	var te *sink.TransientError
	assert.ErrorAs(t, err, &te)
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Config{BaseURL: "  "}, nil)
	assert.Error(t, err)
}
