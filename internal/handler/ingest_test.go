package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/studyflow/internal/model/modeltest"
	"github.com/pavelanni/studyflow/internal/retry"
	"github.com/pavelanni/studyflow/internal/sink/secondary"
	"github.com/pavelanni/studyflow/internal/store"
	"github.com/pavelanni/studyflow/internal/validate"
)

func newIngestServer(t *testing.T, token string) (*httptest.Server, *store.Store) {
	t.Helper()
	s, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	v, err := validate.New()
	require.NoError(t, err)

	r := chi.NewRouter()
	NewIngest(s, v, token, "pilot-1", nil).Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, s
}

func postRaw(t *testing.T, url string, body []byte) (int, secondary.IngestResponse) {
	t.Helper()
	resp, err := http.Post(url+secondary.IngestPath, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out secondary.IngestResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestIngestThroughSecondaryClient(t *testing.T) {
	srv, s := newIngestServer(t, "tok")
	client, err := secondary.New(secondary.Config{BaseURL: srv.URL, Token: "tok"}, nil)
	require.NoError(t, err)

	sub := modeltest.Submission("user-1")
	id, err := client.Write(context.Background(), &sub)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	// Replays land on the same record.
	sub.Metadata.Recovered = true
	again, err := client.Write(context.Background(), &sub)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	stored, err := s.GetSubmissionByUser("user-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, 2, stored.Deliveries)
	assert.True(t, stored.Submission.Metadata.Recovered)
	n, err := s.SubmissionCount()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestIngestRejectsWrongToken(t *testing.T) {
	srv, _ := newIngestServer(t, "tok")
	client, err := secondary.New(secondary.Config{BaseURL: srv.URL, Token: "nope"}, nil)
	require.NoError(t, err)

	sub := modeltest.Submission("user-1")
	_, err = client.Write(context.Background(), &sub)
	require.Error(t, err)
	assert.False(t, retry.IsRetryable(err), "401 is terminal")
	var httpErr *secondary.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)
}

func TestIngestValidation(t *testing.T) {
	srv, s := newIngestServer(t, "")

	sub := modeltest.Submission("user-1")
	sub.PracticeSection.Questions = sub.PracticeSection.Questions[:1]
	raw, err := json.Marshal(sub)
	require.NoError(t, err)
	status, resp := postRaw(t, srv.URL, raw)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Details, "practice_section must have exactly 2 questions")

	var doc map[string]any
	raw, err = json.Marshal(modeltest.Submission("user-2"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &doc))
	doc["browser"] = "firefox"
	raw, err = json.Marshal(doc)
	require.NoError(t, err)
	status, resp = postRaw(t, srv.URL, raw)
	assert.Equal(t, http.StatusUnprocessableEntity, status, "fields outside the schema are rejected")
	assert.False(t, resp.Success)

	status, _ = postRaw(t, srv.URL, []byte("not json"))
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	n, err := s.SubmissionCount()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIngestExportAndLookup(t *testing.T) {
	srv, _ := newIngestServer(t, "")
	for _, user := range []string{"user-1", "user-2"} {
		raw, err := json.Marshal(modeltest.Submission(user))
		require.NoError(t, err)
		status, resp := postRaw(t, srv.URL, raw)
		require.Equal(t, http.StatusOK, status, resp.Error)
		require.True(t, resp.Success)
	}

	resp, err := http.Get(srv.URL + "/ingest/export")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var exp store.StudyExport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&exp))
	assert.Equal(t, "pilot-1", exp.StudyID)
	assert.Equal(t, 2, exp.Count)

	lookup, err := http.Get(srv.URL + secondary.IngestPath + "/user-2")
	require.NoError(t, err)
	lookup.Body.Close()
	assert.Equal(t, http.StatusOK, lookup.StatusCode)

	missing, err := http.Get(srv.URL + secondary.IngestPath + "/user-9")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}
