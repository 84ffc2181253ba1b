package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/studyflow/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testSubmission(userID string) model.Submission {
	at := time.Date(2026, 3, 2, 16, 4, 5, 0, time.UTC)
	q := func(i int, correct bool) model.QuestionResponse {
		return model.QuestionResponse{
			SubmissionID:   "s" + string(rune('0'+i)),
			QuestionIndex:  i,
			CategoryID:     "fractions",
			QuestionText:   "1/2 + 1/4?",
			CorrectAnswer:  "0.75",
			UserAnswerText: "3/4",
			IsCorrect:      correct,
			LoadTime:       at,
			SubmitTime:     at.Add(30 * time.Second),
			ChatMessages:   []model.ChatMessage{},
		}
	}
	return model.Submission{
		UserID:          userID,
		Condition:       model.ConditionTutor,
		PreSurvey:       &model.PreSurvey{MathInterest: 3, MathConfidence: 4},
		PracticeSection: model.SectionPayload{Questions: []model.QuestionResponse{q(0, true), q(1, false)}},
		TestSection:     model.SectionPayload{Questions: []model.QuestionResponse{q(0, true), q(1, true)}},
		SubmittedAt:     at,
		Metadata: model.SubmissionMetadata{
			HitID:           "hit-1",
			AssignmentID:    "asg-1",
			CategoryIndices: []int{0, 1},
			CategoryVariations: []model.CategoryVariation{
				{Practice: 0, Test: 1},
				{Practice: 1, Test: 0},
			},
		},
	}
}

func TestKVCRUD(t *testing.T) {
	s := newTestStore(t)

	_, ok, err := s.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set("a/1", []byte("one")))
	require.NoError(t, s.Set("a/2", []byte("two")))
	require.NoError(t, s.Set("b/1", []byte("other")))

	v, ok, err := s.Get("a/1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "one", string(v))

	// Overwrite.
	require.NoError(t, s.Set("a/1", []byte("uno")))
	v, _, err = s.Get("a/1")
	require.NoError(t, err)
	assert.Equal(t, "uno", string(v))

	keys, err := s.ListKeys("a/")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/1", "a/2"}, keys)

	require.NoError(t, s.Delete("a/1"))
	require.NoError(t, s.Delete("a/1"), "deleting a missing key is not an error")
	keys, err = s.ListKeys("a/")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/2"}, keys)
}

func TestListKeysEscapesWildcards(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Set("x%/1", []byte("1")))
	require.NoError(t, s.Set("x_/1", []byte("1")))
	require.NoError(t, s.Set("xy/1", []byte("1")))

	tests := []struct {
		prefix string
		want   []string
	}{
		{"x%", []string{"x%/1"}},
		{"x_", []string{"x_/1"}},
		{"x", []string{"x%/1", "x_/1", "xy/1"}},
		{"z", nil},
	}
	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			keys, err := s.ListKeys(tt.prefix)
			require.NoError(t, err)
			assert.Equal(t, tt.want, keys)
		})
	}
}

func TestFileStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "kv.db")
	s, err := New(path)
	require.NoError(t, err)
	require.NoError(t, s.Set("k", []byte("v")))
	require.NoError(t, s.Close())

	s, err = New(path)
	require.NoError(t, err)
	defer s.Close()
	v, ok, err := s.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", string(v))
}

func TestUpsertSubmissionIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	sub := testSubmission("user-1")
	id1, err := s.UpsertSubmission(sub)
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	// Replayed delivery, now flagged as recovered.
	sub.Metadata.Recovered = true
	id2, err := s.UpsertSubmission(sub)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	count, err := s.SubmissionCount()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := s.GetSubmissionByUser("user-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.Deliveries)
	assert.True(t, got.Submission.Metadata.Recovered)
	assert.Len(t, got.Submission.TestSection.Questions, 2)

	var questions int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM submission_questions WHERE submission_id = ?`, id1).Scan(&questions))
	assert.Equal(t, 4, questions)
}

func TestGetSubmissionByUserNotFound(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetSubmissionByUser("nobody")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestExportSubmissions(t *testing.T) {
	s := newTestStore(t)

	exp, err := s.ExportSubmissions("pilot")
	require.NoError(t, err)
	assert.Equal(t, 0, exp.Count)
	assert.NotNil(t, exp.Submissions)

	_, err = s.UpsertSubmission(testSubmission("user-1"))
	require.NoError(t, err)
	ctl := testSubmission("user-2")
	ctl.Condition = model.ConditionControl
	ctl.TestSection.Questions[1].IsCorrect = false
	_, err = s.UpsertSubmission(ctl)
	require.NoError(t, err)

	exp, err = s.ExportSubmissions("pilot")
	require.NoError(t, err)
	assert.Equal(t, "pilot", exp.StudyID)
	assert.Equal(t, 2, exp.Count)
	require.Contains(t, exp.ByCondition, model.ConditionTutor)
	require.Contains(t, exp.ByCondition, model.ConditionControl)
	assert.Equal(t, 1.0, exp.ByCondition[model.ConditionTutor].TestAccuracy)
	assert.Equal(t, 0.5, exp.ByCondition[model.ConditionControl].TestAccuracy)
}

func TestRedisKV(t *testing.T) {
	addr := os.Getenv("STUDYFLOW_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("STUDYFLOW_TEST_REDIS_ADDR not set")
	}
	prefix := "studyflow-test-" + time.Now().Format("150405.000000") + ":"
	r, err := NewRedis(addr, "", 0, prefix)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Set("checkpoint/a/full", []byte("1")))
	require.NoError(t, r.Set("checkpoint/a/shadow/meta", []byte("2")))
	require.NoError(t, r.Set("checkpoint/b/full", []byte("3")))

	v, ok, err := r.Get("checkpoint/a/full")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", string(v))

	keys, err := r.ListKeys("checkpoint/a/")
	require.NoError(t, err)
	assert.Equal(t, []string{"checkpoint/a/full", "checkpoint/a/shadow/meta"}, keys)

	for _, k := range []string{"checkpoint/a/full", "checkpoint/a/shadow/meta", "checkpoint/b/full"} {
		require.NoError(t, r.Delete(k))
	}
	_, ok, err = r.Get("checkpoint/a/full")
	require.NoError(t, err)
	assert.False(t, ok)
}
