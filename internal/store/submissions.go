package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/studyflow/internal/model"
)

// StoredSubmission is a submission accepted by the ingest service.
type StoredSubmission struct {
	ID         string           `json:"id"`
	Deliveries int              `json:"deliveries"`
	ReceivedAt time.Time        `json:"received_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
	Submission model.Submission `json:"submission"`
}

// UpsertSubmission stores sub keyed by its user id. A repeated delivery for the same user
// replaces the payload, keeps the original id and bumps the delivery counter.
func (s *Store) UpsertSubmission(sub model.Submission) (string, error) {
	payload, err := json.Marshal(sub)
	if err != nil {
		return "", fmt.Errorf("marshal submission: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	now := time.Now()
	_, err = tx.Exec(
		`INSERT INTO submissions (id, user_id, condition, hit_id, assignment_id, payload, recovered, submitted_at, received_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			condition = excluded.condition,
			hit_id = excluded.hit_id,
			assignment_id = excluded.assignment_id,
			payload = excluded.payload,
			recovered = excluded.recovered,
			submitted_at = excluded.submitted_at,
			deliveries = submissions.deliveries + 1,
			updated_at = excluded.updated_at`,
		uuid.NewString(), sub.UserID, sub.Condition, sub.Metadata.HitID, sub.Metadata.AssignmentID,
		string(payload), sub.Metadata.Recovered, sub.SubmittedAt, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("upsert submission: %w", err)
	}

	var id string
	if err := tx.QueryRow(`SELECT id FROM submissions WHERE user_id = ?`, sub.UserID).Scan(&id); err != nil {
		return "", fmt.Errorf("read submission id: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM submission_questions WHERE submission_id = ?`, id); err != nil {
		return "", fmt.Errorf("clear questions: %w", err)
	}
	sections := []struct {
		name      model.Section
		questions []model.QuestionResponse
	}{
		{model.SectionPractice, sub.PracticeSection.Questions},
		{model.SectionTest, sub.TestSection.Questions},
	}
	for _, sec := range sections {
		for _, q := range sec.questions {
			_, err := tx.Exec(
				`INSERT INTO submission_questions (submission_id, section, question_index, category_id, is_correct, duration_seconds, chat_messages)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				id, sec.name, q.QuestionIndex, q.CategoryID, q.IsCorrect, q.DurationSeconds, len(q.ChatMessages),
			)
			if err != nil {
				return "", fmt.Errorf("insert %s question %d: %w", sec.name, q.QuestionIndex, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	slog.Info("stored submission", "id", id, "user_id", sub.UserID, "recovered", sub.Metadata.Recovered)
	return id, nil
}

// GetSubmissionByUser returns the stored submission for a user, or nil if there is none.
func (s *Store) GetSubmissionByUser(userID string) (*StoredSubmission, error) {
	row := s.db.QueryRow(
		`SELECT id, deliveries, received_at, updated_at, payload FROM submissions WHERE user_id = ?`, userID,
	)
	ss, err := scanSubmission(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ss, nil
}

// ListSubmissions returns all stored submissions, oldest first.
func (s *Store) ListSubmissions() ([]StoredSubmission, error) {
	rows, err := s.db.Query(
		`SELECT id, deliveries, received_at, updated_at, payload FROM submissions ORDER BY received_at, id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StoredSubmission
	for rows.Next() {
		ss, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ss)
	}
	return out, rows.Err()
}

// SubmissionCount returns the number of distinct users with a stored submission.
func (s *Store) SubmissionCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM submissions`).Scan(&count)
	return count, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(r rowScanner) (*StoredSubmission, error) {
	var ss StoredSubmission
	var payload string
	if err := r.Scan(&ss.ID, &ss.Deliveries, &ss.ReceivedAt, &ss.UpdatedAt, &payload); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &ss.Submission); err != nil {
		return nil, fmt.Errorf("decode submission %s: %w", ss.ID, err)
	}
	return &ss, nil
}
