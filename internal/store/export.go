package store

import (
	"fmt"

	"github.com/pavelanni/studyflow/internal/model"
)

// ConditionSummary aggregates test-section accuracy for one condition.
type ConditionSummary struct {
	Participants  int     `json:"participants"`
	TestQuestions int     `json:"test_questions"`
	TestCorrect   int     `json:"test_correct"`
	TestAccuracy  float64 `json:"test_accuracy"`
}

// StudyExport is the top-level JSON structure written by the export command.
type StudyExport struct {
	StudyID     string                                `json:"study_id"`
	Count       int                                   `json:"count"`
	ByCondition map[model.Condition]*ConditionSummary `json:"by_condition"`
	Submissions []StoredSubmission                    `json:"submissions"`
}

// ExportSubmissions builds an export of every stored submission with per-condition summaries.
func (s *Store) ExportSubmissions(studyID string) (*StudyExport, error) {
	subs, err := s.ListSubmissions()
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}

	exp := &StudyExport{
		StudyID:     studyID,
		Count:       len(subs),
		ByCondition: make(map[model.Condition]*ConditionSummary),
		Submissions: subs,
	}
	if exp.Submissions == nil {
		exp.Submissions = []StoredSubmission{}
	}

	for _, ss := range subs {
		sum, ok := exp.ByCondition[ss.Submission.Condition]
		if !ok {
			sum = &ConditionSummary{}
			exp.ByCondition[ss.Submission.Condition] = sum
		}
		sum.Participants++
		for _, q := range ss.Submission.TestSection.Questions {
			sum.TestQuestions++
			if q.IsCorrect {
				sum.TestCorrect++
			}
		}
	}
	for _, sum := range exp.ByCondition {
		if sum.TestQuestions > 0 {
			sum.TestAccuracy = float64(sum.TestCorrect) / float64(sum.TestQuestions)
		}
	}
	return exp, nil
}
