// Package modeltest builds valid study payloads for tests.
package modeltest

import (
	"time"

	"github.com/pavelanni/studyflow/internal/model"
)

// Epoch is the fixed clock used by fixtures.
var Epoch = time.Date(2026, 3, 2, 16, 0, 0, 0, time.UTC)

// Response returns a completed response for the given section slot.
func Response(section model.Section, index int, categoryID string) model.QuestionResponse {
	load := Epoch.Add(time.Duration(index) * time.Minute)
	r := model.QuestionResponse{
		SubmissionID:        string(section) + "-" + categoryID + "-" + string(rune('a'+index)),
		QuestionIndex:       index,
		CategoryID:          categoryID,
		QuestionText:        "What is 3/4 as a decimal?",
		CorrectAnswer:       "0.75",
		UserAnswerText:      ".75",
		IsCorrect:           true,
		LoadTime:            load,
		SubmitTime:          load.Add(42 * time.Second),
		DurationSeconds:     42,
		ScratchboardContent: "3 / 4",
		ChatMessages:        []model.ChatMessage{},
	}
	if section == model.SectionPractice {
		r.ChatMessages = []model.ChatMessage{
			{ID: 1, Sender: model.SenderUser, Text: "how do I start?", Timestamp: load.Add(5 * time.Second)},
			{ID: 2, Sender: model.SenderAI, AgentID: "tutor", Text: "Divide 3 by 4.", Timestamp: load.Add(7 * time.Second)},
		}
	}
	return r
}

// Session returns a session that has reached the completed stage.
func Session(userID string) model.FlowSession {
	return model.FlowSession{
		UserID:    userID,
		Stage:     model.StageCompleted,
		Condition: model.ConditionTutor,
		PracticeResponses: []model.QuestionResponse{
			Response(model.SectionPractice, 0, "fractions"),
			Response(model.SectionPractice, 1, "percentages"),
		},
		TestResponses: []model.QuestionResponse{
			Response(model.SectionTest, 0, "fractions"),
			Response(model.SectionTest, 1, "percentages"),
		},
		PreSurvey:  &model.PreSurvey{MathInterest: 4, MathConfidence: 3, PriorCourses: "algebra"},
		PostSurvey: &model.PostSurvey{Helpfulness: 5, Engagement: 4, Confidence: 4, Difficulty: 2, Comments: "fine"},
		Metadata: model.StudyMetadata{
			HitID:              "hit-1",
			AssignmentID:       "asg-1",
			CategoryIndices:    []int{0, 2},
			CategoryVariations: []model.CategoryVariation{{Practice: 0, Test: 1}, {Practice: 1, Test: 0}},
		},
		Revision:  12,
		StartedAt: Epoch,
		UpdatedAt: Epoch.Add(20 * time.Minute),
	}
}

// Submission returns a payload that passes validation.
func Submission(userID string) model.Submission {
	return model.NewSubmission(Session(userID), Epoch.Add(21*time.Minute))
}
