package model

import (
	"errors"
	"fmt"
	"time"
)

// Stage is a step of the study flow.
type Stage string

const (
	StageTerms     Stage = "terms"
	StagePreTest   Stage = "pre-test"
	StageLesson    Stage = "lesson"
	StageBreak     Stage = "break"
	StagePostTest  Stage = "post-test"
	StageFinalTest Stage = "final-test"
	StageCompleted Stage = "completed"
)

var stageOrder = []Stage{
	StageTerms,
	StagePreTest,
	StageLesson,
	StageBreak,
	StagePostTest,
	StageFinalTest,
	StageCompleted,
}

// Stages returns all stages in flow order.
func Stages() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder)
	return out
}

// Next returns the stage following s, or "" for the terminal stage and unknown stages.
func (s Stage) Next() Stage {
	for i, st := range stageOrder {
		if st == s && i+1 < len(stageOrder) {
			return stageOrder[i+1]
		}
	}
	return ""
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	for _, st := range stageOrder {
		if st == s {
			return true
		}
	}
	return false
}

// Condition is the experimental condition a participant is assigned to.
type Condition string

const (
	ConditionControl Condition = "control"
	ConditionTutor   Condition = "tutor"
	ConditionPeer    Condition = "peer"
	ConditionGroup   Condition = "group"
)

// Conditions returns every valid condition.
func Conditions() []Condition {
	return []Condition{ConditionControl, ConditionTutor, ConditionPeer, ConditionGroup}
}

// Valid reports whether c is one of the enumerated conditions.
func (c Condition) Valid() bool {
	for _, v := range Conditions() {
		if v == c {
			return true
		}
	}
	return false
}

// Sender identifies who wrote a chat message.
type Sender string

const (
	SenderUser Sender = "user"
	SenderAI   Sender = "ai"
)

// Section identifies the question block a response belongs to.
type Section string

const (
	SectionPractice Section = "practice"
	SectionTest     Section = "test"
)

// ChatMessage is one line of a tutoring transcript.
type ChatMessage struct {
	ID        int       `json:"id"`
	Sender    Sender    `json:"sender"`
	AgentID   string    `json:"agent_id,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// QuestionResponse is a participant's answer to a single question.
type QuestionResponse struct {
	SubmissionID        string        `json:"submission_id"`
	QuestionIndex       int           `json:"question_index"`
	CategoryID          string        `json:"category_id"`
	QuestionText        string        `json:"question_text"`
	CorrectAnswer       string        `json:"correct_answer"`
	UserAnswerText      string        `json:"user_answer_text"`
	IsCorrect           bool          `json:"is_correct"`
	LoadTime            time.Time     `json:"load_time"`
	SubmitTime          time.Time     `json:"submit_time"`
	SkipTime            *time.Time    `json:"skip_time,omitempty"`
	DurationSeconds     float64       `json:"duration_seconds"`
	ScratchboardContent string        `json:"scratchboard_content"`
	ChatMessages        []ChatMessage `json:"chat_messages"`
}

// PreSurvey holds the answers collected before the lesson.
type PreSurvey struct {
	MathInterest   int    `json:"math_interest"`
	MathConfidence int    `json:"math_confidence,omitempty"`
	PriorCourses   string `json:"prior_courses"`
}

// PostSurvey holds the Likert answers collected after the lesson.
type PostSurvey struct {
	Helpfulness int    `json:"helpfulness"`
	Engagement  int    `json:"engagement"`
	Confidence  int    `json:"confidence"`
	Difficulty  int    `json:"difficulty"`
	Comments    string `json:"comments"`
}

// likertMin and likertMax bound every survey scale.
const (
	likertMin = 1
	likertMax = 5
)

func checkLikert(name string, v int) error {
	if v < likertMin || v > likertMax {
		return fmt.Errorf("%s must be between %d and %d, got %d", name, likertMin, likertMax, v)
	}
	return nil
}

// Check reports answers outside their scale. MathConfidence may be left unanswered (0).
func (p PreSurvey) Check() error {
	errs := []error{checkLikert("math_interest", p.MathInterest)}
	if p.MathConfidence != 0 {
		errs = append(errs, checkLikert("math_confidence", p.MathConfidence))
	}
	return errors.Join(errs...)
}

// Check reports answers outside their scale. Every Likert item is required.
func (p PostSurvey) Check() error {
	return errors.Join(
		checkLikert("helpfulness", p.Helpfulness),
		checkLikert("engagement", p.Engagement),
		checkLikert("confidence", p.Confidence),
		checkLikert("difficulty", p.Difficulty),
	)
}

// CategoryVariation is the question variant shown for one category in each section.
type CategoryVariation struct {
	Practice int `json:"practice"`
	Test     int `json:"test"`
}

// StudyMetadata carries recruitment identifiers and the content assignment.
type StudyMetadata struct {
	HitID              string              `json:"hit_id"`
	AssignmentID       string              `json:"assignment_id"`
	CategoryIndices    []int               `json:"category_indices"`
	CategoryVariations []CategoryVariation `json:"category_variations"`
}

// FlowSession is the in-progress aggregate for one participant.
type FlowSession struct {
	UserID            string             `json:"user_id"`
	Stage             Stage              `json:"stage"`
	Condition         Condition          `json:"condition"`
	PracticeResponses []QuestionResponse `json:"practice_responses"`
	TestResponses     []QuestionResponse `json:"test_responses"`
	PreSurvey         *PreSurvey         `json:"pre_survey,omitempty"`
	PostSurvey        *PostSurvey        `json:"post_survey,omitempty"`
	Metadata          StudyMetadata      `json:"metadata"`
	Revision          int64              `json:"revision"`
	StartedAt         time.Time          `json:"started_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
	// SubmittedAt is stamped by the first submission attempt and reused by retries.
	SubmittedAt       time.Time          `json:"submitted_at,omitzero"`
}

// Responses returns the response slice for a section.
func (s *FlowSession) Responses(section Section) []QuestionResponse {
	if section == SectionTest {
		return s.TestResponses
	}
	return s.PracticeResponses
}

// Clone returns a deep copy so callers can read a session without racing the writer.
func (s FlowSession) Clone() FlowSession {
	out := s
	out.PracticeResponses = cloneResponses(s.PracticeResponses)
	out.TestResponses = cloneResponses(s.TestResponses)
	if s.PreSurvey != nil {
		ps := *s.PreSurvey
		out.PreSurvey = &ps
	}
	if s.PostSurvey != nil {
		ps := *s.PostSurvey
		out.PostSurvey = &ps
	}
	out.Metadata.CategoryIndices = append([]int(nil), s.Metadata.CategoryIndices...)
	out.Metadata.CategoryVariations = append([]CategoryVariation(nil), s.Metadata.CategoryVariations...)
	return out
}

func cloneResponses(in []QuestionResponse) []QuestionResponse {
	if in == nil {
		return nil
	}
	out := make([]QuestionResponse, len(in))
	for i, r := range in {
		out[i] = r
		out[i].ChatMessages = append([]ChatMessage(nil), r.ChatMessages...)
		if r.SkipTime != nil {
			t := *r.SkipTime
			out[i].SkipTime = &t
		}
	}
	return out
}
