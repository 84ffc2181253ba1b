package model

import "time"

// Submission is the top-level JSON payload sent to both sinks.
type Submission struct {
	UserID          string             `json:"user_id"`
	Condition       Condition          `json:"condition"`
	PreSurvey       *PreSurvey         `json:"pre_survey,omitempty"`
	PracticeSection SectionPayload     `json:"practice_section"`
	TestSection     SectionPayload     `json:"test_section"`
	PostSurvey      *PostSurvey        `json:"post_survey,omitempty"`
	SubmittedAt     time.Time          `json:"submitted_at"`
	Metadata        SubmissionMetadata `json:"metadata"`
}

// SectionPayload wraps the questions of one section.
type SectionPayload struct {
	Questions []QuestionResponse `json:"questions"`
}

// SubmissionMetadata is StudyMetadata plus the replay marker set by operator recovery.
type SubmissionMetadata struct {
	HitID              string              `json:"hit_id"`
	AssignmentID       string              `json:"assignment_id"`
	CategoryIndices    []int               `json:"category_indices"`
	CategoryVariations []CategoryVariation `json:"category_variations"`
	Recovered          bool                `json:"recovered,omitempty"`
}

// NewSubmission assembles the wire payload from a completed session.
// Nil collections are emitted as empty arrays so strict consumers never see null.
func NewSubmission(s FlowSession, submittedAt time.Time) Submission {
	s = s.Clone()
	meta := SubmissionMetadata{
		HitID:              s.Metadata.HitID,
		AssignmentID:       s.Metadata.AssignmentID,
		CategoryIndices:    s.Metadata.CategoryIndices,
		CategoryVariations: s.Metadata.CategoryVariations,
	}
	if meta.CategoryIndices == nil {
		meta.CategoryIndices = []int{}
	}
	if meta.CategoryVariations == nil {
		meta.CategoryVariations = []CategoryVariation{}
	}
	return Submission{
		UserID:          s.UserID,
		Condition:       s.Condition,
		PreSurvey:       s.PreSurvey,
		PracticeSection: SectionPayload{Questions: normalizeResponses(s.PracticeResponses)},
		TestSection:     SectionPayload{Questions: normalizeResponses(s.TestResponses)},
		PostSurvey:      s.PostSurvey,
		SubmittedAt:     submittedAt.UTC(),
		Metadata:        meta,
	}
}

func normalizeResponses(in []QuestionResponse) []QuestionResponse {
	out := make([]QuestionResponse, 0, len(in))
	for _, r := range in {
		if r.ChatMessages == nil {
			r.ChatMessages = []ChatMessage{}
		}
		out = append(out, r)
	}
	return out
}

// SinkResult is the outcome of writing a submission to one sink.
type SinkResult struct {
	Sink     string `json:"sink"`
	Success  bool   `json:"success"`
	RecordID string `json:"record_id,omitempty"`
	Error    string `json:"error,omitempty"`
	Attempts int    `json:"attempts"`
}

// SubmissionRecord is a submission plus the per-sink outcome of one pipeline call.
type SubmissionRecord struct {
	Submission     Submission `json:"submission"`
	Primary        SinkResult `json:"primary"`
	Secondary      SinkResult `json:"secondary"`
	OverallSuccess bool       `json:"overall_success"`
	Warnings       []string   `json:"warnings,omitempty"`
}

// Degraded reports that exactly one sink accepted the submission.
func (r *SubmissionRecord) Degraded() bool {
	return r.OverallSuccess && r.Primary.Success != r.Secondary.Success
}

// EmergencyBackupEntry is a submission that no sink accepted, kept for operator replay.
type EmergencyBackupEntry struct {
	Key             string     `json:"key"`
	Payload         Submission `json:"payload"`
	PrimaryError    string     `json:"primary_error"`
	SecondaryError  string     `json:"secondary_error"`
	CreatedAt       time.Time  `json:"created_at"`
	Recovered       bool       `json:"recovered"`
	RecoveredAt     *time.Time `json:"recovered_at,omitempty"`
	ReplayAttempts  int        `json:"replay_attempts"`
	LastReplayError string     `json:"last_replay_error,omitempty"`
}
