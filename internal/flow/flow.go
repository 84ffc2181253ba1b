// Package flow drives a participant through the study stages, checkpointing the
// session after every accepted event and handing the result to the submission pipeline.
package flow

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/studyflow/internal/checkpoint"
	"github.com/pavelanni/studyflow/internal/content"
	"github.com/pavelanni/studyflow/internal/model"
)

var (
	ErrNotStarted       = errors.New("flow not started")
	ErrWrongStage       = errors.New("operation not valid in current stage")
	ErrAlreadyFinalized = errors.New("session already submitted")
)

// Submitter is the submission pipeline as seen by the orchestrator.
type Submitter interface {
	Submit(ctx context.Context, sub model.Submission) (*model.SubmissionRecord, error)
}

// StartOptions seeds a new session. Empty fields are generated.
type StartOptions struct {
	UserID       string
	Condition    model.Condition
	HitID        string
	AssignmentID string
}

// Orchestrator owns one participant's session. All methods are safe for concurrent
// use; events are applied one at a time.
type Orchestrator struct {
	mu        sync.Mutex
	sess      model.FlowSession
	started   bool
	finalized *model.SubmissionRecord

	cp        *checkpoint.Store
	catalog   *content.Catalog
	submitter Submitter
	log       *slog.Logger
	now       func() time.Time
	rng       *rand.Rand
}

// New returns an orchestrator with no session. Call Resume or Start before any event.
func New(cp *checkpoint.Store, catalog *content.Catalog, submitter Submitter, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		cp:        cp,
		catalog:   catalog,
		submitter: submitter,
		log:       log.With("scope", cp.Scope()),
		now:       func() time.Time { return time.Now().UTC() },
		rng:       rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// Session returns a copy of the current session.
func (o *Orchestrator) Session() (model.FlowSession, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sess.Clone(), o.started
}

// Start replaces any current session with a fresh one at the terms stage.
func (o *Orchestrator) Start(opts StartOptions) (model.FlowSession, error) {
	if opts.Condition != "" && !opts.Condition.Valid() {
		return model.FlowSession{}, fmt.Errorf("unknown condition %q", opts.Condition)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if opts.UserID == "" {
		opts.UserID = uuid.NewString()
	}
	if opts.Condition == "" {
		conds := model.Conditions()
		opts.Condition = conds[o.rng.IntN(len(conds))]
	}
	meta := model.StudyMetadata{HitID: opts.HitID, AssignmentID: opts.AssignmentID}
	if o.catalog != nil {
		meta.CategoryIndices, meta.CategoryVariations = o.catalog.Assign(o.rng)
	}

	if o.started {
		o.log.Info("replacing session", "old_user_id", o.sess.UserID, "old_stage", o.sess.Stage)
	}
	if err := o.cp.Clear(); err != nil {
		o.log.Warn("checkpoint clear failed before restart", "error", err)
	}
	now := o.now()
	o.sess = model.FlowSession{
		UserID:    opts.UserID,
		Stage:     model.StageTerms,
		Condition: opts.Condition,
		Metadata:  meta,
		Revision:  1,
		StartedAt: now,
		UpdatedAt: now,
	}
	o.started = true
	o.finalized = nil
	o.persist()
	o.log.Info("session started", "user_id", o.sess.UserID, "condition", o.sess.Condition)
	return o.sess.Clone(), nil
}

// Resume loads the checkpointed session, if any.
func (o *Orchestrator) Resume() (bool, error) {
	sess, ok, err := o.cp.Load()
	if err != nil {
		return false, fmt.Errorf("load checkpoint: %w", err)
	}
	if !ok {
		return false, nil
	}
	if !sess.Stage.Valid() {
		o.log.Warn("checkpoint has unknown stage, ignoring", "stage", sess.Stage)
		return false, nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.sess = sess
	o.started = true
	o.finalized = nil
	o.log.Info("session resumed", "user_id", sess.UserID, "stage", sess.Stage, "revision", sess.Revision)
	return true, nil
}

// AcceptTerms moves terms -> pre-test.
func (o *Orchestrator) AcceptTerms() bool {
	return o.transition("accept_terms", model.StageTerms, nil)
}

// CompletePreTest records the pre-survey and moves pre-test -> lesson.
func (o *Orchestrator) CompletePreTest(ps model.PreSurvey) bool {
	return o.transition("complete_pre_test", model.StagePreTest, func(s *model.FlowSession) {
		s.PreSurvey = &ps
	})
}

// CompleteLesson moves lesson -> break.
func (o *Orchestrator) CompleteLesson() bool {
	return o.transition("complete_lesson", model.StageLesson, nil)
}

// CompleteBreak moves break -> post-test.
func (o *Orchestrator) CompleteBreak() bool {
	return o.transition("complete_break", model.StageBreak, nil)
}

// CompletePostTest records the post-survey and moves post-test -> final-test.
func (o *Orchestrator) CompletePostTest(ps model.PostSurvey) bool {
	return o.transition("complete_post_test", model.StagePostTest, func(s *model.FlowSession) {
		s.PostSurvey = &ps
	})
}

// CompleteFinalTest moves final-test -> completed. It does not submit; see Finalize.
func (o *Orchestrator) CompleteFinalTest() bool {
	return o.transition("complete_final_test", model.StageFinalTest, nil)
}

// RecordPracticeResponse stores a lesson answer.
func (o *Orchestrator) RecordPracticeResponse(r model.QuestionResponse) bool {
	return o.RecordResponse(model.SectionPractice, r)
}

// RecordTestResponse stores a final-test answer.
func (o *Orchestrator) RecordTestResponse(r model.QuestionResponse) bool {
	return o.RecordResponse(model.SectionTest, r)
}

// RecordResponse upserts r by (section, question index). Practice answers are accepted
// during the lesson and test answers during the final test. A response carrying the
// submission id already stored for its slot is a duplicate and is ignored.
func (o *Orchestrator) RecordResponse(section model.Section, r model.QuestionResponse) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	stage := model.StageLesson
	if section == model.SectionTest {
		stage = model.StageFinalTest
	}
	op := "record_" + string(section) + "_response"
	if !o.guard(op, stage) {
		return false
	}
	if r.QuestionIndex < 0 || r.QuestionIndex >= content.QuestionsPerSection {
		o.log.Warn("ignoring response with out-of-range index", "op", op, "question_index", r.QuestionIndex)
		return false
	}

	list := &o.sess.PracticeResponses
	if section == model.SectionTest {
		list = &o.sess.TestResponses
	}
	pos := -1
	for i := range *list {
		if (*list)[i].QuestionIndex == r.QuestionIndex {
			pos = i
			break
		}
	}
	if pos >= 0 && r.SubmissionID != "" && (*list)[pos].SubmissionID == r.SubmissionID {
		o.log.Debug("ignoring duplicate response", "op", op, "submission_id", r.SubmissionID)
		return false
	}

	r = o.prepareResponse(section, r)
	if pos >= 0 {
		(*list)[pos] = r
	} else {
		*list = append(*list, r)
		sortByIndex(*list)
	}
	o.commit()
	o.log.Info("response recorded", "section", section, "question_index", r.QuestionIndex,
		"is_correct", r.IsCorrect, "replaced", pos >= 0)
	return true
}

// prepareResponse fills question fields from the catalog and derives correctness and duration.
func (o *Orchestrator) prepareResponse(section model.Section, r model.QuestionResponse) model.QuestionResponse {
	if r.SubmissionID == "" {
		r.SubmissionID = uuid.NewString()
	}
	if o.catalog != nil {
		slot, err := o.catalog.Slot(o.sess.Metadata, section, r.QuestionIndex)
		if err != nil {
			o.log.Warn("no catalog question for response", "section", section, "question_index", r.QuestionIndex, "error", err)
		} else {
			r.CategoryID = slot.CategoryID
			r.QuestionText = slot.Text
			r.CorrectAnswer = slot.Answer
		}
	}
	r.IsCorrect = r.SkipTime == nil && model.AnswersMatch(r.UserAnswerText, r.CorrectAnswer)

	end := r.SubmitTime
	if r.SkipTime != nil {
		end = *r.SkipTime
	}
	if r.DurationSeconds <= 0 && !r.LoadTime.IsZero() && end.After(r.LoadTime) {
		r.DurationSeconds = end.Sub(r.LoadTime).Seconds()
	}
	if r.DurationSeconds < 0 {
		r.DurationSeconds = 0
	}
	if r.ChatMessages == nil {
		r.ChatMessages = []model.ChatMessage{}
	}
	return r
}

// Finalize submits a completed session. On overall success the checkpoint is cleared.
// On failure the checkpoint is kept so the participant's data survives.
func (o *Orchestrator) Finalize(ctx context.Context) (*model.SubmissionRecord, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.started {
		return nil, ErrNotStarted
	}
	if o.finalized != nil {
		return o.finalized, ErrAlreadyFinalized
	}
	if o.sess.Stage != model.StageCompleted {
		return nil, fmt.Errorf("%w: finalize in stage %s", ErrWrongStage, o.sess.Stage)
	}

	// A resumed session that was already submitted once keeps its timestamp, so the
	// payload and its fingerprint match what the sinks stored.
	if o.sess.SubmittedAt.IsZero() {
		o.sess.SubmittedAt = o.now()
		o.commit()
	}
	sub := model.NewSubmission(o.sess, o.sess.SubmittedAt)
	rec, err := o.submitter.Submit(ctx, sub)
	if err != nil {
		return rec, err
	}
	o.finalized = rec
	if err := o.cp.Clear(); err != nil {
		o.log.Warn("checkpoint clear failed after submission", "error", err)
	}
	o.log.Info("session finalized", "user_id", o.sess.UserID, "degraded", rec.Degraded())
	return rec, nil
}

// transition applies mutate and advances the stage if the session is at from.
func (o *Orchestrator) transition(op string, from model.Stage, mutate func(*model.FlowSession)) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.guard(op, from) {
		return false
	}
	if mutate != nil {
		mutate(&o.sess)
	}
	o.sess.Stage = from.Next()
	o.commit()
	o.log.Info("stage advanced", "op", op, "from", from, "to", o.sess.Stage, "revision", o.sess.Revision)
	return true
}

func (o *Orchestrator) guard(op string, want model.Stage) bool {
	if !o.started {
		o.log.Warn("ignoring flow event before start", "op", op)
		return false
	}
	if o.sess.Stage != want {
		o.log.Warn("ignoring out-of-order flow event", "op", op, "stage", o.sess.Stage, "expected", want)
		return false
	}
	return true
}

// commit bumps the revision and checkpoints. Callers hold mu.
func (o *Orchestrator) commit() {
	o.sess.Revision++
	o.sess.UpdatedAt = o.now()
	o.persist()
}

func (o *Orchestrator) persist() {
	if err := o.cp.Save(o.sess); err != nil {
		o.log.Warn("checkpoint persist failed", "revision", o.sess.Revision, "error", err)
	}
}

func sortByIndex(list []model.QuestionResponse) {
	slices.SortStableFunc(list, func(a, b model.QuestionResponse) int {
		return cmp.Compare(a.QuestionIndex, b.QuestionIndex)
	})
}
