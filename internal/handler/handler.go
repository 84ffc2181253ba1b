package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/studyflow/internal/content"
	"github.com/pavelanni/studyflow/internal/flow"
	"github.com/pavelanni/studyflow/internal/llm"
	"github.com/pavelanni/studyflow/internal/llm/prompts"
	"github.com/pavelanni/studyflow/internal/model"
	"github.com/pavelanni/studyflow/internal/pipeline"
	"github.com/pavelanni/studyflow/internal/recovery"
	"github.com/pavelanni/studyflow/internal/validate"
)

const maxBodyBytes = 1 << 20

// Generator produces tutor replies.
type Generator interface {
	Generate(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResult, error)
}

// Options holds the services behind the participant and operator routes.
// Tutor, Prompts, Recovery and Gate may be nil; their routes then answer 503.
type Options struct {
	Flows    *flow.Manager
	Catalog  *content.Catalog
	Tutor    Generator
	Prompts  *prompts.Registry
	Recovery *recovery.Tool
	Gate     *recovery.Gate
	Log      *slog.Logger
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	flows    *flow.Manager
	catalog  *content.Catalog
	tutor    Generator
	prompts  *prompts.Registry
	recovery *recovery.Tool
	gate     *recovery.Gate
	log      *slog.Logger
}

// New creates a new Handler.
func New(opts Options) (*Handler, error) {
	if opts.Flows == nil || opts.Catalog == nil {
		return nil, errors.New("handler needs a flow manager and a catalog")
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Handler{
		flows:    opts.Flows,
		catalog:  opts.Catalog,
		tutor:    opts.Tutor,
		prompts:  opts.Prompts,
		recovery: opts.Recovery,
		gate:     opts.Gate,
		log:      opts.Log,
	}, nil
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/flow/{scope}", func(r chi.Router) {
		r.Get("/", h.handleGetSession)
		r.Post("/start", h.handleStart)
		r.Post("/terms", h.handleAcceptTerms)
		r.Post("/pre-test", h.handleCompletePreTest)
		r.Post("/lesson", h.handleCompleteLesson)
		r.Post("/break", h.handleCompleteBreak)
		r.Post("/post-test", h.handleCompletePostTest)
		r.Post("/final-test", h.handleCompleteFinalTest)
		r.Post("/responses/{section}", h.handleRecordResponse)
		r.Get("/questions/{section}/{index}", h.handleQuestion)
		r.Post("/chat", h.handleChat)
		r.Post("/finalize", h.handleFinalize)
	})

	r.Route("/admin/recovery", func(r chi.Router) {
		r.Use(h.requireRecoverySecret)
		r.Get("/", h.handleRecoveryScan)
		r.Post("/recover-all", h.handleRecoverAll)
		r.Delete("/entries", h.handleClearAll)
		r.Post("/entries/{id}/recover", h.handleRecoverOne)
		r.Delete("/entries/{id}", h.handleClear)
	})
}

type startRequest struct {
	UserID       string          `json:"user_id"`
	Condition    model.Condition `json:"condition"`
	HitID        string          `json:"hit_id"`
	AssignmentID string          `json:"assignment_id"`
}

// conflictResponse reports an event the flow ignored.
type conflictResponse struct {
	Error string      `json:"error"`
	Stage model.Stage `json:"stage"`
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	// An empty body starts a session with generated identity and condition.
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	o, ok := h.orchestrator(w, r)
	if !ok {
		return
	}
	sess, err := o.Start(flow.StartOptions{
		UserID:       req.UserID,
		Condition:    req.Condition,
		HitID:        req.HitID,
		AssignmentID: req.AssignmentID,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	o, ok := h.orchestrator(w, r)
	if !ok {
		return
	}
	sess, started := o.Session()
	if !started {
		writeError(w, http.StatusNotFound, "no session for this scope")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleAcceptTerms(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, (*flow.Orchestrator).AcceptTerms)
}

func (h *Handler) handleCompletePreTest(w http.ResponseWriter, r *http.Request) {
	var ps model.PreSurvey
	if err := decodeJSON(w, r, &ps); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// The flow never goes back, so a survey that would fail submission is refused here.
	if err := ps.Check(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.apply(w, r, func(o *flow.Orchestrator) bool { return o.CompletePreTest(ps) })
}

func (h *Handler) handleCompleteLesson(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, (*flow.Orchestrator).CompleteLesson)
}

func (h *Handler) handleCompleteBreak(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, (*flow.Orchestrator).CompleteBreak)
}

func (h *Handler) handleCompletePostTest(w http.ResponseWriter, r *http.Request) {
	var ps model.PostSurvey
	if err := decodeJSON(w, r, &ps); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := ps.Check(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.apply(w, r, func(o *flow.Orchestrator) bool { return o.CompletePostTest(ps) })
}

func (h *Handler) handleCompleteFinalTest(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, (*flow.Orchestrator).CompleteFinalTest)
}

func (h *Handler) handleRecordResponse(w http.ResponseWriter, r *http.Request) {
	section, ok := parseSection(chi.URLParam(r, "section"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown section")
		return
	}
	var resp model.QuestionResponse
	if err := decodeJSON(w, r, &resp); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.apply(w, r, func(o *flow.Orchestrator) bool { return o.RecordResponse(section, resp) })
}

func (h *Handler) handleQuestion(w http.ResponseWriter, r *http.Request) {
	section, ok := parseSection(chi.URLParam(r, "section"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown section")
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid question index")
		return
	}
	o, ok := h.orchestrator(w, r)
	if !ok {
		return
	}
	sess, started := o.Session()
	if !started {
		writeError(w, http.StatusNotFound, "no session for this scope")
		return
	}
	slot, err := h.catalog.Slot(sess.Metadata, section, index)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, slot)
}

func (h *Handler) handleFinalize(w http.ResponseWriter, r *http.Request) {
	o, ok := h.orchestrator(w, r)
	if !ok {
		return
	}
	rec, err := o.Finalize(r.Context())

	var verr *validate.ValidationError
	var allFailed *pipeline.AllSinksFailedError
	switch {
	case err == nil, errors.Is(err, flow.ErrAlreadyFinalized):
		writeJSON(w, http.StatusOK, rec)
	case errors.Is(err, flow.ErrNotStarted):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, flow.ErrWrongStage):
		sess, _ := o.Session()
		writeJSON(w, http.StatusConflict, conflictResponse{Error: err.Error(), Stage: sess.Stage})
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":      "submission failed validation",
			"violations": verr.Messages(),
			"warnings":   verr.Warnings,
		})
	case errors.As(err, &allFailed):
		// The session stays checkpointed and an emergency entry exists when Key is set.
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":         err.Error(),
			"emergency_key": allFailed.Key,
			"record":        allFailed.Record,
		})
	default:
		h.log.Error("finalize failed", "scope", chi.URLParam(r, "scope"), "error", err)
		writeError(w, http.StatusInternalServerError, "finalize failed")
	}
}

// apply runs a flow event and answers with the session, or 409 when the event was ignored.
// The orchestrator checkpoints before returning, so the response never runs ahead of it.
func (h *Handler) apply(w http.ResponseWriter, r *http.Request, event func(*flow.Orchestrator) bool) {
	o, ok := h.orchestrator(w, r)
	if !ok {
		return
	}
	if !event(o) {
		sess, started := o.Session()
		if !started {
			writeError(w, http.StatusNotFound, "no session for this scope")
			return
		}
		writeJSON(w, http.StatusConflict, conflictResponse{Error: "event not valid in current stage", Stage: sess.Stage})
		return
	}
	sess, _ := o.Session()
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) orchestrator(w http.ResponseWriter, r *http.Request) (*flow.Orchestrator, bool) {
	o, err := h.flows.Get(chi.URLParam(r, "scope"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return o, true
}

func parseSection(s string) (model.Section, bool) {
	switch model.Section(s) {
	case model.SectionPractice, model.SectionTest:
		return model.Section(s), true
	}
	return "", false
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
