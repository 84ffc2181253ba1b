package handler

import (
	"net/http"
	"time"

	"github.com/pavelanni/studyflow/internal/llm"
	"github.com/pavelanni/studyflow/internal/llm/prompts"
	"github.com/pavelanni/studyflow/internal/model"
)

type chatRequest struct {
	AgentID       string              `json:"agent_id"`
	QuestionIndex int                 `json:"question_index"`
	Messages      []model.ChatMessage `json:"messages"`
	Scratchboard  string              `json:"scratchboard"`
}

type chatResponse struct {
	Message      model.ChatMessage `json:"message"`
	Model        string            `json:"model"`
	FallbackUsed bool              `json:"fallback_used"`
}

// handleChat answers a lesson chat turn with the agent assigned to the participant's condition.
// The transcript stays with the client and comes back inside the recorded response.
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	if h.tutor == nil || h.prompts == nil {
		writeError(w, http.StatusServiceUnavailable, "tutor not configured")
		return
	}
	var req chatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
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
	if sess.Stage != model.StageLesson {
		writeJSON(w, http.StatusConflict, conflictResponse{Error: "chat is only available during the lesson", Stage: sess.Stage})
		return
	}

	agents := h.prompts.Agents(sess.Condition)
	if len(agents) == 0 {
		writeError(w, http.StatusForbidden, "no chat agent in this condition")
		return
	}
	if req.AgentID == "" {
		req.AgentID = agents[0].ID
	}
	if !h.prompts.Allowed(sess.Condition, req.AgentID) {
		writeError(w, http.StatusForbidden, "agent not available in this condition")
		return
	}

	slot, err := h.catalog.Slot(sess.Metadata, model.SectionPractice, req.QuestionIndex)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	systemPrompt, err := h.prompts.Build(req.AgentID, prompts.Data{
		CategoryName: slot.CategoryName,
		QuestionText: slot.Text,
		Scratchboard: req.Scratchboard,
	})
	if err != nil {
		h.log.Error("build tutor prompt", "agent_id", req.AgentID, "error", err)
		writeError(w, http.StatusInternalServerError, "prompt error")
		return
	}

	res, err := h.tutor.Generate(r.Context(), llm.GenerateRequest{Messages: req.Messages, SystemPrompt: systemPrompt})
	if err != nil {
		h.log.Error("tutor generation failed", "user_id", sess.UserID, "agent_id", req.AgentID, "error", err)
		writeError(w, http.StatusBadGateway, "tutor unavailable")
		return
	}

	nextID := 1
	for _, m := range req.Messages {
		if m.ID >= nextID {
			nextID = m.ID + 1
		}
	}
	writeJSON(w, http.StatusOK, chatResponse{
		Message: model.ChatMessage{
			ID:        nextID,
			Sender:    model.SenderAI,
			AgentID:   req.AgentID,
			Text:      res.Text,
			Timestamp: time.Now().UTC(),
		},
		Model:        res.Model,
		FallbackUsed: res.FallbackUsed,
	})
}
