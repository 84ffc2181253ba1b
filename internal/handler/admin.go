package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/studyflow/internal/emergency"
)

func (h *Handler) handleRecoveryScan(w http.ResponseWriter, r *http.Request) {
	sum, err := h.recovery.Scan()
	if err != nil {
		h.log.Error("failed to scan emergency entries", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *Handler) handleRecoverOne(w http.ResponseWriter, r *http.Request) {
	key := emergency.Prefix + chi.URLParam(r, "id")
	res, err := h.recovery.RecoverOne(r.Context(), key)
	if errors.Is(err, emergency.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		h.log.Error("failed to recover emergency entry", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleRecoverAll(w http.ResponseWriter, r *http.Request) {
	sum, err := h.recovery.RecoverAll(r.Context())
	if err != nil {
		h.log.Error("recover all finished with errors", "error", err)
	}
	if sum == nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *Handler) handleClear(w http.ResponseWriter, r *http.Request) {
	key := emergency.Prefix + chi.URLParam(r, "id")
	sum, err := h.recovery.Clear(key)
	if errors.Is(err, emergency.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		h.log.Error("failed to clear emergency entry", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *Handler) handleClearAll(w http.ResponseWriter, r *http.Request) {
	sum, err := h.recovery.ClearAll()
	if err != nil {
		h.log.Error("failed to clear emergency entries", "deleted", sum.Deleted, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
