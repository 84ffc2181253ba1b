package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/studyflow/internal/model"
	"github.com/pavelanni/studyflow/internal/sink/secondary"
	"github.com/pavelanni/studyflow/internal/store"
	"github.com/pavelanni/studyflow/internal/validate"
)

// Ingest is the secondary sink service: it accepts exactly the validated submission shape.
type Ingest struct {
	store     *store.Store
	validator *validate.Validator
	token     string
	studyID   string
	log       *slog.Logger
}

// NewIngest returns the ingest handler. An empty token disables bearer authentication.
func NewIngest(s *store.Store, v *validate.Validator, token, studyID string, log *slog.Logger) *Ingest {
	if log == nil {
		log = slog.Default()
	}
	return &Ingest{store: s, validator: v, token: token, studyID: studyID, log: log}
}

// Routes registers the ingest routes.
func (i *Ingest) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(requireBearer(i.token, i.log))
		r.Post(secondary.IngestPath, i.handleIngest)
		r.Get(secondary.IngestPath+"/{userID}", i.handleGetSubmission)
		r.Get("/ingest/export", i.handleExport)
	})
}

func (i *Ingest) handleIngest(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, secondary.IngestResponse{Error: err.Error()})
		return
	}

	warnings, err := i.validator.ValidateJSON(raw)
	var verr *validate.ValidationError
	if errors.As(err, &verr) {
		i.log.Warn("ingest rejected submission", "violations", len(verr.Violations))
		writeJSON(w, http.StatusUnprocessableEntity, secondary.IngestResponse{
			Error:   "submission failed validation",
			Details: verr.Messages(),
		})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, secondary.IngestResponse{Error: err.Error()})
		return
	}

	var sub model.Submission
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sub); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, secondary.IngestResponse{Error: err.Error()})
		return
	}

	id, err := i.store.UpsertSubmission(sub)
	if err != nil {
		i.log.Error("failed to store submission", "user_id", sub.UserID, "error", err)
		writeJSON(w, http.StatusInternalServerError, secondary.IngestResponse{Error: "storage error"})
		return
	}
	writeJSON(w, http.StatusOK, secondary.IngestResponse{Success: true, ID: id, Details: warnings})
}

func (i *Ingest) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	stored, err := i.store.GetSubmissionByUser(chi.URLParam(r, "userID"))
	if err != nil {
		i.log.Error("failed to load submission", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if stored == nil {
		writeError(w, http.StatusNotFound, "submission not found")
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (i *Ingest) handleExport(w http.ResponseWriter, r *http.Request) {
	exp, err := i.store.ExportSubmissions(i.studyID)
	if err != nil {
		i.log.Error("failed to export submissions", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, exp)
}
