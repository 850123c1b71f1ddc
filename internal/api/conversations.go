package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/callsight/internal/conversation"
	"github.com/MikeSquared-Agency/callsight/internal/orchestrator"
)

const maxRequestBytes = 1 << 20

type submitResponse struct {
	ID     uuid.UUID           `json:"id"`
	Status conversation.Status `json:"status"`
}

type statusResponse struct {
	ID          uuid.UUID                `json:"id"`
	Status      conversation.Status      `json:"status"`
	Stage       conversation.Stage       `json:"stage"`
	FailureKind conversation.FailureKind `json:"failure_kind,omitempty"`
	Running     bool                     `json:"running"`
	Sentiment   *float64                 `json:"sentiment,omitempty"`
	Duration    int64                    `json:"duration_ms"`
	Events      []conversation.Event     `json:"events"`
}

// submit handles POST /api/v1/conversations.
func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var req conversation.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	id, err := s.pipeline.Submit(r.Context(), req)
	if err != nil {
		if conversation.KindOf(err) == conversation.KindInput {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("submit failed", "audio_ref", req.AudioRef, "error", err)
		writeError(w, http.StatusInternalServerError, "submit failed")
		return
	}

	w.Header().Set("Location", "/api/v1/conversations/"+id.String())
	writeJSON(w, http.StatusAccepted, submitResponse{ID: id, Status: conversation.StatusPending})
}

// status handles GET /api/v1/conversations/{id}.
func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	rep, err := s.pipeline.Status(r.Context(), id)
	if errors.Is(err, conversation.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		s.logger.Error("status lookup failed", "conversation_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "status lookup failed")
		return
	}

	c := rep.Conversation
	evs := rep.Events
	if evs == nil {
		evs = []conversation.Event{}
	}
	writeJSON(w, http.StatusOK, statusResponse{
		ID:          c.ID,
		Status:      c.Status,
		Stage:       c.Stage,
		FailureKind: c.FailureKind,
		Running:     rep.Running,
		Sentiment:   c.Sentiment,
		Duration:    c.Duration.Milliseconds(),
		Events:      evs,
	})
}

// cancel handles POST /api/v1/conversations/{id}/cancel.
func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	err := s.pipeline.Cancel(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "cancel_requested": true})
	case errors.Is(err, conversation.ErrNotFound):
		writeError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, orchestrator.ErrFinished), errors.Is(err, orchestrator.ErrRunningElsewhere):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("cancel failed", "conversation_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "cancel failed")
	}
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return uuid.Nil, false
	}
	return id, true
}
