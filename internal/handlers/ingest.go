package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/offbit/flowtrace/internal/db"
	"github.com/offbit/flowtrace/internal/recorder"
	"github.com/offbit/flowtrace/internal/trace"
)

/* IngestHandlers handles the trace write surface */
type IngestHandlers struct {
	recorder *recorder.Recorder
}

/* NewIngestHandlers creates new ingest handlers */
func NewIngestHandlers(rec *recorder.Recorder) *IngestHandlers {
	return &IngestHandlers{recorder: rec}
}

/* CreateSession starts a new trace session */
func (h *IngestHandlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	var sess trace.Session
	if err := json.NewDecoder(r.Body).Decode(&sess); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err), nil)
		return
	}

	created, err := h.recorder.CreateSession(r.Context(), &sess)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteSuccess(w, created, http.StatusCreated)
}

/* AddTrace appends one flow trace to a session */
func (h *IngestHandlers) AddTrace(w http.ResponseWriter, r *http.Request) {
	var t trace.FlowTrace
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err), nil)
		return
	}
	t.SessionID = mux.Vars(r)["session_id"]

	if err := h.recorder.AddTrace(r.Context(), t); err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteSuccess(w, map[string]string{"status": "accepted"}, http.StatusAccepted)
}

/* AddEvent appends one node event to a session */
func (h *IngestHandlers) AddEvent(w http.ResponseWriter, r *http.Request) {
	var e trace.Event
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err), nil)
		return
	}
	e.SessionID = mux.Vars(r)["session_id"]

	if err := h.recorder.AddEvent(r.Context(), e); err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteSuccess(w, map[string]string{"status": "accepted"}, http.StatusAccepted)
}

/* AddEventsBatch appends a batch of node events in one call */
func (h *IngestHandlers) AddEventsBatch(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Events []trace.Event `json:"events"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err), nil)
		return
	}
	sessionID := mux.Vars(r)["session_id"]
	for i := range payload.Events {
		payload.Events[i].SessionID = sessionID
	}

	if err := h.recorder.AddEvents(r.Context(), payload.Events); err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteSuccess(w, map[string]interface{}{
		"status":   "accepted",
		"accepted": len(payload.Events),
	}, http.StatusAccepted)
}

/* UpdateSession applies a partial update to a running session */
func (h *IngestHandlers) UpdateSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Status   *string                `json:"status"`
		Metadata map[string]interface{} `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err), nil)
		return
	}

	update := db.SessionUpdate{Metadata: payload.Metadata}
	if payload.Status != nil {
		status := trace.SessionStatus(*payload.Status)
		if !status.Valid() {
			WriteError(w, http.StatusBadRequest,
				&trace.InvalidQueryError{Field: "status", Reason: "unknown session status"}, nil)
			return
		}
		update.Status = &status
	}

	if err := h.recorder.UpdateSession(r.Context(), mux.Vars(r)["session_id"], update); err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteSuccess(w, map[string]string{"status": "updated"}, http.StatusOK)
}

/* CompleteSession performs the terminal transition for a session */
func (h *IngestHandlers) CompleteSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Status string              `json:"status"`
		Error  *trace.SessionError `json:"error,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err), nil)
		return
	}
	if payload.Status == "" {
		payload.Status = string(trace.SessionCompleted)
	}

	sess, err := h.recorder.CompleteSession(r.Context(),
		mux.Vars(r)["session_id"], trace.SessionStatus(payload.Status), payload.Error)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteSuccess(w, sess, http.StatusOK)
}
