package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/offbit/flowtrace/internal/replay"
	"github.com/offbit/flowtrace/internal/trace"
)

/* ReplayHandlers handles state reconstruction and replay jobs */
type ReplayHandlers struct {
	engine *replay.Engine
}

/* NewReplayHandlers creates new replay handlers */
func NewReplayHandlers(engine *replay.Engine) *ReplayHandlers {
	return &ReplayHandlers{engine: engine}
}

/* GetWorkflowState reconstructs per-port state at a point in time */
func (h *ReplayHandlers) GetWorkflowState(w http.ResponseWriter, r *http.Request) {
	at, err := parseTimeParam(r, "at")
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	if at == nil {
		now := time.Now().UTC()
		at = &now
	}

	states, err := h.engine.GetWorkflowStateAt(r.Context(), mux.Vars(r)["workflow_id"], *at)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteSuccess(w, map[string]interface{}{
		"workflow_id": mux.Vars(r)["workflow_id"],
		"at":          at.Format(time.RFC3339Nano),
		"ports":       states,
	}, http.StatusOK)
}

/* ReplayTraces returns a session's traces inside a time window */
func (h *ReplayHandlers) ReplayTraces(w http.ResponseWriter, r *http.Request) {
	from, err := parseTimeParam(r, "from")
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	to, err := parseTimeParam(r, "to")
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	if from == nil {
		t := time.Unix(0, 0).UTC()
		from = &t
	}
	if to == nil {
		t := time.Now().UTC()
		to = &t
	}

	traces, err := h.engine.ReplayTraces(r.Context(), mux.Vars(r)["session_id"], *from, *to)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteSuccess(w, map[string]interface{}{
		"traces": traces,
		"count":  len(traces),
	}, http.StatusOK)
}

/* GetExecutionTimeline returns a bucketed activity view of a session */
func (h *ReplayHandlers) GetExecutionTimeline(w http.ResponseWriter, r *http.Request) {
	interval := time.Second
	if raw := r.URL.Query().Get("interval"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			WriteDomainError(w, &trace.InvalidQueryError{Field: "interval", Reason: "must be a positive duration"})
			return
		}
		interval = parsed
	}

	timeline, err := h.engine.GetExecutionTimeline(r.Context(), mux.Vars(r)["session_id"], interval)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteSuccess(w, timeline, http.StatusOK)
}

/* ReplaySession queues an async replay job and returns its handle */
func (h *ReplayHandlers) ReplaySession(w http.ResponseWriter, r *http.Request) {
	var opts replay.Options
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
			WriteError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err), nil)
			return
		}
	}

	job, err := h.engine.ReplaySession(r.Context(), mux.Vars(r)["session_id"], opts)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteSuccess(w, job, http.StatusAccepted)
}

/* GetReplayJob returns a replay job handle by id */
func (h *ReplayHandlers) GetReplayJob(w http.ResponseWriter, r *http.Request) {
	job := h.engine.GetJob(mux.Vars(r)["job_id"])
	if job == nil {
		WriteError(w, http.StatusNotFound, fmt.Errorf("replay job not found"), nil)
		return
	}
	WriteSuccess(w, job, http.StatusOK)
}

/* CancelReplayJob stops a queued or running replay job */
func (h *ReplayHandlers) CancelReplayJob(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.CancelJob(mux.Vars(r)["job_id"]); err != nil {
		WriteError(w, http.StatusConflict, err, nil)
		return
	}
	WriteSuccess(w, map[string]string{"status": "cancelled"}, http.StatusOK)
}
