package handlers

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/offbit/flowtrace/internal/db"
	"github.com/offbit/flowtrace/internal/query"
	"github.com/offbit/flowtrace/internal/trace"
)

/* QueryHandlers handles the trace read surface */
type QueryHandlers struct {
	query *query.Service
}

/* NewQueryHandlers creates new query handlers */
func NewQueryHandlers(q *query.Service) *QueryHandlers {
	return &QueryHandlers{query: q}
}

/* GetSession returns a session, optionally with its full trace list */
func (h *QueryHandlers) GetSession(w http.ResponseWriter, r *http.Request) {
	includeTraces := r.URL.Query().Get("include_traces") == "true"
	sess, err := h.query.GetSession(r.Context(), mux.Vars(r)["session_id"], includeTraces)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteSuccess(w, sess, http.StatusOK)
}

/* ListSessions lists session metadata newest first */
func (h *QueryHandlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	dateFrom, err := parseTimeParam(r, "date_from")
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	dateTo, err := parseTimeParam(r, "date_to")
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	page, err := parseIntParam(r, "page", 0)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	limit, err := parseIntParam(r, "limit", 0)
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	result, err := h.query.ListSessions(r.Context(), query.ListSessionsParams{
		WorkflowID: r.URL.Query().Get("workflow_id"),
		Status:     r.URL.Query().Get("status"),
		DateFrom:   dateFrom,
		DateTo:     dateTo,
		Page:       page,
		Limit:      limit,
	})
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteSuccess(w, result, http.StatusOK)
}

/* GetFlowTraces searches traces across sessions with stats over the
   filtered set */
func (h *QueryHandlers) GetFlowTraces(w http.ResponseWriter, r *http.Request) {
	params, err := flowTraceParams(r)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	result, err := h.query.GetFlowTraces(r.Context(), params)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteSuccess(w, result, http.StatusOK)
}

/* GetFlowTrace returns one trace by id */
func (h *QueryHandlers) GetFlowTrace(w http.ResponseWriter, r *http.Request) {
	t, err := h.query.GetFlowTrace(r.Context(), mux.Vars(r)["trace_id"])
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteSuccess(w, t, http.StatusOK)
}

/* SearchTraces is free-text trace search, capped at 100 results */
func (h *QueryHandlers) SearchTraces(w http.ResponseWriter, r *http.Request) {
	params, err := flowTraceParams(r)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	traces, err := h.query.SearchTraces(r.Context(), r.URL.Query().Get("q"), params)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteSuccess(w, map[string]interface{}{
		"traces": traces,
		"count":  len(traces),
	}, http.StatusOK)
}

/* ListSessionEvents returns a session's node events in timestamp order */
func (h *QueryHandlers) ListSessionEvents(w http.ResponseWriter, r *http.Request) {
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
	limit, err := parseIntParam(r, "limit", 0)
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	filter := db.EventFilter{
		NodeID: r.URL.Query().Get("node_id"),
		From:   from,
		To:     to,
		Limit:  limit,
	}
	for _, t := range splitParam(r.URL.Query().Get("event_type")) {
		filter.Types = append(filter.Types, trace.EventType(t))
	}

	events, err := h.query.ListSessionEvents(r.Context(), mux.Vars(r)["session_id"], filter)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteSuccess(w, map[string]interface{}{
		"events": events,
		"count":  len(events),
	}, http.StatusOK)
}

func flowTraceParams(r *http.Request) (query.FlowTracesParams, error) {
	dateFrom, err := parseTimeParam(r, "date_from")
	if err != nil {
		return query.FlowTracesParams{}, err
	}
	dateTo, err := parseTimeParam(r, "date_to")
	if err != nil {
		return query.FlowTracesParams{}, err
	}
	minDuration, err := parseInt64Param(r, "min_duration")
	if err != nil {
		return query.FlowTracesParams{}, err
	}
	maxDuration, err := parseInt64Param(r, "max_duration")
	if err != nil {
		return query.FlowTracesParams{}, err
	}
	page, err := parseIntParam(r, "page", 0)
	if err != nil {
		return query.FlowTracesParams{}, err
	}
	limit, err := parseIntParam(r, "limit", 0)
	if err != nil {
		return query.FlowTracesParams{}, err
	}

	q := r.URL.Query()
	return query.FlowTracesParams{
		WorkflowID:  q.Get("workflow_id"),
		ExecutionID: q.Get("execution_id"),
		SessionID:   q.Get("session_id"),
		Statuses:    splitParam(q.Get("status")),
		NodeID:      q.Get("node_id"),
		Search:      q.Get("search"),
		DateFrom:    dateFrom,
		DateTo:      dateTo,
		MinDuration: minDuration,
		MaxDuration: maxDuration,
		Page:        page,
		Limit:       limit,
		SortBy:      q.Get("sort_by"),
		SortOrder:   q.Get("sort_order"),
	}, nil
}

func splitParam(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
