package query

import (
	"context"
	"time"

	"github.com/offbit/flowtrace/internal/db"
	"github.com/offbit/flowtrace/internal/trace"
)

// maxSearchResults caps SearchTraces regardless of the requested limit.
const maxSearchResults = 100

// Service is the read surface over the trace store. All filters are
// validated before any storage access; validation failures surface as
// InvalidQueryError and storage failures as StorageReadError.
type Service struct {
	store *db.Store
}

// New creates a query service.
func New(store *db.Store) *Service {
	return &Service{store: store}
}

// GetSession returns a session by id, with its full trace list when
// includeTraces is set. A missing cached summary is rebuilt from raw rows.
func (s *Service) GetSession(ctx context.Context, id string, includeTraces bool) (*trace.Session, error) {
	if id == "" {
		return nil, &trace.InvalidQueryError{Field: "session_id", Reason: "must not be empty"}
	}
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, trace.NewStorageRead("get session", err)
	}
	if sess == nil {
		return nil, trace.ErrSessionNotFound
	}

	if sess.Summary == nil {
		summary, err := s.store.RecomputeSummary(ctx, id)
		if err != nil {
			return nil, trace.NewStorageRead("recompute summary", err)
		}
		sess.Summary = summary
	}

	if includeTraces {
		traces, err := s.store.ListSessionTraces(ctx, id)
		if err != nil {
			return nil, trace.NewStorageRead("list session traces", err)
		}
		sess.Traces = traces
	}
	return sess, nil
}

// SessionPage is one page of session metadata.
type SessionPage struct {
	Sessions []trace.Session `json:"sessions"`
	Total    int             `json:"total"`
	Page     int             `json:"page"`
	Limit    int             `json:"limit"`
}

// ListSessionsParams filters ListSessions. Page is 1-based.
type ListSessionsParams struct {
	WorkflowID string
	Status     string
	DateFrom   *time.Time
	DateTo     *time.Time
	Page       int
	Limit      int
}

// ListSessions returns session metadata newest first. Trace bodies are never
// included regardless of page size.
func (s *Service) ListSessions(ctx context.Context, params ListSessionsParams) (*SessionPage, error) {
	if err := validateRange(params.DateFrom, params.DateTo); err != nil {
		return nil, err
	}
	if params.Status != "" && !trace.SessionStatus(params.Status).Valid() {
		return nil, &trace.InvalidQueryError{Field: "status", Reason: "unknown session status"}
	}
	page, limit, err := normalizePage(params.Page, params.Limit)
	if err != nil {
		return nil, err
	}

	sessions, total, err := s.store.ListSessions(ctx, db.SessionFilter{
		WorkflowID: params.WorkflowID,
		Status:     trace.SessionStatus(params.Status),
		DateFrom:   params.DateFrom,
		DateTo:     params.DateTo,
		Limit:      limit,
		Offset:     (page - 1) * limit,
	})
	if err != nil {
		return nil, trace.NewStorageRead("list sessions", err)
	}
	return &SessionPage{Sessions: sessions, Total: total, Page: page, Limit: limit}, nil
}

// TracePage is one page of traces plus stats over the whole filtered set.
type TracePage struct {
	Traces []trace.FlowTrace `json:"traces"`
	Stats  db.TraceStats     `json:"stats"`
	Page   int               `json:"page"`
	Limit  int               `json:"limit"`
}

// FlowTracesParams filters GetFlowTraces.
type FlowTracesParams struct {
	WorkflowID  string
	ExecutionID string
	SessionID   string
	Statuses    []string
	NodeID      string
	Search      string
	DateFrom    *time.Time
	DateTo      *time.Time
	MinDuration *int64
	MaxDuration *int64
	Page        int
	Limit       int
	SortBy      string
	SortOrder   string
}

// GetFlowTraces returns traces matching the filters with pagination. The
// stats block always reflects the full filtered set, not just the returned
// page.
func (s *Service) GetFlowTraces(ctx context.Context, params FlowTracesParams) (*TracePage, error) {
	filter, page, limit, err := s.buildFilter(params)
	if err != nil {
		return nil, err
	}
	traces, stats, err := s.store.QueryTraces(ctx, filter)
	if err != nil {
		return nil, trace.NewStorageRead("query traces", err)
	}
	return &TracePage{Traces: traces, Stats: stats, Page: page, Limit: limit}, nil
}

// GetFlowTrace returns one trace by id.
func (s *Service) GetFlowTrace(ctx context.Context, id string) (*trace.FlowTrace, error) {
	if id == "" {
		return nil, &trace.InvalidQueryError{Field: "trace_id", Reason: "must not be empty"}
	}
	t, err := s.store.GetTrace(ctx, id)
	if err != nil {
		return nil, trace.NewStorageRead("get trace", err)
	}
	if t == nil {
		return nil, trace.ErrTraceNotFound
	}
	return t, nil
}

// SearchTraces is free-text search over node names, graph names and error
// messages. Results are hard-capped at 100 regardless of the requested
// limit.
func (s *Service) SearchTraces(ctx context.Context, text string, params FlowTracesParams) ([]trace.FlowTrace, error) {
	if text == "" {
		return nil, &trace.InvalidQueryError{Field: "q", Reason: "search text must not be empty"}
	}
	filter, _, limit, err := s.buildFilter(params)
	if err != nil {
		return nil, err
	}
	filter.Search = text
	if limit > maxSearchResults {
		limit = maxSearchResults
	}
	filter.Limit = limit
	filter.Page = 1

	traces, _, err := s.store.QueryTraces(ctx, filter)
	if err != nil {
		return nil, trace.NewStorageRead("search traces", err)
	}
	return traces, nil
}

// ListSessionEvents returns a session's node events in timestamp order.
func (s *Service) ListSessionEvents(ctx context.Context, sessionID string, filter db.EventFilter) ([]trace.Event, error) {
	if sessionID == "" {
		return nil, &trace.InvalidQueryError{Field: "session_id", Reason: "must not be empty"}
	}
	for _, t := range filter.Types {
		if !t.Valid() {
			return nil, &trace.InvalidQueryError{Field: "event_type", Reason: "unknown event type"}
		}
	}
	events, err := s.store.ListSessionEvents(ctx, sessionID, filter)
	if err != nil {
		return nil, trace.NewStorageRead("list session events", err)
	}
	return events, nil
}

func (s *Service) buildFilter(params FlowTracesParams) (db.TraceFilter, int, int, error) {
	if err := validateRange(params.DateFrom, params.DateTo); err != nil {
		return db.TraceFilter{}, 0, 0, err
	}
	var statuses []trace.TraceStatus
	for _, st := range params.Statuses {
		ts := trace.TraceStatus(st)
		if !ts.Valid() {
			return db.TraceFilter{}, 0, 0, &trace.InvalidQueryError{Field: "status", Reason: "unknown trace status"}
		}
		statuses = append(statuses, ts)
	}
	if params.MinDuration != nil && *params.MinDuration < 0 {
		return db.TraceFilter{}, 0, 0, &trace.InvalidQueryError{Field: "min_duration", Reason: "must not be negative"}
	}
	if params.MinDuration != nil && params.MaxDuration != nil && *params.MinDuration > *params.MaxDuration {
		return db.TraceFilter{}, 0, 0, &trace.InvalidQueryError{Field: "min_duration", Reason: "must not exceed max_duration"}
	}
	page, limit, err := normalizePage(params.Page, params.Limit)
	if err != nil {
		return db.TraceFilter{}, 0, 0, err
	}

	return db.TraceFilter{
		WorkflowID:  params.WorkflowID,
		ExecutionID: params.ExecutionID,
		SessionID:   params.SessionID,
		Statuses:    statuses,
		NodeID:      params.NodeID,
		Search:      params.Search,
		DateFrom:    params.DateFrom,
		DateTo:      params.DateTo,
		MinDuration: params.MinDuration,
		MaxDuration: params.MaxDuration,
		Page:        page,
		Limit:       limit,
		SortBy:      params.SortBy,
		SortOrder:   params.SortOrder,
	}, page, limit, nil
}

func validateRange(from, to *time.Time) error {
	if from != nil && to != nil && from.After(*to) {
		return &trace.InvalidQueryError{Field: "date_from", Reason: "must not be after date_to"}
	}
	return nil
}

func normalizePage(page, limit int) (int, int, error) {
	if page < 0 {
		return 0, 0, &trace.InvalidQueryError{Field: "page", Reason: "must be positive"}
	}
	if limit < 0 {
		return 0, 0, &trace.InvalidQueryError{Field: "limit", Reason: "must be positive"}
	}
	if page == 0 {
		page = 1
	}
	if limit == 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	return page, limit, nil
}
