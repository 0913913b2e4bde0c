package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/offbit/flowtrace/internal/trace"
)

const traceColumns = `id, session_id, workflow_id, timestamp, duration_ms, status,
	source, target, data, data_size, error, graph_id, graph_name, parent_trace_id, depth`

// InsertTraces appends a batch of flow traces in a single transaction.
// Traces are immutable once written; there is no update path.
func (s *Store) InsertTraces(ctx context.Context, traces []trace.FlowTrace) error {
	if len(traces) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO flow_traces (id, session_id, workflow_id, timestamp, duration_ms, status,
			source, target, data, data_size, error, graph_id, graph_name, parent_trace_id, depth)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range traces {
		t := &traces[i]
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		if t.Timestamp.IsZero() {
			t.Timestamp = time.Now().UTC()
		}
		var errJSON []byte
		if t.Error != nil {
			errJSON = marshalJSON(t.Error)
		}
		if _, err := stmt.ExecContext(ctx,
			t.ID, t.SessionID, t.WorkflowID, t.Timestamp, t.Duration, string(t.Status),
			marshalJSON(t.Source), marshalJSON(t.Target), marshalJSON(t.Data), t.Data.Size,
			errJSON, nullIfEmpty(t.GraphID), nullIfEmpty(t.GraphName), t.ParentTraceID, t.Depth,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetTrace fetches a single trace by id. Returns (nil, nil) when absent.
func (s *Store) GetTrace(ctx context.Context, id string) (*trace.FlowTrace, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+traceColumns+` FROM flow_traces WHERE id = $1`, id)
	t, err := scanTrace(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// ListSessionTraces returns all traces for a session ordered by timestamp
// ascending, regardless of insertion order.
func (s *Store) ListSessionTraces(ctx context.Context, sessionID string) ([]trace.FlowTrace, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+traceColumns+` FROM flow_traces WHERE session_id = $1 ORDER BY timestamp ASC, id ASC`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTraces(rows)
}

// ListTracesWindow returns the session's traces with t0 <= timestamp <= t1 in
// timestamp order. Pure read; repeated calls return identical results.
func (s *Store) ListTracesWindow(ctx context.Context, sessionID string, t0, t1 time.Time) ([]trace.FlowTrace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+traceColumns+` FROM flow_traces
		WHERE session_id = $1 AND timestamp >= $2 AND timestamp <= $3
		ORDER BY timestamp ASC, id ASC
	`, sessionID, t0, t1)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTraces(rows)
}

// TraceFilter narrows QueryTraces. Statuses is an OR-set; Search matches node
// names, graph name and error message case-insensitively.
type TraceFilter struct {
	WorkflowID  string
	ExecutionID string
	SessionID   string
	Statuses    []trace.TraceStatus
	NodeID      string
	DateFrom    *time.Time
	DateTo      *time.Time
	MinDuration *int64
	MaxDuration *int64
	Search      string
	Page        int
	Limit       int
	SortBy      string
	SortOrder   string
}

// TraceStats summarizes exactly the rows matched by a filter.
type TraceStats struct {
	TotalTraces     int     `json:"total_traces"`
	SuccessCount    int     `json:"success_count"`
	ErrorCount      int     `json:"error_count"`
	WarningCount    int     `json:"warning_count"`
	AverageDuration float64 `json:"average_duration"`
	TotalDataSize   int64   `json:"total_data_size"`
}

var traceSortColumns = map[string]string{
	"timestamp": "timestamp",
	"duration":  "duration_ms",
	"status":    "status",
	"size":      "data_size",
}

// QueryTraces searches traces across sessions. The returned stats are always
// computed over the filtered result set, not any cached session summary.
func (s *Store) QueryTraces(ctx context.Context, filter TraceFilter) ([]trace.FlowTrace, TraceStats, error) {
	where, args := buildTraceWhere(filter)

	var stats TraceStats
	var totalDuration int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE status = 'success'),
			COUNT(*) FILTER (WHERE status = 'error'),
			COUNT(*) FILTER (WHERE status = 'warning'),
			COALESCE(SUM(duration_ms), 0),
			COALESCE(SUM(data_size), 0)
		FROM flow_traces`+where, args...,
	).Scan(&stats.TotalTraces, &stats.SuccessCount, &stats.ErrorCount, &stats.WarningCount,
		&totalDuration, &stats.TotalDataSize)
	if err != nil {
		return nil, stats, err
	}
	if stats.TotalTraces > 0 {
		stats.AverageDuration = float64(totalDuration) / float64(stats.TotalTraces)
	}

	sortCol, ok := traceSortColumns[filter.SortBy]
	if !ok {
		sortCol = "timestamp"
	}
	order := "ASC"
	if strings.EqualFold(filter.SortOrder, "desc") {
		order = "DESC"
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	args = append(args, limit, (page-1)*limit)
	query := fmt.Sprintf(`SELECT %s FROM flow_traces%s ORDER BY %s %s, id ASC LIMIT $%d OFFSET $%d`,
		traceColumns, where, sortCol, order, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, stats, err
	}
	defer rows.Close()
	traces, err := collectTraces(rows)
	return traces, stats, err
}

func buildTraceWhere(filter TraceFilter) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	add := func(clause string, val interface{}) {
		args = append(args, val)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.WorkflowID != "" {
		add("workflow_id = $%d", filter.WorkflowID)
	}
	if filter.ExecutionID != "" {
		add("session_id IN (SELECT id FROM trace_sessions WHERE execution_id = $%d)", filter.ExecutionID)
	}
	if filter.SessionID != "" {
		add("session_id = $%d", filter.SessionID)
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			args = append(args, string(st))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.NodeID != "" {
		add("(source->>'node_id' = $%d OR target->>'node_id' = $%[1]d)", filter.NodeID)
	}
	if filter.DateFrom != nil {
		add("timestamp >= $%d", *filter.DateFrom)
	}
	if filter.DateTo != nil {
		add("timestamp <= $%d", *filter.DateTo)
	}
	if filter.MinDuration != nil {
		add("duration_ms >= $%d", *filter.MinDuration)
	}
	if filter.MaxDuration != nil {
		add("duration_ms <= $%d", *filter.MaxDuration)
	}
	if filter.Search != "" {
		add(`(source->>'node_name' ILIKE $%d OR target->>'node_name' ILIKE $%[1]d
			OR graph_name ILIKE $%[1]d OR error->>'message' ILIKE $%[1]d)`,
			"%"+filter.Search+"%")
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// TimelineBucket is one fixed-width slice of a session's trace activity.
type TimelineBucket struct {
	Start      time.Time `json:"start"`
	TraceCount int       `json:"trace_count"`
	ErrorCount int       `json:"error_count"`
	DataSize   int64     `json:"data_size"`
}

// TimelineBuckets groups a session's traces into interval-second buckets.
func (s *Store) TimelineBuckets(ctx context.Context, sessionID string, interval time.Duration) ([]TimelineBucket, error) {
	seconds := int64(interval.Seconds())
	if seconds <= 0 {
		seconds = 1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT to_timestamp(floor(extract(epoch FROM timestamp) / $2) * $2) AS bucket,
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'error'),
			COALESCE(SUM(data_size), 0)
		FROM flow_traces
		WHERE session_id = $1
		GROUP BY bucket
		ORDER BY bucket ASC
	`, sessionID, seconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var buckets []TimelineBucket
	for rows.Next() {
		var b TimelineBucket
		if err := rows.Scan(&b.Start, &b.TraceCount, &b.ErrorCount, &b.DataSize); err != nil {
			return nil, err
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

// PortState is the most recent hand-off into one target port as of a
// point in time.
type PortState struct {
	NodeID    string      `json:"node_id"`
	PortID    string      `json:"port_id"`
	TraceID   string      `json:"trace_id"`
	SessionID string      `json:"session_id"`
	Timestamp time.Time   `json:"timestamp"`
	Status    string      `json:"status"`
	Data      trace.Data  `json:"data"`
	Error     *trace.Error `json:"error,omitempty"`
}

// WorkflowStateAt folds all of a workflow's traces up to ts, most recent
// trace per target port winning. Read-only: no side effects, stable across
// repeated calls.
func (s *Store) WorkflowStateAt(ctx context.Context, workflowID string, ts time.Time) ([]PortState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (target->>'node_id', target->>'port_id')
			target->>'node_id', target->>'port_id', id, session_id, timestamp, status, data, error
		FROM flow_traces
		WHERE workflow_id = $1 AND timestamp <= $2
		ORDER BY target->>'node_id', target->>'port_id', timestamp DESC, id DESC
	`, workflowID, ts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []PortState
	for rows.Next() {
		var st PortState
		var dataJSON, errJSON []byte
		if err := rows.Scan(&st.NodeID, &st.PortID, &st.TraceID, &st.SessionID,
			&st.Timestamp, &st.Status, &dataJSON, &errJSON); err != nil {
			return nil, err
		}
		unmarshalInto(dataJSON, &st.Data)
		if len(errJSON) > 0 {
			st.Error = &trace.Error{}
			unmarshalInto(errJSON, st.Error)
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

func collectTraces(rows *sql.Rows) ([]trace.FlowTrace, error) {
	var traces []trace.FlowTrace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, err
		}
		traces = append(traces, *t)
	}
	return traces, rows.Err()
}

func scanTrace(row rowScanner) (*trace.FlowTrace, error) {
	var t trace.FlowTrace
	var status string
	var sourceJSON, targetJSON, dataJSON, errJSON []byte
	var graphID, graphName sql.NullString
	var parentID sql.NullString
	var dataSize int64

	err := row.Scan(&t.ID, &t.SessionID, &t.WorkflowID, &t.Timestamp, &t.Duration, &status,
		&sourceJSON, &targetJSON, &dataJSON, &dataSize, &errJSON,
		&graphID, &graphName, &parentID, &t.Depth)
	if err != nil {
		return nil, err
	}

	t.Status = trace.TraceStatus(status)
	unmarshalInto(sourceJSON, &t.Source)
	unmarshalInto(targetJSON, &t.Target)
	unmarshalInto(dataJSON, &t.Data)
	if t.Data.Size == 0 {
		t.Data.Size = dataSize
	}
	if len(errJSON) > 0 {
		t.Error = &trace.Error{}
		unmarshalInto(errJSON, t.Error)
	}
	if graphID.Valid {
		t.GraphID = graphID.String
	}
	if graphName.Valid {
		t.GraphName = graphName.String
	}
	if parentID.Valid {
		t.ParentTraceID = &parentID.String
	}
	return &t, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
