package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/offbit/flowtrace/internal/trace"
)

const sessionColumns = `id, workflow_id, workflow_version_id, workflow_name, execution_id, user_id,
	start_time, end_time, status, metadata,
	total_traces, success_count, error_count, warning_count, total_data_size, total_duration, summary_cached`

// CreateSession inserts a new running session. Retried creates for the same
// (workflowID, executionID) pair return the already-stored session instead of
// inserting a duplicate.
func (s *Store) CreateSession(ctx context.Context, sess *trace.Session) (*trace.Session, error) {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	if sess.StartTime.IsZero() {
		sess.StartTime = time.Now().UTC()
	}
	if sess.Status == "" {
		sess.Status = trace.SessionRunning
	}

	query := `
		INSERT INTO trace_sessions (id, workflow_id, workflow_version_id, workflow_name, execution_id, user_id, start_time, status, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (workflow_id, execution_id) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query,
		sess.ID, sess.WorkflowID, sess.WorkflowVersionID, sess.WorkflowName,
		sess.ExecutionID, sess.UserID, sess.StartTime, sess.Status, marshalJSON(sess.Metadata))
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Duplicate create for the same execution; hand back the original.
		return s.GetSessionByExecution(ctx, sess.WorkflowID, sess.ExecutionID)
	}
	return sess, nil
}

// GetSession gets a session row by ID. Returns (nil, nil) when absent.
func (s *Store) GetSession(ctx context.Context, id string) (*trace.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM trace_sessions WHERE id = $1`, id)
	return scanSession(row)
}

// GetSessionByExecution gets a session by its owning execution identifier.
func (s *Store) GetSessionByExecution(ctx context.Context, workflowID, executionID string) (*trace.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM trace_sessions WHERE workflow_id = $1 AND execution_id = $2`,
		workflowID, executionID)
	return scanSession(row)
}

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	WorkflowID string
	Status     trace.SessionStatus
	DateFrom   *time.Time
	DateTo     *time.Time
	Limit      int
	Offset     int
}

// ListSessions lists session rows (never trace bodies) newest first, plus a
// total count consistent with the applied filters.
func (s *Store) ListSessions(ctx context.Context, filter SessionFilter) ([]trace.Session, int, error) {
	where, args := buildSessionWhere(filter)

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM trace_sessions`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)
	query := fmt.Sprintf(`SELECT %s FROM trace_sessions%s ORDER BY start_time DESC LIMIT $%d OFFSET $%d`,
		sessionColumns, where, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var sessions []trace.Session
	for rows.Next() {
		sess, err := scanSessionRows(rows)
		if err != nil {
			return nil, 0, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, total, rows.Err()
}

func buildSessionWhere(filter SessionFilter) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	add := func(clause string, val interface{}) {
		args = append(args, val)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.WorkflowID != "" {
		add("workflow_id = $%d", filter.WorkflowID)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.DateFrom != nil {
		add("start_time >= $%d", *filter.DateFrom)
	}
	if filter.DateTo != nil {
		add("start_time <= $%d", *filter.DateTo)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	where := " WHERE " + clauses[0]
	for _, c := range clauses[1:] {
		where += " AND " + c
	}
	return where, args
}

// SessionUpdate carries a partial session mutation; only non-nil fields are
// applied.
type SessionUpdate struct {
	Status   *trace.SessionStatus
	EndTime  *time.Time
	Metadata map[string]interface{}
}

// UpdateSession applies a partial update to a non-terminal session. Setting a
// non-running status auto-stamps end_time when not supplied.
func (s *Store) UpdateSession(ctx context.Context, id string, update SessionUpdate) error {
	set := []string{}
	args := []interface{}{}
	add := func(clause string, val interface{}) {
		args = append(args, val)
		set = append(set, fmt.Sprintf(clause, len(args)))
	}
	if update.Status != nil {
		add("status = $%d", string(*update.Status))
		if update.EndTime == nil && *update.Status != trace.SessionRunning {
			now := time.Now().UTC()
			update.EndTime = &now
		}
	}
	if update.EndTime != nil {
		add("end_time = COALESCE(end_time, $%d)", *update.EndTime)
	}
	if update.Metadata != nil {
		add("metadata = $%d", marshalJSON(update.Metadata))
	}
	if len(set) == 0 {
		return nil
	}

	args = append(args, id)
	query := fmt.Sprintf(`UPDATE trace_sessions SET %s WHERE id = $%d AND status = 'running'`,
		joinClauses(set), len(args))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either absent or already terminal; distinguish for the caller.
		existing, err := s.GetSession(ctx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return trace.ErrSessionNotFound
		}
		// Terminal sessions are never mutated again; treat as a no-op.
	}
	return nil
}

// CompleteSession performs the terminal transition. It is idempotent: the
// guarded UPDATE only fires while the session is still running, so a second
// call changes nothing and reports completed=false (no duplicate
// notification should be emitted).
func (s *Store) CompleteSession(ctx context.Context, id string, status trace.SessionStatus, summary *trace.Summary) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("completion status must be terminal, got %q", status)
	}

	var res sql.Result
	var err error
	if summary != nil {
		res, err = s.db.ExecContext(ctx, `
			UPDATE trace_sessions
			SET status = $2, end_time = COALESCE(end_time, NOW()),
				total_traces = $3, success_count = $4, error_count = $5, warning_count = $6,
				total_data_size = $7, total_duration = $8, summary_cached = true
			WHERE id = $1 AND status = 'running'
		`, id, string(status),
			summary.TotalTraces, summary.SuccessCount, summary.ErrorCount, summary.WarningCount,
			summary.TotalDataSize, int64(summary.AverageDuration*float64(summary.TotalTraces)))
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE trace_sessions
			SET status = $2, end_time = COALESCE(end_time, NOW()), summary_cached = true
			WHERE id = $1 AND status = 'running'
		`, id, string(status))
	}
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		existing, err := s.GetSession(ctx, id)
		if err != nil {
			return false, err
		}
		if existing == nil {
			return false, trace.ErrSessionNotFound
		}
		return false, nil
	}
	return true, nil
}

// ApplySummaryDelta bumps the cached per-session counters with atomic SQL
// increments. Called by the recorder after each accepted trace batch.
func (s *Store) ApplySummaryDelta(ctx context.Context, id string, delta SummaryDelta) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE trace_sessions
		SET total_traces = total_traces + $2,
			success_count = success_count + $3,
			error_count = error_count + $4,
			warning_count = warning_count + $5,
			total_data_size = total_data_size + $6,
			total_duration = total_duration + $7,
			summary_cached = true
		WHERE id = $1
	`, id, delta.Traces, delta.Success, delta.Errors, delta.Warnings, delta.DataSize, delta.Duration)
	return err
}

// SummaryDelta is the additive counter change for one trace batch.
type SummaryDelta struct {
	Traces   int
	Success  int
	Errors   int
	Warnings int
	DataSize int64
	Duration int64
}

// RecomputeSummary rebuilds a session's cached counters from raw trace rows.
// Used when the cached summary is absent or suspect; the rebuilt counters are
// stored so subsequent reads can trust the cache.
func (s *Store) RecomputeSummary(ctx context.Context, id string) (*trace.Summary, error) {
	var summary trace.Summary
	var totalDuration int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE status = 'success'),
			COUNT(*) FILTER (WHERE status = 'error'),
			COUNT(*) FILTER (WHERE status = 'warning'),
			COALESCE(SUM(data_size), 0),
			COALESCE(SUM(duration_ms), 0)
		FROM flow_traces WHERE session_id = $1
	`, id).Scan(&summary.TotalTraces, &summary.SuccessCount, &summary.ErrorCount,
		&summary.WarningCount, &summary.TotalDataSize, &totalDuration)
	if err != nil {
		return nil, err
	}
	if summary.TotalTraces > 0 {
		summary.AverageDuration = float64(totalDuration) / float64(summary.TotalTraces)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE trace_sessions
		SET total_traces = $2, success_count = $3, error_count = $4, warning_count = $5,
			total_data_size = $6, total_duration = $7, summary_cached = true
		WHERE id = $1
	`, id, summary.TotalTraces, summary.SuccessCount, summary.ErrorCount,
		summary.WarningCount, summary.TotalDataSize, totalDuration)
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row *sql.Row) (*trace.Session, error) {
	sess, err := scanSessionFrom(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sess, err
}

func scanSessionRows(rows *sql.Rows) (*trace.Session, error) {
	return scanSessionFrom(rows)
}

func scanSessionFrom(row rowScanner) (*trace.Session, error) {
	var sess trace.Session
	var versionID sql.NullString
	var endTime sql.NullTime
	var metadataJSON []byte
	var status string
	var totalDuration int64
	var summaryCached bool
	var summary trace.Summary

	err := row.Scan(
		&sess.ID, &sess.WorkflowID, &versionID, &sess.WorkflowName, &sess.ExecutionID, &sess.UserID,
		&sess.StartTime, &endTime, &status, &metadataJSON,
		&summary.TotalTraces, &summary.SuccessCount, &summary.ErrorCount, &summary.WarningCount,
		&summary.TotalDataSize, &totalDuration, &summaryCached)
	if err != nil {
		return nil, err
	}

	sess.Status = trace.SessionStatus(status)
	if versionID.Valid {
		sess.WorkflowVersionID = &versionID.String
	}
	if endTime.Valid {
		t := endTime.Time
		sess.EndTime = &t
	}
	unmarshalInto(metadataJSON, &sess.Metadata)
	if summaryCached {
		if summary.TotalTraces > 0 {
			summary.AverageDuration = float64(totalDuration) / float64(summary.TotalTraces)
		}
		sess.Summary = &summary
	}
	return &sess, nil
}

func joinClauses(clauses []string) string {
	out := clauses[0]
	for _, c := range clauses[1:] {
		out += ", " + c
	}
	return out
}
