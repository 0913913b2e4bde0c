package db

import (
	"context"
	"time"

	"github.com/offbit/flowtrace/internal/trace"
)

// NodeBreakdownRow aggregates one node's execution characteristics over a
// whole window, for the composite overview.
type NodeBreakdownRow struct {
	NodeID      string  `json:"node_id"`
	TraceCount  int     `json:"trace_count"`
	ErrorCount  int     `json:"error_count"`
	AvgDuration float64 `json:"avg_duration"`
	P95Duration float64 `json:"p95_duration"`
	MaxDuration int64   `json:"max_duration"`
}

// ErrorCount is one grouping bucket of an error breakdown.
type ErrorCount struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// ErrorBreakdown groups a window's error traces by code, node and workflow,
// with a bounded list of the most recent error traces.
type ErrorBreakdown struct {
	Total      int               `json:"total"`
	ByCode     []ErrorCount      `json:"by_code"`
	ByNode     []ErrorCount      `json:"by_node"`
	ByWorkflow []ErrorCount      `json:"by_workflow"`
	Recent     []trace.FlowTrace `json:"recent"`
}

// TrendPoint is one bucket of a trend series.
type TrendPoint struct {
	Bucket     time.Time `json:"bucket"`
	TraceCount int       `json:"trace_count"`
	ErrorCount int       `json:"error_count"`
	DataSize   int64     `json:"data_size"`
}

// HourCount is one hour-of-day bucket of the activity distribution.
type HourCount struct {
	Hour       int `json:"hour"`
	TraceCount int `json:"trace_count"`
}

// Trends carries a workflow's activity over time: a daily series (counts,
// errors, data volume) plus the hour-of-day distribution.
type Trends struct {
	Daily              []TrendPoint `json:"daily"`
	HourlyDistribution []HourCount  `json:"hourly_distribution"`
}

// TracesByDuration returns the n slowest (or fastest) traces of a workflow
// inside [from, to].
func (s *Store) TracesByDuration(ctx context.Context, workflowID string, from, to time.Time, n int, slowest bool) ([]trace.FlowTrace, error) {
	order := "ASC"
	if slowest {
		order = "DESC"
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+traceColumns+` FROM flow_traces
		WHERE workflow_id = $1 AND timestamp >= $2 AND timestamp <= $3
		ORDER BY duration_ms `+order+`, id ASC
		LIMIT $4
	`, workflowID, from, to, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTraces(rows)
}

// WorkflowNodeBreakdown aggregates per-node duration and error
// characteristics over [from, to], computed from raw traces with
// percentile_cont so it reflects current data even before a rollup pass.
func (s *Store) WorkflowNodeBreakdown(ctx context.Context, workflowID string, from, to time.Time) ([]NodeBreakdownRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT target->>'node_id' AS node_id,
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'error'),
			COALESCE(AVG(duration_ms), 0),
			COALESCE(percentile_cont(0.95) WITHIN GROUP (ORDER BY duration_ms), 0),
			COALESCE(MAX(duration_ms), 0)
		FROM flow_traces
		WHERE workflow_id = $1 AND timestamp >= $2 AND timestamp <= $3
			AND target->>'node_id' IS NOT NULL
		GROUP BY node_id
		ORDER BY COUNT(*) DESC
	`, workflowID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var breakdown []NodeBreakdownRow
	for rows.Next() {
		var r NodeBreakdownRow
		if err := rows.Scan(&r.NodeID, &r.TraceCount, &r.ErrorCount,
			&r.AvgDuration, &r.P95Duration, &r.MaxDuration); err != nil {
			return nil, err
		}
		breakdown = append(breakdown, r)
	}
	return breakdown, rows.Err()
}

// WorkflowErrorBreakdown groups the window's error traces by error code,
// target node and workflow, and returns up to recentLimit most recent error
// traces.
func (s *Store) WorkflowErrorBreakdown(ctx context.Context, workflowID string, from, to time.Time, recentLimit int) (*ErrorBreakdown, error) {
	breakdown := &ErrorBreakdown{}

	groupings := []struct {
		expr string
		dest *[]ErrorCount
	}{
		{`COALESCE(error->>'code', 'unknown')`, &breakdown.ByCode},
		{`COALESCE(target->>'node_id', 'unknown')`, &breakdown.ByNode},
		{`workflow_id`, &breakdown.ByWorkflow},
	}
	for _, g := range groupings {
		rows, err := s.db.QueryContext(ctx, `
			SELECT `+g.expr+` AS key, COUNT(*)
			FROM flow_traces
			WHERE workflow_id = $1 AND timestamp >= $2 AND timestamp <= $3
				AND status = 'error'
			GROUP BY key
			ORDER BY COUNT(*) DESC, key ASC
		`, workflowID, from, to)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var c ErrorCount
			if err := rows.Scan(&c.Key, &c.Count); err != nil {
				rows.Close()
				return nil, err
			}
			*g.dest = append(*g.dest, c)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	for _, c := range breakdown.ByCode {
		breakdown.Total += c.Count
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+traceColumns+` FROM flow_traces
		WHERE workflow_id = $1 AND timestamp >= $2 AND timestamp <= $3
			AND status = 'error'
		ORDER BY timestamp DESC, id ASC
		LIMIT $4
	`, workflowID, from, to, recentLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	breakdown.Recent, err = collectTraces(rows)
	return breakdown, err
}

// WorkflowTrends returns the daily activity series and hour-of-day
// distribution for a workflow over [from, to].
func (s *Store) WorkflowTrends(ctx context.Context, workflowID string, from, to time.Time) (*Trends, error) {
	trends := &Trends{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT date_trunc('day', timestamp) AS bucket,
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'error'),
			COALESCE(SUM(data_size), 0)
		FROM flow_traces
		WHERE workflow_id = $1 AND timestamp >= $2 AND timestamp <= $3
		GROUP BY bucket
		ORDER BY bucket ASC
	`, workflowID, from, to)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var p TrendPoint
		if err := rows.Scan(&p.Bucket, &p.TraceCount, &p.ErrorCount, &p.DataSize); err != nil {
			rows.Close()
			return nil, err
		}
		p.Bucket = p.Bucket.UTC()
		trends.Daily = append(trends.Daily, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `
		SELECT EXTRACT(HOUR FROM timestamp)::int AS hour, COUNT(*)
		FROM flow_traces
		WHERE workflow_id = $1 AND timestamp >= $2 AND timestamp <= $3
		GROUP BY hour
		ORDER BY hour ASC
	`, workflowID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var h HourCount
		if err := rows.Scan(&h.Hour, &h.TraceCount); err != nil {
			return nil, err
		}
		trends.HourlyDistribution = append(trends.HourlyDistribution, h)
	}
	return trends, rows.Err()
}
