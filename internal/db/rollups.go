package db

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"
)

// StatsRow is one time bucket of workflow activity, served from rollup
// tables when the bucket is already refreshed and recomputed from raw
// traces otherwise.
type StatsRow struct {
	Bucket        time.Time `json:"bucket"`
	WorkflowID    string    `json:"workflow_id"`
	SessionCount  int       `json:"session_count"`
	TraceCount    int       `json:"trace_count"`
	SuccessCount  int       `json:"success_count"`
	ErrorCount    int       `json:"error_count"`
	WarningCount  int       `json:"warning_count"`
	TotalDataSize int64     `json:"total_data_size"`
	AvgDuration   float64   `json:"avg_duration"`
}

// NodePerfRow aggregates per-node execution characteristics for one bucket.
type NodePerfRow struct {
	Bucket      time.Time `json:"bucket"`
	NodeID      string    `json:"node_id"`
	TraceCount  int       `json:"trace_count"`
	ErrorCount  int       `json:"error_count"`
	AvgDuration float64   `json:"avg_duration"`
	P95Duration float64   `json:"p95_duration"`
	MaxDuration int64     `json:"max_duration"`
}

// SessionStatsRows returns per-bucket stats for a workflow over [from, to].
// Granularity is "hour" or "day". Buckets newer than the rollup watermark
// are recomputed from raw traces so recent activity never shows as a gap.
func (s *Store) SessionStatsRows(ctx context.Context, workflowID, granularity string, from, to time.Time) ([]StatsRow, error) {
	table := "trace_stats_hourly"
	truncUnit := "hour"
	if granularity == "day" {
		table = "trace_stats_daily"
		truncUnit = "day"
	}

	watermark, err := s.rollupWatermark(ctx, table)
	if err != nil {
		return nil, err
	}

	byBucket := map[time.Time]StatsRow{}

	rolledTo := to
	if watermark.Before(to) {
		rolledTo = watermark
	}
	if !rolledTo.Before(from) {
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT bucket, workflow_id, session_count, trace_count, success_count,
				error_count, warning_count, total_data_size, avg_duration_ms
			FROM %s
			WHERE workflow_id = $1 AND bucket >= $2 AND bucket <= $3
		`, table), workflowID, from, rolledTo)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var r StatsRow
			if err := rows.Scan(&r.Bucket, &r.WorkflowID, &r.SessionCount, &r.TraceCount,
				&r.SuccessCount, &r.ErrorCount, &r.WarningCount, &r.TotalDataSize, &r.AvgDuration); err != nil {
				rows.Close()
				return nil, err
			}
			byBucket[r.Bucket.UTC()] = r
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	// Recompute buckets past the watermark straight from raw traces.
	if watermark.Before(to) {
		rawFrom := watermark
		if rawFrom.Before(from) {
			rawFrom = from
		}
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT date_trunc('%s', timestamp) AS bucket,
				COUNT(DISTINCT session_id),
				COUNT(*),
				COUNT(*) FILTER (WHERE status = 'success'),
				COUNT(*) FILTER (WHERE status = 'error'),
				COUNT(*) FILTER (WHERE status = 'warning'),
				COALESCE(SUM(data_size), 0),
				COALESCE(AVG(duration_ms), 0)
			FROM flow_traces
			WHERE workflow_id = $1 AND timestamp >= $2 AND timestamp <= $3
			GROUP BY bucket
		`, truncUnit), workflowID, rawFrom, to)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var r StatsRow
			r.WorkflowID = workflowID
			if err := rows.Scan(&r.Bucket, &r.SessionCount, &r.TraceCount,
				&r.SuccessCount, &r.ErrorCount, &r.WarningCount, &r.TotalDataSize, &r.AvgDuration); err != nil {
				rows.Close()
				return nil, err
			}
			key := r.Bucket.UTC()
			if prev, ok := byBucket[key]; ok {
				// The watermark bucket can be half rolled up; merge the raw
				// remainder into it.
				total := prev.TraceCount + r.TraceCount
				if total > 0 {
					prev.AvgDuration = (prev.AvgDuration*float64(prev.TraceCount) +
						r.AvgDuration*float64(r.TraceCount)) / float64(total)
				}
				prev.TraceCount = total
				prev.SuccessCount += r.SuccessCount
				prev.ErrorCount += r.ErrorCount
				prev.WarningCount += r.WarningCount
				prev.TotalDataSize += r.TotalDataSize
				if r.SessionCount > prev.SessionCount {
					prev.SessionCount = r.SessionCount
				}
				byBucket[key] = prev
			} else {
				byBucket[key] = r
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	return sortStatsRows(byBucket), nil
}

// NodePerformance returns one node's per-hour duration and error series over
// [from, to]. Buckets at or past the node_perf_hourly watermark are
// recomputed from raw traces; everything below it is served from the rollup.
func (s *Store) NodePerformance(ctx context.Context, nodeID string, from, to time.Time) ([]NodePerfRow, error) {
	watermark, err := s.rollupWatermark(ctx, "node_perf_hourly")
	if err != nil {
		return nil, err
	}

	var perf []NodePerfRow

	rolledTo := to
	if watermark.Before(to) {
		rolledTo = watermark
	}
	if !rolledTo.Before(from) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT bucket, node_id, trace_count, error_count,
				avg_duration_ms, p95_duration_ms, max_duration_ms
			FROM node_perf_hourly
			WHERE node_id = $1 AND bucket >= $2 AND bucket < $3
		`, nodeID, from, rolledTo)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var r NodePerfRow
			if err := rows.Scan(&r.Bucket, &r.NodeID, &r.TraceCount, &r.ErrorCount,
				&r.AvgDuration, &r.P95Duration, &r.MaxDuration); err != nil {
				rows.Close()
				return nil, err
			}
			r.Bucket = r.Bucket.UTC()
			perf = append(perf, r)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	// The node_perf watermark is always hour-aligned, so raw recompute from
	// the watermark cannot overlap a rolled bucket.
	if watermark.Before(to) {
		rawFrom := watermark
		if rawFrom.Before(from) {
			rawFrom = from
		}
		rows, err := s.db.QueryContext(ctx, `
			SELECT date_trunc('hour', timestamp) AS bucket,
				COUNT(*),
				COUNT(*) FILTER (WHERE status = 'error'),
				COALESCE(AVG(duration_ms), 0),
				COALESCE(percentile_cont(0.95) WITHIN GROUP (ORDER BY duration_ms), 0),
				COALESCE(MAX(duration_ms), 0)
			FROM flow_traces
			WHERE target->>'node_id' = $1 AND timestamp >= $2 AND timestamp <= $3
			GROUP BY bucket
		`, nodeID, rawFrom, to)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var r NodePerfRow
			r.NodeID = nodeID
			if err := rows.Scan(&r.Bucket, &r.TraceCount, &r.ErrorCount,
				&r.AvgDuration, &r.P95Duration, &r.MaxDuration); err != nil {
				rows.Close()
				return nil, err
			}
			r.Bucket = r.Bucket.UTC()
			perf = append(perf, r)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	sort.Slice(perf, func(i, j int) bool { return perf[i].Bucket.Before(perf[j].Bucket) })
	return perf, nil
}

// RefreshRollups advances all rollup tables to `through`, recomputing every
// bucket between the stored watermark and the cutoff from raw traces. The
// current (incomplete) bucket is excluded so rolled-up buckets are final.
func (s *Store) RefreshRollups(ctx context.Context, through time.Time) error {
	if err := s.refreshStats(ctx, "trace_stats_hourly", "hour", through); err != nil {
		return err
	}
	if err := s.refreshStats(ctx, "trace_stats_daily", "day", through); err != nil {
		return err
	}
	return s.refreshNodePerf(ctx, through)
}

func (s *Store) refreshStats(ctx context.Context, table, truncUnit string, through time.Time) error {
	watermark, err := s.rollupWatermark(ctx, table)
	if err != nil {
		return err
	}
	cutoff := truncTime(through, truncUnit)
	if !cutoff.After(watermark) {
		return nil
	}

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (bucket, workflow_id, session_count, trace_count, success_count,
			error_count, warning_count, total_data_size, avg_duration_ms)
		SELECT date_trunc('%s', timestamp) AS bucket,
			workflow_id,
			COUNT(DISTINCT session_id),
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'success'),
			COUNT(*) FILTER (WHERE status = 'error'),
			COUNT(*) FILTER (WHERE status = 'warning'),
			COALESCE(SUM(data_size), 0),
			COALESCE(AVG(duration_ms), 0)
		FROM flow_traces
		WHERE timestamp >= $1 AND timestamp < $2
		GROUP BY bucket, workflow_id
		ON CONFLICT (bucket, workflow_id) DO UPDATE SET
			session_count = EXCLUDED.session_count,
			trace_count = EXCLUDED.trace_count,
			success_count = EXCLUDED.success_count,
			error_count = EXCLUDED.error_count,
			warning_count = EXCLUDED.warning_count,
			total_data_size = EXCLUDED.total_data_size,
			avg_duration_ms = EXCLUDED.avg_duration_ms
	`, table, truncUnit), watermark, cutoff)
	if err != nil {
		return fmt.Errorf("failed to refresh %s: %w", table, err)
	}
	return s.setRollupWatermark(ctx, table, cutoff)
}

func (s *Store) refreshNodePerf(ctx context.Context, through time.Time) error {
	watermark, err := s.rollupWatermark(ctx, "node_perf_hourly")
	if err != nil {
		return err
	}
	cutoff := truncTime(through, "hour")
	if !cutoff.After(watermark) {
		return nil
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO node_perf_hourly (bucket, node_id, trace_count, error_count,
			avg_duration_ms, p95_duration_ms, max_duration_ms)
		SELECT date_trunc('hour', timestamp) AS bucket,
			target->>'node_id',
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'error'),
			COALESCE(AVG(duration_ms), 0),
			COALESCE(percentile_cont(0.95) WITHIN GROUP (ORDER BY duration_ms), 0),
			COALESCE(MAX(duration_ms), 0)
		FROM flow_traces
		WHERE timestamp >= $1 AND timestamp < $2 AND target->>'node_id' IS NOT NULL
		GROUP BY bucket, target->>'node_id'
		ON CONFLICT (bucket, node_id) DO UPDATE SET
			trace_count = EXCLUDED.trace_count,
			error_count = EXCLUDED.error_count,
			avg_duration_ms = EXCLUDED.avg_duration_ms,
			p95_duration_ms = EXCLUDED.p95_duration_ms,
			max_duration_ms = EXCLUDED.max_duration_ms
	`, watermark, cutoff)
	if err != nil {
		return fmt.Errorf("failed to refresh node_perf_hourly: %w", err)
	}
	return s.setRollupWatermark(ctx, "node_perf_hourly", cutoff)
}

func (s *Store) rollupWatermark(ctx context.Context, name string) (time.Time, error) {
	var wm time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT refreshed_through FROM rollup_watermark WHERE name = $1`, name,
	).Scan(&wm)
	if err == sql.ErrNoRows {
		// No rollup pass has run yet; everything is "recent".
		return time.Unix(0, 0).UTC(), nil
	}
	return wm.UTC(), err
}

func (s *Store) setRollupWatermark(ctx context.Context, name string, through time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rollup_watermark (name, refreshed_through, refreshed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET
			refreshed_through = EXCLUDED.refreshed_through,
			refreshed_at = EXCLUDED.refreshed_at
	`, name, through, time.Now().UTC())
	return err
}

func truncTime(t time.Time, unit string) time.Time {
	t = t.UTC()
	if unit == "day" {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	return t.Truncate(time.Hour)
}

func sortStatsRows(byBucket map[time.Time]StatsRow) []StatsRow {
	out := make([]StatsRow, 0, len(byBucket))
	for _, r := range byBucket {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bucket.Before(out[j].Bucket) })
	return out
}
