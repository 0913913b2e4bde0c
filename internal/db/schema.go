package db

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Base tables. flow_traces and trace_events are range-partitioned on
// timestamp so retention can drop whole partitions; trace_sessions is
// partition-managed the same way on start_time. In timescale mode the
// partition clauses are replaced by create_hypertable calls.
var baseTables = []string{
	`CREATE TABLE IF NOT EXISTS trace_sessions (
		id UUID NOT NULL,
		workflow_id TEXT NOT NULL,
		workflow_version_id TEXT,
		workflow_name TEXT NOT NULL,
		execution_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		start_time TIMESTAMPTZ NOT NULL,
		end_time TIMESTAMPTZ,
		status TEXT NOT NULL DEFAULT 'running',
		metadata JSONB,
		total_traces INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		warning_count INTEGER NOT NULL DEFAULT 0,
		total_data_size BIGINT NOT NULL DEFAULT 0,
		total_duration BIGINT NOT NULL DEFAULT 0,
		summary_cached BOOLEAN NOT NULL DEFAULT false,
		PRIMARY KEY (id)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_trace_sessions_execution
		ON trace_sessions(workflow_id, execution_id)`,
	`CREATE INDEX IF NOT EXISTS idx_trace_sessions_workflow_start
		ON trace_sessions(workflow_id, start_time DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_trace_sessions_status
		ON trace_sessions(status)`,
	`CREATE TABLE IF NOT EXISTS flow_traces (
		id UUID NOT NULL,
		session_id UUID NOT NULL,
		workflow_id TEXT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		source JSONB NOT NULL,
		target JSONB NOT NULL,
		data JSONB,
		data_size BIGINT NOT NULL DEFAULT 0,
		error JSONB,
		graph_id TEXT,
		graph_name TEXT,
		parent_trace_id UUID,
		depth INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (id, timestamp)
	) PARTITION BY RANGE (timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_flow_traces_session_ts
		ON flow_traces(session_id, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_flow_traces_workflow_ts
		ON flow_traces(workflow_id, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_flow_traces_status
		ON flow_traces(status, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_flow_traces_target_node
		ON flow_traces((target->>'node_id'), timestamp)`,
	`CREATE TABLE IF NOT EXISTS trace_events (
		id UUID NOT NULL,
		session_id UUID NOT NULL,
		node_id TEXT NOT NULL,
		port_id TEXT,
		timestamp TIMESTAMPTZ NOT NULL,
		event_type TEXT NOT NULL,
		data JSONB,
		duration_ms BIGINT,
		metadata JSONB,
		error JSONB,
		PRIMARY KEY (id, timestamp)
	) PARTITION BY RANGE (timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_trace_events_session_ts
		ON trace_events(session_id, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_trace_events_node_ts
		ON trace_events(node_id, timestamp)`,
}

// Rollup tables are derived caches maintained by the maintenance refresher.
// They are safe to truncate and rebuild from raw rows in either mode.
var rollupTables = []string{
	`CREATE TABLE IF NOT EXISTS trace_stats_hourly (
		bucket TIMESTAMPTZ NOT NULL,
		workflow_id TEXT NOT NULL,
		session_count INTEGER NOT NULL DEFAULT 0,
		trace_count INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		warning_count INTEGER NOT NULL DEFAULT 0,
		total_data_size BIGINT NOT NULL DEFAULT 0,
		avg_duration_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
		PRIMARY KEY (bucket, workflow_id)
	)`,
	`CREATE TABLE IF NOT EXISTS trace_stats_daily (
		bucket TIMESTAMPTZ NOT NULL,
		workflow_id TEXT NOT NULL,
		session_count INTEGER NOT NULL DEFAULT 0,
		trace_count INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		warning_count INTEGER NOT NULL DEFAULT 0,
		total_data_size BIGINT NOT NULL DEFAULT 0,
		avg_duration_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
		PRIMARY KEY (bucket, workflow_id)
	)`,
	`CREATE TABLE IF NOT EXISTS node_perf_hourly (
		bucket TIMESTAMPTZ NOT NULL,
		node_id TEXT NOT NULL,
		trace_count INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		avg_duration_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
		p95_duration_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
		max_duration_ms BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (bucket, node_id)
	)`,
	`CREATE TABLE IF NOT EXISTS rollup_watermark (
		name TEXT PRIMARY KEY,
		refreshed_through TIMESTAMPTZ NOT NULL,
		refreshed_at TIMESTAMPTZ NOT NULL
	)`,
}

// InitSchema creates the trace schema. It detects the timescaledb extension
// and prefers hypertables with native retention policies; otherwise it falls
// back to declarative monthly partitions maintained by EnsurePartitions and
// dropped by the retention sweeper.
func (s *Store) InitSchema(ctx context.Context, retentionHorizon time.Duration) error {
	hasTimescale, err := s.detectTimescale(ctx)
	if err != nil {
		return fmt.Errorf("failed to probe timescaledb: %w", err)
	}

	tables := baseTables
	if hasTimescale {
		s.mode = ModeTimescale
		tables = timescaleTables(retentionHorizon)
	}

	for _, stmt := range tables {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			if isAcceptableSchemaError(err) {
				continue
			}
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	for _, stmt := range rollupTables {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil && !isAcceptableSchemaError(err) {
			return fmt.Errorf("rollup schema statement failed: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, apiKeyTable); err != nil && !isAcceptableSchemaError(err) {
		return fmt.Errorf("api key schema statement failed: %w", err)
	}

	if s.mode == ModeNative {
		// Pre-create partitions covering now-1 month .. now+1 month.
		if err := s.EnsurePartitions(ctx, time.Now()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) detectTimescale(ctx context.Context) (bool, error) {
	var installed bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'timescaledb')`,
	).Scan(&installed)
	return installed, err
}

// timescaleTables rewrites the base DDL for hypertable mode: no PARTITION BY
// clause, then create_hypertable + add_retention_policy per stream.
func timescaleTables(horizon time.Duration) []string {
	stmts := make([]string, 0, len(baseTables)+4)
	for _, stmt := range baseTables {
		stmts = append(stmts, strings.Replace(stmt, " PARTITION BY RANGE (timestamp)", "", 1))
	}
	interval := fmt.Sprintf("INTERVAL '%d hours'", int(horizon.Hours()))
	stmts = append(stmts,
		`SELECT create_hypertable('flow_traces', 'timestamp', if_not_exists => TRUE, migrate_data => TRUE)`,
		`SELECT create_hypertable('trace_events', 'timestamp', if_not_exists => TRUE, migrate_data => TRUE)`,
		fmt.Sprintf(`SELECT add_retention_policy('flow_traces', %s, if_not_exists => TRUE)`, interval),
		fmt.Sprintf(`SELECT add_retention_policy('trace_events', %s, if_not_exists => TRUE)`, interval),
	)
	return stmts
}

func isAcceptableSchemaError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "already exists") ||
		strings.Contains(msg, "already a hypertable")
}

var partitionedStreams = []string{"flow_traces", "trace_events"}

// EnsurePartitions creates monthly child partitions covering the month before
// now through the month after, so writers never race partition creation at a
// month boundary. No-op in timescale mode.
func (s *Store) EnsurePartitions(ctx context.Context, now time.Time) error {
	if s.mode == ModeTimescale {
		return nil
	}
	months := []time.Time{
		monthStart(now.AddDate(0, -1, 0)),
		monthStart(now),
		monthStart(now.AddDate(0, 1, 0)),
	}
	for _, stream := range partitionedStreams {
		for _, m := range months {
			name := partitionName(stream, m)
			stmt := fmt.Sprintf(
				`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')`,
				name, stream,
				m.Format("2006-01-02"), m.AddDate(0, 1, 0).Format("2006-01-02"),
			)
			if _, err := s.db.ExecContext(ctx, stmt); err != nil && !isAcceptableSchemaError(err) {
				return fmt.Errorf("failed to create partition %s: %w", name, err)
			}
		}
	}
	return nil
}

// DropExpiredPartitions removes raw data older than cutoff. In timescale mode
// it drops whole chunks; in native mode it drops whole child partitions whose
// upper bound is before the cutoff, then deletes expired session rows.
// It never deletes individual trace rows.
func (s *Store) DropExpiredPartitions(ctx context.Context, cutoff time.Time) (int, error) {
	dropped := 0
	if s.mode == ModeTimescale {
		for _, stream := range partitionedStreams {
			rows, err := s.db.QueryContext(ctx,
				`SELECT count(*) FROM drop_chunks($1, older_than => $2::timestamptz) AS c`,
				stream, cutoff)
			if err != nil {
				return dropped, fmt.Errorf("drop_chunks on %s failed: %w", stream, err)
			}
			if rows.Next() {
				var n int
				rows.Scan(&n)
				dropped += n
			}
			rows.Close()
		}
	} else {
		for _, stream := range partitionedStreams {
			names, err := s.expiredPartitions(ctx, stream, cutoff)
			if err != nil {
				return dropped, err
			}
			for _, name := range names {
				if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, name)); err != nil {
					return dropped, fmt.Errorf("failed to drop partition %s: %w", name, err)
				}
				dropped++
			}
		}
	}

	// Session rows expire on the same horizon; once a session is dropped the
	// rollup rows referencing its window are also cleared so no aggregate is
	// served as current for vanished raw data.
	if _, err := s.db.ExecContext(ctx, `DELETE FROM trace_sessions WHERE start_time < $1`, cutoff); err != nil {
		return dropped, fmt.Errorf("failed to expire sessions: %w", err)
	}
	for _, rollup := range []string{"trace_stats_hourly", "trace_stats_daily", "node_perf_hourly"} {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE bucket < $1`, rollup), cutoff); err != nil {
			return dropped, fmt.Errorf("failed to expire rollup %s: %w", rollup, err)
		}
	}
	return dropped, nil
}

// expiredPartitions lists child partitions of stream entirely before cutoff,
// relying on the naming scheme <stream>_yYYYYmMM.
func (s *Store) expiredPartitions(ctx context.Context, stream string, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.relname
		FROM pg_inherits i
		JOIN pg_class c ON c.oid = i.inhrelid
		JOIN pg_class p ON p.oid = i.inhparent
		WHERE p.relname = $1
	`, stream)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions of %s: %w", stream, err)
	}
	defer rows.Close()

	limit := monthStart(cutoff)
	var expired []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		m, ok := partitionMonth(stream, name)
		if !ok {
			continue
		}
		if m.AddDate(0, 1, 0).Before(limit) || m.AddDate(0, 1, 0).Equal(limit) {
			expired = append(expired, name)
		}
	}
	return expired, rows.Err()
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.UTC().Year(), t.UTC().Month(), 1, 0, 0, 0, 0, time.UTC)
}

func partitionName(stream string, month time.Time) string {
	return fmt.Sprintf("%s_y%04dm%02d", stream, month.Year(), int(month.Month()))
}

func partitionMonth(stream, name string) (time.Time, bool) {
	var year, month int
	if _, err := fmt.Sscanf(name, stream+"_y%4dm%2d", &year, &month); err != nil {
		return time.Time{}, false
	}
	if month < 1 || month > 12 {
		return time.Time{}, false
	}
	return time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC), true
}
