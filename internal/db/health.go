package db

import (
	"context"
	"time"
)

// StorageHealth reports the state of the storage subsystem for the health
// endpoint: partitioning mode, partition coverage, and rollup freshness.
type StorageHealth struct {
	Mode            StorageMode `json:"mode"`
	Reachable       bool        `json:"reachable"`
	PartitionCount  int         `json:"partition_count,omitempty"`
	OldestPartition string      `json:"oldest_partition,omitempty"`
	RollupLag       string      `json:"rollup_lag,omitempty"`
	SessionCount    int         `json:"session_count"`
}

// Health pings the database and collects partition and rollup freshness
// diagnostics. Failures on the diagnostic queries do not mark the store
// unreachable; only the ping does.
func (s *Store) Health(ctx context.Context) StorageHealth {
	h := StorageHealth{Mode: s.mode}
	if err := s.db.PingContext(ctx); err != nil {
		return h
	}
	h.Reachable = true

	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trace_sessions`).Scan(&h.SessionCount)

	if s.mode == ModeNative {
		rows, err := s.db.QueryContext(ctx, `
			SELECT c.relname
			FROM pg_inherits i
			JOIN pg_class c ON c.oid = i.inhrelid
			JOIN pg_class p ON p.oid = i.inhparent
			WHERE p.relname = 'flow_traces'
			ORDER BY c.relname ASC
		`)
		if err == nil {
			for rows.Next() {
				var name string
				if rows.Scan(&name) == nil {
					h.PartitionCount++
					if h.OldestPartition == "" {
						h.OldestPartition = name
					}
				}
			}
			rows.Close()
		}
	}

	if wm, err := s.rollupWatermark(ctx, "trace_stats_hourly"); err == nil && wm.Unix() > 0 {
		h.RollupLag = time.Since(wm).Truncate(time.Second).String()
	}
	return h
}
