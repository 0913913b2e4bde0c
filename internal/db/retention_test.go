package db_test

import (
	"context"
	"testing"
	"time"

	flowtesting "github.com/offbit/flowtrace/internal/testing"
	"github.com/offbit/flowtrace/internal/trace"
)

func TestDropExpiredPartitionsExpiresSessionsAndRollups(t *testing.T) {
	tdb := flowtesting.SetupTestDB(t)
	defer tdb.CleanupTestDB(t)
	ctx := context.Background()

	old, err := tdb.Store.CreateSession(ctx, &trace.Session{
		WorkflowID:   "wf-old",
		WorkflowName: "old workflow",
		ExecutionID:  "exec-old",
		UserID:       "test-user",
		StartTime:    time.Now().UTC().AddDate(0, -2, 0),
	})
	if err != nil {
		t.Fatalf("Failed to create expired session: %v", err)
	}
	current := flowtesting.CreateTestSession(ctx, t, tdb.Store, "wf-1", "exec-1")

	oldBucket := time.Now().UTC().AddDate(0, -2, 0).Truncate(time.Hour)
	if _, err := tdb.DB.ExecContext(ctx, `
		INSERT INTO trace_stats_hourly (bucket, workflow_id, trace_count)
		VALUES ($1, 'wf-old', 10)
	`, oldBucket); err != nil {
		t.Fatalf("Failed to seed expired rollup row: %v", err)
	}
	if _, err := tdb.DB.ExecContext(ctx, `
		INSERT INTO node_perf_hourly (bucket, node_id, trace_count)
		VALUES ($1, 'node-b', 10)
	`, oldBucket); err != nil {
		t.Fatalf("Failed to seed expired node rollup row: %v", err)
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -30)
	if _, err := tdb.Store.DropExpiredPartitions(ctx, cutoff); err != nil {
		t.Fatalf("DropExpiredPartitions failed: %v", err)
	}

	// The expired session is gone, not merely marked.
	gone, err := tdb.Store.GetSession(ctx, old.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if gone != nil {
		t.Error("expired session still present after retention sweep")
	}
	kept, err := tdb.Store.GetSession(ctx, current.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if kept == nil {
		t.Fatal("current session removed by retention sweep")
	}

	// Rollup rows past the horizon are cleared with the raw data.
	for _, table := range []string{"trace_stats_hourly", "node_perf_hourly"} {
		var n int
		if err := tdb.DB.QueryRowContext(ctx,
			`SELECT count(*) FROM `+table+` WHERE bucket < $1`, cutoff,
		).Scan(&n); err != nil {
			t.Fatalf("Failed to count %s rows: %v", table, err)
		}
		if n != 0 {
			t.Errorf("%s still holds %d rows past the retention horizon", table, n)
		}
	}
}
