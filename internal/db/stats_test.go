package db_test

import (
	"context"
	"testing"
	"time"

	flowtesting "github.com/offbit/flowtrace/internal/testing"
	"github.com/offbit/flowtrace/internal/trace"
)

func setWatermark(ctx context.Context, t *testing.T, tdb *flowtesting.TestDB, name string, through time.Time) {
	t.Helper()
	_, err := tdb.DB.ExecContext(ctx, `
		INSERT INTO rollup_watermark (name, refreshed_through, refreshed_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE SET refreshed_through = EXCLUDED.refreshed_through
	`, name, through)
	if err != nil {
		t.Fatalf("Failed to set %s watermark: %v", name, err)
	}
}

// A crash between a partial refresh and the watermark update can leave the
// watermark inside a bucket. The rolled half and the raw remainder of that
// bucket must merge into one row with a weighted duration average.
func TestSessionStatsRowsMergesWatermarkBucket(t *testing.T) {
	tdb := flowtesting.SetupTestDB(t)
	defer tdb.CleanupTestDB(t)
	ctx := context.Background()

	sess := flowtesting.CreateTestSession(ctx, t, tdb.Store, "wf-1", "exec-1")
	bucket := time.Now().UTC().Truncate(time.Hour).Add(-time.Hour)
	watermark := bucket.Add(30 * time.Minute)

	// The rolled half of the bucket: 2 traces, avg 100ms.
	_, err := tdb.DB.ExecContext(ctx, `
		INSERT INTO trace_stats_hourly (bucket, workflow_id, session_count, trace_count,
			success_count, error_count, warning_count, total_data_size, avg_duration_ms)
		VALUES ($1, 'wf-1', 1, 2, 2, 0, 0, 100, 100)
	`, bucket)
	if err != nil {
		t.Fatalf("Failed to seed rolled bucket: %v", err)
	}
	setWatermark(ctx, t, tdb, "trace_stats_hourly", watermark)

	// The raw remainder: one trace exactly at the watermark instant, one
	// later in the bucket, 300ms each.
	flowtesting.AddTestTrace(ctx, t, tdb.Store, sess, trace.TraceSuccess, 300, 50, watermark)
	flowtesting.AddTestTrace(ctx, t, tdb.Store, sess, trace.TraceSuccess, 300, 50, watermark.Add(10*time.Minute))

	rows, err := tdb.Store.SessionStatsRows(ctx, "wf-1", "hour", bucket, bucket.Add(time.Hour))
	if err != nil {
		t.Fatalf("SessionStatsRows failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d buckets, want 1 merged bucket", len(rows))
	}
	r := rows[0]
	if !r.Bucket.Equal(bucket) {
		t.Errorf("merged bucket = %v, want %v", r.Bucket, bucket)
	}
	if r.TraceCount != 4 || r.SuccessCount != 4 {
		t.Errorf("merged counts = %d traces / %d success, want 4 / 4", r.TraceCount, r.SuccessCount)
	}
	// Weighted: (100*2 + 300*2) / 4.
	if r.AvgDuration != 200 {
		t.Errorf("merged avg duration = %v, want 200", r.AvgDuration)
	}
	if r.TotalDataSize != 200 {
		t.Errorf("merged data size = %d, want 200", r.TotalDataSize)
	}
}

func TestNodePerformanceServesRolledAndRawBuckets(t *testing.T) {
	tdb := flowtesting.SetupTestDB(t)
	defer tdb.CleanupTestDB(t)
	ctx := context.Background()

	sess := flowtesting.CreateTestSession(ctx, t, tdb.Store, "wf-1", "exec-1")
	watermark := time.Now().UTC().Truncate(time.Hour)
	rolled := watermark.Add(-time.Hour)

	_, err := tdb.DB.ExecContext(ctx, `
		INSERT INTO node_perf_hourly (bucket, node_id, trace_count, error_count,
			avg_duration_ms, p95_duration_ms, max_duration_ms)
		VALUES ($1, 'node-b', 5, 1, 100, 180, 200)
	`, rolled)
	if err != nil {
		t.Fatalf("Failed to seed rolled bucket: %v", err)
	}
	setWatermark(ctx, t, tdb, "node_perf_hourly", watermark)

	// Raw traces at and past the watermark; the test fixtures always target
	// node-b.
	flowtesting.AddTestTrace(ctx, t, tdb.Store, sess, trace.TraceSuccess, 50, 10, watermark)
	flowtesting.AddTestTrace(ctx, t, tdb.Store, sess, trace.TraceError, 150, 10, watermark.Add(5*time.Minute))

	perf, err := tdb.Store.NodePerformance(ctx, "node-b", rolled, watermark.Add(time.Hour))
	if err != nil {
		t.Fatalf("NodePerformance failed: %v", err)
	}
	if len(perf) != 2 {
		t.Fatalf("got %d hourly buckets, want 2", len(perf))
	}
	if !perf[0].Bucket.Equal(rolled) || perf[0].TraceCount != 5 || perf[0].MaxDuration != 200 {
		t.Errorf("rolled bucket not served from node_perf_hourly: %+v", perf[0])
	}
	if !perf[1].Bucket.Equal(watermark) {
		t.Errorf("raw bucket = %v, want %v", perf[1].Bucket, watermark)
	}
	if perf[1].TraceCount != 2 || perf[1].ErrorCount != 1 {
		t.Errorf("raw bucket counts = %d traces / %d errors, want 2 / 1", perf[1].TraceCount, perf[1].ErrorCount)
	}
	if perf[1].AvgDuration != 100 || perf[1].MaxDuration != 150 {
		t.Errorf("raw bucket durations: %+v", perf[1])
	}
}

func TestNodePerformanceReadsRollupBelowWatermark(t *testing.T) {
	tdb := flowtesting.SetupTestDB(t)
	defer tdb.CleanupTestDB(t)
	ctx := context.Background()

	sess := flowtesting.CreateTestSession(ctx, t, tdb.Store, "wf-1", "exec-1")
	base := time.Now().UTC().Truncate(time.Hour).Add(-2 * time.Hour)

	flowtesting.AddTestTrace(ctx, t, tdb.Store, sess, trace.TraceSuccess, 100, 10, base.Add(5*time.Minute))
	flowtesting.AddTestTrace(ctx, t, tdb.Store, sess, trace.TraceError, 200, 10, base.Add(10*time.Minute))
	flowtesting.AddTestTrace(ctx, t, tdb.Store, sess, trace.TraceSuccess, 300, 10, base.Add(15*time.Minute))

	if err := tdb.Store.RefreshRollups(ctx, base.Add(2*time.Hour)); err != nil {
		t.Fatalf("RefreshRollups failed: %v", err)
	}

	// Remove the raw rows; a rolled bucket must still be served.
	if _, err := tdb.DB.ExecContext(ctx, `DELETE FROM flow_traces`); err != nil {
		t.Fatalf("Failed to delete raw traces: %v", err)
	}

	perf, err := tdb.Store.NodePerformance(ctx, "node-b", base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("NodePerformance failed: %v", err)
	}
	if len(perf) != 1 {
		t.Fatalf("got %d buckets, want 1 rolled bucket", len(perf))
	}
	r := perf[0]
	if !r.Bucket.Equal(base) || r.NodeID != "node-b" {
		t.Errorf("rolled bucket identity: %+v", r)
	}
	if r.TraceCount != 3 || r.ErrorCount != 1 || r.AvgDuration != 200 || r.MaxDuration != 300 {
		t.Errorf("rolled bucket aggregates: %+v", r)
	}
}
