package db

import (
	"testing"
	"time"
)

func TestTruncTime(t *testing.T) {
	in := time.Date(2026, 8, 23, 14, 37, 12, 0, time.UTC)

	if got := truncTime(in, "hour"); !got.Equal(time.Date(2026, 8, 23, 14, 0, 0, 0, time.UTC)) {
		t.Errorf("hour truncation = %v", got)
	}
	if got := truncTime(in, "day"); !got.Equal(time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("day truncation = %v", got)
	}

	// Non-UTC inputs normalize to UTC before truncating.
	zoned := time.Date(2026, 8, 23, 1, 30, 0, 0, time.FixedZone("X", -3*3600))
	if got := truncTime(zoned, "hour"); got.Location() != time.UTC {
		t.Errorf("truncated time not in UTC: %v", got)
	}
}

func TestSortStatsRows(t *testing.T) {
	b1 := time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)
	b2 := b1.Add(time.Hour)
	b3 := b1.Add(2 * time.Hour)
	byBucket := map[time.Time]StatsRow{
		b3: {Bucket: b3, TraceCount: 3},
		b1: {Bucket: b1, TraceCount: 1},
		b2: {Bucket: b2, TraceCount: 2},
	}

	rows := sortStatsRows(byBucket)
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}
	for i, want := range []int{1, 2, 3} {
		if rows[i].TraceCount != want {
			t.Errorf("row %d trace count = %d, want %d", i, rows[i].TraceCount, want)
		}
	}
}
