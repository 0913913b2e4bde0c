package db

import (
	"strings"
	"testing"
	"time"
)

func TestPartitionNameRoundTrip(t *testing.T) {
	month := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	name := partitionName("flow_traces", month)
	if name != "flow_traces_y2026m02" {
		t.Errorf("partitionName = %q, want flow_traces_y2026m02", name)
	}

	parsed, ok := partitionMonth("flow_traces", name)
	if !ok {
		t.Fatal("partitionMonth rejected a valid partition name")
	}
	if !parsed.Equal(month) {
		t.Errorf("partitionMonth = %v, want %v", parsed, month)
	}
}

func TestPartitionMonthRejectsForeignNames(t *testing.T) {
	for _, name := range []string{"flow_traces", "flow_traces_pkey", "flow_traces_y2026m13"} {
		if _, ok := partitionMonth("flow_traces", name); ok {
			t.Errorf("partitionMonth accepted %q", name)
		}
	}
}

func TestTimescaleTablesStripPartitionClause(t *testing.T) {
	stmts := timescaleTables(30 * 24 * time.Hour)
	for _, stmt := range stmts {
		if strings.Contains(stmt, "PARTITION BY RANGE") {
			t.Errorf("hypertable DDL still contains a partition clause: %s", stmt)
		}
	}

	var hypertables, retention int
	for _, stmt := range stmts {
		if strings.Contains(stmt, "create_hypertable") {
			hypertables++
		}
		if strings.Contains(stmt, "add_retention_policy") {
			retention++
		}
	}
	if hypertables != 2 || retention != 2 {
		t.Errorf("expected 2 hypertables and 2 retention policies, got %d and %d", hypertables, retention)
	}
}

func TestMonthStart(t *testing.T) {
	in := time.Date(2026, 7, 23, 18, 4, 5, 0, time.FixedZone("X", 3600))
	got := monthStart(in)
	want := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("monthStart = %v, want %v", got, want)
	}
}
