package db_test

import (
	"context"
	"testing"
	"time"

	"github.com/offbit/flowtrace/internal/db"
	flowtesting "github.com/offbit/flowtrace/internal/testing"
	"github.com/offbit/flowtrace/internal/trace"
)

func TestCreateSessionDeduplicatesExecution(t *testing.T) {
	tdb := flowtesting.SetupTestDB(t)
	defer tdb.CleanupTestDB(t)
	ctx := context.Background()

	first := flowtesting.CreateTestSession(ctx, t, tdb.Store, "wf-1", "exec-1")

	// Retried create for the same execution must return the original row.
	second, err := tdb.Store.CreateSession(ctx, &trace.Session{
		WorkflowID:   "wf-1",
		WorkflowName: "test workflow",
		ExecutionID:  "exec-1",
		UserID:       "test-user",
	})
	if err != nil {
		t.Fatalf("duplicate create failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("duplicate create produced a new session %s, want %s", second.ID, first.ID)
	}

	_, total, err := tdb.Store.ListSessions(ctx, db.SessionFilter{WorkflowID: "wf-1"})
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if total != 1 {
		t.Errorf("got %d sessions for the execution, want 1", total)
	}
}

func TestCompleteSessionIdempotent(t *testing.T) {
	tdb := flowtesting.SetupTestDB(t)
	defer tdb.CleanupTestDB(t)
	ctx := context.Background()

	sess := flowtesting.CreateTestSession(ctx, t, tdb.Store, "wf-1", "exec-1")

	completed, err := tdb.Store.CompleteSession(ctx, sess.ID, trace.SessionCompleted, &trace.Summary{})
	if err != nil {
		t.Fatalf("first completion failed: %v", err)
	}
	if !completed {
		t.Fatal("first completion reported no transition")
	}

	got, err := tdb.Store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	firstEnd := got.EndTime
	if firstEnd == nil {
		t.Fatal("completed session has no end time")
	}

	// Second completion must not transition again or move the end time.
	completed, err = tdb.Store.CompleteSession(ctx, sess.ID, trace.SessionFailed, nil)
	if err != nil {
		t.Fatalf("second completion errored: %v", err)
	}
	if completed {
		t.Error("second completion reported a transition")
	}

	got, err = tdb.Store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Status != trace.SessionCompleted {
		t.Errorf("status changed to %s after repeat completion", got.Status)
	}
	if got.EndTime == nil || !got.EndTime.Equal(*firstEnd) {
		t.Error("end time moved on repeat completion")
	}
}

func TestCompleteSessionUnknownID(t *testing.T) {
	tdb := flowtesting.SetupTestDB(t)
	defer tdb.CleanupTestDB(t)

	_, err := tdb.Store.CompleteSession(context.Background(),
		"00000000-0000-0000-0000-000000000000", trace.SessionCompleted, nil)
	if err != trace.ErrSessionNotFound {
		t.Errorf("got %v, want ErrSessionNotFound", err)
	}
}

func TestUpdateSessionTerminalNoOp(t *testing.T) {
	tdb := flowtesting.SetupTestDB(t)
	defer tdb.CleanupTestDB(t)
	ctx := context.Background()

	sess := flowtesting.CreateTestSession(ctx, t, tdb.Store, "wf-1", "exec-1")
	if _, err := tdb.Store.CompleteSession(ctx, sess.ID, trace.SessionFailed, nil); err != nil {
		t.Fatalf("completion failed: %v", err)
	}

	running := trace.SessionRunning
	if err := tdb.Store.UpdateSession(ctx, sess.ID, db.SessionUpdate{Status: &running}); err != nil {
		t.Fatalf("update of terminal session errored: %v", err)
	}

	got, err := tdb.Store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Status != trace.SessionFailed {
		t.Errorf("terminal session mutated to %s", got.Status)
	}
}

func TestApplySummaryDelta(t *testing.T) {
	tdb := flowtesting.SetupTestDB(t)
	defer tdb.CleanupTestDB(t)
	ctx := context.Background()

	sess := flowtesting.CreateTestSession(ctx, t, tdb.Store, "wf-1", "exec-1")

	deltas := []db.SummaryDelta{
		{Traces: 1, Success: 1, DataSize: 2048, Duration: 1250},
		{Traces: 1, Errors: 1, DataSize: 64, Duration: 300},
	}
	for _, d := range deltas {
		if err := tdb.Store.ApplySummaryDelta(ctx, sess.ID, d); err != nil {
			t.Fatalf("ApplySummaryDelta failed: %v", err)
		}
	}

	got, err := tdb.Store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Summary == nil {
		t.Fatal("summary not cached after deltas")
	}
	s := got.Summary
	if s.TotalTraces != 2 || s.SuccessCount != 1 || s.ErrorCount != 1 || s.WarningCount != 0 {
		t.Errorf("counter mismatch: %+v", s)
	}
	if s.TotalDataSize != 2112 {
		t.Errorf("TotalDataSize = %d, want 2112", s.TotalDataSize)
	}
	if s.AverageDuration != 775 {
		t.Errorf("AverageDuration = %f, want 775", s.AverageDuration)
	}
}

func TestRecomputeSummaryFromRawRows(t *testing.T) {
	tdb := flowtesting.SetupTestDB(t)
	defer tdb.CleanupTestDB(t)
	ctx := context.Background()

	sess := flowtesting.CreateTestSession(ctx, t, tdb.Store, "wf-1", "exec-1")
	base := time.Now().UTC().Add(-time.Minute)
	flowtesting.AddTestTrace(ctx, t, tdb.Store, sess, trace.TraceSuccess, 1250, 2048, base)
	flowtesting.AddTestTrace(ctx, t, tdb.Store, sess, trace.TraceError, 300, 64, base.Add(time.Second))

	summary, err := tdb.Store.RecomputeSummary(ctx, sess.ID)
	if err != nil {
		t.Fatalf("RecomputeSummary failed: %v", err)
	}
	if summary.TotalTraces != 2 || summary.SuccessCount != 1 || summary.ErrorCount != 1 {
		t.Errorf("counter mismatch: %+v", summary)
	}
	if summary.TotalDataSize != 2112 || summary.AverageDuration != 775 {
		t.Errorf("aggregate mismatch: %+v", summary)
	}
}
