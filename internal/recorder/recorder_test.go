package recorder_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/offbit/flowtrace/internal/config"
	"github.com/offbit/flowtrace/internal/logging"
	"github.com/offbit/flowtrace/internal/notify"
	"github.com/offbit/flowtrace/internal/recorder"
	flowtesting "github.com/offbit/flowtrace/internal/testing"
	"github.com/offbit/flowtrace/internal/trace"
)

// captureSink records every envelope it is handed.
type captureSink struct {
	mu   sync.Mutex
	envs []notify.Envelope
}

func (c *captureSink) Name() string { return "capture" }

func (c *captureSink) Deliver(_ context.Context, env notify.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	return nil
}

func (c *captureSink) count(kind notify.EventKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, env := range c.envs {
		if env.Kind == kind {
			n++
		}
	}
	return n
}

func testRecorderConfig() config.RecorderConfig {
	return config.RecorderConfig{
		BufferSize:    128,
		BatchSize:     16,
		FlushInterval: 50 * time.Millisecond,
		RetryLimit:    3,
		RetryBackoff:  10 * time.Millisecond,
	}
}

func newTestRecorder(t *testing.T) (*recorder.Recorder, *flowtesting.TestDB, *captureSink, func()) {
	t.Helper()
	tdb := flowtesting.SetupTestDB(t)
	logger := logging.NewLogger("error", "json", "stdout")
	bus := notify.NewBus(logger, 3, 10*time.Millisecond)
	sink := &captureSink{}
	bus.Register(sink)
	rec := recorder.New(tdb.Store, bus, logger, testRecorderConfig())
	cleanup := func() {
		rec.Close()
		bus.Close()
		tdb.CleanupTestDB(t)
	}
	return rec, tdb, sink, cleanup
}

func TestRecorderWritesBufferedTraces(t *testing.T) {
	rec, tdb, _, cleanup := newTestRecorder(t)
	defer cleanup()
	ctx := context.Background()

	sess, err := rec.CreateSession(ctx, &trace.Session{
		WorkflowID:   "wf-1",
		WorkflowName: "wf",
		ExecutionID:  "exec-1",
		UserID:       "u-1",
	})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		err := rec.AddTrace(ctx, trace.FlowTrace{
			SessionID: sess.ID,
			Status:    trace.TraceSuccess,
			Duration:  100,
			Source:    trace.Node{NodeID: "a", PortID: "out"},
			Target:    trace.Node{NodeID: "b", PortID: "in"},
			Data:      trace.Data{Size: 10},
		})
		if err != nil {
			t.Fatalf("AddTrace failed: %v", err)
		}
	}
	rec.Flush()

	traces, err := tdb.Store.ListSessionTraces(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListSessionTraces failed: %v", err)
	}
	if len(traces) != 5 {
		t.Errorf("got %d stored traces, want 5", len(traces))
	}
	if rec.Dropped() != 0 {
		t.Errorf("dropped %d records unexpectedly", rec.Dropped())
	}
}

func TestRecorderRejectsInvalidTrace(t *testing.T) {
	rec, _, _, cleanup := newTestRecorder(t)
	defer cleanup()
	ctx := context.Background()

	err := rec.AddTrace(ctx, trace.FlowTrace{SessionID: "", Status: trace.TraceSuccess})
	if _, ok := err.(*trace.InvalidQueryError); !ok {
		t.Errorf("missing session id: got %v, want InvalidQueryError", err)
	}

	err = rec.AddTrace(ctx, trace.FlowTrace{SessionID: "s-1", Status: "banana"})
	if _, ok := err.(*trace.InvalidQueryError); !ok {
		t.Errorf("bad status: got %v, want InvalidQueryError", err)
	}
}

func TestCompleteSessionEmitsOneNotification(t *testing.T) {
	rec, _, sink, cleanup := newTestRecorder(t)
	defer cleanup()
	ctx := context.Background()

	sess, err := rec.CreateSession(ctx, &trace.Session{
		WorkflowID:   "wf-1",
		WorkflowName: "wf",
		ExecutionID:  "exec-1",
		UserID:       "u-1",
	})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	base := time.Now().UTC()
	for i, status := range []trace.TraceStatus{trace.TraceSuccess, trace.TraceError} {
		tr := trace.FlowTrace{
			SessionID: sess.ID,
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Status:    status,
			Duration:  100,
			Source:    trace.Node{NodeID: "a", PortID: "out"},
			Target:    trace.Node{NodeID: "b", PortID: "in"},
			Data:      trace.Data{Size: 32},
		}
		if err := rec.AddTrace(ctx, tr); err != nil {
			t.Fatalf("AddTrace failed: %v", err)
		}
	}

	done, err := rec.CompleteSession(ctx, sess.ID, trace.SessionCompleted, nil)
	if err != nil {
		t.Fatalf("CompleteSession failed: %v", err)
	}
	if done.Status != trace.SessionCompleted {
		t.Errorf("status = %s, want completed", done.Status)
	}
	if done.Summary == nil || done.Summary.TotalTraces != 2 {
		t.Errorf("summary not recomputed at completion: %+v", done.Summary)
	}

	// Repeat completion: no error, no second notification.
	if _, err := rec.CompleteSession(ctx, sess.ID, trace.SessionCompleted, nil); err != nil {
		t.Fatalf("repeat completion errored: %v", err)
	}

	// Give the bus workers a moment to drain.
	time.Sleep(100 * time.Millisecond)
	if n := sink.count(notify.KindExecutionCompleted); n != 1 {
		t.Errorf("got %d completion notifications, want 1", n)
	}
	if n := sink.count(notify.KindExecutionStarted); n != 1 {
		t.Errorf("got %d start notifications, want 1", n)
	}
}

func TestCompleteSessionFailedCarriesError(t *testing.T) {
	rec, tdb, sink, cleanup := newTestRecorder(t)
	defer cleanup()
	ctx := context.Background()

	sess, err := rec.CreateSession(ctx, &trace.Session{
		WorkflowID:   "wf-1",
		WorkflowName: "wf",
		ExecutionID:  "exec-1",
		UserID:       "u-1",
	})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	sessErr := &trace.SessionError{Message: "node exploded", NodeID: "node-7"}
	if _, err := rec.CompleteSession(ctx, sess.ID, trace.SessionFailed, sessErr); err != nil {
		t.Fatalf("CompleteSession failed: %v", err)
	}

	stored, err := tdb.Store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if stored.Status != trace.SessionFailed {
		t.Errorf("status = %s, want failed", stored.Status)
	}
	if stored.Metadata == nil || stored.Metadata["error"] == nil {
		t.Error("session error not attached to metadata")
	}

	time.Sleep(100 * time.Millisecond)
	if n := sink.count(notify.KindExecutionFailed); n != 1 {
		t.Errorf("got %d failure notifications, want 1", n)
	}
}

func TestDuplicateCreateDoesNotRenotify(t *testing.T) {
	rec, _, sink, cleanup := newTestRecorder(t)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := rec.CreateSession(ctx, &trace.Session{
			WorkflowID:   "wf-1",
			WorkflowName: "wf",
			ExecutionID:  "exec-dup",
			UserID:       "u-1",
		})
		if err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}
	}

	time.Sleep(100 * time.Millisecond)
	if n := sink.count(notify.KindExecutionStarted); n != 1 {
		t.Errorf("got %d start notifications for one execution, want 1", n)
	}
}
