package replay

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/offbit/flowtrace/internal/logging"
	"github.com/offbit/flowtrace/internal/trace"
)

func TestEstimateDuration(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	traces := []trace.FlowTrace{
		{Timestamp: base},
		{Timestamp: base.Add(5 * time.Second)},
		{Timestamp: base.Add(10 * time.Second)},
	}

	if got := estimateDuration(traces, 1); got != 10*time.Second {
		t.Errorf("speed 1: %v, want 10s", got)
	}
	if got := estimateDuration(traces, 2); got != 5*time.Second {
		t.Errorf("speed 2: %v, want 5s", got)
	}
	if got := estimateDuration(traces, 0.5); got != 20*time.Second {
		t.Errorf("speed 0.5: %v, want 20s", got)
	}
	if got := estimateDuration(nil, 1); got != 0 {
		t.Errorf("no traces: %v, want 0", got)
	}
	if got := estimateDuration(traces, 0); got != 0 {
		t.Errorf("zero speed: %v, want 0", got)
	}
}

func TestPlanReplay(t *testing.T) {
	traces := []trace.FlowTrace{
		{ID: "t-1", Status: trace.TraceSuccess},
		{ID: "t-2", Status: trace.TraceError},
		{ID: "t-3", Status: trace.TraceSuccess},
		{ID: "t-4", Status: trace.TraceError},
		{ID: "t-5", Status: trace.TraceSuccess},
	}

	tests := []struct {
		name        string
		opts        Options
		wantIDs     []string
		wantStopped bool
	}{
		{
			name:    "default keeps the whole sequence",
			wantIDs: []string{"t-1", "t-2", "t-3", "t-4", "t-5"},
		},
		{
			name:    "skip failed nodes drops error traces",
			opts:    Options{SkipFailedNodes: true},
			wantIDs: []string{"t-1", "t-3", "t-5"},
		},
		{
			name:        "stop on error cuts after the first error",
			opts:        Options{StopOnError: true},
			wantIDs:     []string{"t-1", "t-2"},
			wantStopped: true,
		},
		{
			name:    "skip wins over stop when both are set",
			opts:    Options{SkipFailedNodes: true, StopOnError: true},
			wantIDs: []string{"t-1", "t-3", "t-5"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			planned, stopped := planReplay(traces, tt.opts)
			if stopped != tt.wantStopped {
				t.Errorf("stopped = %v, want %v", stopped, tt.wantStopped)
			}
			if len(planned) != len(tt.wantIDs) {
				t.Fatalf("planned %d traces, want %d", len(planned), len(tt.wantIDs))
			}
			for i, id := range tt.wantIDs {
				if planned[i].ID != id {
					t.Errorf("planned[%d] = %s, want %s", i, planned[i].ID, id)
				}
			}
		})
	}
}

func TestReplaySessionRejectsInvertedWindow(t *testing.T) {
	e := &Engine{jobs: make(map[string]*Job), queue: make(chan string, 1)}
	from := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	to := from.Add(-time.Hour)

	_, err := e.ReplaySession(context.Background(), "s-1", Options{ReplayFrom: &from, ReplayTo: &to})
	iq, ok := err.(*trace.InvalidQueryError)
	if !ok {
		t.Fatalf("got %v (%T), want InvalidQueryError", err, err)
	}
	if iq.Field != "replay_from" {
		t.Errorf("rejected field = %q, want replay_from", iq.Field)
	}
}

func TestReplayExecutionID(t *testing.T) {
	id := replayExecutionID("abc-123")
	if !strings.HasPrefix(id, "replay-abc-123-") {
		t.Errorf("unexpected replay execution id %q", id)
	}
	if id == replayExecutionID("abc-123") {
		t.Error("replay execution ids must be unique per call")
	}
}

func TestCancelJobStates(t *testing.T) {
	logger := logging.NewLogger("error", "json", "stdout")
	e := &Engine{
		logger: logger.WithComponent("replay"),
		jobs:   make(map[string]*Job),
		queue:  make(chan string, 1),
		done:   make(chan struct{}),
	}

	if err := e.CancelJob("missing"); err == nil {
		t.Error("cancelling an unknown job must fail")
	}

	e.jobs["queued"] = &Job{ID: "queued", State: JobQueued}
	if err := e.CancelJob("queued"); err != nil {
		t.Errorf("cancelling a queued job failed: %v", err)
	}
	if e.jobs["queued"].State != JobCancelled {
		t.Errorf("queued job state = %s after cancel", e.jobs["queued"].State)
	}
	if e.jobs["queued"].FinishedAt == nil {
		t.Error("cancelled job has no finish time")
	}

	for _, st := range []JobState{JobCompleted, JobFailed, JobCancelled} {
		id := "done-" + string(st)
		e.jobs[id] = &Job{ID: id, State: st}
		if err := e.CancelJob(id); err == nil {
			t.Errorf("cancelling a %s job must fail", st)
		}
	}
}

func TestJobSnapshotIsolation(t *testing.T) {
	e := &Engine{jobs: make(map[string]*Job)}
	e.jobs["j-1"] = &Job{ID: "j-1", State: JobQueued}

	snap := e.snapshot("j-1")
	if snap == nil {
		t.Fatal("snapshot of a known job returned nil")
	}
	snap.State = JobFailed
	if e.jobs["j-1"].State != JobQueued {
		t.Error("mutating a snapshot leaked into the live handle")
	}

	if e.snapshot("missing") != nil {
		t.Error("snapshot of an unknown job must be nil")
	}
}
