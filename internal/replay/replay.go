package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/offbit/flowtrace/internal/db"
	"github.com/offbit/flowtrace/internal/trace"
)

// GetWorkflowStateAt reconstructs the data each node port held at ts by
// folding the workflow's traces up to that point, most recent trace per
// target port winning. Pure read: calling it twice with the same arguments
// yields the same state.
func (e *Engine) GetWorkflowStateAt(ctx context.Context, workflowID string, ts time.Time) ([]db.PortState, error) {
	if workflowID == "" {
		return nil, &trace.InvalidQueryError{Field: "workflow_id", Reason: "must not be empty"}
	}
	if ts.IsZero() {
		return nil, &trace.InvalidQueryError{Field: "timestamp", Reason: "must be set"}
	}
	states, err := e.store.WorkflowStateAt(ctx, workflowID, ts)
	if err != nil {
		return nil, trace.NewStorageRead("workflow state at", err)
	}
	return states, nil
}

// ReplayTraces returns the session's traces inside [from, to] in timestamp
// order, for callers stepping through a window themselves.
func (e *Engine) ReplayTraces(ctx context.Context, sessionID string, from, to time.Time) ([]trace.FlowTrace, error) {
	if sessionID == "" {
		return nil, &trace.InvalidQueryError{Field: "session_id", Reason: "must not be empty"}
	}
	if from.After(to) {
		return nil, &trace.InvalidQueryError{Field: "from", Reason: "must not be after to"}
	}
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, trace.NewStorageRead("get session", err)
	}
	if sess == nil {
		return nil, trace.ErrSessionNotFound
	}
	traces, err := e.store.ListTracesWindow(ctx, sessionID, from, to)
	if err != nil {
		return nil, trace.NewStorageRead("list traces window", err)
	}
	return traces, nil
}

// Timeline is a bucketed view of one session's activity with its node
// events interleaved for scrubbing UIs.
type Timeline struct {
	SessionID string              `json:"session_id"`
	Interval  string              `json:"interval"`
	Buckets   []db.TimelineBucket `json:"buckets"`
	Events    []trace.Event       `json:"events,omitempty"`
}

// GetExecutionTimeline buckets a session's traces into fixed intervals and
// attaches the session's lifecycle events.
func (e *Engine) GetExecutionTimeline(ctx context.Context, sessionID string, interval time.Duration) (*Timeline, error) {
	if sessionID == "" {
		return nil, &trace.InvalidQueryError{Field: "session_id", Reason: "must not be empty"}
	}
	if interval <= 0 {
		interval = time.Second
	}
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, trace.NewStorageRead("get session", err)
	}
	if sess == nil {
		return nil, trace.ErrSessionNotFound
	}

	buckets, err := e.store.TimelineBuckets(ctx, sessionID, interval)
	if err != nil {
		return nil, trace.NewStorageRead("timeline buckets", err)
	}
	events, err := e.store.ListSessionEvents(ctx, sessionID, db.EventFilter{})
	if err != nil {
		return nil, trace.NewStorageRead("list session events", err)
	}
	return &Timeline{
		SessionID: sessionID,
		Interval:  interval.String(),
		Buckets:   buckets,
		Events:    events,
	}, nil
}

func estimateDuration(traces []trace.FlowTrace, speed float64) time.Duration {
	if len(traces) == 0 || speed <= 0 {
		return 0
	}
	span := traces[len(traces)-1].Timestamp.Sub(traces[0].Timestamp)
	return time.Duration(float64(span) / speed)
}

func replayExecutionID(sourceID string) string {
	return fmt.Sprintf("replay-%s-%d", sourceID, time.Now().UnixNano())
}
