package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/offbit/flowtrace/internal/config"
	"github.com/offbit/flowtrace/internal/db"
	"github.com/offbit/flowtrace/internal/logging"
	"github.com/offbit/flowtrace/internal/metrics"
	"github.com/offbit/flowtrace/internal/notify"
	"github.com/offbit/flowtrace/internal/trace"
)

// Recorder is the write path for trace data. Session lifecycle operations
// (create, update, complete) hit storage synchronously; AddTrace and AddEvent
// enqueue into a bounded buffer flushed in batches by a background worker.
// A full buffer drops the record and counts the loss rather than blocking
// the caller.
type Recorder struct {
	store  *db.Store
	bus    *notify.Bus
	logger *logging.Logger
	cfg    config.RecorderConfig

	traceCh chan trace.FlowTrace
	eventCh chan trace.Event
	syncCh  chan chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup

	dropped atomic.Int64

	mu        sync.RWMutex
	workflows map[string]string // session id -> workflow id
}

// New creates a Recorder and starts its flush worker.
func New(store *db.Store, bus *notify.Bus, logger *logging.Logger, cfg config.RecorderConfig) *Recorder {
	r := &Recorder{
		store:     store,
		bus:       bus,
		logger:    logger.WithComponent("recorder"),
		cfg:       cfg,
		traceCh:   make(chan trace.FlowTrace, cfg.BufferSize),
		eventCh:   make(chan trace.Event, cfg.BufferSize),
		syncCh:    make(chan chan struct{}),
		done:      make(chan struct{}),
		workflows: make(map[string]string),
	}
	r.wg.Add(1)
	go r.flushLoop()
	return r
}

// CreateSession registers a new trace session. Creating twice with the same
// (workflowID, executionID) returns the original session without emitting a
// second start notification.
func (r *Recorder) CreateSession(ctx context.Context, sess *trace.Session) (*trace.Session, error) {
	if sess.WorkflowID == "" {
		return nil, &trace.InvalidQueryError{Field: "workflow_id", Reason: "must not be empty"}
	}
	if sess.ExecutionID == "" {
		return nil, &trace.InvalidQueryError{Field: "execution_id", Reason: "must not be empty"}
	}

	created, err := r.store.CreateSession(ctx, sess)
	if err != nil {
		return nil, trace.NewStorageWrite("create session", err)
	}

	r.mu.Lock()
	r.workflows[created.ID] = created.WorkflowID
	r.mu.Unlock()

	// A returned id differing from the one we inserted means the insert hit
	// the execution dedupe and an earlier session was handed back.
	if created.ID == sess.ID {
		r.bus.ExecutionStarted(created)
	}
	return created, nil
}

// AddTrace enqueues one flow trace. Best effort: a validation failure is
// returned to the caller, but once accepted the write may still be dropped
// later if storage stays unavailable through all flush retries.
func (r *Recorder) AddTrace(ctx context.Context, t trace.FlowTrace) error {
	if t.SessionID == "" {
		return &trace.InvalidQueryError{Field: "session_id", Reason: "must not be empty"}
	}
	if !t.Status.Valid() {
		return &trace.InvalidQueryError{Field: "status", Reason: fmt.Sprintf("unknown trace status %q", t.Status)}
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
	if t.Data.Size == 0 && t.Data.Payload != nil {
		t.Data.Size = payloadSize(t.Data.Payload)
	}
	if t.WorkflowID == "" {
		t.WorkflowID = r.workflowFor(ctx, t.SessionID)
	}

	select {
	case r.traceCh <- t:
		metrics.RecordAccepted("traces", 1)
		metrics.SetBufferDepth("traces", len(r.traceCh))
		return nil
	default:
		r.dropped.Add(1)
		metrics.RecordDropped("traces", "buffer_full", 1)
		return nil
	}
}

// AddEvent enqueues one node event and publishes it to the notification bus.
func (r *Recorder) AddEvent(ctx context.Context, e trace.Event) error {
	if e.SessionID == "" {
		return &trace.InvalidQueryError{Field: "session_id", Reason: "must not be empty"}
	}
	if !e.EventType.Valid() {
		return &trace.InvalidQueryError{Field: "event_type", Reason: fmt.Sprintf("unknown event type %q", e.EventType)}
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	select {
	case r.eventCh <- e:
		metrics.RecordAccepted("events", 1)
		metrics.SetBufferDepth("events", len(r.eventCh))
		r.bus.TraceEvent(&e)
		return nil
	default:
		r.dropped.Add(1)
		metrics.RecordDropped("events", "buffer_full", 1)
		return nil
	}
}

// AddEvents enqueues a batch of events, stopping at the first validation
// failure. Used by the batch ingestion endpoint.
func (r *Recorder) AddEvents(ctx context.Context, events []trace.Event) error {
	for _, e := range events {
		if err := r.AddEvent(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// UpdateSession applies a partial mutation to a running session. Updates to
// terminal sessions are silent no-ops; updates to unknown sessions return
// ErrSessionNotFound.
func (r *Recorder) UpdateSession(ctx context.Context, id string, update db.SessionUpdate) error {
	if err := r.store.UpdateSession(ctx, id, update); err != nil {
		if err == trace.ErrSessionNotFound {
			return err
		}
		return trace.NewStorageWrite("update session", err)
	}
	return nil
}

// CompleteSession performs the terminal transition. Buffered traces for the
// session are flushed first so the recomputed summary is complete. Exactly
// one completion notification is emitted per session; repeat calls are
// idempotent no-ops.
func (r *Recorder) CompleteSession(ctx context.Context, id string, status trace.SessionStatus, sessErr *trace.SessionError) (*trace.Session, error) {
	if !status.Terminal() {
		return nil, &trace.InvalidQueryError{Field: "status", Reason: fmt.Sprintf("%q is not a terminal status", status)}
	}

	r.Flush()

	if sessErr != nil {
		if err := r.attachError(ctx, id, sessErr); err != nil && err != trace.ErrSessionNotFound {
			r.logger.Warn("failed to attach session error", map[string]interface{}{
				"session_id": id, "error": err.Error(),
			})
		}
	}

	summary, err := r.store.RecomputeSummary(ctx, id)
	if err != nil {
		return nil, trace.NewStorageWrite("recompute summary", err)
	}

	completed, err := r.store.CompleteSession(ctx, id, status, summary)
	if err != nil {
		if err == trace.ErrSessionNotFound {
			return nil, err
		}
		return nil, trace.NewStorageWrite("complete session", err)
	}

	sess, err := r.store.GetSession(ctx, id)
	if err != nil {
		return nil, trace.NewStorageRead("get session", err)
	}
	if sess == nil {
		return nil, trace.ErrSessionNotFound
	}

	if completed {
		r.mu.Lock()
		delete(r.workflows, id)
		r.mu.Unlock()
		if status == trace.SessionFailed {
			r.bus.ExecutionFailed(sess, sessErr)
		} else {
			r.bus.ExecutionCompleted(sess)
		}
	}
	return sess, nil
}

// Flush synchronously drains the buffer through the flush worker. Blocks
// until everything enqueued before the call has been written or dropped.
func (r *Recorder) Flush() {
	ack := make(chan struct{})
	select {
	case r.syncCh <- ack:
		<-ack
	case <-r.done:
	}
}

// Dropped reports how many records have been discarded since startup.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close flushes remaining records and stops the worker.
func (r *Recorder) Close() {
	r.Flush()
	close(r.done)
	r.wg.Wait()
}

func (r *Recorder) workflowFor(ctx context.Context, sessionID string) string {
	r.mu.RLock()
	wf, ok := r.workflows[sessionID]
	r.mu.RUnlock()
	if ok {
		return wf
	}
	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil || sess == nil {
		return ""
	}
	r.mu.Lock()
	r.workflows[sessionID] = sess.WorkflowID
	r.mu.Unlock()
	return sess.WorkflowID
}

func (r *Recorder) attachError(ctx context.Context, id string, sessErr *trace.SessionError) error {
	sess, err := r.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if sess == nil {
		return trace.ErrSessionNotFound
	}
	meta := sess.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}
	meta["error"] = sessErr
	return r.store.UpdateSession(ctx, id, db.SessionUpdate{Metadata: meta})
}

func (r *Recorder) flushLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	var traces []trace.FlowTrace
	var events []trace.Event

	flush := func() {
		if len(traces) > 0 {
			r.writeTraces(traces)
			traces = traces[:0]
		}
		if len(events) > 0 {
			r.writeEvents(events)
			events = events[:0]
		}
		metrics.SetBufferDepth("traces", len(r.traceCh))
		metrics.SetBufferDepth("events", len(r.eventCh))
	}

	for {
		select {
		case t := <-r.traceCh:
			traces = append(traces, t)
			if len(traces) >= r.cfg.BatchSize {
				flush()
			}
		case e := <-r.eventCh:
			events = append(events, e)
			if len(events) >= r.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case ack := <-r.syncCh:
		drainLoop:
			for {
				select {
				case t := <-r.traceCh:
					traces = append(traces, t)
				case e := <-r.eventCh:
					events = append(events, e)
				default:
					break drainLoop
				}
			}
			flush()
			close(ack)
		case <-r.done:
			flush()
			return
		}
	}
}

// writeTraces stores one batch, retrying transient failures before dropping
// the whole batch. On success the per-session summary counters are bumped
// atomically.
func (r *Recorder) writeTraces(batch []trace.FlowTrace) {
	start := time.Now()
	err := r.withRetries(func(ctx context.Context) error {
		return r.store.InsertTraces(ctx, batch)
	})
	metrics.ObserveFlush(time.Since(start).Seconds())
	if err != nil {
		r.dropped.Add(int64(len(batch)))
		metrics.RecordDropped("traces", "flush_failed", len(batch))
		r.logger.Error("trace batch dropped after retries", err, map[string]interface{}{
			"batch_size": len(batch),
		})
		return
	}

	deltas := map[string]db.SummaryDelta{}
	for _, t := range batch {
		d := deltas[t.SessionID]
		d.Traces++
		switch t.Status {
		case trace.TraceSuccess:
			d.Success++
		case trace.TraceError:
			d.Errors++
		case trace.TraceWarning:
			d.Warnings++
		}
		d.DataSize += t.Data.Size
		d.Duration += t.Duration
		deltas[t.SessionID] = d
	}
	for sessionID, delta := range deltas {
		err := r.withRetries(func(ctx context.Context) error {
			return r.store.ApplySummaryDelta(ctx, sessionID, delta)
		})
		if err != nil {
			// Counters will be rebuilt from raw rows at completion.
			r.logger.Warn("summary delta not applied", map[string]interface{}{
				"session_id": sessionID, "error": err.Error(),
			})
		}
	}
}

func (r *Recorder) writeEvents(batch []trace.Event) {
	err := r.withRetries(func(ctx context.Context) error {
		return r.store.InsertEvents(ctx, batch)
	})
	if err != nil {
		r.dropped.Add(int64(len(batch)))
		metrics.RecordDropped("events", "flush_failed", len(batch))
		r.logger.Error("event batch dropped after retries", err, map[string]interface{}{
			"batch_size": len(batch),
		})
	}
}

func (r *Recorder) withRetries(op func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= r.cfg.RetryLimit; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = op(ctx)
		cancel()
		if err == nil {
			return nil
		}
		if attempt < r.cfg.RetryLimit {
			time.Sleep(time.Duration(attempt) * r.cfg.RetryBackoff)
		}
	}
	return err
}

// payloadSize measures a trace payload in bytes. Structured payloads are
// measured by their JSON encoding, which is how they are stored.
func payloadSize(payload interface{}) int64 {
	switch v := payload.(type) {
	case string:
		return int64(len(v))
	case []byte:
		return int64(len(v))
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return 0
		}
		return int64(len(encoded))
	}
}
