package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/offbit/flowtrace/internal/logging"
	"github.com/offbit/flowtrace/internal/metrics"
	"github.com/offbit/flowtrace/internal/trace"
)

// EventKind identifies a notification type on the wire.
type EventKind string

const (
	KindExecutionStarted   EventKind = "execution.started"
	KindExecutionCompleted EventKind = "execution.completed"
	KindExecutionFailed    EventKind = "execution.failed"
	KindTraceEvent         EventKind = "trace.event"
)

// Envelope is one notification as delivered to every sink. Delivery is
// at-least-once: a sink may see the same envelope id more than once after a
// retried delivery, never less than once while the process is up.
type Envelope struct {
	ID        string      `json:"id"`
	Kind      EventKind   `json:"kind"`
	Timestamp time.Time   `json:"timestamp"`
	SessionID string      `json:"session_id"`
	Payload   interface{} `json:"payload,omitempty"`
}

// Sink receives notifications. Deliver returning an error triggers a retry.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, env Envelope) error
}

// ExecutionStartedPayload accompanies KindExecutionStarted.
type ExecutionStartedPayload struct {
	WorkflowID   string    `json:"workflow_id"`
	WorkflowName string    `json:"workflow_name"`
	ExecutionID  string    `json:"execution_id"`
	StartTime    time.Time `json:"start_time"`
}

// ExecutionFinishedPayload accompanies completed and failed notifications.
type ExecutionFinishedPayload struct {
	WorkflowID string              `json:"workflow_id"`
	Status     trace.SessionStatus `json:"status"`
	Summary    *trace.Summary      `json:"summary,omitempty"`
	Error      *trace.SessionError `json:"error,omitempty"`
}

// Bus fans notifications out to registered sinks. Each sink gets its own
// delivery queue and worker so a slow webhook cannot stall the websocket hub.
type Bus struct {
	logger *logging.Logger

	mu     sync.Mutex
	queues map[string]chan Envelope
	sinks  map[string]Sink

	retryLimit   int
	retryBackoff time.Duration
	wg           sync.WaitGroup
	done         chan struct{}
	closeOnce    sync.Once
}

// NewBus creates a notification bus. retryLimit delivery attempts are made
// per sink with linear backoff before an envelope is abandoned.
func NewBus(logger *logging.Logger, retryLimit int, retryBackoff time.Duration) *Bus {
	if retryLimit < 1 {
		retryLimit = 1
	}
	return &Bus{
		logger:       logger.WithComponent("notify"),
		queues:       make(map[string]chan Envelope),
		sinks:        make(map[string]Sink),
		retryLimit:   retryLimit,
		retryBackoff: retryBackoff,
		done:         make(chan struct{}),
	}
}

// Register attaches a sink and starts its delivery worker.
func (b *Bus) Register(sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sinks[sink.Name()]; ok {
		return
	}
	q := make(chan Envelope, 1024)
	b.sinks[sink.Name()] = sink
	b.queues[sink.Name()] = q
	b.wg.Add(1)
	go b.deliverLoop(sink, q)
}

// Publish enqueues an envelope to all sinks. Trace processing never blocks
// on delivery: a sink whose queue is full loses this envelope and the loss
// is counted.
func (b *Bus) Publish(kind EventKind, sessionID string, payload interface{}) {
	env := Envelope{
		ID:        uuid.New().String(),
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		Payload:   payload,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, q := range b.queues {
		select {
		case q <- env:
		default:
			metrics.RecordNotification(string(kind), "queue_full")
			b.logger.Warn("notification queue full, envelope lost", map[string]interface{}{
				"sink": name, "kind": string(kind), "session_id": sessionID,
			})
		}
	}
}

// ExecutionStarted publishes a session-start notification.
func (b *Bus) ExecutionStarted(session *trace.Session) {
	b.Publish(KindExecutionStarted, session.ID, ExecutionStartedPayload{
		WorkflowID:   session.WorkflowID,
		WorkflowName: session.WorkflowName,
		ExecutionID:  session.ExecutionID,
		StartTime:    session.StartTime,
	})
}

// ExecutionCompleted publishes a successful-completion notification.
func (b *Bus) ExecutionCompleted(session *trace.Session) {
	b.Publish(KindExecutionCompleted, session.ID, ExecutionFinishedPayload{
		WorkflowID: session.WorkflowID,
		Status:     session.Status,
		Summary:    session.Summary,
	})
}

// ExecutionFailed publishes a failure notification with the session error.
func (b *Bus) ExecutionFailed(session *trace.Session, sessErr *trace.SessionError) {
	b.Publish(KindExecutionFailed, session.ID, ExecutionFinishedPayload{
		WorkflowID: session.WorkflowID,
		Status:     session.Status,
		Summary:    session.Summary,
		Error:      sessErr,
	})
}

// TraceEvent publishes a node-level event notification.
func (b *Bus) TraceEvent(event *trace.Event) {
	b.Publish(KindTraceEvent, event.SessionID, event)
}

func (b *Bus) deliverLoop(sink Sink, q chan Envelope) {
	defer b.wg.Done()
	for {
		select {
		case env := <-q:
			b.deliver(sink, env)
		case <-b.done:
			// Drain what is already queued before exiting.
			for {
				select {
				case env := <-q:
					b.deliver(sink, env)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(sink Sink, env Envelope) {
	for attempt := 1; attempt <= b.retryLimit; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := sink.Deliver(ctx, env)
		cancel()
		if err == nil {
			metrics.RecordNotification(string(env.Kind), "delivered")
			return
		}
		if attempt < b.retryLimit {
			time.Sleep(time.Duration(attempt) * b.retryBackoff)
			continue
		}
		metrics.RecordNotification(string(env.Kind), "failed")
		b.logger.Error("notification delivery abandoned", err, map[string]interface{}{
			"sink": sink.Name(), "kind": string(env.Kind), "envelope_id": env.ID,
		})
	}
}

// Close stops delivery workers after draining queued envelopes.
func (b *Bus) Close() {
	b.closeOnce.Do(func() { close(b.done) })
	b.wg.Wait()
}
