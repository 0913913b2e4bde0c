package replay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/offbit/flowtrace/internal/db"
	"github.com/offbit/flowtrace/internal/logging"
	"github.com/offbit/flowtrace/internal/metrics"
	"github.com/offbit/flowtrace/internal/notify"
	"github.com/offbit/flowtrace/internal/recorder"
	"github.com/offbit/flowtrace/internal/trace"
)

// JobState is the lifecycle of an async replay job.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Options controls how a session is replayed. The zero value replays the
// whole session at original speed with fresh timestamps.
type Options struct {
	Speed              float64    `json:"speed"`
	PreserveTimestamps bool       `json:"preserve_timestamps"`
	SkipFailedNodes    bool       `json:"skip_failed_nodes"`
	StopOnError        bool       `json:"stop_on_error"`
	ReplayFrom         *time.Time `json:"replay_from,omitempty"`
	ReplayTo           *time.Time `json:"replay_to,omitempty"`
}

// Job is the handle returned by ReplaySession. Callers poll it by id; the
// error field is only set in the failed state.
type Job struct {
	ID                string     `json:"id"`
	SessionID         string     `json:"session_id"`
	ReplaySessionID   string     `json:"replay_session_id,omitempty"`
	Options           Options    `json:"options"`
	State             JobState   `json:"state"`
	EstimatedDuration string     `json:"estimated_duration,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
	TracesReplayed    int        `json:"traces_replayed"`
	Error             string     `json:"error,omitempty"`

	cancel context.CancelFunc
}

// Engine serves point-in-time reconstruction and runs async replay jobs on a
// bounded worker pool. Job handles live in memory; the derived replay
// sessions they produce are ordinary stored sessions.
type Engine struct {
	store    *db.Store
	recorder *recorder.Recorder
	bus      *notify.Bus
	logger   *logging.Logger

	mu    sync.RWMutex
	jobs  map[string]*Job
	queue chan string
	wg    sync.WaitGroup
	done  chan struct{}
}

// NewEngine creates a replay engine with `workers` job workers.
func NewEngine(store *db.Store, rec *recorder.Recorder, bus *notify.Bus, logger *logging.Logger, workers, queueSize int) *Engine {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 16
	}
	e := &Engine{
		store:    store,
		recorder: rec,
		bus:      bus,
		logger:   logger.WithComponent("replay"),
		jobs:     make(map[string]*Job),
		queue:    make(chan string, queueSize),
		done:     make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

// ReplaySession queues an async replay of a terminal session with the given
// options and returns the job handle immediately. Replay of a running or
// unknown session is rejected with ReplayNotAllowedError.
func (e *Engine) ReplaySession(ctx context.Context, sessionID string, opts Options) (*Job, error) {
	if opts.Speed <= 0 {
		opts.Speed = 1
	}
	if opts.ReplayFrom != nil && opts.ReplayTo != nil && opts.ReplayFrom.After(*opts.ReplayTo) {
		return nil, &trace.InvalidQueryError{Field: "replay_from", Reason: "must not be after replay_to"}
	}
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, trace.NewStorageRead("get session", err)
	}
	if sess == nil {
		return nil, &trace.ReplayNotAllowedError{SessionID: sessionID, Reason: "session does not exist"}
	}
	if !sess.Status.Terminal() {
		return nil, &trace.ReplayNotAllowedError{SessionID: sessionID, Reason: "session is still running"}
	}

	traces, err := e.sourceTraces(ctx, sessionID, opts)
	if err != nil {
		return nil, trace.NewStorageRead("list session traces", err)
	}
	planned, _ := planReplay(traces, opts)

	job := &Job{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Options:   opts,
		State:     JobQueued,
		CreatedAt: time.Now().UTC(),
	}
	if est := estimateDuration(planned, opts.Speed); est > 0 {
		job.EstimatedDuration = est.Truncate(time.Millisecond).String()
	}

	e.mu.Lock()
	e.jobs[job.ID] = job
	e.mu.Unlock()

	select {
	case e.queue <- job.ID:
	default:
		e.mu.Lock()
		delete(e.jobs, job.ID)
		e.mu.Unlock()
		return nil, &trace.ReplayNotAllowedError{SessionID: sessionID, Reason: "replay queue is full"}
	}

	e.publishJobCounts()
	return e.snapshot(job.ID), nil
}

// GetJob returns a snapshot of a job handle, or nil when unknown.
func (e *Engine) GetJob(id string) *Job {
	return e.snapshot(id)
}

// CancelJob stops a queued or running job. Cancelling a finished job is
// rejected.
func (e *Engine) CancelJob(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.jobs[id]
	if !ok {
		return fmt.Errorf("replay job %s not found", id)
	}
	switch job.State {
	case JobCompleted, JobFailed, JobCancelled:
		return fmt.Errorf("replay job %s already %s", id, job.State)
	case JobRunning:
		if job.cancel != nil {
			job.cancel()
		}
	}
	job.State = JobCancelled
	now := time.Now().UTC()
	job.FinishedAt = &now
	return nil
}

// Close stops accepting work and waits for in-flight jobs.
func (e *Engine) Close() {
	close(e.done)
	e.wg.Wait()
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		select {
		case id := <-e.queue:
			e.run(id)
		case <-e.done:
			return
		}
	}
}

func (e *Engine) run(id string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e.mu.Lock()
	job, ok := e.jobs[id]
	if !ok || job.State != JobQueued {
		e.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	job.State = JobRunning
	job.StartedAt = &now
	job.cancel = cancel
	sessionID := job.SessionID
	opts := job.Options
	e.mu.Unlock()
	e.publishJobCounts()

	replayed, replaySessionID, err := e.execute(ctx, sessionID, opts)

	e.mu.Lock()
	finished := time.Now().UTC()
	job.TracesReplayed = replayed
	job.ReplaySessionID = replaySessionID
	if job.State == JobCancelled {
		// Cancelled mid-run; state already set.
	} else if err != nil {
		job.State = JobFailed
		job.Error = err.Error()
		job.FinishedAt = &finished
	} else {
		job.State = JobCompleted
		job.FinishedAt = &finished
	}
	e.mu.Unlock()
	e.publishJobCounts()

	if err != nil {
		e.logger.Error("replay job failed", err, map[string]interface{}{
			"job_id": id, "session_id": sessionID,
		})
	}
}

// sourceTraces loads the traces a replay will walk, bounded to the
// requested window when one is given.
func (e *Engine) sourceTraces(ctx context.Context, sessionID string, opts Options) ([]trace.FlowTrace, error) {
	if opts.ReplayFrom != nil || opts.ReplayTo != nil {
		from := time.Unix(0, 0).UTC()
		if opts.ReplayFrom != nil {
			from = opts.ReplayFrom.UTC()
		}
		to := time.Now().UTC()
		if opts.ReplayTo != nil {
			to = opts.ReplayTo.UTC()
		}
		return e.store.ListTracesWindow(ctx, sessionID, from, to)
	}
	return e.store.ListSessionTraces(ctx, sessionID)
}

// planReplay applies the replay options to the source sequence. Error-status
// traces are dropped when SkipFailedNodes is set; with StopOnError the
// sequence is cut after the first error trace and stopped reports true.
func planReplay(traces []trace.FlowTrace, opts Options) (planned []trace.FlowTrace, stopped bool) {
	for _, t := range traces {
		if opts.SkipFailedNodes && t.Status == trace.TraceError {
			continue
		}
		planned = append(planned, t)
		if opts.StopOnError && t.Status == trace.TraceError {
			return planned, true
		}
	}
	return planned, false
}

// execute creates a derived session and re-records the source traces into it
// with original relative timing scaled by speed. The derived session is a
// first-class stored session marked by metadata so queries can tell it apart
// from live executions.
func (e *Engine) execute(ctx context.Context, sessionID string, opts Options) (int, string, error) {
	source, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return 0, "", trace.NewStorageRead("get session", err)
	}
	if source == nil {
		return 0, "", trace.ErrSessionNotFound
	}
	traces, err := e.sourceTraces(ctx, sessionID, opts)
	if err != nil {
		return 0, "", trace.NewStorageRead("list session traces", err)
	}
	planned, stopped := planReplay(traces, opts)

	derived, err := e.recorder.CreateSession(ctx, &trace.Session{
		WorkflowID:   source.WorkflowID,
		WorkflowName: source.WorkflowName,
		ExecutionID:  replayExecutionID(sessionID),
		UserID:       source.UserID,
		Metadata: map[string]interface{}{
			"replay_of":    sessionID,
			"replay_speed": opts.Speed,
		},
	})
	if err != nil {
		return 0, "", err
	}

	replayed := 0
	var prev time.Time
	for _, t := range planned {
		if !prev.IsZero() {
			gap := time.Duration(float64(t.Timestamp.Sub(prev)) / opts.Speed)
			if gap > 0 {
				select {
				case <-time.After(gap):
				case <-ctx.Done():
					e.finishDerived(derived.ID, trace.SessionCancelled)
					return replayed, derived.ID, nil
				}
			}
		}
		prev = t.Timestamp

		rt := t
		rt.ID = ""
		rt.SessionID = derived.ID
		if !opts.PreserveTimestamps {
			rt.Timestamp = time.Now().UTC()
		}
		if err := e.recorder.AddTrace(ctx, rt); err != nil {
			e.finishDerived(derived.ID, trace.SessionFailed)
			return replayed, derived.ID, err
		}
		replayed++
	}

	if stopped {
		e.finishDerived(derived.ID, trace.SessionFailed)
	} else {
		e.finishDerived(derived.ID, trace.SessionCompleted)
	}
	return replayed, derived.ID, nil
}

func (e *Engine) finishDerived(id string, status trace.SessionStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := e.recorder.CompleteSession(ctx, id, status, nil); err != nil {
		e.logger.Warn("failed to finish derived replay session", map[string]interface{}{
			"session_id": id, "error": err.Error(),
		})
	}
}

func (e *Engine) snapshot(id string) *Job {
	e.mu.RLock()
	defer e.mu.RUnlock()
	job, ok := e.jobs[id]
	if !ok {
		return nil
	}
	copied := *job
	copied.cancel = nil
	return &copied
}

func (e *Engine) publishJobCounts() {
	counts := map[JobState]int{}
	e.mu.RLock()
	for _, j := range e.jobs {
		counts[j.State]++
	}
	e.mu.RUnlock()
	for _, st := range []JobState{JobQueued, JobRunning, JobCompleted, JobFailed, JobCancelled} {
		metrics.SetJobCount("replay", string(st), counts[st])
	}
}
