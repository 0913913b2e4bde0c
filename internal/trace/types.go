package trace

import (
	"time"
)

/* SessionStatus is the lifecycle state of a trace session */
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionCancelled SessionStatus = "cancelled"
)

// Terminal reports whether a session in this status may no longer be mutated.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionCancelled
}

// Valid reports whether the status is one of the known lifecycle states.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionRunning, SessionCompleted, SessionFailed, SessionCancelled:
		return true
	}
	return false
}

/* TraceStatus is the outcome of a single edge traversal */
type TraceStatus string

const (
	TraceSuccess TraceStatus = "success"
	TraceError   TraceStatus = "error"
	TraceWarning TraceStatus = "warning"
)

// Valid reports whether the status is a known trace outcome.
func (s TraceStatus) Valid() bool {
	switch s {
	case TraceSuccess, TraceError, TraceWarning:
		return true
	}
	return false
}

/* EventType classifies a node-level lifecycle event */
type EventType string

const (
	EventStart    EventType = "start"
	EventComplete EventType = "complete"
	EventInput    EventType = "input"
	EventOutput   EventType = "output"
	EventErrorT   EventType = "error"
	EventLog      EventType = "log"
)

// Valid reports whether the event type is a known variant.
func (e EventType) Valid() bool {
	switch e {
	case EventStart, EventComplete, EventInput, EventOutput, EventErrorT, EventLog:
		return true
	}
	return false
}

/* Session represents one workflow execution's observability record */
type Session struct {
	ID                string                 `json:"id"`
	WorkflowID        string                 `json:"workflow_id"`
	WorkflowVersionID *string                `json:"workflow_version_id,omitempty"`
	WorkflowName      string                 `json:"workflow_name"`
	ExecutionID       string                 `json:"execution_id"`
	UserID            string                 `json:"user_id"`
	StartTime         time.Time              `json:"start_time"`
	EndTime           *time.Time             `json:"end_time,omitempty"`
	Status            SessionStatus          `json:"status"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
	Summary           *Summary               `json:"summary,omitempty"`
	Traces            []FlowTrace            `json:"traces,omitempty"`
}

/* Summary holds denormalized per-session counters */
type Summary struct {
	TotalTraces     int     `json:"total_traces"`
	SuccessCount    int     `json:"success_count"`
	ErrorCount      int     `json:"error_count"`
	WarningCount    int     `json:"warning_count"`
	TotalDataSize   int64   `json:"total_data_size"`
	AverageDuration float64 `json:"average_duration"`
}

/* Node identifies one endpoint of an edge traversal */
type Node struct {
	NodeID   string `json:"node_id"`
	NodeName string `json:"node_name"`
	NodeType string `json:"node_type"`
	PortID   string `json:"port_id"`
	PortName string `json:"port_name"`
	PortType string `json:"port_type"`
}

/* Data describes the payload carried across an edge */
type Data struct {
	Payload interface{} `json:"payload,omitempty"`
	Size    int64       `json:"size"`
	Type    string      `json:"type"`
	Preview string      `json:"preview,omitempty"`
}

/* Error carries failure detail for a trace or event */
type Error struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

/* FlowTrace records one data hand-off between two node ports */
type FlowTrace struct {
	ID            string      `json:"id"`
	SessionID     string      `json:"session_id"`
	WorkflowID    string      `json:"workflow_id,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
	Duration      int64       `json:"duration"`
	Status        TraceStatus `json:"status"`
	Source        Node        `json:"source"`
	Target        Node        `json:"target"`
	Data          Data        `json:"data"`
	Error         *Error      `json:"error,omitempty"`
	GraphID       string      `json:"graph_id,omitempty"`
	GraphName     string      `json:"graph_name,omitempty"`
	ParentTraceID *string     `json:"parent_trace_id,omitempty"`
	Depth         int         `json:"depth"`
}

/* Event records one node-level lifecycle occurrence */
type Event struct {
	ID        string                 `json:"id"`
	SessionID string                 `json:"session_id"`
	NodeID    string                 `json:"node_id"`
	PortID    *string                `json:"port_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	EventType EventType              `json:"event_type"`
	Data      interface{}            `json:"data,omitempty"`
	Duration  *int64                 `json:"duration,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Error     *Error                 `json:"error,omitempty"`
}

/* SessionError is the failure detail attached when a session completes as failed */
type SessionError struct {
	Message string `json:"message"`
	NodeID  string `json:"node_id,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

// ComputeSummary recomputes summary counters from a full trace set. Used when
// no cached summary is present; the stored counters are maintained by atomic
// increments on the write path.
func ComputeSummary(traces []FlowTrace) *Summary {
	s := &Summary{}
	var totalDuration int64
	for _, t := range traces {
		s.TotalTraces++
		switch t.Status {
		case TraceSuccess:
			s.SuccessCount++
		case TraceError:
			s.ErrorCount++
		case TraceWarning:
			s.WarningCount++
		}
		s.TotalDataSize += t.Data.Size
		totalDuration += t.Duration
	}
	if s.TotalTraces > 0 {
		s.AverageDuration = float64(totalDuration) / float64(s.TotalTraces)
	}
	return s
}
