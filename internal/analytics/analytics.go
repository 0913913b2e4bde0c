package analytics

import (
	"context"
	"time"

	"github.com/offbit/flowtrace/internal/db"
	"github.com/offbit/flowtrace/internal/trace"
)

// GetSessionStats returns per-bucket workflow activity at hour or day
// granularity. Recent buckets not yet rolled up are recomputed from raw
// traces so the series has no trailing gap.
func (s *Service) GetSessionStats(ctx context.Context, workflowID, granularity string, from, to time.Time) ([]db.StatsRow, error) {
	if workflowID == "" {
		return nil, &trace.InvalidQueryError{Field: "workflow_id", Reason: "must not be empty"}
	}
	if granularity != "hour" && granularity != "day" {
		return nil, &trace.InvalidQueryError{Field: "granularity", Reason: `must be "hour" or "day"`}
	}
	if from.After(to) {
		return nil, &trace.InvalidQueryError{Field: "from", Reason: "must not be after to"}
	}
	rows, err := s.store.SessionStatsRows(ctx, workflowID, granularity, from, to)
	if err != nil {
		return nil, trace.NewStorageRead("session stats", err)
	}
	return rows, nil
}

// GetNodePerformance returns one node's hourly duration and error series for
// the trailing `hours` window.
func (s *Service) GetNodePerformance(ctx context.Context, nodeID string, hours int) ([]db.NodePerfRow, error) {
	if nodeID == "" {
		return nil, &trace.InvalidQueryError{Field: "node_id", Reason: "must not be empty"}
	}
	if hours <= 0 {
		return nil, &trace.InvalidQueryError{Field: "hours", Reason: "must be positive"}
	}
	to := time.Now().UTC()
	from := to.Add(-time.Duration(hours) * time.Hour)
	rows, err := s.store.NodePerformance(ctx, nodeID, from, to)
	if err != nil {
		return nil, trace.NewStorageRead("node performance", err)
	}
	return rows, nil
}

// Section wraps one composite-analytics section. Available is false when the
// underlying query failed; the rest of the composite is still served.
type Section struct {
	Available bool        `json:"available"`
	Error     string      `json:"error,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// Composite is the one-call analytics overview for a workflow.
type Composite struct {
	WorkflowID     string    `json:"workflow_id"`
	From           time.Time `json:"from"`
	To             time.Time `json:"to"`
	Stats          Section   `json:"stats"`
	NodePerf       Section   `json:"node_performance"`
	SlowestTraces  Section   `json:"slowest_traces"`
	FastestTraces  Section   `json:"fastest_traces"`
	Errors         Section   `json:"errors"`
	Trends         Section   `json:"trends"`
	RecentSessions Section   `json:"recent_sessions"`
	Storage        Section   `json:"storage"`
}

// Bounds for the composite's trace rankings and recent-error list.
const (
	rankedTraceLimit = 10
	recentErrorLimit = 20
)

// GetAnalytics assembles the composite overview. Each section degrades
// independently: a failed section is marked unavailable with its error while
// the others are still populated.
func (s *Service) GetAnalytics(ctx context.Context, workflowID string, from, to time.Time) (*Composite, error) {
	if workflowID == "" {
		return nil, &trace.InvalidQueryError{Field: "workflow_id", Reason: "must not be empty"}
	}
	if from.After(to) {
		return nil, &trace.InvalidQueryError{Field: "from", Reason: "must not be after to"}
	}

	comp := &Composite{WorkflowID: workflowID, From: from, To: to}

	if rows, err := s.store.SessionStatsRows(ctx, workflowID, "hour", from, to); err != nil {
		comp.Stats = Section{Error: err.Error()}
	} else {
		comp.Stats = Section{Available: true, Data: rows}
	}

	if rows, err := s.store.WorkflowNodeBreakdown(ctx, workflowID, from, to); err != nil {
		comp.NodePerf = Section{Error: err.Error()}
	} else {
		comp.NodePerf = Section{Available: true, Data: rows}
	}

	if traces, err := s.store.TracesByDuration(ctx, workflowID, from, to, rankedTraceLimit, true); err != nil {
		comp.SlowestTraces = Section{Error: err.Error()}
	} else {
		comp.SlowestTraces = Section{Available: true, Data: traces}
	}

	if traces, err := s.store.TracesByDuration(ctx, workflowID, from, to, rankedTraceLimit, false); err != nil {
		comp.FastestTraces = Section{Error: err.Error()}
	} else {
		comp.FastestTraces = Section{Available: true, Data: traces}
	}

	if breakdown, err := s.store.WorkflowErrorBreakdown(ctx, workflowID, from, to, recentErrorLimit); err != nil {
		comp.Errors = Section{Error: err.Error()}
	} else {
		comp.Errors = Section{Available: true, Data: breakdown}
	}

	if trends, err := s.store.WorkflowTrends(ctx, workflowID, from, to); err != nil {
		comp.Trends = Section{Error: err.Error()}
	} else {
		comp.Trends = Section{Available: true, Data: trends}
	}

	if sessions, _, err := s.store.ListSessions(ctx, db.SessionFilter{
		WorkflowID: workflowID,
		DateFrom:   &from,
		DateTo:     &to,
		Limit:      10,
	}); err != nil {
		comp.RecentSessions = Section{Error: err.Error()}
	} else {
		comp.RecentSessions = Section{Available: true, Data: sessions}
	}

	health := s.store.Health(ctx)
	comp.Storage = Section{Available: health.Reachable, Data: health}

	return comp, nil
}
