package trace

import (
	"testing"
	"time"
)

func TestComputeSummary(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	traces := []FlowTrace{
		{
			Timestamp: base,
			Duration:  1250,
			Status:    TraceSuccess,
			Data:      Data{Size: 2048},
		},
		{
			Timestamp: base.Add(2 * time.Second),
			Duration:  300,
			Status:    TraceError,
			Data:      Data{Size: 64},
			Error:     &Error{Message: "boom"},
		},
	}

	s := ComputeSummary(traces)

	if s.TotalTraces != 2 {
		t.Errorf("TotalTraces = %d, want 2", s.TotalTraces)
	}
	if s.SuccessCount != 1 {
		t.Errorf("SuccessCount = %d, want 1", s.SuccessCount)
	}
	if s.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", s.ErrorCount)
	}
	if s.WarningCount != 0 {
		t.Errorf("WarningCount = %d, want 0", s.WarningCount)
	}
	if s.TotalDataSize != 2112 {
		t.Errorf("TotalDataSize = %d, want 2112", s.TotalDataSize)
	}
	if s.AverageDuration != 775 {
		t.Errorf("AverageDuration = %f, want 775", s.AverageDuration)
	}
	if s.TotalTraces != s.SuccessCount+s.ErrorCount+s.WarningCount {
		t.Errorf("status counts %d+%d+%d do not add up to total %d",
			s.SuccessCount, s.ErrorCount, s.WarningCount, s.TotalTraces)
	}
}

func TestComputeSummaryEmpty(t *testing.T) {
	s := ComputeSummary(nil)
	if s.TotalTraces != 0 || s.AverageDuration != 0 || s.TotalDataSize != 0 {
		t.Errorf("empty summary not zeroed: %+v", s)
	}
}

func TestSessionStatusTerminal(t *testing.T) {
	cases := []struct {
		status   SessionStatus
		terminal bool
	}{
		{SessionRunning, false},
		{SessionCompleted, true},
		{SessionFailed, true},
		{SessionCancelled, true},
	}
	for _, c := range cases {
		if got := c.status.Terminal(); got != c.terminal {
			t.Errorf("%s.Terminal() = %v, want %v", c.status, got, c.terminal)
		}
	}
}

func TestStatusValidation(t *testing.T) {
	if SessionStatus("exploded").Valid() {
		t.Error("unknown session status reported valid")
	}
	if TraceStatus("maybe").Valid() {
		t.Error("unknown trace status reported valid")
	}
	if EventType("poke").Valid() {
		t.Error("unknown event type reported valid")
	}
	if !TraceWarning.Valid() || !EventLog.Valid() || !SessionCancelled.Valid() {
		t.Error("known variant reported invalid")
	}
}
