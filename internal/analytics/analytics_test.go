package analytics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/offbit/flowtrace/internal/trace"
)

// Validation runs before any storage access, so a bare service is enough
// for the rejection paths.
func validationService() *Service {
	return &Service{}
}

func wantInvalidQuery(t *testing.T, err error, field string) {
	t.Helper()
	iq, ok := err.(*trace.InvalidQueryError)
	if !ok {
		t.Fatalf("got %v (%T), want InvalidQueryError", err, err)
	}
	if iq.Field != field {
		t.Errorf("rejected field = %q, want %q", iq.Field, field)
	}
}

func TestGetSessionStatsValidation(t *testing.T) {
	svc := validationService()
	ctx := context.Background()
	from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	_, err := svc.GetSessionStats(ctx, "", "hour", from, to)
	wantInvalidQuery(t, err, "workflow_id")

	_, err = svc.GetSessionStats(ctx, "wf-1", "fortnight", from, to)
	wantInvalidQuery(t, err, "granularity")

	_, err = svc.GetSessionStats(ctx, "wf-1", "hour", to, from)
	wantInvalidQuery(t, err, "from")
}

func TestGetNodePerformanceValidation(t *testing.T) {
	svc := validationService()
	ctx := context.Background()

	_, err := svc.GetNodePerformance(ctx, "", 24)
	wantInvalidQuery(t, err, "node_id")

	_, err = svc.GetNodePerformance(ctx, "node-1", 0)
	wantInvalidQuery(t, err, "hours")

	_, err = svc.GetNodePerformance(ctx, "node-1", -3)
	wantInvalidQuery(t, err, "hours")
}

func TestGenerateReportRejectsUnknownFormat(t *testing.T) {
	svc := validationService()
	_, err := svc.GenerateReport(context.Background(), "s-1", "xml")
	wantInvalidQuery(t, err, "format")
}

func TestGetReportUnknownID(t *testing.T) {
	svc := &Service{reports: map[string]*Report{}}
	if svc.GetReport("missing") != nil {
		t.Error("unknown report id must return nil")
	}
}

func TestReportPathRequiresCompletion(t *testing.T) {
	svc := &Service{reports: map[string]*Report{
		"r-1": {ID: "r-1", State: ReportRunning},
		"r-2": {ID: "r-2", State: ReportCompleted, path: "/tmp/report-r-2.json"},
	}}

	if _, err := svc.ReportPath("r-1"); err == nil {
		t.Error("path of an unfinished report must be refused")
	}
	path, err := svc.ReportPath("r-2")
	if err != nil {
		t.Fatalf("path of a completed report refused: %v", err)
	}
	if !strings.HasSuffix(path, "report-r-2.json") {
		t.Errorf("unexpected report path %q", path)
	}
}

func TestReportSnapshotIsolation(t *testing.T) {
	svc := &Service{reports: map[string]*Report{
		"r-1": {ID: "r-1", State: ReportQueued},
	}}

	snap := svc.snapshot("r-1")
	snap.State = ReportFailed
	if svc.reports["r-1"].State != ReportQueued {
		t.Error("mutating a snapshot leaked into the live handle")
	}
}
