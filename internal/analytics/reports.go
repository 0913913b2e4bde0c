package analytics

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/offbit/flowtrace/internal/db"
	"github.com/offbit/flowtrace/internal/logging"
	"github.com/offbit/flowtrace/internal/metrics"
	"github.com/offbit/flowtrace/internal/trace"
)

// ReportFormat selects the export encoding.
type ReportFormat string

const (
	FormatJSON ReportFormat = "json"
	FormatCSV  ReportFormat = "csv"
)

// ReportState is the lifecycle of an async report job.
type ReportState string

const (
	ReportQueued    ReportState = "queued"
	ReportRunning   ReportState = "running"
	ReportCompleted ReportState = "completed"
	ReportFailed    ReportState = "failed"
)

// Report is the handle returned by GenerateReport. DownloadURL stays empty
// until the job completes; a failed job carries its error on the handle
// instead of surfacing it to the caller who queued it.
type Report struct {
	ID          string       `json:"id"`
	SessionID   string       `json:"session_id"`
	Format      ReportFormat `json:"format"`
	State       ReportState  `json:"state"`
	DownloadURL string       `json:"download_url,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	FinishedAt  *time.Time   `json:"finished_at,omitempty"`
	Error       string       `json:"error,omitempty"`

	path string
}

// Service is the analytics engine: aggregate queries plus the async report
// exporter. Report handles are in-memory; finished report files live under
// reportDir until the process restarts.
type Service struct {
	store     *db.Store
	logger    *logging.Logger
	reportDir string

	mu      sync.RWMutex
	reports map[string]*Report
	queue   chan string
	wg      sync.WaitGroup
	done    chan struct{}
}

// New creates the analytics service and starts its report workers.
func New(store *db.Store, logger *logging.Logger, reportDir string, workers, queueSize int) *Service {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 16
	}
	s := &Service{
		store:     store,
		logger:    logger.WithComponent("analytics"),
		reportDir: reportDir,
		reports:   make(map[string]*Report),
		queue:     make(chan string, queueSize),
		done:      make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.reportWorker()
	}
	return s
}

// GenerateReport queues an export of one session's traces and returns the
// handle immediately. Poll GetReport until the state is terminal.
func (s *Service) GenerateReport(ctx context.Context, sessionID string, format ReportFormat) (*Report, error) {
	if format != FormatJSON && format != FormatCSV {
		return nil, &trace.InvalidQueryError{Field: "format", Reason: `must be "json" or "csv"`}
	}
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, trace.NewStorageRead("get session", err)
	}
	if sess == nil {
		return nil, trace.ErrSessionNotFound
	}

	report := &Report{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Format:    format,
		State:     ReportQueued,
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.reports[report.ID] = report
	s.mu.Unlock()

	select {
	case s.queue <- report.ID:
	default:
		s.mu.Lock()
		delete(s.reports, report.ID)
		s.mu.Unlock()
		return nil, &trace.ReportGenerationError{ReportID: report.ID,
			Err: fmt.Errorf("report queue is full")}
	}

	s.publishReportCounts()
	return s.snapshot(report.ID), nil
}

// GetReport returns a snapshot of a report handle, or nil when unknown.
func (s *Service) GetReport(id string) *Report {
	return s.snapshot(id)
}

// ReportPath returns the on-disk path of a completed report file.
func (s *Service) ReportPath(id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	report, ok := s.reports[id]
	if !ok {
		return "", fmt.Errorf("report %s not found", id)
	}
	if report.State != ReportCompleted {
		return "", fmt.Errorf("report %s is %s", id, report.State)
	}
	return report.path, nil
}

// Close stops report workers after in-flight exports finish.
func (s *Service) Close() {
	close(s.done)
	s.wg.Wait()
}

func (s *Service) reportWorker() {
	defer s.wg.Done()
	for {
		select {
		case id := <-s.queue:
			s.runReport(id)
		case <-s.done:
			return
		}
	}
}

func (s *Service) runReport(id string) {
	s.mu.Lock()
	report, ok := s.reports[id]
	if !ok || report.State != ReportQueued {
		s.mu.Unlock()
		return
	}
	report.State = ReportRunning
	sessionID := report.SessionID
	format := report.Format
	s.mu.Unlock()
	s.publishReportCounts()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	path, err := s.export(ctx, id, sessionID, format)
	cancel()

	s.mu.Lock()
	now := time.Now().UTC()
	report.FinishedAt = &now
	if err != nil {
		report.State = ReportFailed
		genErr := &trace.ReportGenerationError{ReportID: id, Err: err}
		report.Error = genErr.Error()
	} else {
		report.State = ReportCompleted
		report.path = path
		report.DownloadURL = fmt.Sprintf("/api/v1/reports/%s/download", id)
	}
	s.mu.Unlock()
	s.publishReportCounts()

	if err != nil {
		s.logger.Error("report generation failed", err, map[string]interface{}{
			"report_id": id, "session_id": sessionID,
		})
	}
}

func (s *Service) export(ctx context.Context, reportID, sessionID string, format ReportFormat) (string, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if sess == nil {
		return "", trace.ErrSessionNotFound
	}
	traces, err := s.store.ListSessionTraces(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if sess.Summary == nil {
		sess.Summary = trace.ComputeSummary(traces)
	}

	if err := os.MkdirAll(s.reportDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(s.reportDir, fmt.Sprintf("report-%s.%s", reportID, format))
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	switch format {
	case FormatCSV:
		err = writeCSV(f, traces)
	default:
		sess.Traces = traces
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		err = enc.Encode(sess)
	}
	if err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

func writeCSV(f *os.File, traces []trace.FlowTrace) error {
	w := csv.NewWriter(f)
	if err := w.Write([]string{
		"id", "timestamp", "duration_ms", "status",
		"source_node", "source_port", "target_node", "target_port",
		"data_size", "error",
	}); err != nil {
		return err
	}
	for _, t := range traces {
		errMsg := ""
		if t.Error != nil {
			errMsg = t.Error.Message
		}
		if err := w.Write([]string{
			t.ID,
			t.Timestamp.UTC().Format(time.RFC3339Nano),
			strconv.FormatInt(t.Duration, 10),
			string(t.Status),
			t.Source.NodeID, t.Source.PortID,
			t.Target.NodeID, t.Target.PortID,
			strconv.FormatInt(t.Data.Size, 10),
			errMsg,
		}); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func (s *Service) snapshot(id string) *Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	report, ok := s.reports[id]
	if !ok {
		return nil
	}
	copied := *report
	return &copied
}

func (s *Service) publishReportCounts() {
	counts := map[ReportState]int{}
	s.mu.RLock()
	for _, r := range s.reports {
		counts[r.State]++
	}
	s.mu.RUnlock()
	for _, st := range []ReportState{ReportQueued, ReportRunning, ReportCompleted, ReportFailed} {
		metrics.SetJobCount("report", string(st), counts[st])
	}
}
