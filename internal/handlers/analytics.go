package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/offbit/flowtrace/internal/analytics"
	"github.com/offbit/flowtrace/internal/trace"
)

/* AnalyticsHandlers handles aggregate queries and report exports */
type AnalyticsHandlers struct {
	analytics *analytics.Service
}

/* NewAnalyticsHandlers creates new analytics handlers */
func NewAnalyticsHandlers(svc *analytics.Service) *AnalyticsHandlers {
	return &AnalyticsHandlers{analytics: svc}
}

// statsWindow defaults to the trailing 24 hours when no range is given.
func statsWindow(r *http.Request) (time.Time, time.Time, error) {
	from, err := parseTimeParam(r, "from")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := parseTimeParam(r, "to")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if to == nil {
		t := time.Now().UTC()
		to = &t
	}
	if from == nil {
		t := to.Add(-24 * time.Hour)
		from = &t
	}
	return *from, *to, nil
}

/* GetSessionStats returns per-bucket workflow activity */
func (h *AnalyticsHandlers) GetSessionStats(w http.ResponseWriter, r *http.Request) {
	from, to, err := statsWindow(r)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	granularity := r.URL.Query().Get("granularity")
	if granularity == "" {
		granularity = "hour"
	}

	rows, err := h.analytics.GetSessionStats(r.Context(), mux.Vars(r)["workflow_id"], granularity, from, to)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteSuccess(w, map[string]interface{}{
		"workflow_id": mux.Vars(r)["workflow_id"],
		"granularity": granularity,
		"buckets":     rows,
	}, http.StatusOK)
}

/* GetNodePerformance returns one node's hourly duration and error series */
func (h *AnalyticsHandlers) GetNodePerformance(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			WriteDomainError(w, &trace.InvalidQueryError{Field: "hours", Reason: "must be an integer"})
			return
		}
		hours = parsed
	}
	rows, err := h.analytics.GetNodePerformance(r.Context(), mux.Vars(r)["node_id"], hours)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteSuccess(w, map[string]interface{}{
		"node_id": mux.Vars(r)["node_id"],
		"hours":   hours,
		"buckets": rows,
	}, http.StatusOK)
}

/* GetAnalytics returns the composite analytics overview */
func (h *AnalyticsHandlers) GetAnalytics(w http.ResponseWriter, r *http.Request) {
	from, to, err := statsWindow(r)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	comp, err := h.analytics.GetAnalytics(r.Context(), mux.Vars(r)["workflow_id"], from, to)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteSuccess(w, comp, http.StatusOK)
}

/* GenerateReport queues an async session export and returns its handle */
func (h *AnalyticsHandlers) GenerateReport(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Format string `json:"format"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			WriteError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err), nil)
			return
		}
	}
	if payload.Format == "" {
		payload.Format = string(analytics.FormatJSON)
	}

	report, err := h.analytics.GenerateReport(r.Context(),
		mux.Vars(r)["session_id"], analytics.ReportFormat(payload.Format))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteSuccess(w, report, http.StatusAccepted)
}

/* GetReport returns a report handle by id */
func (h *AnalyticsHandlers) GetReport(w http.ResponseWriter, r *http.Request) {
	report := h.analytics.GetReport(mux.Vars(r)["report_id"])
	if report == nil {
		WriteError(w, http.StatusNotFound, fmt.Errorf("report not found"), nil)
		return
	}
	WriteSuccess(w, report, http.StatusOK)
}

/* DownloadReport streams a completed report file */
func (h *AnalyticsHandlers) DownloadReport(w http.ResponseWriter, r *http.Request) {
	path, err := h.analytics.ReportPath(mux.Vars(r)["report_id"])
	if err != nil {
		WriteError(w, http.StatusNotFound, err, nil)
		return
	}
	w.Header().Set("Content-Disposition", "attachment")
	http.ServeFile(w, r, path)
}
