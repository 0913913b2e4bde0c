package handlers

import (
	"net/http"

	"github.com/offbit/flowtrace/internal/db"
	"github.com/offbit/flowtrace/internal/metrics"
	"github.com/offbit/flowtrace/internal/notify"
	"github.com/offbit/flowtrace/internal/recorder"
)

/* HealthHandlers handles health and diagnostics endpoints */
type HealthHandlers struct {
	store     *db.Store
	recorder  *recorder.Recorder
	hub       *notify.Hub
	reportDir string
	version   string
}

/* NewHealthHandlers creates new health handlers */
func NewHealthHandlers(store *db.Store, rec *recorder.Recorder, hub *notify.Hub, reportDir, version string) *HealthHandlers {
	return &HealthHandlers{
		store:     store,
		recorder:  rec,
		hub:       hub,
		reportDir: reportDir,
		version:   version,
	}
}

/* Health reports liveness plus storage subsystem state */
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	storage := h.store.Health(r.Context())

	status := "ok"
	code := http.StatusOK
	if !storage.Reachable {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	WriteSuccess(w, map[string]interface{}{
		"status":          status,
		"version":         h.version,
		"storage":         storage,
		"records_dropped": h.recorder.Dropped(),
		"stream_clients":  h.hub.ClientCount(),
	}, code)
}

/* Diagnostics reports host and process metrics */
func (h *HealthHandlers) Diagnostics(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, metrics.CollectSystemMetrics(r.Context(), h.reportDir), http.StatusOK)
}
