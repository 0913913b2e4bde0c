package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowtrace_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowtrace_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Recorder pipeline metrics
	tracesRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowtrace_traces_recorded_total",
			Help: "Trace and event records accepted into the write buffer",
		},
		[]string{"stream"},
	)

	tracesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowtrace_traces_dropped_total",
			Help: "Records dropped after flush retries were exhausted or the buffer was full",
		},
		[]string{"stream", "reason"},
	)

	flushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flowtrace_flush_duration_seconds",
			Help:    "Duration of recorder buffer flushes",
			Buckets: prometheus.DefBuckets,
		},
	)

	bufferDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flowtrace_buffer_depth",
			Help: "Records currently waiting in the write buffer",
		},
		[]string{"stream"},
	)

	// Background job metrics
	jobsByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flowtrace_jobs",
			Help: "Async replay and report jobs by state",
		},
		[]string{"kind", "state"},
	)

	// Maintenance metrics
	retentionSweeps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowtrace_retention_sweeps_total",
			Help: "Retention sweep runs by outcome",
		},
		[]string{"outcome"},
	)

	partitionsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowtrace_partitions_dropped_total",
			Help: "Expired partitions or chunks removed by the retention sweeper",
		},
	)

	rollupRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowtrace_rollup_refreshes_total",
			Help: "Rollup refresh runs by outcome",
		},
		[]string{"outcome"},
	)

	notificationsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowtrace_notifications_delivered_total",
			Help: "Notification deliveries by event type and outcome",
		},
		[]string{"event", "outcome"},
	)
)

// RecordHTTPRequest records an HTTP request
func RecordHTTPRequest(method, endpoint string, statusCode int, durationSeconds float64) {
	status := "unknown"
	if statusCode >= 200 && statusCode < 300 {
		status = "2xx"
	} else if statusCode >= 300 && statusCode < 400 {
		status = "3xx"
	} else if statusCode >= 400 && statusCode < 500 {
		status = "4xx"
	} else if statusCode >= 500 {
		status = "5xx"
	}

	httpRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	httpRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordAccepted counts records accepted into the write buffer.
func RecordAccepted(stream string, n int) {
	tracesRecorded.WithLabelValues(stream).Add(float64(n))
}

// RecordDropped counts records dropped by the recorder.
func RecordDropped(stream, reason string, n int) {
	tracesDropped.WithLabelValues(stream, reason).Add(float64(n))
}

// ObserveFlush records the duration of one buffer flush.
func ObserveFlush(seconds float64) {
	flushDuration.Observe(seconds)
}

// SetBufferDepth reports the current write buffer depth for a stream.
func SetBufferDepth(stream string, depth int) {
	bufferDepth.WithLabelValues(stream).Set(float64(depth))
}

// SetJobCount reports how many jobs of a kind are in a given state.
func SetJobCount(kind, state string, count int) {
	jobsByState.WithLabelValues(kind, state).Set(float64(count))
}

// RecordRetentionSweep counts one retention sweep and the partitions it removed.
func RecordRetentionSweep(outcome string, dropped int) {
	retentionSweeps.WithLabelValues(outcome).Inc()
	if dropped > 0 {
		partitionsDropped.Add(float64(dropped))
	}
}

// RecordRollupRefresh counts one rollup refresh run.
func RecordRollupRefresh(outcome string) {
	rollupRefreshes.WithLabelValues(outcome).Inc()
}

// RecordNotification counts one notification delivery attempt outcome.
func RecordNotification(event, outcome string) {
	notificationsDelivered.WithLabelValues(event, outcome).Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
