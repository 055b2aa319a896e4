package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	apiRequestsTotal  *prometheus.CounterVec
	apiLatencySeconds *prometheus.HistogramVec
	apiErrorsTotal    *prometheus.CounterVec

	moduleRequestsTotal   *prometheus.CounterVec
	moduleRequestDuration *prometheus.HistogramVec

	phaseTransitionsTotal *prometheus.CounterVec
	selectionsTotal       *prometheus.CounterVec
	runsActive            prometheus.Gauge
	streamClientsActive   prometheus.Gauge
	streamSessionsTotal   *prometheus.CounterVec
	runEventsPublished    *prometheus.CounterVec
)

// RegisterMetrics initialises the Prometheus collectors used by the playground.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "api_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_errors_total",
			Help: "Total number of error responses returned by the API.",
		}, []string{"method", "route", "status"})

		moduleRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "playground",
			Name:      "module_requests_total",
			Help:      "Remote module calls by operation and outcome.",
		}, []string{"operation", "outcome"})

		moduleRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "playground",
			Name:      "module_request_duration_seconds",
			Help:      "Duration of remote module calls.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"operation"})

		phaseTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "playground",
			Subsystem: "pipeline",
			Name:      "phase_transitions_total",
			Help:      "Number of times an experiment pipeline entered a phase.",
		}, []string{"phase"})

		selectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "playground",
			Subsystem: "pipeline",
			Name:      "selections_total",
			Help:      "Submission selections by source (remote or fallback reason).",
		}, []string{"source"})

		runsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "playground",
			Subsystem: "pipeline",
			Name:      "runs_active",
			Help:      "Experiment runs currently tracked by this node.",
		})

		streamClientsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "playground",
			Name:      "stream_clients_active",
			Help:      "Connected SSE and websocket experiment observers.",
		})

		streamSessionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "playground",
			Name:      "stream_sessions_total",
			Help:      "Experiment stream requests by transport and response status.",
		}, []string{"transport", "status"})

		runEventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "playground",
			Name:      "run_events_published_total",
			Help:      "Experiment state events published to brokers.",
		}, []string{"broker"})

		prometheus.MustRegister(
			apiRequestsTotal, apiLatencySeconds, apiErrorsTotal,
			moduleRequestsTotal, moduleRequestDuration,
			phaseTransitionsTotal, selectionsTotal, runsActive,
			streamClientsActive, streamSessionsTotal, runEventsPublished,
		)
	})
}

// APIRequests exposes the counter for API requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for API requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for API error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

// ModuleRequests exposes the remote module call counter.
func ModuleRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return moduleRequestsTotal
}

// ModuleRequestDuration exposes the remote module latency histogram.
func ModuleRequestDuration() *prometheus.HistogramVec {
	RegisterMetrics()
	return moduleRequestDuration
}

// PhaseTransitions exposes the pipeline phase counter.
func PhaseTransitions() *prometheus.CounterVec {
	RegisterMetrics()
	return phaseTransitionsTotal
}

// Selections exposes the submission selection counter.
func Selections() *prometheus.CounterVec {
	RegisterMetrics()
	return selectionsTotal
}

// RunsActive exposes the gauge of tracked experiment runs.
func RunsActive() prometheus.Gauge {
	RegisterMetrics()
	return runsActive
}

// StreamClientsActive exposes the gauge of connected stream observers.
func StreamClientsActive() prometheus.Gauge {
	RegisterMetrics()
	return streamClientsActive
}

// StreamSessions exposes the counter of opened experiment streams.
func StreamSessions() *prometheus.CounterVec {
	RegisterMetrics()
	return streamSessionsTotal
}

// RunEventsPublished exposes the broker publish counter.
func RunEventsPublished() *prometheus.CounterVec {
	RegisterMetrics()
	return runEventsPublished
}
