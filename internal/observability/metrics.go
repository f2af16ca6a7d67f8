package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	threadTransitions *prometheus.CounterVec
	activeRuns        prometheus.Gauge
	staleRunsReaped   prometheus.Counter

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec

	agentRunTotal      *prometheus.CounterVec
	agentRunDuration   *prometheus.HistogramVec
	agentErrorsTotal   *prometheus.CounterVec
	agentRoundTrips    *prometheus.HistogramVec
	providerRetryTotal *prometheus.CounterVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	rateLimitedTotal    prometheus.Counter

	registryReloadTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "sqlsaber_queue_size",
					Help: "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sqlsaber_enqueue_total",
					Help: "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sqlsaber_dequeue_total",
					Help: "Total dequeue/completion operations by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "sqlsaber_task_duration_seconds",
					Help:    "Task execution duration in seconds by lane.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			threadTransitions: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sqlsaber_thread_transitions_total",
					Help: "Total thread status transitions by target status.",
				},
				[]string{"status"},
			),
			activeRuns: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "sqlsaber_active_runs",
					Help: "Agent runs currently executing.",
				},
			),
			staleRunsReaped: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "sqlsaber_stale_runs_reaped_total",
					Help: "Threads moved to error because their run was lost.",
				},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sqlsaber_tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "sqlsaber_tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sqlsaber_tool_errors_total",
					Help: "Total tool execution errors by tool.",
				},
				[]string{"tool"},
			),
			agentRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sqlsaber_agent_run_total",
					Help: "Total agent runs by provider and status.",
				},
				[]string{"provider", "status"},
			),
			agentRunDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "sqlsaber_agent_run_duration_seconds",
					Help:    "Agent run duration in seconds by provider.",
					Buckets: []float64{1, 2.5, 5, 10, 30, 60, 120, 300, 600},
				},
				[]string{"provider"},
			),
			agentErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sqlsaber_agent_errors_total",
					Help: "Total agent errors by provider.",
				},
				[]string{"provider"},
			),
			agentRoundTrips: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "sqlsaber_agent_round_trips",
					Help:    "Provider round-trips per agent run.",
					Buckets: []float64{1, 2, 3, 4, 6, 8, 12, 16, 24},
				},
				[]string{"provider"},
			),
			providerRetryTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sqlsaber_provider_retry_total",
					Help: "Provider calls retried after a transient fault.",
				},
				[]string{"provider"},
			),
			httpRequestsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sqlsaber_http_requests_total",
					Help: "HTTP requests by route and status code.",
				},
				[]string{"route", "code"},
			),
			httpRequestDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "sqlsaber_http_request_duration_seconds",
					Help:    "HTTP request duration in seconds by route.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"route"},
			),
			rateLimitedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "sqlsaber_http_rate_limited_total",
					Help: "Requests rejected by the rate limiter.",
				},
			),
			registryReloadTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sqlsaber_registry_reload_total",
					Help: "Registry file reloads by outcome.",
				},
				[]string{"status"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.threadTransitions,
			m.activeRuns,
			m.staleRunsReaped,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
			m.agentRunTotal,
			m.agentRunDuration,
			m.agentErrorsTotal,
			m.agentRoundTrips,
			m.providerRetryTotal,
			m.httpRequestsTotal,
			m.httpRequestDuration,
			m.rateLimitedTotal,
			m.registryReloadTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	m := getMetrics()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, statusLabel(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordThreadTransition(status string) {
	getMetrics().threadTransitions.WithLabelValues(status).Inc()
}

// TrackActiveRun increments the active-run gauge and returns the matching
// decrement.
func TrackActiveRun() func() {
	m := getMetrics()
	m.activeRuns.Inc()
	return m.activeRuns.Dec
}

func RecordStaleRunsReaped(count int) {
	getMetrics().staleRunsReaped.Add(float64(count))
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(tool).Inc()
	}
}

func RecordAgentRun(provider string, duration time.Duration, roundTrips int, success bool) {
	m := getMetrics()
	m.agentRunTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.agentRunDuration.WithLabelValues(provider).Observe(duration.Seconds())
	m.agentRoundTrips.WithLabelValues(provider).Observe(float64(roundTrips))
	if !success {
		m.agentErrorsTotal.WithLabelValues(provider).Inc()
	}
}

func RecordProviderRetry(provider string) {
	getMetrics().providerRetryTotal.WithLabelValues(provider).Inc()
}

func RecordHTTPRequest(route string, code int, duration time.Duration) {
	m := getMetrics()
	m.httpRequestsTotal.WithLabelValues(route, http.StatusText(code)).Inc()
	m.httpRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

func RecordRateLimited() {
	getMetrics().rateLimitedTotal.Inc()
}

func RecordRegistryReload(success bool) {
	getMetrics().registryReloadTotal.WithLabelValues(statusLabel(success)).Inc()
}
