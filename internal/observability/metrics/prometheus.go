// Package metrics provides Prometheus metrics for the ledger write pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	TasksEnqueued       *prometheus.CounterVec
	TasksAcked          *prometheus.CounterVec
	TasksRedelivered    *prometheus.CounterVec
	TasksDeadLettered   *prometheus.CounterVec
	TasksDuplicate      *prometheus.CounterVec
	TaskDuration        *prometheus.HistogramVec
	GatewayRequests     *prometheus.CounterVec
	GatewayDuration     *prometheus.HistogramVec
	ReaderAttempts      prometheus.Histogram
	ReaderOutcomes      *prometheus.CounterVec
	TransitionsRefused  *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec

	registry *prometheus.Registry
}

// New creates all metrics and registers them on a fresh registry
func New() *Metrics {
	m := &Metrics{
		TasksEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rx_tasks_enqueued_total",
			Help: "Tasks durably enqueued per lane",
		}, []string{"lane"}),
		TasksAcked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rx_tasks_acked_total",
			Help: "Tasks acknowledged after a successful side effect",
		}, []string{"lane"}),
		TasksRedelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rx_tasks_redelivered_total",
			Help: "Tasks negatively acknowledged and scheduled for redelivery",
		}, []string{"lane"}),
		TasksDeadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rx_tasks_dead_lettered_total",
			Help: "Tasks moved to the dead letter destination",
		}, []string{"lane"}),
		TasksDuplicate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rx_tasks_duplicate_total",
			Help: "Redelivered tasks absorbed because they were already processed",
		}, []string{"lane"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rx_task_processing_duration_seconds",
			Help:    "Task handler duration",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"lane"}),
		GatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rx_gateway_requests_total",
			Help: "Ledger gateway requests by operation and classified result",
		}, []string{"op", "result"}),
		GatewayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rx_gateway_request_duration_seconds",
			Help:    "Ledger gateway request latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"op"}),
		ReaderAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rx_reader_attempts",
			Help:    "Queries issued per logical consistency read",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
		}),
		ReaderOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rx_reader_outcomes_total",
			Help: "Consistency read outcomes",
		}, []string{"outcome"}),
		TransitionsRefused: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rx_transitions_refused_total",
			Help: "Lifecycle transitions rejected before enqueue",
		}, []string{"transition"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rx_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.TasksEnqueued,
		m.TasksAcked,
		m.TasksRedelivered,
		m.TasksDeadLettered,
		m.TasksDuplicate,
		m.TaskDuration,
		m.GatewayRequests,
		m.GatewayDuration,
		m.ReaderAttempts,
		m.ReaderOutcomes,
		m.TransitionsRefused,
		m.CircuitBreakerState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// ObserveGateway records one gateway call. Safe on a nil receiver.
func (m *Metrics) ObserveGateway(op, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.GatewayRequests.WithLabelValues(op, result).Inc()
	m.GatewayDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// Task outcomes reported by queue backends and workers
const (
	TaskEnqueued     = "enqueued"
	TaskAcked        = "acked"
	TaskRedelivered  = "redelivered"
	TaskDeadLettered = "dead_lettered"
	TaskDuplicate    = "duplicate"
)

// ObserveTask counts one task outcome on a lane. Safe on a nil receiver.
func (m *Metrics) ObserveTask(lane, outcome string) {
	if m == nil {
		return
	}
	switch outcome {
	case TaskEnqueued:
		m.TasksEnqueued.WithLabelValues(lane).Inc()
	case TaskAcked:
		m.TasksAcked.WithLabelValues(lane).Inc()
	case TaskRedelivered:
		m.TasksRedelivered.WithLabelValues(lane).Inc()
	case TaskDeadLettered:
		m.TasksDeadLettered.WithLabelValues(lane).Inc()
	case TaskDuplicate:
		m.TasksDuplicate.WithLabelValues(lane).Inc()
	}
}

// ObserveTaskDuration records how long a handler held a task.
func (m *Metrics) ObserveTaskDuration(lane string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TaskDuration.WithLabelValues(lane).Observe(elapsed.Seconds())
}

// ObserveRefusal counts a lifecycle transition rejected by its guards.
func (m *Metrics) ObserveRefusal(transition string) {
	if m == nil {
		return
	}
	m.TransitionsRefused.WithLabelValues(transition).Inc()
}

// ObserveBreaker records a circuit breaker state (0=closed, 1=open, 2=half-open).
func (m *Metrics) ObserveBreaker(name string, state float64) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(state)
}

// ObserveRead records one consistency read. Safe on a nil receiver.
func (m *Metrics) ObserveRead(outcome string, attempts int) {
	if m == nil {
		return
	}
	m.ReaderOutcomes.WithLabelValues(outcome).Inc()
	m.ReaderAttempts.Observe(float64(attempts))
}

// Handler returns the Prometheus HTTP handler for this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
