// Package metrics exposes Prometheus collectors for the dispatcher and the
// HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentpay"

// Metrics 聚合了所有采集器，注册在独立的 Registry 上。
type Metrics struct {
	registry *prometheus.Registry

	headBlock      prometheus.Gauge
	cursorBlock    prometheus.Gauge
	eventsObserved *prometheus.CounterVec
	dispatches     *prometheus.CounterVec
	reorgs         *prometheus.CounterVec
	parked         prometheus.Gauge
	taskDuration   *prometheus.HistogramVec
	submissions    *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpLatency    *prometheus.HistogramVec
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		headBlock: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chain_head_block",
			Help:      "Latest block number seen by the dispatcher.",
		}),
		cursorBlock: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_cursor_block",
			Help:      "Highest block whose events are all settled.",
		}),
		eventsObserved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_events_total",
			Help:      "Payment events observed, by outcome.",
		}, []string{"outcome"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_outcomes_total",
			Help:      "Task dispatch outcomes.",
		}, []string{"outcome"}),
		reorgs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reorgs_total",
			Help:      "Chain reorganisations detected, by kind.",
		}, []string{"kind"}),
		parked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "parked_records",
			Help:      "Payment events waiting for correlation.",
		}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task execution time.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"task", "outcome"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_submissions_total",
			Help:      "Payment transactions submitted, by outcome.",
		}, []string{"outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.headBlock,
		m.cursorBlock,
		m.eventsObserved,
		m.dispatches,
		m.reorgs,
		m.parked,
		m.taskDuration,
		m.submissions,
		m.httpRequests,
		m.httpLatency,
	)
	return m
}

// Default 是进程级采集器。
var Default = New()

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler exposes the metrics in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SetHead(block uint64)   { m.headBlock.Set(float64(block)) }
func (m *Metrics) SetCursor(block uint64) { m.cursorBlock.Set(float64(block)) }
func (m *Metrics) SetParked(n int)        { m.parked.Set(float64(n)) }

// EventObserved counts an observed payment event. outcome is one of
// inserted, duplicate, parked, relocated.
func (m *Metrics) EventObserved(outcome string) {
	m.eventsObserved.WithLabelValues(outcome).Inc()
}

// Dispatch counts a dispatch outcome: dispatched, executed, retry, failed,
// discarded, stale, publish_failed, correlation_timeout.
func (m *Metrics) Dispatch(outcome string) {
	m.dispatches.WithLabelValues(outcome).Inc()
}

// Reorg counts a detected reorganisation. kind is "rollback" or "finality_reversal".
func (m *Metrics) Reorg(kind string) {
	m.reorgs.WithLabelValues(kind).Inc()
}

// ObserveTask records one task execution.
func (m *Metrics) ObserveTask(task, outcome string, d time.Duration) {
	m.taskDuration.WithLabelValues(task, outcome).Observe(d.Seconds())
}

// Submission counts a payment submission outcome.
func (m *Metrics) Submission(outcome string) {
	m.submissions.WithLabelValues(outcome).Inc()
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	m.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	m.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveHTTPRequest records an HTTP request on Default.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	Default.ObserveHTTPRequest(handler, method, status, duration)
}

// Handler exposes Default.
func Handler() http.Handler {
	return Default.Handler()
}
