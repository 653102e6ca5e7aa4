// Prometheus-backed execution metrics for the graph engine.
package engine

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics exposes execution counters and gauges under the "dipeo"
// namespace:
//
//   - inflight_nodes (gauge, no labels): nodes currently running
//   - queue_depth (gauge, no labels): nodes the scheduler found ready but not yet dispatched
//   - step_latency_ms (histogram, execution_id/node_id/status): node duration, 1ms-10s buckets
//   - retries_total (counter, execution_id/node_id/reason): ApiInvoker retry attempts
//   - idempotency_violations_total (counter, execution_id/key): IdempotencyViolationError occurrences
//   - backpressure_events_total (counter, execution_id/reason): dispatch throttled on a full worker semaphore
//
// All methods are safe for concurrent use.
type PrometheusMetrics struct {
	// Gauge metrics (current value observations).
	inflightNodes prometheus.Gauge
	queueDepth    prometheus.Gauge

	// Histogram metrics (distribution observations).
	stepLatency *prometheus.HistogramVec

	// Counter metrics (cumulative totals).
	retries               *prometheus.CounterVec
	idempotencyViolations *prometheus.CounterVec
	backpressure          *prometheus.CounterVec

	// Registry holds all registered metrics.
	registry prometheus.Registerer

	// Mutex protects concurrent metric updates.
	mu sync.RWMutex

	// enabled controls whether metrics are recorded.
	enabled bool
}

// NewPrometheusMetrics registers all metrics with registry (use
// prometheus.DefaultRegisterer for the global registry).
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	pm := &PrometheusMetrics{
		registry: registry,
		enabled:  true,
	}

	pm.inflightNodes = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "dipeo",
		Name:      "inflight_nodes",
		Help:      "Current number of nodes executing concurrently in the graph",
	})

	pm.queueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "dipeo",
		Name:      "queue_depth",
		Help:      "Number of pending nodes waiting for execution in the scheduler queue",
	})

	pm.stepLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dipeo",
		Name:      "step_latency_ms",
		Help:      "Node execution duration in milliseconds (from dispatch to completion)",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000}, // 1ms to 10s
	}, []string{"execution_id", "node_id", "status"}) // status: success, error, timeout

	pm.retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dipeo",
		Name:      "retries_total",
		Help:      "Cumulative count of node retry attempts across all executions",
	}, []string{"execution_id", "node_id", "reason"}) // reason: status_code, transport_error

	pm.idempotencyViolations = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dipeo",
		Name:      "idempotency_violations_total",
		Help:      "IdempotencyViolationError occurrences, keyed by idempotency key",
	}, []string{"execution_id", "key"})

	pm.backpressure = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dipeo",
		Name:      "backpressure_events_total",
		Help:      "Queue saturation events where execution was throttled due to resource limits",
	}, []string{"execution_id", "reason"}) // reason: queue_full, max_concurrent, timeout

	return pm
}

// RecordStepLatency records one node's execution duration and outcome
// ("success", "error", "timeout").
func (pm *PrometheusMetrics) RecordStepLatency(runID, nodeID string, latency time.Duration, status string) {
	if !pm.enabled {
		return
	}

	latencyMs := float64(latency.Milliseconds())
	pm.stepLatency.WithLabelValues(runID, nodeID, status).Observe(latencyMs)
}

// IncrementRetries records one ApiInvoker retry attempt.
func (pm *PrometheusMetrics) IncrementRetries(runID, nodeID, reason string) {
	if !pm.enabled {
		return
	}

	pm.retries.WithLabelValues(runID, nodeID, reason).Inc()
}

// UpdateQueueDepth sets the number of scheduler-ready nodes not yet dispatched.
func (pm *PrometheusMetrics) UpdateQueueDepth(depth int) {
	if !pm.enabled {
		return
	}

	pm.queueDepth.Set(float64(depth))
}

// UpdateInflightNodes sets the number of nodes currently running.
func (pm *PrometheusMetrics) UpdateInflightNodes(count int) {
	if !pm.enabled {
		return
	}

	pm.inflightNodes.Set(float64(count))
}

// IncrementIdempotencyViolations records one IdempotencyViolationError for
// the given idempotency key.
func (pm *PrometheusMetrics) IncrementIdempotencyViolations(executionID, key string) {
	if !pm.enabled {
		return
	}

	pm.idempotencyViolations.WithLabelValues(executionID, key).Inc()
}

// IncrementBackpressure records one dispatch throttled by reason (e.g.
// "max_concurrent" when the worker semaphore is full).
func (pm *PrometheusMetrics) IncrementBackpressure(runID, reason string) {
	if !pm.enabled {
		return
	}

	pm.backpressure.WithLabelValues(runID, reason).Inc()
}

// Disable temporarily disables metric recording (useful for testing).
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable re-enables metric recording after Disable().
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}

// Reset clears all metric values (useful for testing).
// This does not unregister metrics from the registry.
func (pm *PrometheusMetrics) Reset() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.inflightNodes.Set(0)
	pm.queueDepth.Set(0)
	pm.stepLatency.Reset()
	pm.retries.Reset()
	pm.idempotencyViolations.Reset()
	pm.backpressure.Reset()
}
