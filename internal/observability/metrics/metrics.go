// Package metrics provides Prometheus metrics for the orchestration
// subsystem: a promauto-registered struct under one namespace with
// gauges, counters, and histograms for the task engine, segment workers,
// limiter, monitor, sweeper, and event fan-out.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tts_vocl"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Task Engine
	TasksSubmitted *prometheus.CounterVec
	TasksActive    prometheus.Gauge
	TaskDuration   *prometheus.HistogramVec
	StrategyChosen *prometheus.CounterVec

	// Segment Worker / Provider Session
	SegmentAttempts *prometheus.CounterVec
	SegmentRetries  prometheus.Counter
	SegmentDuration prometheus.Histogram
	ProviderErrors  *prometheus.CounterVec

	// Global Limiter
	LimiterAcquireTotal *prometheus.CounterVec
	LimiterBusyTotal    prometheus.Counter

	// Task Monitor
	MonitorBackend prometheus.Gauge
	StartOutcomes  *prometheus.CounterVec

	// Timeout Sweeper
	SweeperSweptTotal prometheus.Counter
	SweeperRunsTotal  prometheus.Counter
	SweeperIsLeader   prometheus.Gauge

	// Event fan-out
	SubscriptionsActive prometheus.Gauge
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		TasksSubmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Total number of task submissions by outcome",
		}, []string{"outcome"}),
		TasksActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_active",
			Help:      "Number of tasks currently in PROCESSING",
		}),
		TaskDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Duration of completed tasks in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"status"}),
		StrategyChosen: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "strategy_chosen_total",
			Help:      "Total number of tasks dispatched by strategy",
		}, []string{"strategy"}),

		SegmentAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segment_attempts_total",
			Help:      "Total number of Segment Worker attempts by outcome",
		}, []string{"outcome"}),
		SegmentRetries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segment_retries_total",
			Help:      "Total number of Segment Worker retries",
		}),
		SegmentDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "segment_duration_seconds",
			Help:      "Duration of one segment's synthesis, including retries",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Total number of provider session errors by class",
		}, []string{"class"}),

		LimiterAcquireTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "limiter_acquire_total",
			Help:      "Total number of Global Limiter acquire attempts by outcome",
		}, []string{"outcome"}),
		LimiterBusyTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "limiter_busy_total",
			Help:      "Total number of Global Limiter acquisitions that failed with ErrBusy",
		}),

		MonitorBackend: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "monitor_backend_is_shared",
			Help:      "1 if the Task Monitor selected the shared-store backend at startup, 0 if in-memory",
		}),
		StartOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_start_outcomes_total",
			Help:      "Total number of StartTask outcomes",
		}, []string{"outcome"}),

		SweeperSweptTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeper_timed_out_total",
			Help:      "Total number of tasks transitioned to TIMEOUT by the sweeper",
		}),
		SweeperRunsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeper_runs_total",
			Help:      "Total number of sweep passes executed",
		}),
		SweeperIsLeader: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sweeper_is_leader",
			Help:      "1 if this process currently holds the sweeper leader lock",
		}),

		SubscriptionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "eventfanout_subscriptions_active",
			Help:      "Number of currently open event fan-out subscriptions",
		}),
	}
}

// RecordTaskStart increments the active-task gauge.
func (m *Metrics) RecordTaskStart() {
	m.TasksActive.Inc()
}

// RecordTaskEnd decrements the active-task gauge and observes duration.
func (m *Metrics) RecordTaskEnd(status string, durationSeconds float64) {
	m.TasksActive.Dec()
	m.TaskDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordSubmission records a submission outcome (accepted, already_running,
// duplicate_content, busy, no_op).
func (m *Metrics) RecordSubmission(outcome string) {
	m.TasksSubmitted.WithLabelValues(outcome).Inc()
}

// RecordStrategy records which dispatch strategy a task used.
func (m *Metrics) RecordStrategy(strategy string) {
	m.StrategyChosen.WithLabelValues(strategy).Inc()
}

// RecordSegmentAttempt records one Segment Worker attempt outcome
// (success, retry, failure).
func (m *Metrics) RecordSegmentAttempt(outcome string) {
	m.SegmentAttempts.WithLabelValues(outcome).Inc()
	if outcome == "retry" {
		m.SegmentRetries.Inc()
	}
}

// RecordSegmentDuration observes one segment's total synthesis duration,
// including retries.
func (m *Metrics) RecordSegmentDuration(seconds float64) {
	m.SegmentDuration.Observe(seconds)
}

// RecordProviderError records a classified provider error.
func (m *Metrics) RecordProviderError(class string) {
	m.ProviderErrors.WithLabelValues(class).Inc()
}

// RecordLimiterAcquire records a Global Limiter acquisition outcome.
func (m *Metrics) RecordLimiterAcquire(ok bool) {
	if ok {
		m.LimiterAcquireTotal.WithLabelValues("acquired").Inc()
		return
	}
	m.LimiterAcquireTotal.WithLabelValues("busy").Inc()
	m.LimiterBusyTotal.Inc()
}

// RecordMonitorBackend records which Monitor backend was selected at
// startup.
func (m *Metrics) RecordMonitorBackend(shared bool) {
	if shared {
		m.MonitorBackend.Set(1)
		return
	}
	m.MonitorBackend.Set(0)
}

// RecordStartOutcome records a StartTask outcome.
func (m *Metrics) RecordStartOutcome(outcome string) {
	m.StartOutcomes.WithLabelValues(outcome).Inc()
}

// RecordSweep records one sweeper pass and how many tasks it timed out.
func (m *Metrics) RecordSweep(timedOut int) {
	m.SweeperRunsTotal.Inc()
	if timedOut > 0 {
		m.SweeperSweptTotal.Add(float64(timedOut))
	}
}

// RecordLeadership records whether this process currently holds the
// sweeper leader lock.
func (m *Metrics) RecordLeadership(isLeader bool) {
	if isLeader {
		m.SweeperIsLeader.Set(1)
		return
	}
	m.SweeperIsLeader.Set(0)
}
