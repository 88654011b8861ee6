package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "loom"

type moduleMetrics struct {
	laneQueueSize    *prometheus.GaugeVec
	laneEnqueueTotal *prometheus.CounterVec
	laneTaskTotal    *prometheus.CounterVec
	laneTaskDuration *prometheus.HistogramVec

	openSessions        prometheus.Gauge
	sessionLoadDuration prometheus.Histogram
	entryAppendDuration prometheus.Histogram
	entriesAppended     *prometheus.CounterVec
	compactionsTotal    prometheus.Counter
	logRewritesTotal    *prometheus.CounterVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	turnTotal        *prometheus.CounterVec
	turnDuration     prometheus.Histogram
	turnIterations   prometheus.Histogram
	modelCallTotal   *prometheus.CounterVec
	modelRetryTotal  *prometheus.CounterVec
	providerCooldown *prometheus.GaugeVec
	steeringInjected prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			laneQueueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "lane_queue_size",
					Help:      "Current number of queued or running turns per lane.",
				},
				[]string{"lane"},
			),
			laneEnqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "lane_enqueue_total",
					Help:      "Total tasks enqueued by lane.",
				},
				[]string{"lane"},
			),
			laneTaskTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "lane_task_total",
					Help:      "Total completed lane tasks by lane and status.",
				},
				[]string{"lane", "status"},
			),
			laneTaskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "lane_task_duration_seconds",
					Help:      "Lane task execution duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			openSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "open_sessions",
					Help:      "Sessions currently held open by the manager.",
				},
			),
			sessionLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "session_load_duration_seconds",
					Help:      "Session replay duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			entryAppendDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "entry_append_duration_seconds",
					Help:      "Durable entry append duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			entriesAppended: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "entries_appended_total",
					Help:      "Total entries appended by role.",
				},
				[]string{"role"},
			),
			compactionsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "compactions_total",
					Help:      "Total compactions applied.",
				},
			),
			logRewritesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "log_rewrites_total",
					Help:      "Total full log rewrites by reason.",
				},
				[]string{"reason"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_execution_total",
					Help:      "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "tool_execution_duration_seconds",
					Help:      "Tool execution duration in seconds by tool.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "turn_total",
					Help:      "Total agent turns by outcome.",
				},
				[]string{"outcome"},
			),
			turnDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "turn_duration_seconds",
					Help:      "Agent turn duration in seconds.",
					Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
				},
			),
			turnIterations: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "turn_iterations",
					Help:      "Tool-dispatch iterations used per turn.",
					Buckets:   prometheus.LinearBuckets(0, 1, 11),
				},
			),
			modelCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "model_call_total",
					Help:      "Total model calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			modelRetryTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "model_retry_total",
					Help:      "Total retried model calls by provider.",
				},
				[]string{"provider"},
			),
			providerCooldown: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "provider_cooldown_active",
					Help:      "Provider cooldown active state (1 active, 0 inactive).",
				},
				[]string{"provider"},
			),
			steeringInjected: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "steering_injected_total",
					Help:      "Total steering entries injected mid-turn.",
				},
			),
		}

		prometheus.MustRegister(
			m.laneQueueSize,
			m.laneEnqueueTotal,
			m.laneTaskTotal,
			m.laneTaskDuration,
			m.openSessions,
			m.sessionLoadDuration,
			m.entryAppendDuration,
			m.entriesAppended,
			m.compactionsTotal,
			m.logRewritesTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.turnTotal,
			m.turnDuration,
			m.turnIterations,
			m.modelCallTotal,
			m.modelRetryTotal,
			m.providerCooldown,
			m.steeringInjected,
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

func RecordLaneEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.laneEnqueueTotal.WithLabelValues(lane).Inc()
	m.laneQueueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetLaneQueueSize(lane string, queueSize int) {
	getMetrics().laneQueueSize.WithLabelValues(lane).Set(float64(queueSize))
}

// DeleteLane drops the per-lane series once a lane is removed.
func DeleteLane(lane string) {
	m := getMetrics()
	m.laneQueueSize.DeleteLabelValues(lane)
	m.laneEnqueueTotal.DeleteLabelValues(lane)
	m.laneTaskDuration.DeleteLabelValues(lane)
	m.laneTaskTotal.DeleteLabelValues(lane, "success")
	m.laneTaskTotal.DeleteLabelValues(lane, "error")
}

func RecordLaneCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.laneTaskTotal.WithLabelValues(lane, statusLabel(success)).Inc()
	m.laneTaskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.laneQueueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetOpenSessions(count int) {
	getMetrics().openSessions.Set(float64(count))
}

func RecordSessionLoad(duration time.Duration) {
	getMetrics().sessionLoadDuration.Observe(duration.Seconds())
}

func RecordEntryAppend(role string, duration time.Duration) {
	m := getMetrics()
	m.entryAppendDuration.Observe(duration.Seconds())
	m.entriesAppended.WithLabelValues(role).Inc()
}

func RecordCompaction() {
	getMetrics().compactionsTotal.Inc()
}

func RecordLogRewrite(reason string) {
	getMetrics().logRewritesTotal.WithLabelValues(reason).Inc()
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordTurn(outcome string, duration time.Duration, iterations int) {
	m := getMetrics()
	m.turnTotal.WithLabelValues(outcome).Inc()
	m.turnDuration.Observe(duration.Seconds())
	m.turnIterations.Observe(float64(iterations))
}

func RecordModelCall(provider string, success bool) {
	getMetrics().modelCallTotal.WithLabelValues(provider, statusLabel(success)).Inc()
}

func RecordModelRetry(provider string) {
	getMetrics().modelRetryTotal.WithLabelValues(provider).Inc()
}

func SetProviderCooldown(provider string, active bool) {
	value := 0.0
	if active {
		value = 1.0
	}
	getMetrics().providerCooldown.WithLabelValues(provider).Set(value)
}

func RecordSteeringInjected() {
	getMetrics().steeringInjected.Inc()
}
