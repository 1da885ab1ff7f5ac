package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the execution engine.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal     *prometheus.CounterVec
	ExecutionDuration   *prometheus.HistogramVec
	MemoryPeakMB        prometheus.Histogram
	ActiveExecutions    prometheus.Gauge
	QueueDepth          prometheus.Gauge
	QuotaRejections     *prometheus.CounterVec
	PermitsReclaimed    prometheus.Counter
	ScheduleFires       prometheus.Counter
	ScheduleSkips       *prometheus.CounterVec
	ValidationsTotal    *prometheus.CounterVec
	ValidationCacheHit  prometheus.Counter
	ValidationCacheMiss prometheus.Counter
	SecurityDetections  *prometheus.CounterVec
	NotifyEvents        *prometheus.CounterVec
	NotifyDropped       prometheus.Counter
}

// NewMetrics creates and registers all engine metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agent_engine",
				Name:      "executions_total",
				Help:      "Total number of finished executions by agent type and terminal status.",
			},
			[]string{"type", "status"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "agent_engine",
				Name:      "execution_duration_seconds",
				Help:      "Duration of executions in seconds.",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
			},
			[]string{"type"},
		),

		MemoryPeakMB: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "agent_engine",
				Name:      "execution_memory_peak_mb",
				Help:      "Peak memory usage of executions in megabytes.",
				Buckets:   prometheus.ExponentialBuckets(16, 2, 9),
			},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "agent_engine",
				Name:      "active_executions",
				Help:      "Number of executions currently running in the sandbox.",
			},
		),

		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "agent_engine",
				Name:      "queue_depth",
				Help:      "Number of admitted executions waiting for a worker.",
			},
		),

		QuotaRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agent_engine",
				Name:      "quota_rejections_total",
				Help:      "Total submissions rejected by the concurrency governor.",
			},
			[]string{"reason"},
		),

		PermitsReclaimed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "agent_engine",
				Name:      "permits_reclaimed_total",
				Help:      "Total leaked concurrency permits reclaimed by the reaper.",
			},
		),

		ScheduleFires: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "agent_engine",
				Name:      "schedule_fires_total",
				Help:      "Total scheduled executions submitted by the pump.",
			},
		),

		ScheduleSkips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agent_engine",
				Name:      "schedule_skips_total",
				Help:      "Total due schedules skipped without an execution, by reason.",
			},
			[]string{"reason"},
		),

		ValidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agent_engine",
				Name:      "validations_total",
				Help:      "Total code validations by outcome.",
			},
			[]string{"outcome"},
		),

		ValidationCacheHit: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "agent_engine",
				Name:      "validation_cache_hits_total",
				Help:      "Validation verdicts served from the cache.",
			},
		),

		ValidationCacheMiss: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "agent_engine",
				Name:      "validation_cache_misses_total",
				Help:      "Validation requests that required a full analysis.",
			},
		),

		SecurityDetections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agent_engine",
				Name:      "security_detections_total",
				Help:      "Escape indicators found in execution output, by pattern.",
			},
			[]string{"pattern"},
		),

		NotifyEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agent_engine",
				Name:      "notify_events_total",
				Help:      "Total notification events dispatched, by type.",
			},
			[]string{"type"},
		),

		NotifyDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "agent_engine",
				Name:      "notify_dropped_total",
				Help:      "Notification events dropped because the dispatch buffer was full.",
			},
		),
	}

	// Register all collectors
	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.MemoryPeakMB,
		m.ActiveExecutions,
		m.QueueDepth,
		m.QuotaRejections,
		m.PermitsReclaimed,
		m.ScheduleFires,
		m.ScheduleSkips,
		m.ValidationsTotal,
		m.ValidationCacheHit,
		m.ValidationCacheMiss,
		m.SecurityDetections,
		m.NotifyEvents,
		m.NotifyDropped,
	)

	return m
}

// RecordExecution records metrics for a finished execution.
func (m *Metrics) RecordExecution(agentType, status string, durationSec float64, peakMB int64) {
	m.ExecutionsTotal.WithLabelValues(agentType, status).Inc()
	m.ExecutionDuration.WithLabelValues(agentType).Observe(durationSec)
	if peakMB > 0 {
		m.MemoryPeakMB.Observe(float64(peakMB))
	}
}

// RecordQuotaRejection records a submission turned away by the governor.
func (m *Metrics) RecordQuotaRejection(reason string) {
	m.QuotaRejections.WithLabelValues(reason).Inc()
}

// RecordValidation records a validation outcome and whether the verdict came
// from the cache.
func (m *Metrics) RecordValidation(outcome string, cached bool) {
	m.ValidationsTotal.WithLabelValues(outcome).Inc()
	if cached {
		m.ValidationCacheHit.Inc()
	} else {
		m.ValidationCacheMiss.Inc()
	}
}

// RecordSecurityDetection records an escape indicator found in output.
func (m *Metrics) RecordSecurityDetection(pattern string) {
	m.SecurityDetections.WithLabelValues(pattern).Inc()
}
