package tracker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricActivitiesTracked  = "riskaudit_tracker_activities_total"
	MetricActivitiesDropped  = "riskaudit_tracker_dropped_total"
	MetricTrackErrors        = "riskaudit_tracker_errors_total"
	MetricScoringFallbacks   = "riskaudit_tracker_scoring_fallbacks_total"
	MetricProcessingDuration = "riskaudit_tracker_processing_duration_seconds"
	MetricQueueDepth         = "riskaudit_tracker_queue_depth"
)

// Metrics contains Prometheus metrics for the activity tracker.
// All operations are thread-safe.
type Metrics struct {
	tracked    *prometheus.CounterVec
	dropped    prometheus.Counter
	errors     *prometheus.CounterVec
	fallbacks  prometheus.Counter
	duration   prometheus.Histogram
	queueDepth prometheus.Gauge
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		tracked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricActivitiesTracked,
			Help: "Total number of tracked activities by risk level",
		}, []string{"level"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricActivitiesDropped,
			Help: "Total number of activities dropped because the queue was full or closed",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricTrackErrors,
			Help: "Total number of tracking failures by pipeline stage",
		}, []string{"stage"}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricScoringFallbacks,
			Help: "Total number of activities scored with the zero-risk fallback",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricProcessingDuration,
			Help:    "Histogram of activity processing duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricQueueDepth,
			Help: "Number of activities waiting to be processed",
		}),
	}
}

// Register registers all metrics with the given registry.
// Returns an error if registration fails.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all metric collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.tracked, m.dropped, m.errors, m.fallbacks, m.duration, m.queueDepth}
}

func (m *Metrics) incTracked(level string) {
	if m != nil {
		m.tracked.WithLabelValues(level).Inc()
	}
}

func (m *Metrics) incDropped() {
	if m != nil {
		m.dropped.Inc()
	}
}

func (m *Metrics) incError(stage string) {
	if m != nil {
		m.errors.WithLabelValues(stage).Inc()
	}
}

func (m *Metrics) incFallback() {
	if m != nil {
		m.fallbacks.Inc()
	}
}

func (m *Metrics) observeDuration(seconds float64) {
	if m != nil {
		m.duration.Observe(seconds)
	}
}

func (m *Metrics) setQueueDepth(n int) {
	if m != nil {
		m.queueDepth.Set(float64(n))
	}
}
