// Package jobs runs the engine's periodic maintenance: idle session reaping,
// risk trend scans and audit archival.
package jobs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricJobRunsTotal          = "riskaudit_job_runs_total"
	MetricJobRunDuration        = "riskaudit_job_run_duration_seconds"
	MetricJobErrorsTotal        = "riskaudit_job_errors_total"
	MetricJobLastSuccessSeconds = "riskaudit_job_last_success_timestamp_seconds"
)

// Job names, used as the job_type label.
const (
	JobTypeIdleSessionReap = "idle_session_reap"
	JobTypeRiskTrendScan   = "risk_trend_scan"
	JobTypeAuditArchive    = "audit_archive"
)

// Run outcomes. StatusSkipped marks a tick dropped because the previous run
// was still in flight.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusSkipped = "skipped"
)

// Failure kinds for the error_type label.
const (
	ErrorTypeTask    = "task_error"
	ErrorTypeTimeout = "timeout"
	ErrorTypePanic   = "panic"
)

// Metrics implements JobMetrics with Prometheus collectors.
type Metrics struct {
	jobsTotal    *prometheus.CounterVec
	jobsDuration *prometheus.HistogramVec
	jobErrors    *prometheus.CounterVec
	lastSuccess  *prometheus.GaugeVec

	now func() time.Time
}

// NewMetrics builds unregistered job collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricJobRunsTotal,
			Help: "Periodic job runs by job and outcome",
		}, []string{"job_type", "status"}),
		// Reaps finish in milliseconds; archival uploads can take minutes.
		jobsDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricJobRunDuration,
			Help:    "Periodic job run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"job_type"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricJobErrorsTotal,
			Help: "Failed periodic job runs by job and failure kind",
		}, []string{"job_type", "error_type"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: MetricJobLastSuccessSeconds,
			Help: "Unix time of the last successful run per job",
		}, []string{"job_type"}),
		now: time.Now,
	}
}

// Register registers all metrics with the given registry.
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
	return []prometheus.Collector{m.jobsTotal, m.jobsDuration, m.jobErrors, m.lastSuccess}
}

// IncJobsTotal counts a run. A successful run also stamps the
// last-success gauge so stalled archival can be alerted on.
func (m *Metrics) IncJobsTotal(jobType, status string) {
	m.jobsTotal.WithLabelValues(jobType, status).Inc()
	if status == StatusSuccess {
		m.lastSuccess.WithLabelValues(jobType).Set(float64(m.now().Unix()))
	}
}

func (m *Metrics) ObserveJobDuration(jobType string, seconds float64) {
	m.jobsDuration.WithLabelValues(jobType).Observe(seconds)
}

func (m *Metrics) IncJobErrors(jobType, errorType string) {
	m.jobErrors.WithLabelValues(jobType, errorType).Inc()
}
