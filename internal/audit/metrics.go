package audit

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricAuditAppendsTotal       = "riskaudit_audit_appends_total"
	MetricAuditChainDegraded      = "riskaudit_audit_chain_degraded"
	MetricAuditVerificationsTotal = "riskaudit_audit_verifications_total"
)

// Metrics contains Prometheus metrics for the audit chain.
type Metrics struct {
	appends       *prometheus.CounterVec
	degraded      prometheus.Gauge
	verifications *prometheus.CounterVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		appends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricAuditAppendsTotal,
			Help: "Total number of audit chain appends by status",
		}, []string{"status"}),
		degraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricAuditChainDegraded,
			Help: "1 when the audit chain tail could not be hydrated",
		}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricAuditVerificationsTotal,
			Help: "Total number of audit chain verifications by result",
		}, []string{"result"}),
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
	return []prometheus.Collector{m.appends, m.degraded, m.verifications}
}

// IncAppend counts an append attempt.
func (m *Metrics) IncAppend(ok bool) {
	status := "success"
	if !ok {
		status = "failure"
	}
	m.appends.WithLabelValues(status).Inc()
}

// SetDegraded sets the degraded gauge.
func (m *Metrics) SetDegraded(degraded bool) {
	if degraded {
		m.degraded.Set(1)
		return
	}
	m.degraded.Set(0)
}

// ObserveVerify counts a verification.
func (m *Metrics) ObserveVerify(ok bool) {
	result := "ok"
	if !ok {
		result = "violation"
	}
	m.verifications.WithLabelValues(result).Inc()
}
