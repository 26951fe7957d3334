package events

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricEventsPublished           = "riskaudit_events_published_total"
	MetricEventSubscriberFailures   = "riskaudit_event_subscriber_failures_total"
	MetricEventBroadcastConnections = "riskaudit_event_broadcast_connections"
)

// Metrics contains Prometheus metrics for event delivery.
type Metrics struct {
	published            *prometheus.CounterVec
	subscriberFailures   *prometheus.CounterVec
	broadcastConnections prometheus.Gauge
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricEventsPublished,
			Help: "Total number of events published by name",
		}, []string{"event"}),
		subscriberFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricEventSubscriberFailures,
			Help: "Total number of subscriber errors or panics by event name",
		}, []string{"event"}),
		broadcastConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricEventBroadcastConnections,
			Help: "Number of WebSocket clients receiving the live alert feed",
		}),
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
	return []prometheus.Collector{
		m.published,
		m.subscriberFailures,
		m.broadcastConnections,
	}
}

// IncPublished increments the published counter for an event name.
func (m *Metrics) IncPublished(name Name) {
	m.published.WithLabelValues(string(name)).Inc()
}

// IncSubscriberFailure increments the subscriber failure counter for an event name.
func (m *Metrics) IncSubscriberFailure(name Name) {
	m.subscriberFailures.WithLabelValues(string(name)).Inc()
}

// SetBroadcastConnections sets the live feed connection gauge.
func (m *Metrics) SetBroadcastConnections(n int) {
	m.broadcastConnections.Set(float64(n))
}
