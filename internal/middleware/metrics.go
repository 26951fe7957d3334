package middleware

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metricsNamespace prefixes every middleware metric.
const metricsNamespace = "riskaudit"

// Metric names, without the namespace.
const (
	MetricRateLimitRequests     = "rate_limit_requests_total"
	MetricRateLimitBlocked      = "rate_limit_blocked_total"
	MetricRateLimitRedisErrors  = "rate_limit_redis_errors_total"
	MetricHTTPRequestDuration   = "http_request_duration_seconds"
	MetricHTTPRequestsTotal     = "http_requests_total"
	MetricHTTPRequestSizeBytes  = "http_request_size_bytes"
	MetricHTTPResponseSizeBytes = "http_response_size_bytes"
	MetricAuthRejected          = "auth_rejected_total"
	MetricActivitiesUntracked   = "activities_untracked_total"
)

// Auth rejection reasons.
const (
	AuthReasonMissingToken = "missing_token"
	AuthReasonInvalidToken = "invalid_token"
	AuthReasonExpiredToken = "expired_token"
	AuthReasonForbidden    = "forbidden_role"
)

// Metrics holds the request-layer collectors: HTTP traffic, rate limiting,
// authentication rejections and requests the tracker could not accept.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	rateLimitRequests    *prometheus.CounterVec
	rateLimitBlocked     *prometheus.CounterVec
	rateLimitRedisErrors prometheus.Counter
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestSize      *prometheus.HistogramVec
	httpResponseSize     *prometheus.HistogramVec
	authRejected         *prometheus.CounterVec
	activitiesUntracked  prometheus.Counter
}

// NewMetrics creates unregistered collectors. Call Register to expose them.
func NewMetrics() *Metrics {
	routeLabels := []string{"method", "path", "status"}
	limitLabels := []string{"endpoint", "key_type"}
	sizeBuckets := prometheus.ExponentialBuckets(64, 8, 7) // 64 B to 16 MB

	return &Metrics{
		rateLimitRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      MetricRateLimitRequests,
			Help:      "Rate limit checks by endpoint and key type",
		}, limitLabels),
		rateLimitBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      MetricRateLimitBlocked,
			Help:      "Requests rejected with 429 by endpoint and key type",
		}, limitLabels),
		rateLimitRedisErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      MetricRateLimitRedisErrors,
			Help:      "Redis failures during rate limiting; the request was allowed",
		}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      MetricHTTPRequestDuration,
			Help:      "HTTP request duration in seconds",
			// Exports can take seconds; the rest should be well under 100ms.
			Buckets: []float64{0.005, 0.025, 0.1, 0.25, 1, 5, 15},
		}, routeLabels),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      MetricHTTPRequestsTotal,
			Help:      "HTTP requests by method, normalized path and status",
		}, routeLabels),
		httpRequestSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      MetricHTTPRequestSizeBytes,
			Help:      "HTTP request body size in bytes",
			Buckets:   sizeBuckets,
		}, routeLabels),
		httpResponseSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      MetricHTTPResponseSizeBytes,
			Help:      "HTTP response body size in bytes",
			Buckets:   sizeBuckets,
		}, routeLabels),
		authRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      MetricAuthRejected,
			Help:      "Requests rejected by authentication or role checks, by reason",
		}, []string{"reason"}),
		activitiesUntracked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      MetricActivitiesUntracked,
			Help:      "Authenticated requests the activity tracker did not accept",
		}),
	}
}

// Register registers all collectors with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncRateLimitRequests counts a rate limit check.
func (m *Metrics) IncRateLimitRequests(endpoint, keyType string) {
	if m == nil {
		return
	}
	m.rateLimitRequests.WithLabelValues(endpoint, keyType).Inc()
}

// IncRateLimitBlocked counts a request rejected by a rate limiter.
func (m *Metrics) IncRateLimitBlocked(endpoint, keyType string) {
	if m == nil {
		return
	}
	m.rateLimitBlocked.WithLabelValues(endpoint, keyType).Inc()
}

// IncRateLimitRedisErrors counts a fail-open Redis error.
func (m *Metrics) IncRateLimitRedisErrors() {
	if m == nil {
		return
	}
	m.rateLimitRedisErrors.Inc()
}

// IncAuthRejected counts a 401 or 403 with one of the AuthReason constants.
func (m *Metrics) IncAuthRejected(reason string) {
	if m == nil {
		return
	}
	m.authRejected.WithLabelValues(reason).Inc()
}

// IncActivitiesUntracked counts a request whose activity was not queued.
func (m *Metrics) IncActivitiesUntracked() {
	if m == nil {
		return
	}
	m.activitiesUntracked.Inc()
}

// ObserveHTTPRequest records one completed request. path must already be
// normalized to keep label cardinality bounded.
func (m *Metrics) ObserveHTTPRequest(method, path, status string, duration float64, requestSize, responseSize int64) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"method": method, "path": path, "status": status}
	m.httpRequestDuration.With(labels).Observe(duration)
	m.httpRequestsTotal.With(labels).Inc()
	m.httpRequestSize.With(labels).Observe(float64(requestSize))
	m.httpResponseSize.With(labels).Observe(float64(responseSize))
}

// Collectors returns every collector, in registration order.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.rateLimitRequests,
		m.rateLimitBlocked,
		m.rateLimitRedisErrors,
		m.httpRequestDuration,
		m.httpRequestsTotal,
		m.httpRequestSize,
		m.httpResponseSize,
		m.authRejected,
		m.activitiesUntracked,
	}
}
