package middleware

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// staticRoutes are recorded verbatim.
var staticRoutes = map[string]bool{
	"/":                          true,
	"/health":                    true,
	"/ready":                     true,
	"/metrics":                   true,
	"/api/v1/activities":         true,
	"/api/v1/activities/summary": true,
	"/api/v1/audit/verify":       true,
	"/api/v1/audit/export":       true,
	"/api/v1/clusters":           true,
	"/api/v1/alerts/ws":          true,
}

// collectionActions lists the sub-resources allowed after /api/v1/<collection>/{id}.
var collectionActions = map[string]map[string]bool{
	"sessions": {"end": true},
	"clusters": {"authenticate": true, "heartbeat": true, "disable": true},
}

// normalizePath converts paths with dynamic segments to route patterns to prevent
// cardinality explosion in metrics. This maps paths like /api/v1/sessions/123 to
// /api/v1/sessions/{id}. Unknown paths collapse to "other".
func normalizePath(path string) string {
	if staticRoutes[path] {
		return path
	}

	rest, ok := strings.CutPrefix(path, "/api/v1/")
	if !ok {
		return "other"
	}
	parts := strings.Split(rest, "/")
	actions, known := collectionActions[parts[0]]
	if !known || len(parts) < 2 || parts[1] == "" {
		return "other"
	}

	switch {
	case len(parts) == 2:
		return "/api/v1/" + parts[0] + "/{id}"
	case len(parts) == 3 && actions[parts[2]]:
		return "/api/v1/" + parts[0] + "/{id}/" + parts[2]
	}
	return "other"
}

// metricsResponseWriter wraps http.ResponseWriter to capture status code and response size.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int64
	wroteHeader bool
}

// WriteHeader captures the status code before writing it.
func (mrw *metricsResponseWriter) WriteHeader(code int) {
	if mrw.wroteHeader {
		return
	}
	mrw.statusCode = code
	mrw.wroteHeader = true
	mrw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size and writes the data.
func (mrw *metricsResponseWriter) Write(b []byte) (int, error) {
	n, err := mrw.ResponseWriter.Write(b)
	mrw.size += int64(n)
	return n, err
}

// Hijack lets WebSocket upgrades pass through the wrapper.
func (mrw *metricsResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, buf, err := http.NewResponseController(mrw.ResponseWriter).Hijack()
	if err == nil && !mrw.wroteHeader {
		mrw.statusCode = http.StatusSwitchingProtocols
		mrw.wroteHeader = true
	}
	return conn, buf, err
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (mrw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return mrw.ResponseWriter
}

// newMetricsResponseWriter creates a new metricsResponseWriter with default 200 status.
func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// unmeteredPaths are probed by orchestrators and scrapers often enough to
// drown out real traffic.
var unmeteredPaths = map[string]bool{
	"/health":  true,
	"/ready":   true,
	"/metrics": true,
}

// HTTPMetrics records duration, body sizes and a request count for every
// request except probes and scrapes. Paths are normalized before labeling.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if unmeteredPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			mrw := newMetricsResponseWriter(w)
			next.ServeHTTP(mrw, r)

			requestSize := r.ContentLength
			if requestSize < 0 {
				requestSize = 0
			}
			metrics.ObserveHTTPRequest(r.Method, normalizePath(r.URL.Path), strconv.Itoa(mrw.statusCode),
				time.Since(start).Seconds(), requestSize, mrw.size)
		})
	}
}
