package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// HealthChecker is a dependency probed by the readiness endpoint.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Check states reported per dependency.
const (
	CheckOK            = "ok"
	CheckError         = "error"
	CheckNotConfigured = "not_configured"
)

type namedCheck struct {
	name    string
	checker HealthChecker
}

// HealthHandlers serves the liveness and readiness probes.
type HealthHandlers struct {
	checks  []namedCheck
	timeout time.Duration
	now     func() time.Time
}

// HealthHandlersConfig lists the dependencies behind /ready. A nil checker
// is reported as not_configured and does not fail readiness, which is the
// case for in-memory storage and single-instance locking.
type HealthHandlersConfig struct {
	DBChecker    HealthChecker
	RedisChecker HealthChecker
	// AuditChecker fails readiness while the audit chain is degraded.
	AuditChecker HealthChecker
	// Timeout bounds the whole readiness probe. Default: 5 seconds.
	Timeout time.Duration
}

// NewHealthHandlers creates the probe handlers.
func NewHealthHandlers(config HealthHandlersConfig) *HealthHandlers {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	return &HealthHandlers{
		checks: []namedCheck{
			{"database", config.DBChecker},
			{"redis", config.RedisChecker},
			{"audit_chain", config.AuditChecker},
		},
		timeout: config.Timeout,
		now:     time.Now,
	}
}

// HealthResponse is the body of both probes.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

func (h *HealthHandlers) respond(w http.ResponseWriter, r *http.Request, healthy bool, checks map[string]string) {
	resp := HealthResponse{
		Status:    "healthy",
		Version:   Version,
		Checks:    checks,
		Timestamp: h.now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if !healthy {
		resp.Status, status = "unhealthy", http.StatusServiceUnavailable
	}
	WriteJSON(w, r.Context(), status, resp)
}

// Health handles GET /health. It answers as long as the process can serve
// requests and never touches dependencies.
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, true, map[string]string{"runtime": CheckOK})
}

// Ready handles GET /ready. Configured dependencies are probed concurrently;
// any failure, including the audit chain being degraded, returns 503 so the
// instance is taken out of rotation.
func (h *HealthHandlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	results := make([]string, len(h.checks))
	var g errgroup.Group
	for i, c := range h.checks {
		if c.checker == nil {
			results[i] = CheckNotConfigured
			continue
		}
		g.Go(func() error {
			if err := c.checker.HealthCheck(ctx); err != nil {
				slog.WarnContext(ctx, "readiness check failed", "check", c.name, "error", err)
				results[i] = CheckError
				return nil
			}
			results[i] = CheckOK
			return nil
		})
	}
	_ = g.Wait()

	checks := map[string]string{"metrics": CheckOK}
	healthy := true
	for i, c := range h.checks {
		checks[c.name] = results[i]
		healthy = healthy && results[i] != CheckError
	}
	h.respond(w, r, healthy, checks)
}
