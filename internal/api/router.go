package api

import (
	"log/slog"
	"net/http"

	"github.com/onnwee/riskaudit/internal/auth"
	"github.com/onnwee/riskaudit/internal/middleware"
)

// Version is reported by the root endpoint.
const Version = "0.1.0"

// AlertsPath is the live alert feed endpoint. It is never activity-tracked.
const AlertsPath = "/api/v1/alerts/ws"

// RouterConfig holds the handlers and request-layer collaborators served by NewRouter.
type RouterConfig struct {
	Health     *HealthHandlers
	Activities *ActivityHandlers
	Sessions   *SessionHandlers
	Audit      *AuditHandlers
	Clusters   *ClusterHandlers
	Alerts     *AlertHandlers

	// Metrics serves /metrics when set.
	Metrics http.Handler

	Validator middleware.IdentityValidator
	// Tracker receives every authenticated request. Optional.
	Tracker middleware.ActivitySubmitter

	RateLimitStore middleware.RateLimitStore
	GlobalLimit    middleware.RateLimitConfig
	AuthLimit      middleware.RateLimitConfig
	ExportLimit    middleware.RateLimitConfig
	HTTPMetrics    *middleware.Metrics

	// AdminRoles may call the administrative API. Default: admin and auditor.
	AdminRoles []string

	// TracingService enables otelhttp spans under this service name when non-empty.
	TracingService string

	Logger *slog.Logger
}

// NewRouter builds the HTTP handler:
// Tracing -> RequestID -> Logging -> HTTPMetrics -> global rate limit -> mux.
// Administrative routes additionally require a bearer token with an admin
// role and are recorded as activities.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if len(cfg.AdminRoles) == 0 {
		cfg.AdminRoles = []string{auth.RoleAdmin, auth.RoleAuditor}
	}
	if cfg.RateLimitStore == nil {
		cfg.RateLimitStore = middleware.NewInMemoryRateLimitStore()
	}
	if cfg.GlobalLimit.Validate() != nil {
		cfg.GlobalLimit = middleware.DefaultGlobalLimit()
	}
	if cfg.AuthLimit.Validate() != nil {
		cfg.AuthLimit = middleware.DefaultAuthLimit()
	}
	if cfg.ExportLimit.Validate() != nil {
		cfg.ExportLimit = middleware.DefaultExportLimit()
	}

	authn := middleware.Authenticate(cfg.Validator, cfg.HTTPMetrics, cfg.Logger)
	admin := middleware.RequireRole(cfg.HTTPMetrics, cfg.AdminRoles...)
	track := func(next http.Handler) http.Handler { return next }
	if cfg.Tracker != nil {
		track = middleware.ActivityTracking(cfg.Tracker, cfg.HTTPMetrics, cfg.Logger, AlertsPath)
	}
	adminRoute := func(h http.HandlerFunc) http.Handler {
		return authn(admin(track(h)))
	}
	peerLimit := middleware.RateLimiter(cfg.RateLimitStore, cfg.AuthLimit, middleware.IPKeyFunc(), cfg.HTTPMetrics)
	exportLimit := middleware.RateLimiter(cfg.RateLimitStore, cfg.ExportLimit, middleware.IdentityKeyFunc(), cfg.HTTPMetrics)

	mux := http.NewServeMux()

	if cfg.Health != nil {
		mux.HandleFunc("GET /health", cfg.Health.Health)
		mux.HandleFunc("GET /ready", cfg.Health.Ready)
	}
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	if h := cfg.Activities; h != nil {
		mux.Handle("GET /api/v1/activities", adminRoute(h.List))
		mux.Handle("GET /api/v1/activities/summary", adminRoute(h.Summary))
	}
	if h := cfg.Sessions; h != nil {
		mux.Handle("GET /api/v1/sessions/{id}", adminRoute(h.Get))
		mux.Handle("POST /api/v1/sessions/{id}/end", adminRoute(h.End))
	}
	if h := cfg.Audit; h != nil {
		mux.Handle("GET /api/v1/audit/verify", adminRoute(h.Verify))
		mux.Handle("GET /api/v1/audit/export", authn(admin(exportLimit(track(http.HandlerFunc(h.Export))))))
	}
	if h := cfg.Clusters; h != nil {
		// Peers prove themselves with their certificate key, not a bearer token.
		mux.Handle("POST /api/v1/clusters", peerLimit(http.HandlerFunc(h.Register)))
		mux.Handle("POST /api/v1/clusters/{id}/authenticate", peerLimit(http.HandlerFunc(h.Authenticate)))
		mux.Handle("POST /api/v1/clusters/{id}/heartbeat", peerLimit(http.HandlerFunc(h.Heartbeat)))

		mux.Handle("GET /api/v1/clusters", adminRoute(h.List))
		mux.Handle("GET /api/v1/clusters/{id}", adminRoute(h.Get))
		mux.Handle("POST /api/v1/clusters/{id}/disable", adminRoute(h.Disable))
	}
	if h := cfg.Alerts; h != nil {
		mux.Handle("GET "+AlertsPath, authn(admin(http.HandlerFunc(h.Subscribe))))
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			WriteError(w, r.Context(), http.StatusNotFound, ErrCodeNotFound, "The requested resource was not found")
			return
		}
		WriteJSON(w, r.Context(), http.StatusOK, map[string]string{"service": "riskaudit", "version": Version})
	})

	var handler http.Handler = mux
	handler = middleware.RateLimiter(cfg.RateLimitStore, cfg.GlobalLimit, middleware.IPKeyFunc(), cfg.HTTPMetrics)(handler)
	if cfg.HTTPMetrics != nil {
		handler = middleware.HTTPMetrics(cfg.HTTPMetrics)(handler)
	}
	handler = middleware.Logging(cfg.Logger)(handler)
	handler = middleware.RequestID(handler)
	if cfg.TracingService != "" {
		handler = middleware.Tracing(cfg.TracingService)(handler)
	}
	return handler
}
