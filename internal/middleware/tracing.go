package middleware

import (
	"context"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/onnwee/riskaudit/internal/activity"
)

// Tracing starts a server span per request, continuing any W3C traceparent
// sent by the caller. Probes and scrapes are not traced. Span names use the
// normalized route so that IDs in the path do not fan out into distinct
// operations.
//
// Place it outermost so Logging can attach the trace ID.
func Tracing(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, serviceName,
			otelhttp.WithFilter(func(r *http.Request) bool {
				return !unmeteredPaths[r.URL.Path]
			}),
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + normalizePath(r.URL.Path)
			}),
		)
	}
}

// annotateIdentity tags the active span with the authenticated caller.
func annotateIdentity(ctx context.Context, identity activity.Identity) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.SetAttributes(
		attribute.String("enduser.id", identity.ID),
		attribute.String("enduser.role", identity.Role),
	)
}

// GetTraceID returns the hex trace ID of the request's span, or "".
func GetTraceID(r *http.Request) string {
	if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
		return sc.TraceID().String()
	}
	return ""
}

// GetSpanID returns the hex span ID of the request's span, or "".
func GetSpanID(r *http.Request) string {
	if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
		return sc.SpanID().String()
	}
	return ""
}
