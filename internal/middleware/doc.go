// Package middleware holds the HTTP layers that wrap the audit API: tracing,
// request IDs, access logging, metrics, rate limiting, bearer-token
// authentication with role checks, and activity tracking that feeds every
// authenticated request into the risk pipeline.
package middleware
