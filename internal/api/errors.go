// Package api exposes the risk engine over HTTP: health probes, activity and
// session administration, audit verification and export, cluster trust
// bootstrap, and the live alert feed.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/onnwee/riskaudit/internal/middleware"
)

// Error codes carried in the "code" field of error responses. auth_failed,
// forbidden and rate_limit_exceeded are also written by the middleware.
const (
	ErrCodeValidation  = "validation_error"
	ErrCodeBadRequest  = "bad_request"
	ErrCodeAuthFailed  = "auth_failed"
	ErrCodeForbidden   = "forbidden"
	ErrCodeNotFound    = "not_found"
	ErrCodeConflict    = "conflict"
	ErrCodeRateLimited = "rate_limit_exceeded"
	ErrCodeInternal    = "internal_error"
	ErrCodeUnavailable = "unavailable"

	// Cluster trust bootstrap.
	ErrCodeInvalidCertificate = "invalid_certificate"
	ErrCodeChallengeFailed    = "challenge_failed"
	ErrCodeInvalidState       = "invalid_state"
)

// ErrorResponse is the body of every non-2xx JSON response:
//
//	{"error": {"code": "not_found", "message": "Session not found"}}
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the inner error object.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes the error envelope with status and records code for the
// access log.
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	middleware.SetErrorCode(ctx, code)
	WriteJSON(w, ctx, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, ctx context.Context, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err, "status", status)
	}
}
