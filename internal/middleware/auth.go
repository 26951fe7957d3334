package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/riskaudit/internal/activity"
	"github.com/onnwee/riskaudit/internal/auth"
)

// IdentityValidator turns a bearer token into a verified identity.
type IdentityValidator interface {
	ValidateAccessToken(token string) (activity.Identity, error)
}

// Authenticate requires a valid bearer access token and stores the identity it
// carries in the request context. Requests without a valid token get 401.
// metrics may be nil.
func Authenticate(validator IdentityValidator, metrics *Metrics, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r)
			if !ok {
				metrics.IncAuthRejected(AuthReasonMissingToken)
				SetErrorCode(r.Context(), "auth_failed")
				writeJSONError(w, http.StatusUnauthorized, "auth_failed", "missing bearer token")
				return
			}

			identity, err := validator.ValidateAccessToken(token)
			if err != nil {
				message, reason := "invalid token", AuthReasonInvalidToken
				if errors.Is(err, auth.ErrExpiredToken) {
					message, reason = "token has expired", AuthReasonExpiredToken
				}
				metrics.IncAuthRejected(reason)
				logger.DebugContext(r.Context(), "token rejected", "error", err, "path", r.URL.Path)
				SetErrorCode(r.Context(), "auth_failed")
				writeJSONError(w, http.StatusUnauthorized, "auth_failed", message)
				return
			}

			annotateIdentity(r.Context(), identity)
			next.ServeHTTP(w, r.WithContext(SetIdentity(r.Context(), identity)))
		})
	}
}

// RequireRole rejects authenticated callers whose role is not in roles.
// Must run after Authenticate.
func RequireRole(metrics *Metrics, roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(roles))
	for _, role := range roles {
		allowed[role] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := GetIdentity(r.Context())
			if !ok || !allowed[identity.Role] {
				metrics.IncAuthRejected(AuthReasonForbidden)
				SetErrorCode(r.Context(), "forbidden")
				writeJSONError(w, http.StatusForbidden, "forbidden", "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// writeJSONError writes the {"error":{"code","message"}} envelope used by the API.
func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	body.Error.Code = code
	body.Error.Message = message

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
