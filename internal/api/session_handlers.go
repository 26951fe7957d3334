package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/riskaudit/internal/activity"
	"github.com/onnwee/riskaudit/internal/session"
)

// SessionManager is the subset of session.Registry the admin API uses.
type SessionManager interface {
	Get(ctx context.Context, id string) (*activity.Session, error)
	End(ctx context.Context, id, reason string) (session.EndResult, error)
}

// SessionHandlers serves session inspection and termination.
type SessionHandlers struct {
	sessions SessionManager
}

// NewSessionHandlers creates session handlers.
func NewSessionHandlers(sessions SessionManager) *SessionHandlers {
	return &SessionHandlers{sessions: sessions}
}

// SessionResponse is the JSON view of a session.
type SessionResponse struct {
	ID              string     `json:"id"`
	IdentityID      string     `json:"identity_id"`
	IPAddress       string     `json:"ip_address"`
	UserAgent       string     `json:"user_agent"`
	StartTime       time.Time  `json:"start_time"`
	LastActivity    time.Time  `json:"last_activity"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	EndReason       string     `json:"end_reason,omitempty"`
	Open            bool       `json:"open"`
	TotalRequests   int        `json:"total_requests"`
	UniqueEndpoints int        `json:"unique_endpoints"`
	PeakRiskScore   int        `json:"peak_risk_score"`
}

// EndSessionResponse reports the outcome of ending a session.
type EndSessionResponse struct {
	Session      SessionResponse `json:"session"`
	AlreadyEnded bool            `json:"already_ended"`
}

// EndSessionRequest is the optional body of POST /api/v1/sessions/{id}/end.
type EndSessionRequest struct {
	Reason string `json:"reason"`
}

func toSessionResponse(s *activity.Session) SessionResponse {
	return SessionResponse{
		ID:              s.ID,
		IdentityID:      s.IdentityID,
		IPAddress:       s.IPAddress,
		UserAgent:       s.UserAgent,
		StartTime:       s.StartTime.UTC(),
		LastActivity:    s.LastActivity.UTC(),
		EndTime:         s.EndTime,
		EndReason:       s.EndReason,
		Open:            s.IsOpen(),
		TotalRequests:   s.TotalRequests,
		UniqueEndpoints: s.UniqueEndpoints,
		PeakRiskScore:   s.PeakRiskScore,
	}
}

// Get handles GET /api/v1/sessions/{id}.
func (h *SessionHandlers) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	sess, err := h.sessions.Get(ctx, id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "Session not found")
			return
		}
		slog.ErrorContext(ctx, "failed to get session", "session_id", id, "error", err)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to get session")
		return
	}
	WriteJSON(w, ctx, http.StatusOK, toSessionResponse(sess))
}

// End handles POST /api/v1/sessions/{id}/end. The reason defaults to
// "terminated"; ending an ended session reports already_ended.
func (h *SessionHandlers) End(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	var req EndSessionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4<<10)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON body")
		return
	}
	switch req.Reason {
	case "":
		req.Reason = activity.EndReasonTerminated
	case activity.EndReasonTerminated, activity.EndReasonSecurityIncident, activity.EndReasonLogout:
	default:
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "reason must be one of terminated, security_incident, normal_logout")
		return
	}

	res, err := h.sessions.End(ctx, id, req.Reason)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "Session not found")
			return
		}
		slog.ErrorContext(ctx, "failed to end session", "session_id", id, "error", err)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to end session")
		return
	}

	WriteJSON(w, ctx, http.StatusOK, EndSessionResponse{
		Session:      toSessionResponse(res.Session),
		AlreadyEnded: res.AlreadyEnded,
	})
}
