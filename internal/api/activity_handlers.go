package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/riskaudit/internal/activity"
)

// Summary window bounds in days.
const (
	DefaultSummaryDays = 30
	MaxSummaryDays     = 365
	maxListLimit       = 500
)

// ActivityReader is the read side of the activity store used by the admin API.
type ActivityReader interface {
	ListActivities(ctx context.Context, filter activity.Filter) ([]*activity.Activity, int, error)
	Summary(ctx context.Context, identityID string, since time.Time) (*activity.Summary, error)
}

// ActivityHandlers serves activity listing and per-identity summaries.
type ActivityHandlers struct {
	store ActivityReader
	now   func() time.Time
}

// NewActivityHandlers creates activity handlers.
func NewActivityHandlers(store ActivityReader) *ActivityHandlers {
	return &ActivityHandlers{store: store, now: time.Now}
}

// ActivityResponse is the JSON view of a recorded activity.
type ActivityResponse struct {
	ID             string          `json:"id"`
	SessionID      string          `json:"session_id"`
	IdentityID     string          `json:"identity_id"`
	Action         string          `json:"action"`
	Resource       string          `json:"resource"`
	Method         string          `json:"method"`
	Endpoint       string          `json:"endpoint"`
	RequestData    json.RawMessage `json:"request_data,omitempty"`
	ResponseStatus int             `json:"response_status"`
	ResponseTimeMs int64           `json:"response_time_ms"`
	RiskScore      int             `json:"risk_score"`
	RiskLevel      string          `json:"risk_level"`
	RiskFactors    []string        `json:"risk_factors"`
	IPAddress      string          `json:"ip_address"`
	UserAgent      string          `json:"user_agent"`
	Timestamp      time.Time       `json:"timestamp"`
}

// ActivityListResponse is a page of activities.
type ActivityListResponse struct {
	Activities []ActivityResponse `json:"activities"`
	Total      int                `json:"total"`
	Limit      int                `json:"limit"`
	Offset     int                `json:"offset"`
}

func toActivityResponse(a *activity.Activity) ActivityResponse {
	factors := a.RiskFactors
	if factors == nil {
		factors = []string{}
	}
	resp := ActivityResponse{
		ID:             a.ID,
		SessionID:      a.SessionID,
		IdentityID:     a.IdentityID,
		Action:         a.Action,
		Resource:       a.Resource,
		Method:         a.Method,
		Endpoint:       a.Endpoint,
		ResponseStatus: a.ResponseStatus,
		ResponseTimeMs: a.ResponseTimeMs,
		RiskScore:      a.RiskScore,
		RiskLevel:      activity.RiskLevel(a.RiskScore),
		RiskFactors:    factors,
		IPAddress:      a.IPAddress,
		UserAgent:      a.UserAgent,
		Timestamp:      a.Timestamp.UTC(),
	}
	if json.Valid(a.RequestData) {
		resp.RequestData = a.RequestData
	}
	return resp
}

// List handles GET /api/v1/activities.
// Query: identity_id, session_id, risk_level, method, from, to (RFC3339), limit, offset.
func (h *ActivityHandlers) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	filter := activity.Filter{
		IdentityID: q.Get("identity_id"),
		SessionID:  q.Get("session_id"),
		RiskLevel:  strings.ToLower(q.Get("risk_level")),
		Method:     strings.ToUpper(q.Get("method")),
	}
	switch filter.RiskLevel {
	case "", "minimal", "low", "medium", "high", "critical":
	default:
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "risk_level must be one of minimal, low, medium, high, critical")
		return
	}

	var err error
	if filter.From, filter.To, err = parseTimeRange(q); err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}
	if filter.Limit, err = intParam(q, "limit", activity.DefaultListLimit, 1, maxListLimit); err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}
	if filter.Offset, err = intParam(q, "offset", 0, 0, -1); err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	activities, total, err := h.store.ListActivities(ctx, filter)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list activities", "error", err)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to list activities")
		return
	}

	resp := ActivityListResponse{
		Activities: make([]ActivityResponse, 0, len(activities)),
		Total:      total,
		Limit:      filter.Limit,
		Offset:     filter.Offset,
	}
	for _, a := range activities {
		resp.Activities = append(resp.Activities, toActivityResponse(a))
	}
	WriteJSON(w, ctx, http.StatusOK, resp)
}

// Summary handles GET /api/v1/activities/summary?identity_id=...&days=30.
func (h *ActivityHandlers) Summary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	identityID := q.Get("identity_id")
	if identityID == "" {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "identity_id is required")
		return
	}
	days, err := intParam(q, "days", DefaultSummaryDays, 1, MaxSummaryDays)
	if err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	since := h.now().UTC().AddDate(0, 0, -days)
	summary, err := h.store.Summary(ctx, identityID, since)
	if err != nil {
		slog.ErrorContext(ctx, "failed to summarize activity", "identity", identityID, "error", err)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to summarize activity")
		return
	}
	WriteJSON(w, ctx, http.StatusOK, summary)
}

// paramError is a client input error whose message is safe to return.
type paramError string

func (e paramError) Error() string { return string(e) }

// intParam parses an integer query parameter within [lo, hi]; hi < 0 means unbounded.
func intParam(q url.Values, name string, def, lo, hi int) (int, error) {
	raw := q.Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < lo || (hi >= 0 && v > hi) {
		if hi >= 0 {
			return 0, paramError(name + " must be an integer between " + strconv.Itoa(lo) + " and " + strconv.Itoa(hi))
		}
		return 0, paramError(name + " must be an integer >= " + strconv.Itoa(lo))
	}
	return v, nil
}

// parseTimeRange parses optional RFC3339 from/to parameters.
func parseTimeRange(q url.Values) (from, to time.Time, err error) {
	if raw := q.Get("from"); raw != "" {
		if from, err = time.Parse(time.RFC3339, raw); err != nil {
			return time.Time{}, time.Time{}, paramError("from must be an RFC3339 timestamp")
		}
	}
	if raw := q.Get("to"); raw != "" {
		if to, err = time.Parse(time.RFC3339, raw); err != nil {
			return time.Time{}, time.Time{}, paramError("to must be an RFC3339 timestamp")
		}
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return time.Time{}, time.Time{}, paramError("from must be before to")
	}
	return from.UTC(), to.UTC(), nil
}
