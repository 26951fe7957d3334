package activity

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSessionNotFound is returned when a session ID does not exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrOpenSessionExists is returned by CreateSession when another open
	// session already holds (identity, ip). Instances racing without a shared
	// lock hit this; the loser re-reads the winner.
	ErrOpenSessionExists = errors.New("open session already exists")
)

// SessionStore persists sessions.
type SessionStore interface {
	// FindOpenSession returns the most recent open session for (identityID, ip).
	// Returns nil and no error when none exists.
	FindOpenSession(ctx context.Context, identityID, ip string) (*Session, error)

	// CreateSession inserts a new session. Returns ErrOpenSessionExists if
	// an open session for the same (identity, ip) is already stored.
	CreateSession(ctx context.Context, s *Session) error

	// UpdateSession overwrites the mutable fields of an existing session
	// (last activity, correlation token, counters, peak risk).
	UpdateSession(ctx context.Context, s *Session) error

	// GetSession retrieves a session by ID. Returns ErrSessionNotFound if missing.
	GetSession(ctx context.Context, id string) (*Session, error)

	// EndSession sets the end time and reason only if the session is still open.
	// Returns true if this call ended the session.
	EndSession(ctx context.Context, id string, at time.Time, reason string) (bool, error)

	// IdleSessions returns open sessions whose last activity is before cutoff.
	IdleSessions(ctx context.Context, cutoff time.Time) ([]*Session, error)

	// RecentSessions returns sessions of an identity started at or after since.
	RecentSessions(ctx context.Context, identityID string, since time.Time) ([]*Session, error)
}

// Store persists activities and answers the aggregate queries the risk
// engine needs.
type Store interface {
	// InsertActivity records a new activity.
	InsertActivity(ctx context.Context, a *Activity) error

	// CountActivities returns the number of activities and failed activities
	// (status >= 400) of an identity at or after since.
	CountActivities(ctx context.Context, identityID string, since time.Time) (total, failed int, err error)

	// SessionFingerprints returns the distinct (IP, user agent) pairs recorded in a session.
	SessionFingerprints(ctx context.Context, sessionID string) ([]Fingerprint, error)

	// SessionEndpointCount returns the number of distinct endpoints recorded in a session.
	SessionEndpointCount(ctx context.Context, sessionID string) (int, error)

	// HourlyCounts returns activity counts of an identity bucketed by UTC hour of day.
	HourlyCounts(ctx context.Context, identityID string, since time.Time) ([24]int, error)

	// RiskTrends returns per-identity mean risk score and activity count at or after since.
	RiskTrends(ctx context.Context, since time.Time) ([]RiskTrend, error)

	// Summary aggregates an identity's activity at or after since.
	Summary(ctx context.Context, identityID string, since time.Time) (*Summary, error)

	// ListActivities returns a page of activities matching filter, newest first,
	// and the total number of matches.
	ListActivities(ctx context.Context, filter Filter) ([]*Activity, int, error)
}

// Filter selects activities for listing.
type Filter struct {
	IdentityID string
	SessionID  string
	RiskLevel  string // minimal, low, medium, high, critical (optional)
	Method     string
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}

// DefaultListLimit is used when Filter.Limit is zero.
const DefaultListLimit = 50

// riskBounds returns the [min, max) score range for a risk level name.
func riskBounds(level string) (int, int, bool) {
	switch level {
	case "critical":
		return 80, 101, true
	case "high":
		return 60, 80, true
	case "medium":
		return 40, 60, true
	case "low":
		return 20, 40, true
	case "minimal":
		return 0, 20, true
	default:
		return 0, 0, false
	}
}

// Summary is the aggregate view of one identity's recent activity.
type Summary struct {
	IdentityID         string         `json:"identity_id"`
	TotalActivities    int            `json:"total_activities"`
	TotalSessions      int            `json:"total_sessions"`
	AvgResponseTimeMs  float64        `json:"avg_response_time_ms"`
	FailedRequests     int            `json:"failed_requests"`
	HighRiskActivities int            `json:"high_risk_activities"`
	UniqueEndpoints    int            `json:"unique_endpoints"`
	UniqueIPs          int            `json:"unique_ips"`
	FirstActivity      *time.Time     `json:"first_activity,omitempty"`
	LastActivity       *time.Time     `json:"last_activity,omitempty"`
	RiskDistribution   map[string]int `json:"risk_distribution"`
}

// RiskLevel maps a 0-100 risk score to its level name:
// >=80 critical, >=60 high, >=40 medium, >=20 low, else minimal.
func RiskLevel(score int) string {
	switch {
	case score >= 80:
		return "critical"
	case score >= 60:
		return "high"
	case score >= 40:
		return "medium"
	case score >= 20:
		return "low"
	default:
		return "minimal"
	}
}
