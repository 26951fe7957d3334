// Package activity defines the normalized activity and session records
// tracked for every authenticated identity, together with the storage
// interfaces the risk engine reads from and writes to.
package activity

import (
	"time"
)

// Identity is the verified caller supplied by the identity provider before any
// activity is tracked. The engine never authenticates on its own.
type Identity struct {
	ID         string
	Role       string
	Attributes map[string]string
}

// Context is the normalized description of one inbound action, independent of
// transport. All scoring and anomaly logic reads from these fields only.
type Context struct {
	Action   string
	Resource string
	Method   string
	Endpoint string

	// RequestData holds the sanitized request body encoded as JSON.
	// Use EncodeRequestData to build it; nil when no body was captured.
	RequestData []byte

	ResponseStatus int
	Latency        time.Duration

	IPAddress string
	UserAgent string

	// CorrelationToken links the session to the token that authenticated it (optional).
	CorrelationToken string

	Timestamp time.Time
}

// Failed reports whether the response status indicates a failed request.
func (c Context) Failed() bool {
	return c.ResponseStatus >= 400
}

// Session is a bounded period of activity for one identity from one origin IP.
type Session struct {
	ID               string
	IdentityID       string
	IPAddress        string
	UserAgent        string
	CorrelationToken string

	StartTime    time.Time
	LastActivity time.Time
	EndTime      *time.Time // set exactly once
	EndReason    string

	TotalRequests   int
	UniqueEndpoints int
	PeakRiskScore   int
}

// IsOpen reports whether the session has not been ended yet.
func (s *Session) IsOpen() bool {
	return s.EndTime == nil
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	c := *s
	if s.EndTime != nil {
		t := *s.EndTime
		c.EndTime = &t
	}
	return &c
}

// Activity is one recorded action within a session. Immutable once recorded.
type Activity struct {
	ID         string
	SessionID  string
	IdentityID string

	Action      string
	Resource    string
	Method      string
	Endpoint    string
	RequestData []byte

	ResponseStatus int
	ResponseTimeMs int64

	RiskScore   int
	RiskFactors []string

	IPAddress string
	UserAgent string
	Timestamp time.Time
}

// Clone returns a deep copy of the activity.
func (a *Activity) Clone() *Activity {
	c := *a
	if a.RequestData != nil {
		c.RequestData = append([]byte(nil), a.RequestData...)
	}
	if a.RiskFactors != nil {
		c.RiskFactors = append([]string(nil), a.RiskFactors...)
	}
	return &c
}

// Fingerprint is a distinct (IP, user agent) pair observed within a session.
type Fingerprint struct {
	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`
}

// RiskTrend is the mean risk score of one identity over a trailing window.
type RiskTrend struct {
	IdentityID    string
	AverageRisk   float64
	ActivityCount int
}

// End reasons recorded on sessions.
const (
	EndReasonLogout           = "normal_logout"
	EndReasonIdleTimeout      = "idle_timeout"
	EndReasonSecurityIncident = "security_incident"
	EndReasonTerminated       = "terminated"
)
