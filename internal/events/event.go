// Package events provides the in-process publish/subscribe bus that carries
// risk, session, and anomaly signals to alerting collaborators.
package events

import (
	"time"

	"github.com/onnwee/riskaudit/internal/activity"
	"github.com/onnwee/riskaudit/internal/risk"
)

// Name identifies an event variant.
type Name string

// Event names.
const (
	NameHighRiskActivity  Name = "high-risk-activity"
	NameSessionHijacking  Name = "potential-session-hijacking"
	NameUnusualAccessTime Name = "unusual-access-time"
	NameSessionStarted    Name = "session-started"
	NameSessionEnded      Name = "session-ended"
	NameRiskTrendAlert    Name = "risk-trend-alert"
)

// AllNames lists every event name.
var AllNames = []Name{
	NameHighRiskActivity,
	NameSessionHijacking,
	NameUnusualAccessTime,
	NameSessionStarted,
	NameSessionEnded,
	NameRiskTrendAlert,
}

// Event is implemented only by the variants in this package.
type Event interface {
	EventName() Name
	Identity() string
	event()
}

// HighRiskActivity is published when an activity's score reaches the high-risk threshold.
type HighRiskActivity struct {
	IdentityID string             `json:"identity"`
	Session    *activity.Session  `json:"session"`
	Activity   *activity.Activity `json:"activity"`
	Assessment risk.Assessment    `json:"assessment"`
}

// SessionHijacking is published when one session shows multiple client fingerprints.
type SessionHijacking struct {
	IdentityID string                 `json:"identity"`
	Session    *activity.Session      `json:"session"`
	Activity   *activity.Activity     `json:"activity,omitempty"`
	Indicators []activity.Fingerprint `json:"indicators"`
}

// UnusualAccessTime is published when activity occurs at a rarely used hour.
type UnusualAccessTime struct {
	IdentityID string             `json:"identity"`
	Session    *activity.Session  `json:"session"`
	Activity   *activity.Activity `json:"activity,omitempty"`
	Hour       int                `json:"hour"`
	Share      float64            `json:"share"`
}

// SessionStarted is published when a new session is created.
type SessionStarted struct {
	IdentityID string            `json:"identity"`
	Session    *activity.Session `json:"session"`
}

// SessionEnded is published once per session, when it ends.
type SessionEnded struct {
	IdentityID string            `json:"identity"`
	Session    *activity.Session `json:"session"`
	Reason     string            `json:"reason"`
}

// RiskTrendAlert is published when an identity's mean recent risk exceeds the trend threshold.
type RiskTrendAlert struct {
	IdentityID    string        `json:"identity"`
	AverageRisk   float64       `json:"average_risk"`
	ActivityCount int           `json:"activity_count"`
	Window        time.Duration `json:"window"`
}

func (HighRiskActivity) EventName() Name  { return NameHighRiskActivity }
func (SessionHijacking) EventName() Name  { return NameSessionHijacking }
func (UnusualAccessTime) EventName() Name { return NameUnusualAccessTime }
func (SessionStarted) EventName() Name    { return NameSessionStarted }
func (SessionEnded) EventName() Name      { return NameSessionEnded }
func (RiskTrendAlert) EventName() Name    { return NameRiskTrendAlert }

func (e HighRiskActivity) Identity() string  { return e.IdentityID }
func (e SessionHijacking) Identity() string  { return e.IdentityID }
func (e UnusualAccessTime) Identity() string { return e.IdentityID }
func (e SessionStarted) Identity() string    { return e.IdentityID }
func (e SessionEnded) Identity() string      { return e.IdentityID }
func (e RiskTrendAlert) Identity() string    { return e.IdentityID }

func (HighRiskActivity) event()  {}
func (SessionHijacking) event()  {}
func (UnusualAccessTime) event() {}
func (SessionStarted) event()    {}
func (SessionEnded) event()      {}
func (RiskTrendAlert) event()    {}
