// Package risk computes explainable 0-100 risk assessments for tracked
// activities from a fixed set of additive, weighted factors.
package risk

import "time"

// Config holds every factor weight and trigger threshold used by the Scorer.
// The defaults are empirical and are expected to be tuned through configuration.
type Config struct {
	SensitivePaths           []string
	SuspiciousEndpointWeight int

	HighFrequencyThreshold int // requests in the trailing window
	HighFrequencyWeight    int

	// Night window is inclusive on both ends and may wrap midnight.
	NightStartHour     int
	NightEndHour       int
	UnusualHoursWeight int

	FailedRequestWeight       int
	MultipleFailuresThreshold int
	MultipleFailuresWeight    int

	SlowResponseThreshold time.Duration
	SlowResponseWeight    int

	MultipleIPsThreshold int
	MultipleIPsWeight    int

	UserAgentThreshold int
	UserAgentWeight    int

	ExportPatterns   []string
	DataExportWeight int

	// HighRiskThreshold is the score at or above which a high-risk-activity
	// event is published.
	HighRiskThreshold int

	// FrequencyWindow bounds the request and failure counts.
	FrequencyWindow time.Duration
	// VariationWindow bounds the distinct IP and user agent sets.
	VariationWindow time.Duration
}

// DefaultConfig returns the default scoring configuration.
func DefaultConfig() Config {
	return Config{
		SensitivePaths:           []string{"/api/admin", "/api/users", "/api/payments"},
		SuspiciousEndpointWeight: 30,

		HighFrequencyThreshold: 100,
		HighFrequencyWeight:    25,

		NightStartHour:     22,
		NightEndHour:       6,
		UnusualHoursWeight: 15,

		FailedRequestWeight:       10,
		MultipleFailuresThreshold: 5,
		MultipleFailuresWeight:    20,

		SlowResponseThreshold: 5 * time.Second,
		SlowResponseWeight:    10,

		MultipleIPsThreshold: 3,
		MultipleIPsWeight:    20,

		UserAgentThreshold: 2,
		UserAgentWeight:    15,

		ExportPatterns:   []string{"/export"},
		DataExportWeight: 25,

		HighRiskThreshold: 70,

		FrequencyWindow: time.Hour,
		VariationWindow: 24 * time.Hour,
	}
}

// IsNightHour reports whether hour falls inside the configured night window.
func (c Config) IsNightHour(hour int) bool {
	if c.NightStartHour <= c.NightEndHour {
		return hour >= c.NightStartHour && hour <= c.NightEndHour
	}
	return hour >= c.NightStartHour || hour <= c.NightEndHour
}
