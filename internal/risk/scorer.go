package risk

import (
	"strings"

	"github.com/onnwee/riskaudit/internal/activity"
)

// Factor tags recorded on an assessment, in evaluation order.
const (
	FactorSuspiciousEndpoint = "suspicious_endpoint"
	FactorHighFrequency      = "high_frequency"
	FactorUnusualHours       = "unusual_hours"
	FactorFailedRequest      = "failed_request"
	FactorMultipleFailures   = "multiple_failures"
	FactorSlowResponse       = "slow_response"
	FactorMultipleIPs        = "multiple_ips"
	FactorUserAgentVariation = "user_agent_variation"
	FactorDataExport         = "data_export"
)

// MaxScore caps every assessment.
const MaxScore = 100

// Level is the named band of a risk score.
type Level string

// Risk levels in ascending order.
const (
	LevelMinimal  Level = "minimal"
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// LevelFor returns the level of a score.
func LevelFor(score int) Level {
	return Level(activity.RiskLevel(score))
}

// Window summarizes an identity's recent behavior. Counts cover the trailing
// frequency window and include the activity being scored; the distinct sets
// cover sessions started in the trailing variation window.
type Window struct {
	RequestCount       int
	FailedCount        int
	DistinctIPs        int
	DistinctUserAgents int
}

// Assessment is the explainable result of scoring one activity.
type Assessment struct {
	Score   int      `json:"score"`
	Factors []string `json:"factors"`
	Level   Level    `json:"level"`
}

// ZeroAssessment is returned when scoring inputs could not be loaded.
func ZeroAssessment() Assessment {
	return Assessment{Score: 0, Factors: []string{}, Level: LevelMinimal}
}

// Scorer computes assessments. It holds no mutable state.
type Scorer struct {
	cfg Config
}

// NewScorer creates a Scorer with the given configuration.
func NewScorer(cfg Config) *Scorer {
	return &Scorer{cfg: cfg}
}

// Config returns the scorer's configuration.
func (s *Scorer) Config() Config {
	return s.cfg
}

// Compute scores one activity. It is a pure function of its inputs: the hour
// is taken from c.Timestamp in UTC, never from the wall clock.
func (s *Scorer) Compute(identity activity.Identity, session *activity.Session, c activity.Context, w Window) Assessment {
	cfg := s.cfg
	score := 0
	factors := []string{}
	add := func(tag string, weight int) {
		score += weight
		factors = append(factors, tag)
	}

	if matchesAny(c.Endpoint, cfg.SensitivePaths) {
		add(FactorSuspiciousEndpoint, cfg.SuspiciousEndpointWeight)
	}

	if w.RequestCount > cfg.HighFrequencyThreshold {
		add(FactorHighFrequency, cfg.HighFrequencyWeight)
	}

	if cfg.IsNightHour(c.Timestamp.UTC().Hour()) {
		add(FactorUnusualHours, cfg.UnusualHoursWeight)
	}

	if c.Failed() {
		add(FactorFailedRequest, cfg.FailedRequestWeight)
		if w.FailedCount > cfg.MultipleFailuresThreshold {
			add(FactorMultipleFailures, cfg.MultipleFailuresWeight)
		}
	}

	if c.Latency > cfg.SlowResponseThreshold {
		add(FactorSlowResponse, cfg.SlowResponseWeight)
	}

	if w.DistinctIPs > cfg.MultipleIPsThreshold {
		add(FactorMultipleIPs, cfg.MultipleIPsWeight)
	}

	if w.DistinctUserAgents > cfg.UserAgentThreshold {
		add(FactorUserAgentVariation, cfg.UserAgentWeight)
	}

	if c.Method == "GET" && matchesAny(c.Endpoint, cfg.ExportPatterns) {
		add(FactorDataExport, cfg.DataExportWeight)
	}

	if score > MaxScore {
		score = MaxScore
	}
	if score < 0 {
		score = 0
	}

	return Assessment{
		Score:   score,
		Factors: factors,
		Level:   LevelFor(score),
	}
}

// IsHighRisk reports whether an assessment crosses the high-risk threshold.
func (s *Scorer) IsHighRisk(a Assessment) bool {
	return a.Score >= s.cfg.HighRiskThreshold
}

func matchesAny(endpoint string, patterns []string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(endpoint, p) {
			return true
		}
	}
	return false
}
