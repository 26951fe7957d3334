// Package anomaly flags cross-session deviations: a session observed from
// more than one client fingerprint, and access at hours an identity rarely
// uses. Signals are heuristics for human review, not verdicts.
package anomaly

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/riskaudit/internal/activity"
)

// Config holds the detector thresholds.
type Config struct {
	// HistoryWindow is the trailing period the hourly distribution is built from.
	HistoryWindow time.Duration
	// MinHourShare is the share of historical activity below which an hour
	// counts as unusual.
	MinHourShare float64
}

// DefaultConfig returns the default detector configuration.
func DefaultConfig() Config {
	return Config{
		HistoryWindow: 30 * 24 * time.Hour,
		MinHourShare:  0.1,
	}
}

// HijackSignal reports a session observed with more than one (IP, user agent) pair.
type HijackSignal struct {
	IdentityID string
	SessionID  string
	Indicators []activity.Fingerprint
}

// UnusualHourSignal reports activity at an hour with a low historical share.
type UnusualHourSignal struct {
	IdentityID string
	Hour       int
	Share      float64
}

// Detector evaluates anomaly predicates against stored activity. It never
// mutates state and fails open: a query error yields no signal.
type Detector struct {
	cfg    Config
	store  activity.Store
	logger *slog.Logger
}

// NewDetector creates a Detector.
func NewDetector(cfg Config, store activity.Store, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{cfg: cfg, store: store, logger: logger}
}

// CheckHijack returns a signal when the session has recorded more than one
// distinct (IP, user agent) pair, or nil.
func (d *Detector) CheckHijack(ctx context.Context, session *activity.Session) *HijackSignal {
	if session == nil {
		return nil
	}
	fps, err := d.store.SessionFingerprints(ctx, session.ID)
	if err != nil {
		d.logger.Warn("hijack check failed, skipping",
			slog.String("session_id", session.ID),
			slog.String("error", err.Error()))
		return nil
	}
	if len(fps) <= 1 {
		return nil
	}
	return &HijackSignal{
		IdentityID: session.IdentityID,
		SessionID:  session.ID,
		Indicators: fps,
	}
}

// CheckUnusualHour returns a signal when the UTC hour of at holds less than
// MinHourShare of the identity's historical activity, or nil.
func (d *Detector) CheckUnusualHour(ctx context.Context, identityID string, at time.Time) *UnusualHourSignal {
	dist, err := d.HourlyDistribution(ctx, identityID, at)
	if err != nil {
		d.logger.Warn("unusual hour check failed, skipping",
			slog.String("identity", identityID),
			slog.String("error", err.Error()))
		return nil
	}
	hour := at.UTC().Hour()
	if dist[hour] >= d.cfg.MinHourShare {
		return nil
	}
	return &UnusualHourSignal{
		IdentityID: identityID,
		Hour:       hour,
		Share:      dist[hour],
	}
}

// HourlyDistribution returns each UTC hour's share of the identity's activity
// over the history window ending at now.
func (d *Detector) HourlyDistribution(ctx context.Context, identityID string, now time.Time) ([24]float64, error) {
	counts, err := d.store.HourlyCounts(ctx, identityID, now.Add(-d.cfg.HistoryWindow))
	if err != nil {
		return [24]float64{}, err
	}
	return Distribution(counts), nil
}

// Distribution normalizes hourly counts into shares summing to 1. Without any
// history every hour gets an equal share.
func Distribution(counts [24]int) [24]float64 {
	var dist [24]float64
	total := 0
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		for i := range dist {
			dist[i] = 1.0 / 24
		}
		return dist
	}
	for i, n := range counts {
		dist[i] = float64(n) / float64(total)
	}
	return dist
}
