package risk

import (
	"context"
	"fmt"

	"github.com/onnwee/riskaudit/internal/activity"
)

// LoadWindow reads the recent-activity window for an identity as of
// current.Timestamp. It must be called before current is recorded; current
// is then added to the counts, so the 101st request in the hour sees 101.
func LoadWindow(ctx context.Context, cfg Config, store activity.Store, sessions activity.SessionStore, identityID string, current activity.Context) (Window, error) {
	var w Window
	now := current.Timestamp

	total, failed, err := store.CountActivities(ctx, identityID, now.Add(-cfg.FrequencyWindow))
	if err != nil {
		return w, fmt.Errorf("failed to load activity counts: %w", err)
	}
	w.RequestCount = total + 1
	w.FailedCount = failed
	if current.Failed() {
		w.FailedCount++
	}

	recent, err := sessions.RecentSessions(ctx, identityID, now.Add(-cfg.VariationWindow))
	if err != nil {
		return w, fmt.Errorf("failed to load recent sessions: %w", err)
	}
	ips := make(map[string]struct{})
	agents := make(map[string]struct{})
	for _, s := range recent {
		ips[s.IPAddress] = struct{}{}
		if s.UserAgent != "" {
			agents[s.UserAgent] = struct{}{}
		}
	}
	w.DistinctIPs = len(ips)
	w.DistinctUserAgents = len(agents)

	return w, nil
}
