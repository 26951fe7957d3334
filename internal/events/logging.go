package events

import (
	"context"
	"log/slog"
)

// LogSubscriber writes every event to a structured logger. Detection signals
// are logged at Warn, lifecycle events at Info.
type LogSubscriber struct {
	logger *slog.Logger
}

// NewLogSubscriber creates a LogSubscriber.
func NewLogSubscriber(logger *slog.Logger) *LogSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSubscriber{logger: logger}
}

// Handle logs e.
func (s *LogSubscriber) Handle(ctx context.Context, e Event) error {
	attrs := []any{
		slog.String("event", string(e.EventName())),
		slog.String("identity", e.Identity()),
	}
	level := slog.LevelWarn

	switch ev := e.(type) {
	case HighRiskActivity:
		attrs = append(attrs,
			slog.Int("risk_score", ev.Assessment.Score),
			slog.String("risk_level", string(ev.Assessment.Level)),
			slog.Any("risk_factors", ev.Assessment.Factors))
		if ev.Session != nil {
			attrs = append(attrs, slog.String("session_id", ev.Session.ID))
		}
	case SessionHijacking:
		attrs = append(attrs, slog.Int("fingerprints", len(ev.Indicators)))
		if ev.Session != nil {
			attrs = append(attrs, slog.String("session_id", ev.Session.ID))
		}
	case UnusualAccessTime:
		attrs = append(attrs, slog.Int("hour", ev.Hour), slog.Float64("share", ev.Share))
	case RiskTrendAlert:
		attrs = append(attrs,
			slog.Float64("average_risk", ev.AverageRisk),
			slog.Int("activity_count", ev.ActivityCount))
	case SessionStarted:
		level = slog.LevelInfo
		if ev.Session != nil {
			attrs = append(attrs,
				slog.String("session_id", ev.Session.ID),
				slog.String("ip", ev.Session.IPAddress))
		}
	case SessionEnded:
		level = slog.LevelInfo
		attrs = append(attrs, slog.String("reason", ev.Reason))
		if ev.Session != nil {
			attrs = append(attrs, slog.String("session_id", ev.Session.ID))
		}
	}

	s.logger.Log(ctx, level, "security event", attrs...)
	return nil
}
