package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/onnwee/riskaudit/internal/activity"
	"github.com/onnwee/riskaudit/internal/events"
)

// Appender appends raw payloads to the chain. Implemented by *ChainState.
type Appender interface {
	Append(ctx context.Context, payload []byte) (*Entry, error)
}

// Recorder turns structured records into chain entries.
type Recorder struct {
	chain  Appender
	logger *slog.Logger
}

// NewRecorder creates a Recorder appending to chain.
func NewRecorder(chain Appender, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{chain: chain, logger: logger}
}

// Record appends rec to the chain.
func (r *Recorder) Record(ctx context.Context, rec Record) (*Entry, error) {
	if rec.Type == "" {
		return nil, fmt.Errorf("audit record type is required")
	}
	if rec.Outcome == "" {
		rec.Outcome = OutcomeSuccess
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit record: %w", err)
	}

	entry, err := r.chain.Append(ctx, payload)
	if err != nil {
		r.logger.Error("failed to append audit record",
			slog.String("type", rec.Type),
			slog.String("actor", rec.Actor),
			slog.String("error", err.Error()))
		return nil, err
	}
	return entry, nil
}

// Handle implements events.Subscriber. Security signals and session
// terminations become audit records; other events are ignored.
func (r *Recorder) Handle(ctx context.Context, e events.Event) error {
	rec, ok := recordFor(e)
	if !ok {
		return nil
	}
	_, err := r.Record(ctx, rec)
	return err
}

// SubscribedEvents lists the events Handle records.
var SubscribedEvents = []events.Name{
	events.NameHighRiskActivity,
	events.NameSessionHijacking,
	events.NameSessionEnded,
}

func recordFor(e events.Event) (Record, bool) {
	switch ev := e.(type) {
	case events.HighRiskActivity:
		rec := Record{
			Type:    TypeHighRiskActivity,
			Actor:   ev.IdentityID,
			Outcome: OutcomeFailure,
			Details: map[string]any{
				"risk_score":   ev.Assessment.Score,
				"risk_factors": ev.Assessment.Factors,
				"risk_level":   string(ev.Assessment.Level),
			},
		}
		if ev.Session != nil {
			rec.Details["session_id"] = ev.Session.ID
		}
		if a := ev.Activity; a != nil {
			rec.Subject = a.ID
			rec.IPAddress = a.IPAddress
			rec.UserAgent = a.UserAgent
			rec.Details["endpoint"] = a.Endpoint
			rec.Details["method"] = a.Method
		}
		return rec, true

	case events.SessionHijacking:
		rec := Record{
			Type:    TypeSessionHijacking,
			Actor:   ev.IdentityID,
			Outcome: OutcomeFailure,
			Details: map[string]any{"indicators": ev.Indicators},
		}
		if ev.Session != nil {
			rec.Subject = ev.Session.ID
			rec.IPAddress = ev.Session.IPAddress
			rec.UserAgent = ev.Session.UserAgent
		}
		return rec, true

	case events.SessionEnded:
		// Idle reaping and logouts are routine.
		if ev.Reason != activity.EndReasonSecurityIncident && ev.Reason != activity.EndReasonTerminated {
			return Record{}, false
		}
		rec := Record{
			Type:    TypeSessionTerminated,
			Actor:   ev.IdentityID,
			Outcome: OutcomeSuccess,
			Details: map[string]any{"reason": ev.Reason},
		}
		if ev.Session != nil {
			rec.Subject = ev.Session.ID
			rec.IPAddress = ev.Session.IPAddress
		}
		return rec, true
	}
	return Record{}, false
}
