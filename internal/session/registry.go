// Package session manages the lifecycle of activity sessions, one open
// session per (identity, origin IP) pair.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/riskaudit/internal/activity"
	"github.com/onnwee/riskaudit/internal/events"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = activity.ErrSessionNotFound

// EndResult reports the outcome of ending a session.
type EndResult struct {
	Session      *activity.Session
	AlreadyEnded bool
}

// Config configures a Registry.
type Config struct {
	Sessions   activity.SessionStore
	Activities activity.Store
	// Locker serializes work per (identity, origin). Defaults to a LocalLocker.
	Locker    KeyLocker
	Publisher events.Publisher
	Logger    *slog.Logger
	Now       func() time.Time
}

// Registry creates, updates, and ends sessions.
type Registry struct {
	sessions   activity.SessionStore
	activities activity.Store
	locker     KeyLocker
	publisher  events.Publisher
	logger     *slog.Logger
	now        func() time.Time
}

// NewRegistry creates a Registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Locker == nil {
		cfg.Locker = NewLocalLocker()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		sessions:   cfg.Sessions,
		activities: cfg.Activities,
		locker:     cfg.Locker,
		publisher:  cfg.Publisher,
		logger:     cfg.Logger,
		now:        cfg.Now,
	}
}

func lockKey(identityID, ip string) string {
	return identityID + "|" + ip
}

// GetOrCreate returns the open session for (identity, ip), advancing its last
// activity time, or creates one and publishes session-started. A non-empty
// correlation token replaces the stored one. The boolean reports creation.
func (r *Registry) GetOrCreate(ctx context.Context, identity activity.Identity, ip, userAgent, correlationToken string) (*activity.Session, bool, error) {
	unlock, err := r.locker.Lock(ctx, lockKey(identity.ID, ip))
	if err != nil {
		return nil, false, err
	}

	sess, created, err := r.getOrCreateLocked(ctx, identity, ip, userAgent, correlationToken)
	unlock()
	if err != nil {
		return nil, false, err
	}

	if created {
		r.logger.Debug("session started",
			slog.String("identity", identity.ID),
			slog.String("session_id", sess.ID),
			slog.String("ip", ip))
		r.publish(ctx, events.SessionStarted{IdentityID: identity.ID, Session: sess.Clone()})
	}
	return sess, created, nil
}

func (r *Registry) getOrCreateLocked(ctx context.Context, identity activity.Identity, ip, userAgent, correlationToken string) (*activity.Session, bool, error) {
	now := r.now()

	existing, err := r.touchOpen(ctx, identity.ID, ip, correlationToken, now)
	if err != nil || existing != nil {
		return existing, false, err
	}

	sess := &activity.Session{
		ID:               uuid.NewString(),
		IdentityID:       identity.ID,
		IPAddress:        ip,
		UserAgent:        userAgent,
		CorrelationToken: correlationToken,
		StartTime:        now,
		LastActivity:     now,
	}
	err = r.sessions.CreateSession(ctx, sess)
	if errors.Is(err, activity.ErrOpenSessionExists) {
		// Another instance won without a shared lock; join its session.
		existing, err = r.touchOpen(ctx, identity.ID, ip, correlationToken, now)
		if err == nil && existing == nil {
			err = activity.ErrOpenSessionExists
		}
		if err != nil {
			return nil, false, fmt.Errorf("failed to join concurrent session: %w", err)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, true, nil
}

// touchOpen refreshes and returns the open session for (identityID, ip), or
// nil when there is none.
func (r *Registry) touchOpen(ctx context.Context, identityID, ip, correlationToken string, now time.Time) (*activity.Session, error) {
	existing, err := r.sessions.FindOpenSession(ctx, identityID, ip)
	if err != nil {
		return nil, fmt.Errorf("failed to find open session: %w", err)
	}
	if existing == nil {
		return nil, nil
	}
	existing.LastActivity = now
	if correlationToken != "" {
		existing.CorrelationToken = correlationToken
	}
	if err := r.sessions.UpdateSession(ctx, existing); err != nil {
		return nil, fmt.Errorf("failed to touch session: %w", err)
	}
	return existing, nil
}

// RecordActivity updates a session's statistics after an activity with the
// given risk score was recorded: request count, distinct endpoint count,
// peak risk, and last activity time.
func (r *Registry) RecordActivity(ctx context.Context, sess *activity.Session, riskScore int, at time.Time) (*activity.Session, error) {
	unlock, err := r.locker.Lock(ctx, lockKey(sess.IdentityID, sess.IPAddress))
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := r.sessions.GetSession(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	endpoints, err := r.activities.SessionEndpointCount(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to count session endpoints: %w", err)
	}

	current.TotalRequests++
	current.UniqueEndpoints = endpoints
	if riskScore > current.PeakRiskScore {
		current.PeakRiskScore = riskScore
	}
	if at.After(current.LastActivity) {
		current.LastActivity = at
	}

	if err := r.sessions.UpdateSession(ctx, current); err != nil {
		return nil, fmt.Errorf("failed to update session stats: %w", err)
	}
	return current, nil
}

// End ends a session. The first call records the end time and publishes
// session-ended; later calls report AlreadyEnded without changing anything.
func (r *Registry) End(ctx context.Context, id, reason string) (EndResult, error) {
	ended, err := r.sessions.EndSession(ctx, id, r.now(), reason)
	if err != nil {
		if errors.Is(err, activity.ErrSessionNotFound) {
			return EndResult{}, ErrNotFound
		}
		return EndResult{}, fmt.Errorf("failed to end session: %w", err)
	}

	sess, err := r.sessions.GetSession(ctx, id)
	if err != nil {
		return EndResult{}, fmt.Errorf("failed to load ended session: %w", err)
	}

	if !ended {
		return EndResult{Session: sess, AlreadyEnded: true}, nil
	}

	r.logger.Info("session ended",
		slog.String("identity", sess.IdentityID),
		slog.String("session_id", id),
		slog.String("reason", reason))
	r.publish(ctx, events.SessionEnded{IdentityID: sess.IdentityID, Session: sess.Clone(), Reason: reason})
	return EndResult{Session: sess}, nil
}

// ReapIdle ends every open session idle for longer than timeout with reason
// idle_timeout. Individual failures are logged and skipped; the count of
// sessions ended is returned.
func (r *Registry) ReapIdle(ctx context.Context, timeout time.Duration) (int, error) {
	idle, err := r.sessions.IdleSessions(ctx, r.now().Add(-timeout))
	if err != nil {
		return 0, fmt.Errorf("failed to list idle sessions: %w", err)
	}

	reaped := 0
	for _, sess := range idle {
		if err := ctx.Err(); err != nil {
			return reaped, err
		}
		res, err := r.End(ctx, sess.ID, activity.EndReasonIdleTimeout)
		if err != nil {
			r.logger.Warn("failed to end idle session",
				slog.String("session_id", sess.ID),
				slog.String("error", err.Error()))
			continue
		}
		if !res.AlreadyEnded {
			reaped++
		}
	}
	return reaped, nil
}

// Get returns a session by ID.
func (r *Registry) Get(ctx context.Context, id string) (*activity.Session, error) {
	sess, err := r.sessions.GetSession(ctx, id)
	if errors.Is(err, activity.ErrSessionNotFound) {
		return nil, ErrNotFound
	}
	return sess, err
}

func (r *Registry) publish(ctx context.Context, e events.Event) {
	if r.publisher != nil {
		r.publisher.Publish(ctx, e)
	}
}
