// Package tracker runs the activity pipeline: resolve the session, score the
// action, persist it, update session statistics, and publish risk and anomaly
// events. Submit runs the pipeline on a worker pool so the request that
// triggered it never waits.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/riskaudit/internal/activity"
	"github.com/onnwee/riskaudit/internal/anomaly"
	"github.com/onnwee/riskaudit/internal/events"
	"github.com/onnwee/riskaudit/internal/risk"
	"github.com/onnwee/riskaudit/internal/tracing"
)

// Pipeline stages used in error metrics.
const (
	StageSession  = "session"
	StageWindow   = "window"
	StagePersist  = "persist"
	StageStats    = "stats"
	StageRecovery = "panic"
)

var (
	// ErrQueueFull is returned by Submit when the queue has no room.
	ErrQueueFull = errors.New("activity queue full")
	// ErrNotRunning is returned by Submit before Start or after Stop.
	ErrNotRunning = errors.New("tracker not running")
)

// Sessions resolves and updates sessions. Implemented by *session.Registry.
type Sessions interface {
	GetOrCreate(ctx context.Context, identity activity.Identity, ip, userAgent, correlationToken string) (*activity.Session, bool, error)
	RecordActivity(ctx context.Context, sess *activity.Session, riskScore int, at time.Time) (*activity.Session, error)
}

// Detector evaluates anomaly predicates. Implemented by *anomaly.Detector.
type Detector interface {
	CheckHijack(ctx context.Context, session *activity.Session) *anomaly.HijackSignal
	CheckUnusualHour(ctx context.Context, identityID string, at time.Time) *anomaly.UnusualHourSignal
}

// Config configures a Tracker.
type Config struct {
	Sessions     Sessions
	SessionStore activity.SessionStore
	Activities   activity.Store
	Scorer       *risk.Scorer
	Detector     Detector
	Publisher    events.Publisher

	Workers        int           // Default: 4
	QueueSize      int           // Default: 1024
	ProcessTimeout time.Duration // Per-activity deadline for queued work. Default: 10s

	Logger  *slog.Logger
	Metrics *Metrics
	Now     func() time.Time
}

// Result is the outcome of tracking one activity.
type Result struct {
	Session    *activity.Session
	Activity   *activity.Activity
	Assessment risk.Assessment
	NewSession bool
}

type job struct {
	identity activity.Identity
	ctx      activity.Context
}

// Tracker records activities.
type Tracker struct {
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	mu      sync.RWMutex
	queue   chan job
	running bool
	wg      sync.WaitGroup
}

// New creates a Tracker. Call Start before Submit.
func New(cfg Config) *Tracker {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Scorer == nil {
		cfg.Scorer = risk.NewScorer(risk.DefaultConfig())
	}
	return &Tracker{
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}
}

// Track runs the full pipeline synchronously.
//
// Scoring fails open: if the recent window cannot be loaded the activity is
// recorded with a zero-risk assessment. Session resolution and persistence
// failures abort and are returned.
func (t *Tracker) Track(ctx context.Context, identity activity.Identity, c activity.Context) (res *Result, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "tracker.track")
	defer func() { endSpan(err) }()

	start := time.Now()
	defer func() { t.metrics.observeDuration(time.Since(start).Seconds()) }()

	if c.Timestamp.IsZero() {
		c.Timestamp = t.now()
	}
	c.Timestamp = c.Timestamp.UTC()

	sess, created, err := t.cfg.Sessions.GetOrCreate(ctx, identity, c.IPAddress, c.UserAgent, c.CorrelationToken)
	if err != nil {
		t.metrics.incError(StageSession)
		return nil, fmt.Errorf("failed to resolve session: %w", err)
	}

	assessment := t.assess(ctx, identity, sess, c)
	tracing.SetAttributes(ctx,
		attribute.String("session.id", sess.ID),
		attribute.Int("risk.score", assessment.Score))

	act := &activity.Activity{
		ID:             uuid.New().String(),
		SessionID:      sess.ID,
		IdentityID:     identity.ID,
		Action:         c.Action,
		Resource:       c.Resource,
		Method:         c.Method,
		Endpoint:       c.Endpoint,
		RequestData:    c.RequestData,
		ResponseStatus: c.ResponseStatus,
		ResponseTimeMs: c.Latency.Milliseconds(),
		RiskScore:      assessment.Score,
		RiskFactors:    assessment.Factors,
		IPAddress:      c.IPAddress,
		UserAgent:      c.UserAgent,
		Timestamp:      c.Timestamp,
	}
	if err := t.cfg.Activities.InsertActivity(ctx, act); err != nil {
		t.metrics.incError(StagePersist)
		return nil, fmt.Errorf("failed to record activity: %w", err)
	}

	if updated, err := t.cfg.Sessions.RecordActivity(ctx, sess, assessment.Score, c.Timestamp); err != nil {
		t.metrics.incError(StageStats)
		t.logger.Warn("failed to update session statistics",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()))
	} else {
		sess = updated
	}

	t.metrics.incTracked(string(assessment.Level))
	t.publishSignals(ctx, identity, sess, act, assessment)

	return &Result{Session: sess, Activity: act, Assessment: assessment, NewSession: created}, nil
}

func (t *Tracker) assess(ctx context.Context, identity activity.Identity, sess *activity.Session, c activity.Context) risk.Assessment {
	w, err := risk.LoadWindow(ctx, t.cfg.Scorer.Config(), t.cfg.Activities, t.cfg.SessionStore, identity.ID, c)
	if err != nil {
		t.metrics.incError(StageWindow)
		t.metrics.incFallback()
		t.logger.Warn("risk window unavailable, recording zero risk",
			slog.String("identity", identity.ID),
			slog.String("error", err.Error()))
		return risk.ZeroAssessment()
	}
	return t.cfg.Scorer.Compute(identity, sess, c, w)
}

func (t *Tracker) publishSignals(ctx context.Context, identity activity.Identity, sess *activity.Session, act *activity.Activity, a risk.Assessment) {
	if t.cfg.Publisher == nil {
		return
	}

	if t.cfg.Scorer.IsHighRisk(a) {
		tracing.AddEvent(ctx, "risk.high_risk", attribute.Int("risk.score", a.Score))
		t.cfg.Publisher.Publish(ctx, events.HighRiskActivity{
			IdentityID: identity.ID,
			Session:    sess.Clone(),
			Activity:   act.Clone(),
			Assessment: a,
		})
	}

	if t.cfg.Detector == nil {
		return
	}
	if sig := t.cfg.Detector.CheckHijack(ctx, sess); sig != nil {
		tracing.AddEvent(ctx, "risk.session_hijacking", attribute.Int("fingerprints", len(sig.Indicators)))
		t.cfg.Publisher.Publish(ctx, events.SessionHijacking{
			IdentityID: identity.ID,
			Session:    sess.Clone(),
			Activity:   act.Clone(),
			Indicators: sig.Indicators,
		})
	}
	if sig := t.cfg.Detector.CheckUnusualHour(ctx, identity.ID, act.Timestamp); sig != nil {
		tracing.AddEvent(ctx, "risk.unusual_hour", attribute.Int("hour", sig.Hour), attribute.Float64("share", sig.Share))
		t.cfg.Publisher.Publish(ctx, events.UnusualAccessTime{
			IdentityID: identity.ID,
			Session:    sess.Clone(),
			Activity:   act.Clone(),
			Hour:       sig.Hour,
			Share:      sig.Share,
		})
	}
}

// Start launches the worker pool.
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	t.queue = make(chan job, t.cfg.QueueSize)
	t.running = true
	for i := 0; i < t.cfg.Workers; i++ {
		t.wg.Add(1)
		go t.worker(t.queue)
	}
	t.logger.Info("activity tracker started",
		slog.Int("workers", t.cfg.Workers),
		slog.Int("queue_size", t.cfg.QueueSize))
}

// Stop stops accepting work and waits for queued activities to drain or for
// ctx to expire.
func (t *Tracker) Stop(ctx context.Context) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	close(t.queue)
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.logger.Info("activity tracker stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("activity tracker drain interrupted: %w", ctx.Err())
	}
}

// Submit queues an activity without blocking. When the queue is full the
// activity is dropped and ErrQueueFull returned.
func (t *Tracker) Submit(identity activity.Identity, c activity.Context) error {
	if c.Timestamp.IsZero() {
		c.Timestamp = t.now()
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.running {
		t.metrics.incDropped()
		return ErrNotRunning
	}

	select {
	case t.queue <- job{identity: identity, ctx: c}:
		t.metrics.setQueueDepth(len(t.queue))
		return nil
	default:
		t.metrics.incDropped()
		t.logger.Warn("activity queue full, dropping activity",
			slog.String("identity", identity.ID),
			slog.String("endpoint", c.Endpoint))
		return ErrQueueFull
	}
}

func (t *Tracker) worker(queue <-chan job) {
	defer t.wg.Done()
	for j := range queue {
		t.metrics.setQueueDepth(len(queue))
		t.process(j)
	}
}

func (t *Tracker) process(j job) {
	defer func() {
		if r := recover(); r != nil {
			t.metrics.incError(StageRecovery)
			t.logger.Error("activity processing panicked",
				slog.String("identity", j.identity.ID),
				slog.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.ProcessTimeout)
	defer cancel()

	if _, err := t.Track(ctx, j.identity, j.ctx); err != nil {
		t.logger.Error("failed to track activity",
			slog.String("identity", j.identity.ID),
			slog.String("endpoint", j.ctx.Endpoint),
			slog.String("error", err.Error()))
	}
}
