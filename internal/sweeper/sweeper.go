// Package sweeper holds the background maintenance tasks run by the job
// scheduler: the idle session reaper and the risk trend scanner.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/riskaudit/internal/activity"
	"github.com/onnwee/riskaudit/internal/events"
	"github.com/onnwee/riskaudit/internal/jobs"
)

// Config holds the schedules and thresholds of both tasks.
type Config struct {
	IdleInterval   time.Duration
	IdleTimeout    time.Duration
	TrendInterval  time.Duration
	TrendWindow    time.Duration
	TrendThreshold float64
	// RunTimeout bounds a single run of either task.
	RunTimeout time.Duration
}

// DefaultConfig returns the default sweeper configuration.
func DefaultConfig() Config {
	return Config{
		IdleInterval:   time.Hour,
		IdleTimeout:    8 * time.Hour,
		TrendInterval:  15 * time.Minute,
		TrendWindow:    time.Hour,
		TrendThreshold: 50,
		RunTimeout:     5 * time.Minute,
	}
}

// SessionReaper ends idle sessions. Implemented by *session.Registry.
type SessionReaper interface {
	ReapIdle(ctx context.Context, timeout time.Duration) (int, error)
}

// IdleReaper ends sessions idle for longer than the configured timeout.
type IdleReaper struct {
	reaper  SessionReaper
	timeout time.Duration
	logger  *slog.Logger
}

// NewIdleReaper creates an IdleReaper.
func NewIdleReaper(reaper SessionReaper, timeout time.Duration, logger *slog.Logger) *IdleReaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdleReaper{reaper: reaper, timeout: timeout, logger: logger}
}

// Run performs one sweep.
func (r *IdleReaper) Run(ctx context.Context) error {
	n, err := r.reaper.ReapIdle(ctx, r.timeout)
	if err != nil {
		return fmt.Errorf("idle reap failed: %w", err)
	}
	if n > 0 {
		r.logger.Info("ended idle sessions",
			slog.Int("count", n),
			slog.Duration("idle_timeout", r.timeout))
	}
	return nil
}

// RiskTrendScanner publishes a risk-trend-alert for every identity whose mean
// risk score over the trailing window exceeds the threshold.
type RiskTrendScanner struct {
	store     activity.Store
	publisher events.Publisher
	window    time.Duration
	threshold float64
	logger    *slog.Logger
	now       func() time.Time
}

// NewRiskTrendScanner creates a RiskTrendScanner.
func NewRiskTrendScanner(store activity.Store, publisher events.Publisher, window time.Duration, threshold float64, logger *slog.Logger) *RiskTrendScanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &RiskTrendScanner{
		store:     store,
		publisher: publisher,
		window:    window,
		threshold: threshold,
		logger:    logger,
		now:       time.Now,
	}
}

// Run performs one scan.
func (s *RiskTrendScanner) Run(ctx context.Context) error {
	trends, err := s.store.RiskTrends(ctx, s.now().Add(-s.window))
	if err != nil {
		return fmt.Errorf("risk trend query failed: %w", err)
	}

	alerts := 0
	for _, t := range trends {
		if t.AverageRisk <= s.threshold {
			continue
		}
		alerts++
		s.publisher.Publish(ctx, events.RiskTrendAlert{
			IdentityID:    t.IdentityID,
			AverageRisk:   t.AverageRisk,
			ActivityCount: t.ActivityCount,
			Window:        s.window,
		})
	}

	s.logger.Debug("risk trend scan completed",
		slog.Int("identities", len(trends)),
		slog.Int("alerts", alerts))
	return nil
}

// Sweeper owns the two scheduled jobs. They run independently of each other.
type Sweeper struct {
	idle  *jobs.PeriodicJob
	trend *jobs.PeriodicJob
}

// New wires both tasks into single-flight periodic jobs.
func New(cfg Config, reaper *IdleReaper, scanner *RiskTrendScanner, metrics jobs.JobMetrics, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		idle: jobs.NewPeriodicJob(jobs.PeriodicJobConfig{
			Name:     jobs.JobTypeIdleSessionReap,
			Interval: cfg.IdleInterval,
			Timeout:  cfg.RunTimeout,
			Logger:   logger,
			Metrics:  metrics,
		}, reaper.Run),
		trend: jobs.NewPeriodicJob(jobs.PeriodicJobConfig{
			Name:     jobs.JobTypeRiskTrendScan,
			Interval: cfg.TrendInterval,
			Timeout:  cfg.RunTimeout,
			Logger:   logger,
			Metrics:  metrics,
		}, scanner.Run),
	}
}

// Start starts both schedules.
func (s *Sweeper) Start(ctx context.Context) error {
	if err := s.idle.Start(ctx); err != nil {
		return err
	}
	return s.trend.Start(ctx)
}

// Stop stops both schedules, waiting for in-flight runs.
func (s *Sweeper) Stop() {
	s.idle.Stop()
	s.trend.Stop()
}

// Jobs returns the idle reaper and trend scanner jobs.
func (s *Sweeper) Jobs() (idle, trend *jobs.PeriodicJob) {
	return s.idle, s.trend
}
