// Package main is the entry point for the risk engine API server.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/riskaudit/internal/activity"
	"github.com/onnwee/riskaudit/internal/anomaly"
	"github.com/onnwee/riskaudit/internal/api"
	"github.com/onnwee/riskaudit/internal/audit"
	"github.com/onnwee/riskaudit/internal/auth"
	"github.com/onnwee/riskaudit/internal/cluster"
	"github.com/onnwee/riskaudit/internal/config"
	"github.com/onnwee/riskaudit/internal/db"
	"github.com/onnwee/riskaudit/internal/events"
	"github.com/onnwee/riskaudit/internal/health"
	"github.com/onnwee/riskaudit/internal/jobs"
	"github.com/onnwee/riskaudit/internal/middleware"
	"github.com/onnwee/riskaudit/internal/risk"
	"github.com/onnwee/riskaudit/internal/session"
	"github.com/onnwee/riskaudit/internal/sweeper"
	"github.com/onnwee/riskaudit/internal/tracing"
	"github.com/onnwee/riskaudit/internal/tracker"
)

const serviceName = "riskaudit"

// alertEvents are pushed to connected alert feed clients.
var alertEvents = []events.Name{
	events.NameHighRiskActivity,
	events.NameSessionHijacking,
	events.NameUnusualAccessTime,
	events.NameRiskTrendAlert,
}

// storage bundles the persistence backends selected at startup.
type storage struct {
	db       *sql.DB
	sessions activity.SessionStore
	store    activity.Store
	audit    audit.Repository
	clusters cluster.Store
}

func main() {
	help := flag.Bool("help", false, "display help message")
	configPath := flag.String("config", os.Getenv("RISKAUDIT_CONFIG"), "path to a YAML configuration file")
	flag.Parse()

	if *help {
		fmt.Println("Risk & Audit Engine API Server")
		fmt.Println()
		fmt.Println("Usage: api [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintln(os.Stderr, "config error:", err)
		}
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)
	logger.Info("configuration loaded", "config", cfg.LogSummary())

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	tracingService := ""
	tp, err := tracing.NewProvider(tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: api.Version,
		Enabled:        cfg.TracingEnabled,
		Environment:    cfg.Env,
		ExporterType:   cfg.TracingExporter,
		OTLPEndpoint:   cfg.TracingEndpoint,
		SamplingRate:   cfg.TracingSampleRate,
		InsecureMode:   cfg.TracingInsecure,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracer shutdown failed", "error", err)
		}
	}()
	if tp.IsEnabled() {
		tracingService = serviceName
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	httpMetrics := middleware.NewMetrics()
	eventMetrics := events.NewMetrics()
	auditMetrics := audit.NewMetrics()
	trackerMetrics := tracker.NewMetrics()
	jobMetrics := jobs.NewMetrics()
	for _, m := range []interface {
		Register(prometheus.Registerer) error
	}{httpMetrics, eventMetrics, auditMetrics, trackerMetrics, jobMetrics} {
		if err := m.Register(reg); err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	// Storage
	st, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if st.db != nil {
		defer st.db.Close()
	}

	// Redis (optional): distributed session locks and rate limit buckets.
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}

	// Audit chain
	chain := audit.NewChainState(audit.ChainConfig{
		Repository: st.audit,
		Logger:     logger,
		Metrics:    auditMetrics,
	})
	if err := chain.Hydrate(ctx); err != nil {
		// Serve degraded; readiness reports the failure and Append retries.
		logger.Error("starting with degraded audit chain", "error", err)
	}
	recorder := audit.NewRecorder(chain, logger)

	// Event bus
	bus := events.NewBus(logger, eventMetrics)
	broadcaster := events.NewBroadcaster(logger, eventMetrics)
	bus.Subscribe(events.NewLogSubscriber(logger), events.AllNames...)
	bus.Subscribe(recorder, audit.SubscribedEvents...)
	bus.Subscribe(broadcaster, alertEvents...)

	// Sessions and tracking
	sessionCfg := session.Config{
		Sessions:   st.sessions,
		Activities: st.store,
		Publisher:  bus,
		Logger:     logger,
	}
	if redisClient != nil {
		sessionCfg.Locker = session.NewRedisLocker(redisClient, 10*time.Second)
	}
	sessions := session.NewRegistry(sessionCfg)

	trk := tracker.New(tracker.Config{
		Sessions:       sessions,
		SessionStore:   st.sessions,
		Activities:     st.store,
		Scorer:         risk.NewScorer(cfg.RiskScoring()),
		Detector:       anomaly.NewDetector(cfg.AnomalyDetection(), st.store, logger),
		Publisher:      bus,
		Workers:        cfg.Tracker.Workers,
		QueueSize:      cfg.Tracker.QueueSize,
		ProcessTimeout: cfg.Tracker.ProcessTimeout,
		Logger:         logger,
		Metrics:        trackerMetrics,
	})
	trk.Start()

	// Cluster trust
	registryCfg := cluster.RegistryConfig{
		Store:            st.clusters,
		Audit:            recorder,
		ChallengeTimeout: cfg.Cluster.ChallengeTimeout,
		Logger:           logger,
	}
	if cfg.Cluster.TrustedCAFile != "" {
		pemData, err := os.ReadFile(cfg.Cluster.TrustedCAFile)
		if err != nil {
			return fmt.Errorf("failed to read trusted CA file: %w", err)
		}
		pool, err := cluster.LoadCAPool(string(pemData))
		if err != nil {
			return fmt.Errorf("failed to load trusted CA: %w", err)
		}
		registryCfg.TrustedCA = pool
	}
	clusters := cluster.NewRegistry(registryCfg)

	// Background jobs
	sweepCfg := cfg.Sweeping()
	sw := sweeper.New(sweepCfg,
		sweeper.NewIdleReaper(sessions, sweepCfg.IdleTimeout, logger),
		sweeper.NewRiskTrendScanner(st.store, bus, sweepCfg.TrendWindow, sweepCfg.TrendThreshold, logger),
		jobMetrics, logger)
	if err := sw.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sweeper: %w", err)
	}
	defer sw.Stop()

	if cfg.ArchiveEnabled() {
		archiveJob, err := newArchiveJob(cfg, st.audit, jobMetrics, logger)
		if err != nil {
			return err
		}
		if err := archiveJob.Start(ctx); err != nil {
			return fmt.Errorf("failed to start audit archiver: %w", err)
		}
		defer archiveJob.Stop()
	}

	if _, err := recorder.Record(ctx, audit.Record{
		Type:  audit.TypeServiceStarted,
		Actor: serviceName,
		Details: map[string]any{
			"version": api.Version,
			"env":     cfg.Env,
		},
	}); err != nil {
		logger.Warn("failed to record service start", "error", err)
	}

	// HTTP
	healthCfg := api.HealthHandlersConfig{AuditChecker: health.NewAuditChainChecker(chain)}
	if st.db != nil {
		healthCfg.DBChecker = health.NewDBChecker(st.db)
	}
	var rateStore middleware.RateLimitStore
	if redisClient != nil {
		healthCfg.RedisChecker = health.NewRedisChecker(redisClient)
		rateStore = middleware.NewRedisRateLimitStore(redisClient, httpMetrics, logger)
	}

	jwtService := auth.NewJWTServiceWithRotation(cfg.JWTSecret, cfg.JWTPreviousSecret)
	handler := api.NewRouter(api.RouterConfig{
		Health:         api.NewHealthHandlers(healthCfg),
		Activities:     api.NewActivityHandlers(st.store),
		Sessions:       api.NewSessionHandlers(sessions),
		Audit:          api.NewAuditHandlers(chain, st.audit, recorder),
		Clusters:       api.NewClusterHandlers(clusters),
		Alerts:         api.NewAlertHandlers(broadcaster, cfg.AllowedOrigins),
		Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Validator:      jwtService,
		Tracker:        trk,
		RateLimitStore: rateStore,
		HTTPMetrics:    httpMetrics,
		AdminRoles:     cfg.AdminRoles,
		TracingService: tracingService,
		Logger:         logger,
	})

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.Info("starting server", "port", cfg.Port, "env", cfg.Env)
	return serve(ctx, server, trk, logger)
}

// drainer is the part of the tracker serve needs at shutdown.
type drainer interface {
	Stop(ctx context.Context) error
}

// serve runs server until ctx is cancelled or the listener fails. Queued
// activities are drained on both paths, after the listener stops accepting
// requests.
func serve(ctx context.Context, server *http.Server, queue drainer, logger *slog.Logger) error {
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("server forced to shutdown: %w", err)
	}
	if err := queue.Stop(shutdownCtx); err != nil {
		logger.Error("tracker did not drain before shutdown", "error", err)
	}
	return runErr
}

// openStorage connects to PostgreSQL and applies migrations, or falls back to
// in-memory stores when no database is configured.
func openStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storage, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory storage; data is lost on restart")
		mem := activity.NewInMemoryStore()
		return &storage{
			sessions: mem,
			store:    mem,
			audit:    audit.NewInMemoryRepository(),
			clusters: cluster.NewInMemoryStore(),
		}, nil
	}

	conn, err := db.Open(ctx, db.Config{URL: cfg.DatabaseURL})
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(conn, logger); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	pg := activity.NewPostgresStore(conn, logger)
	return &storage{
		db:       conn,
		sessions: pg,
		store:    pg,
		audit:    audit.NewPostgresRepository(conn),
		clusters: cluster.NewPostgresStore(conn),
	}, nil
}

// newArchiveJob schedules copying new audit entries to object storage.
func newArchiveJob(cfg *config.Config, repo audit.Repository, metrics jobs.JobMetrics, logger *slog.Logger) (*jobs.PeriodicJob, error) {
	archiveCfg := cfg.Archive()
	client, err := audit.NewS3Client(archiveCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive client: %w", err)
	}
	archiver, err := audit.NewArchiver(archiveCfg, repo, client, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit archiver: %w", err)
	}
	return jobs.NewPeriodicJob(jobs.PeriodicJobConfig{
		Name:     jobs.JobTypeAuditArchive,
		Interval: cfg.Audit.ArchiveInterval,
		Timeout:  cfg.Sweeper.RunTimeout,
		Logger:   logger,
		Metrics:  metrics,
	}, archiver.Run), nil
}
