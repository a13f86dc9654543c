// Package main is the entry point for the sequor orchestrator server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sequorhq/sequor/internal/approval"
	"github.com/sequorhq/sequor/internal/budget"
	"github.com/sequorhq/sequor/internal/config"
	"github.com/sequorhq/sequor/internal/handler"
	"github.com/sequorhq/sequor/internal/insights"
	"github.com/sequorhq/sequor/internal/observability"
	"github.com/sequorhq/sequor/internal/queue"
	"github.com/sequorhq/sequor/internal/registry"
	"github.com/sequorhq/sequor/internal/router"
	"github.com/sequorhq/sequor/internal/scheduler"
	"github.com/sequorhq/sequor/internal/transport"
	"github.com/sequorhq/sequor/internal/trust"
	"github.com/sequorhq/sequor/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "sequord", version)
	if err != nil {
		logger.Fatal("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Load and publish sequence definitions and event routes.
	loader := registry.NewLoader()
	bundle, err := loader.LoadAll(cfg.Definitions.Directories)
	if err != nil {
		logger.Fatal("definition loading failed", zap.Error(err))
		return 1
	}

	validator := registry.NewValidator()
	reg := registry.New()
	var invalid int
	for _, def := range bundle.Sequences {
		if verrs := validator.Validate(def); len(verrs) > 0 {
			for _, ve := range verrs {
				logger.Error("definition validation error",
					zap.String("sequence_key", def.SequenceKey),
					zap.String("file", def.SourceFile),
					zap.String("field", ve.Field),
					zap.String("message", ve.Message),
				)
			}
			invalid++
			continue
		}
		if err := reg.Publish(def); err != nil {
			logger.Error("definition publish failed",
				zap.String("sequence_key", def.SequenceKey),
				zap.Error(err),
			)
			invalid++
		}
	}
	if invalid > 0 {
		logger.Fatal("definition validation failed", zap.Int("invalid", invalid))
		return 1
	}
	metrics.SetDefinitionsLoaded(float64(reg.Len()))

	// Persistence. One shared pool serves every postgres-backed store.
	pool, poolCloser, err := buildPool(ctx, cfg.JobStore)
	if err != nil {
		logger.Fatal("database initialization failed", zap.Error(err))
		return 1
	}

	jobStore := buildJobStore(cfg.JobStore, pool, logger)
	queueStore := buildQueueStore(cfg.JobStore, cfg.Queue, pool, logger, metrics)
	approvalStore := buildApprovalStore(cfg.JobStore, pool, logger)

	dedupGuard, dedupCloser, err := buildDedupGuard(cfg.Dedup, logger)
	if err != nil {
		logger.Fatal("dedup guard initialization failed", zap.Error(err))
		return 1
	}

	// Event router.
	eventRouter := router.New(reg, dedupGuard)
	eventRouter.SetMetrics(metrics)
	for _, route := range bundle.Routes {
		if err := eventRouter.Register(route); err != nil {
			logger.Fatal("route registration failed",
				zap.String("event_type", route.EventType),
				zap.String("sequence_key", route.SequenceKey),
				zap.Error(err),
			)
			return 1
		}
	}

	// Domain services.
	trustGate := buildTrustGate(cfg.Trust)
	trustGate.SetMetrics(metrics)
	budgetGuard := budget.NewGuard(budget.NewMemoryLedgerStore())
	budgetGuard.SetMetrics(metrics)

	handlers := handler.NewRegistry()
	handlers.Register(handler.NewWebhookHandler())
	handlers.Register(handler.NewLogHandler(logger))

	gate := approval.NewGate(
		approvalStore, nil, trustGate,
		approval.NewLogNotifier(logger),
		logger, cfg.Approval.TTL,
	)
	executor := scheduler.NewExecutor(
		reg, handlers, jobStore,
		trustGate, budgetGuard, gate,
		queueStore, eventRouter,
		logger,
		scheduler.Options{
			StepConcurrency:    cfg.Scheduler.StepConcurrency,
			DefaultStepTimeout: cfg.Scheduler.DefaultStepTimeout,
			ClaimStaleness:     cfg.Scheduler.ClaimStaleness,
		},
	)
	gate.SetResumer(executor)
	gate.SetMetrics(metrics)
	executor.SetMetrics(metrics)

	reporter := insights.NewReporter(jobStore, queueStore, 0)

	// HTTP router.
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL)

	readinessChecks := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return reg.Len() > 0 },
	}
	if hc, ok := jobStore.(observability.HealthChecker); ok {
		readinessChecks.JobStore = hc
	}
	if hc, ok := queueStore.(observability.HealthChecker); ok {
		readinessChecks.QueueStore = hc
	}
	if hc, ok := dedupGuard.(observability.HealthChecker); ok {
		readinessChecks.DedupStore = hc
	}

	httpRouter := transport.NewRouter(transport.Dependencies{
		Config:         cfg,
		Authenticate:   transport.JWTAuthenticator(cfg.Identity, jwks),
		EventRouter:    eventRouter,
		Executor:       executor,
		Registry:       reg,
		Approvals:      gate,
		Queue:          queueStore,
		Budget:         budgetGuard,
		Insights:       reporter,
		HealthHandler:  observability.HandleHealth(),
		ReadyHandler:   observability.HandleReady(readinessChecks),
		MetricsHandler: observability.Handler(),
	})

	srvHandler := metrics.MetricsMiddleware(observability.TracingMiddleware(httpRouter))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srvHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	go runApprovalSweeper(bgCtx, gate, cfg.Approval.SweepInterval, logger)
	go runStaleRequeuer(bgCtx, executor, cfg.Scheduler.RequeueInterval, logger)
	go runCapResetter(bgCtx, budgetGuard, cfg.Budget.CapResetInterval, logger)
	go runQueueDepthGauge(bgCtx, queueStore, metrics)

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("definitions", reg.Len()),
		zap.Int("routes", len(bundle.Routes)),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	if poolCloser != nil {
		poolCloser()
	}
	if dedupCloser != nil {
		dedupCloser()
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildPool creates the shared pgx pool when the postgres driver is
// configured. Returns a nil pool for the memory driver.
func buildPool(ctx context.Context, cfg config.JobStoreConfig) (*pgxpool.Pool, func(), error) {
	if cfg.Driver != "postgres" {
		return nil, nil, nil
	}

	dsn := os.Getenv(cfg.DSNEnv)
	if dsn == "" {
		return nil, nil, fmt.Errorf("job store: %s environment variable not set", cfg.DSNEnv)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("job store: parse DSN: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.MaxIdleConns)
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("job store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("job store: ping: %w", err)
	}
	return pool, pool.Close, nil
}

func buildJobStore(cfg config.JobStoreConfig, pool *pgxpool.Pool, logger *zap.Logger) scheduler.JobStore {
	if cfg.Driver == "postgres" && pool != nil {
		return scheduler.NewPgJobStore(pool)
	}
	logger.Info("using in-memory job store")
	return scheduler.NewMemoryJobStore()
}

func buildQueueStore(storeCfg config.JobStoreConfig, queueCfg config.QueueConfig, pool *pgxpool.Pool, logger *zap.Logger, metrics *observability.Metrics) queue.Store {
	opts := queue.DefaultOptions()
	if queueCfg.Staleness > 0 {
		opts.Staleness = queueCfg.Staleness
	}
	if queueCfg.MaxAttempts > 0 {
		opts.MaxAttempts = queueCfg.MaxAttempts
	}
	if storeCfg.Driver == "postgres" && pool != nil {
		store := queue.NewPgStore(pool, opts)
		store.SetMetrics(metrics)
		return store
	}
	logger.Info("using in-memory queue store")
	store := queue.NewMemoryStore(opts)
	store.SetMetrics(metrics)
	return store
}

func buildApprovalStore(cfg config.JobStoreConfig, pool *pgxpool.Pool, logger *zap.Logger) approval.Store {
	if cfg.Driver == "postgres" && pool != nil {
		return approval.NewPgStore(pool)
	}
	logger.Info("using in-memory approval store")
	return approval.NewMemoryStore()
}

// buildDedupGuard creates the router's in-flight guard based on config.
func buildDedupGuard(cfg config.DedupConfig, logger *zap.Logger) (router.InflightGuard, func(), error) {
	switch cfg.Driver {
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("dedup guard: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return nil, nil, fmt.Errorf("dedup guard: redis ping: %w", err)
		}
		return router.NewRedisInflightGuard(client, cfg.TTL), func() { client.Close() }, nil
	default:
		logger.Info("using in-memory dedup guard")
		return router.NewMemoryInflightGuard(cfg.TTL), nil, nil
	}
}

// buildTrustGate translates the configured drift policy into a trust gate.
func buildTrustGate(cfg config.TrustConfig) *trust.Gate {
	tc := trust.DefaultConfig()
	if cfg.RaiseStep > 0 {
		tc.RaiseStep = cfg.RaiseStep
	}
	if cfg.LowerStep > 0 {
		tc.LowerStep = cfg.LowerStep
	}
	if cfg.StreakLength > 0 {
		tc.StreakLength = cfg.StreakLength
	}
	for actionType, policy := range cfg.Policies {
		tc.Policies[actionType] = model.TrustPolicy{
			Starting: policy.Starting,
			Floor:    policy.Floor,
		}
	}
	return trust.NewGate(tc)
}

// runApprovalSweeper periodically expires overdue approval requests.
func runApprovalSweeper(ctx context.Context, gate *approval.Gate, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := gate.Sweep(ctx); n > 0 {
				logger.Info("approval sweep", zap.Int("expired", n))
			}
		}
	}
}

// runStaleRequeuer periodically requeues jobs left behind by crashed
// workers and re-dispatches them.
func runStaleRequeuer(ctx context.Context, executor *scheduler.Executor, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := executor.RequeueStale(ctx)
			if err != nil {
				logger.Error("stale job requeue failed", zap.Error(err))
				continue
			}
			for _, id := range ids {
				if _, err := executor.Run(ctx, id, "sweeper"); err != nil {
					logger.Warn("requeued job dispatch failed",
						zap.String("job_id", id), zap.Error(err))
				}
			}
		}
	}
}

// runCapResetter advances expired budget period caps.
func runCapResetter(ctx context.Context, guard *budget.Guard, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := guard.ResetPeriodCaps(ctx, time.Now().UTC()); n > 0 {
				logger.Info("budget cap reset", zap.Int("pools", n))
			}
		}
	}
}

// runQueueDepthGauge refreshes the per-lane queue depth gauge.
func runQueueDepthGauge(ctx context.Context, store queue.Store, metrics *observability.Metrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := store.Depth(ctx)
			if err != nil {
				continue
			}
			for lane, count := range depth {
				metrics.SetQueueDepth(lane, count)
			}
		}
	}
}
