package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/perimetra/idpsync/pkg/api"
	"github.com/perimetra/idpsync/pkg/audit"
	"github.com/perimetra/idpsync/pkg/auth"
	"github.com/perimetra/idpsync/pkg/config"
	"github.com/perimetra/idpsync/pkg/dirsync"
	"github.com/perimetra/idpsync/pkg/httputil"
	"github.com/perimetra/idpsync/pkg/idp"
	"github.com/perimetra/idpsync/pkg/middleware"
	"github.com/perimetra/idpsync/pkg/notify"
	"github.com/perimetra/idpsync/pkg/observability"
	"github.com/perimetra/idpsync/pkg/storage"
	"github.com/perimetra/idpsync/pkg/storage/postgres"
)

var (
	runOnce    = flag.Bool("run-once", false, "Run one directory sync pass and exit (for testing or backfills)")
	providerID = flag.String("provider", "", "Provider id to sync. If empty, syncs every eligible provider. Only used with --run-once")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	otelProviders, err := observability.InitOTel(context.Background(), observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to initialize OpenTelemetry: %v", err)
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	store, err := postgres.New(cfg.Storage, logger)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	auditLogger, auditStore, err := buildAudit(context.Background(), cfg.Audit, store)
	if err != nil {
		log.Fatalf("Failed to initialize audit trail: %v", err)
	}
	defer auditLogger.Close()

	idpRegistry := idp.NewRegistry(nil)
	targets := notify.NewManager(cfg.Notify, logger, metrics)
	notifier := notify.NewProviderNotifier(targets)
	stats := dirsync.NewStats(0)

	engine := dirsync.NewEngine(store, notifier, stats, cfg.Sync, logger, metrics)
	refresher := dirsync.NewRefresher(store, idpRegistry, notifier, stats, cfg.Sync, logger, metrics)
	scheduler := dirsync.NewScheduler(engine, refresher, store, cfg.Sync, logger, metrics)

	// Scheduled jobs run outside any request, so the audit logger rides
	// on the job context.
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()
	jobCtx = audit.WithLogger(jobCtx, auditLogger)
	jobCtx = observability.WithLogger(jobCtx, logger)

	if *runOnce {
		if err := runSingle(jobCtx, engine, scheduler, store, *providerID); err != nil {
			log.Fatalf("Sync failed: %v", err)
		}
		if err := otelProviders.Shutdown(context.Background()); err != nil {
			log.Printf("Telemetry flush failed: %v", err)
		}
		log.Println("Sync completed successfully")
		return
	}

	if err := scheduler.Start(jobCtx); err != nil {
		log.Fatalf("Failed to start sync scheduler: %v", err)
	}

	go auditCleanupLoop(jobCtx, logger, auditStore, cfg.Audit)
	go poolStatsLoop(jobCtx, store, metrics)

	server := buildAPIServer(cfg, store, idpRegistry, scheduler, stats, targets, auditStore, auditLogger, logger, metrics)
	healthServer := buildHealthServer(cfg, store, registry)

	go func() {
		logger.WithField("addr", server.Addr).Info("Starting API server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("API server failed: %v", err)
		}
	}()
	go func() {
		logger.WithField("addr", healthServer.Addr).Info("Starting health server")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Health server failed: %v", err)
		}
	}()

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc("sync scheduler", func(context.Context) error {
		scheduler.Stop()
		cancelJobs()
		return nil
	})
	shutdown.RegisterShutdownFunc("health server", healthServer.Shutdown)
	shutdown.RegisterShutdownFunc("otel exporters", otelProviders.Shutdown)

	if err := shutdown.WaitForShutdown(); err != nil {
		log.Printf("Shutdown finished with errors: %v", err)
	}
}

// runSingle performs one synchronous sync pass. With a provider id it
// syncs that provider under the usual advisory lock; otherwise it walks
// every eligible provider.
func runSingle(ctx context.Context, engine *dirsync.Engine, scheduler *dirsync.Scheduler, store *postgres.Store, id string) error {
	if id == "" {
		return scheduler.RunOnce(ctx)
	}

	provider, err := store.GetProviderByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("provider %s not found", id)
	} else if err != nil {
		return fmt.Errorf("failed to load provider: %w", err)
	}

	release, acquired, err := store.TryAdvisoryLock(ctx, dirsync.LockKey(dirsync.JobSync, provider.ID))
	if err != nil {
		return fmt.Errorf("failed to take sync lock: %w", err)
	}
	if !acquired {
		return dirsync.ErrSyncRunning
	}
	defer release()

	return engine.SyncProvider(ctx, provider)
}

// buildAudit wires the audit trail: events always land in Postgres,
// optionally mirrored to rotated files, with expired rows archived to
// S3 before deletion when a bucket is configured.
func buildAudit(ctx context.Context, cfg config.AuditConfig, store *postgres.Store) (audit.Logger, audit.Store, error) {
	dbLogger, err := audit.NewDBLogger(store.DB())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create audit logger: %w", err)
	}

	var logger audit.Logger = dbLogger
	if cfg.LogDir != "" {
		fileCfg := audit.DefaultFileLoggerConfig()
		fileCfg.BasePath = cfg.LogDir
		fileLogger, err := audit.NewFileLogger(fileCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create audit file logger: %w", err)
		}
		logger = audit.NewMultiLogger(dbLogger, fileLogger)
	}

	var archiver audit.Archiver
	if cfg.Retention.ArchiveEnabled {
		archiver, err = audit.NewS3Archiver(ctx, cfg.S3)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create audit archiver: %w", err)
		}
	}

	return logger, audit.NewDBStore(dbLogger, archiver), nil
}

func buildAPIServer(cfg *config.Config, store *postgres.Store, registry *idp.Registry, scheduler *dirsync.Scheduler,
	stats *dirsync.Stats, targets *notify.Manager, auditStore audit.Store, auditLogger audit.Logger,
	logger *observability.Logger, metrics *observability.Metrics) *http.Server {

	var adminLimiter, signInLimiter middleware.Limiter
	if cfg.Server.RateLimitEnabled {
		adminLimiter, signInLimiter = buildLimiters(store)
	}

	apiServer := api.NewServer(api.ServerConfig{
		ExternalURL:   cfg.Server.ExternalURL,
		SecureCookies: cfg.Server.SecureCookies,
		AdminTokens:   cfg.Server.AdminTokens,
		AdminLimiter:  adminLimiter,
		SignInLimiter: signInLimiter,
		Store:         store,
		Registry:      registry,
		SignIn:        auth.NewService(registry, store, store, logger),
		Scheduler:     scheduler,
		Stats:         stats,
		Targets:       targets,
		Audit:         auditStore,
		Logger:        logger,
	})

	chain := []func(http.Handler) http.Handler{
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(logger),
		httputil.RecoveryMiddleware,
		httputil.MaxBytesMiddleware(1 << 20),
	}
	if cfg.Observability.MetricsEnabled {
		chain = append(chain, observability.HTTPMetricsMiddleware(metrics))
	}
	chain = append(chain, audit.NewMiddleware(auditLogger).Handler)

	return &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      httputil.Chain(chain...)(apiServer),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}

// buildLimiters prefers the Redis sliding window so limits hold across
// daemon replicas; without Redis each node enforces its own budget.
func buildLimiters(store *postgres.Store) (middleware.Limiter, middleware.Limiter) {
	if rc := store.Redis(); rc != nil {
		client := rc.GetClient()
		return middleware.NewRedisLimiter(client, middleware.DefaultRateLimitConfig(), "ratelimit:admin"),
			middleware.NewRedisLimiter(client, middleware.SignInRateLimitConfig(), "ratelimit:signin")
	}
	return middleware.NewMemoryLimiter(middleware.DefaultRateLimitConfig()),
		middleware.NewMemoryLimiter(middleware.SignInRateLimitConfig())
}

func buildHealthServer(cfg *config.Config, store *postgres.Store, registry *prometheus.Registry) *http.Server {
	var redisClient *redis.Client
	if rc := store.Redis(); rc != nil {
		redisClient = rc.GetClient()
	}
	checker := observability.NewHealthChecker(store.DB(), redisClient)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", checker.Liveness)
	mux.HandleFunc("/ready", checker.Readiness)
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(mux, registry)
	}

	return &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
}

// auditCleanupLoop sweeps expired audit events on the configured
// interval until the job context is cancelled.
func auditCleanupLoop(ctx context.Context, logger *observability.Logger, store audit.Store, cfg config.AuditConfig) {
	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := store.Cleanup(ctx, cfg.Retention)
			if err != nil {
				logger.WithError(err).Error("Audit cleanup failed")
				continue
			}
			if deleted > 0 {
				logger.WithField("deleted", deleted).Info("Audit cleanup removed expired events")
			}
		}
	}
}

// poolStatsLoop publishes connection pool gauges.
func poolStatsLoop(ctx context.Context, store *postgres.Store, metrics *observability.Metrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := store.Stats().Primary
			metrics.DBConnectionsActive.Set(float64(stats.InUse))
			metrics.DBConnectionsIdle.Set(float64(stats.Idle))
			metrics.DBConnectionsWaitCount.Set(float64(stats.WaitCount))
			metrics.DBConnectionsWaitDuration.Set(stats.WaitDuration.Seconds())

			if rc := store.Redis(); rc != nil {
				metrics.RedisConnectionsActive.Set(float64(rc.GetPoolStats().TotalConns))
			}
		}
	}
}
