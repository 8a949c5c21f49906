// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health checks, and graceful shutdown.
//
// # Structured Logging
//
// Create a JSON logger and attach fields:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("provider_id", id).Info("Directory sync started")
//
// Handlers pull the request-scoped logger back out of the context:
//
//	logger := observability.FromContext(r.Context())
//
// # Prometheus Metrics
//
// Create the registry-backed metric set and mount the scrape endpoint:
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.SyncRunsTotal.WithLabelValues("google_workspace", "success").Inc()
//	observability.RegisterMetricsEndpoint(mux, registry)
//
// # OpenTelemetry
//
// Initialize the OTLP trace and metric exporters and wrap work in
// spans. The meter provider feeds instrumentation-library metrics such
// as the directory client's otelhttp instruments:
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "idpsyncd",
//	}, logger)
//	defer providers.Shutdown(ctx)
//
//	ctx, span := observability.StartSpan(ctx, "dirsync.sync_provider")
//	defer span.End()
//
// # Health Checks
//
// The health checker probes Postgres and Redis, plus any added checks:
//
//	checker := observability.NewHealthChecker(db, redisClient)
//	checker.AddCheck("audit_archive", archiver.HealthCheck)
//	status := checker.Check(ctx)
//
// # Shutdown
//
// The shutdown manager drains the HTTP server and closes resources by
// name when SIGINT or SIGTERM arrives:
//
//	sm := observability.NewShutdownManager(logger, server, 30*time.Second)
//	sm.RegisterShutdownFunc("scheduler", scheduler.Stop)
//	sm.WaitForShutdown()
package observability
