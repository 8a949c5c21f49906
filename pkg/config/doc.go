// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from environment variables with
// sensible defaults for all settings.
//
// # Configuration Structure
//
// Server settings:
//
//	IDPSYNC_HOST="0.0.0.0"
//	IDPSYNC_PORT="8080"
//	IDPSYNC_HEALTH_PORT="9090"
//	IDPSYNC_EXTERNAL_URL="https://sso.example.com"
//	IDPSYNC_ADMIN_TOKENS="acct-1:<sha256>:terraform,acct-1:<sha256>:oncall"
//	IDPSYNC_SECURE_COOKIES="true"
//
// Storage settings:
//
//	IDPSYNC_POSTGRES_URL="postgres://localhost/idpsync"
//	IDPSYNC_POSTGRES_REPLICA_URLS="postgres://replica-1/idpsync,postgres://replica-2/idpsync"
//	IDPSYNC_POSTGRES_MAX_CONNS="20"
//	IDPSYNC_REDIS_URL="redis://localhost:6379"
//	IDPSYNC_CACHE_ENABLED="true"
//
// Directory sync settings:
//
//	IDPSYNC_SYNC_SCHEDULE="@every 2m"
//	IDPSYNC_SYNC_WORKERS="4"
//	IDPSYNC_SYNC_DISABLE_THRESHOLD="10"
//	IDPSYNC_TOKEN_REFRESH_WINDOW="10m"
//
// Audit settings:
//
//	IDPSYNC_AUDIT_RETENTION_DAYS="90"
//	IDPSYNC_AUDIT_S3_BUCKET="idpsync-audit-archive"
//	IDPSYNC_AUDIT_CLEANUP_INTERVAL="24h"
//
// Observability settings:
//
//	IDPSYNC_LOG_LEVEL="info"  # debug, info, warn, error
//	IDPSYNC_METRICS_ENABLED="true"
//	IDPSYNC_OTEL_ENABLED="true"
//	IDPSYNC_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
// Load configuration:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	fmt.Printf("Server: %s:%s\n", cfg.Server.Host, cfg.Server.Port)
//	fmt.Printf("Log level: %s\n", cfg.Observability.LogLevel)
//
// # Related Packages
//
//   - pkg/storage: Uses storage configuration
//   - pkg/dirsync: Uses sync schedule and worker configuration
//   - pkg/observability: Uses observability configuration
package config
