package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/perimetra/idpsync/pkg/audit"
	"github.com/perimetra/idpsync/pkg/dirsync"
	"github.com/perimetra/idpsync/pkg/middleware"
	"github.com/perimetra/idpsync/pkg/notify"
	"github.com/perimetra/idpsync/pkg/observability"
	"github.com/perimetra/idpsync/pkg/storage"
)

// Config holds all daemon configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Storage configuration
	Storage storage.Config

	// Directory sync configuration
	Sync dirsync.Config

	// Webhook notification configuration
	Notify notify.Config

	// Audit trail configuration
	Audit AuditConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string

	// ExternalURL is the public base URL clients reach the server on;
	// OAuth redirect URIs are built from it. Stored without a trailing
	// slash.
	ExternalURL string

	// SecureCookies marks the sign-in flow cookies Secure. Disable only
	// for plain-HTTP development setups.
	SecureCookies bool

	// AdminTokens authorizes the management API. Parsed from
	// IDPSYNC_ADMIN_TOKENS as comma-separated account:sha256[:name]
	// entries; the hash is the hex SHA256 of the full idps_ token.
	AdminTokens []middleware.AdminToken

	// RateLimitEnabled turns on rate limiting for the management API
	// and the sign-in endpoints.
	RateLimitEnabled bool
}

// AuditConfig holds audit trail settings
type AuditConfig struct {
	// LogDir mirrors audit events into rotated files in this directory
	// alongside the database trail. Empty keeps the trail database-only.
	LogDir string

	// Retention governs the cleanup sweep. Archiving defaults on when
	// an S3 bucket is configured.
	Retention audit.RetentionPolicy

	// CleanupInterval is how often expired events are swept.
	CleanupInterval time.Duration

	// S3 is the archive bucket expired events are uploaded to.
	S3 audit.S3Config
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server:        server,
		Storage:       loadStorageConfig(),
		Sync:          loadSyncConfig(),
		Notify:        loadNotifyConfig(),
		Audit:         loadAuditConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() (ServerConfig, error) {
	tokens, err := parseAdminTokens(getEnv("IDPSYNC_ADMIN_TOKENS", ""))
	if err != nil {
		return ServerConfig{}, err
	}

	return ServerConfig{
		Host:             getEnv("IDPSYNC_HOST", "0.0.0.0"),
		Port:             getEnv("IDPSYNC_PORT", "8080"),
		ReadTimeout:      getEnvDuration("IDPSYNC_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:     getEnvDuration("IDPSYNC_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:      getEnvDuration("IDPSYNC_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:  getEnvDuration("IDPSYNC_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:       getEnv("IDPSYNC_HEALTH_PORT", "9090"),
		ExternalURL:      strings.TrimRight(getEnv("IDPSYNC_EXTERNAL_URL", ""), "/"),
		SecureCookies:    getEnvBool("IDPSYNC_SECURE_COOKIES", true),
		AdminTokens:      tokens,
		RateLimitEnabled: getEnvBool("IDPSYNC_RATE_LIMIT_ENABLED", true),
	}, nil
}

// loadStorageConfig loads storage configuration from environment
func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	// PostgreSQL config
	if pgURL := getEnv("IDPSYNC_POSTGRES_URL", ""); pgURL != "" {
		cfg.PostgresURL = pgURL
	}
	if replicaURLs := getEnv("IDPSYNC_POSTGRES_REPLICA_URLS", ""); replicaURLs != "" {
		cfg.PostgresReplicaURLs = splitCSV(replicaURLs)
	}
	if maxConns := getEnvInt("IDPSYNC_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("IDPSYNC_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("IDPSYNC_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}
	if lifetime := getEnvDuration("IDPSYNC_POSTGRES_MAX_LIFETIME", 0); lifetime > 0 {
		cfg.PostgresMaxLifetime = lifetime
	}
	if idle := getEnvDuration("IDPSYNC_POSTGRES_MAX_IDLE_TIME", 0); idle > 0 {
		cfg.PostgresMaxIdleTime = idle
	}

	// Redis config
	if redisURL := getEnv("IDPSYNC_REDIS_URL", ""); redisURL != "" {
		cfg.RedisURL = redisURL
	}
	if redisPassword := getEnv("IDPSYNC_REDIS_PASSWORD", ""); redisPassword != "" {
		cfg.RedisPassword = redisPassword
	}
	if redisDB := getEnvInt("IDPSYNC_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if redisMaxRetries := getEnvInt("IDPSYNC_REDIS_MAX_RETRIES", 0); redisMaxRetries > 0 {
		cfg.RedisMaxRetries = redisMaxRetries
	}
	if redisPoolSize := getEnvInt("IDPSYNC_REDIS_POOL_SIZE", 0); redisPoolSize > 0 {
		cfg.RedisPoolSize = redisPoolSize
	}

	// Cache config
	if cacheEnabled := getEnv("IDPSYNC_CACHE_ENABLED", ""); cacheEnabled != "" {
		cfg.CacheEnabled = strings.ToLower(cacheEnabled) == "true"
	}
	if cacheTTL := getEnvDuration("IDPSYNC_CACHE_TTL", 0); cacheTTL > 0 {
		cfg.CacheTTL = cacheTTL
	}

	return cfg
}

// loadSyncConfig loads directory sync configuration from environment
func loadSyncConfig() dirsync.Config {
	cfg := dirsync.DefaultConfig()

	if schedule := getEnv("IDPSYNC_SYNC_SCHEDULE", ""); schedule != "" {
		cfg.SyncSchedule = schedule
	}
	if schedule := getEnv("IDPSYNC_REFRESH_SCHEDULE", ""); schedule != "" {
		cfg.RefreshSchedule = schedule
	}
	if workers := getEnvInt("IDPSYNC_SYNC_WORKERS", 0); workers > 0 {
		cfg.Workers = workers
	}
	if timeout := getEnvDuration("IDPSYNC_SYNC_RUN_TIMEOUT", 0); timeout > 0 {
		cfg.RunTimeout = timeout
	}
	if conc := getEnvInt("IDPSYNC_SYNC_MEMBERSHIP_CONCURRENCY", 0); conc > 0 {
		cfg.MembershipConcurrency = conc
	}
	if threshold := getEnvInt("IDPSYNC_SYNC_DISABLE_THRESHOLD", -1); threshold >= 0 {
		cfg.DisableThreshold = threshold
	}
	if cooldown := getEnvDuration("IDPSYNC_SYNC_NOTIFY_COOLDOWN", 0); cooldown > 0 {
		cfg.NotifyCooldown = cooldown
	}
	if window := getEnvDuration("IDPSYNC_TOKEN_REFRESH_WINDOW", 0); window > 0 {
		cfg.RefreshWindow = window
	}

	return cfg
}

// loadNotifyConfig loads webhook notification configuration from environment
func loadNotifyConfig() notify.Config {
	cfg := notify.DefaultConfig()

	if timeout := getEnvDuration("IDPSYNC_WEBHOOK_TIMEOUT", 0); timeout > 0 {
		cfg.Timeout = timeout
	}
	if rate := getEnvInt("IDPSYNC_WEBHOOK_RATE_PER_MINUTE", 0); rate > 0 {
		cfg.RatePerMinute = rate
	}
	if entries := getEnvInt("IDPSYNC_WEBHOOK_MAX_LOG_ENTRIES", 0); entries > 0 {
		cfg.MaxLogEntries = entries
	}
	if attempts := getEnvInt("IDPSYNC_WEBHOOK_MAX_ATTEMPTS", 0); attempts > 0 {
		cfg.Retry.MaxAttempts = attempts
	}

	return cfg
}

// loadAuditConfig loads audit trail configuration from environment
func loadAuditConfig() AuditConfig {
	s3 := audit.S3Config{
		Bucket:       getEnv("IDPSYNC_AUDIT_S3_BUCKET", ""),
		Region:       getEnv("IDPSYNC_AUDIT_S3_REGION", ""),
		Endpoint:     getEnv("IDPSYNC_AUDIT_S3_ENDPOINT", ""),
		AccessKey:    getEnv("IDPSYNC_AUDIT_S3_ACCESS_KEY", ""),
		SecretKey:    getEnv("IDPSYNC_AUDIT_S3_SECRET_KEY", ""),
		UsePathStyle: getEnvBool("IDPSYNC_AUDIT_S3_USE_PATH_STYLE", false),
	}

	retention := audit.DefaultRetentionPolicy()
	retention.ArchiveEnabled = s3.Bucket != ""
	if days := getEnvInt("IDPSYNC_AUDIT_RETENTION_DAYS", 0); days > 0 {
		retention.RetentionDays = days
	}
	if enabled := getEnv("IDPSYNC_AUDIT_ARCHIVE_ENABLED", ""); enabled != "" {
		retention.ArchiveEnabled = strings.ToLower(enabled) == "true"
	}
	if prefix := getEnv("IDPSYNC_AUDIT_ARCHIVE_PREFIX", ""); prefix != "" {
		retention.ArchivePrefix = prefix
	}
	if compress := getEnv("IDPSYNC_AUDIT_ARCHIVE_COMPRESS", ""); compress != "" {
		retention.CompressArchive = strings.ToLower(compress) == "true"
	}

	return AuditConfig{
		LogDir:          getEnv("IDPSYNC_AUDIT_LOG_DIR", ""),
		Retention:       retention,
		CleanupInterval: getEnvDuration("IDPSYNC_AUDIT_CLEANUP_INTERVAL", 24*time.Hour),
		S3:              s3,
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("IDPSYNC_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("IDPSYNC_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("IDPSYNC_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("IDPSYNC_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("IDPSYNC_OTEL_SERVICE_NAME", "idpsync"),
		OTelServiceVersion: getEnv("IDPSYNC_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("IDPSYNC_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if c.Server.ExternalURL == "" {
		return fmt.Errorf("external URL is required")
	}
	if u, err := url.Parse(c.Server.ExternalURL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("external URL must be an absolute http(s) URL: %s", c.Server.ExternalURL)
	}

	// Validate storage config
	if c.Storage.PostgresURL == "" {
		return fmt.Errorf("postgres URL is required")
	}

	// Validate sync config
	if c.Sync.Workers < 1 {
		return fmt.Errorf("sync workers must be at least 1")
	}
	if c.Sync.SyncSchedule == "" {
		return fmt.Errorf("sync schedule is required")
	}

	// Validate audit config
	if c.Audit.Retention.ArchiveEnabled && c.Audit.S3.Bucket == "" {
		return fmt.Errorf("audit archive S3 bucket is required when archiving is enabled")
	}
	if c.Audit.Retention.RetentionDays < 1 {
		return fmt.Errorf("audit retention must be at least one day")
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// parseAdminTokens parses the IDPSYNC_ADMIN_TOKENS entry list. Each
// entry is account:sha256[:name]; the hash is hex and lowercased here
// so lookups are case-insensitive.
func parseAdminTokens(raw string) ([]middleware.AdminToken, error) {
	if raw == "" {
		return nil, nil
	}

	var tokens []middleware.AdminToken
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) < 2 {
			return nil, fmt.Errorf("invalid admin token entry %q: want account:sha256[:name]", entry)
		}
		account := strings.TrimSpace(parts[0])
		hash := strings.ToLower(strings.TrimSpace(parts[1]))
		if account == "" {
			return nil, fmt.Errorf("invalid admin token entry %q: account id is empty", entry)
		}
		if !isHexHash(hash) {
			return nil, fmt.Errorf("invalid admin token entry %q: hash must be 64 hex characters", entry)
		}
		token := middleware.AdminToken{AccountID: account, TokenHash: hash}
		if len(parts) == 3 {
			token.Name = strings.TrimSpace(parts[2])
		}
		tokens = append(tokens, token)
	}
	return tokens, nil
}

func isHexHash(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// splitCSV splits a comma-separated list, dropping empty items
func splitCSV(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
