package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/perimetra/idpsync/pkg/observability"
	"github.com/perimetra/idpsync/pkg/storage"
)

// Store implements storage.Store on PostgreSQL with an optional Redis
// provider cache and read replicas.
type Store struct {
	cm     *ConnectionManager
	redis  *RedisClient
	logger *observability.Logger
	config storage.Config
}

var _ storage.Store = (*Store)(nil)

// New connects, bootstraps the schema and wires the optional cache.
func New(cfg storage.Config, logger *observability.Logger) (*Store, error) {
	cm, err := NewConnectionManager(cfg, logger)
	if err != nil {
		return nil, err
	}

	s := &Store{
		cm:     cm,
		logger: logger.WithField("component", "storage"),
		config: cfg,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.PostgresTimeout)
	defer cancel()
	if err := s.ensureSchema(ctx); err != nil {
		cm.Close()
		return nil, err
	}

	if cfg.CacheEnabled && cfg.RedisURL != "" {
		redisClient, err := NewRedisClient(cfg)
		if err != nil {
			cm.Close()
			return nil, fmt.Errorf("failed to create redis client: %w", err)
		}
		s.redis = redisClient
	}

	return s, nil
}

// Redis exposes the cache client; nil when caching is disabled. The
// distributed rate limiter shares this client.
func (s *Store) Redis() *RedisClient {
	return s.redis
}

// DB exposes the primary connection. The audit trail writes through it
// so the daemon runs one pool, not two.
func (s *Store) DB() *sql.DB {
	return s.cm.Primary()
}

// Stats exposes connection pool statistics.
func (s *Store) Stats() ConnectionStats {
	return s.cm.Stats()
}

// HealthCheck pings every backing service.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.cm.HealthCheck(ctx); err != nil {
		return fmt.Errorf("postgres unhealthy: %w", err)
	}
	if s.redis != nil {
		if err := s.redis.Ping(ctx); err != nil {
			return fmt.Errorf("redis unhealthy: %w", err)
		}
	}
	return nil
}

// Close closes every connection.
func (s *Store) Close() error {
	var errs []error
	if err := s.cm.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("store close errors: %v", errs)
	}
	return nil
}
