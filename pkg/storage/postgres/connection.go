package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/perimetra/idpsync/pkg/observability"
	"github.com/perimetra/idpsync/pkg/storage"
)

// ConnectionManager holds the primary connection and optional read
// replicas. Provider, identity and group reads that tolerate replica
// lag go through Replica(); every write and the advisory lock path go
// through Primary().
type ConnectionManager struct {
	primary  *sql.DB
	replicas []*sql.DB
	current  uint32
	mu       sync.RWMutex
	logger   *observability.Logger
}

// NewConnectionManager opens and verifies the primary plus any
// configured replicas. A failing replica is skipped with a warning;
// a failing primary aborts.
func NewConnectionManager(cfg storage.Config, logger *observability.Logger) (*ConnectionManager, error) {
	cm := &ConnectionManager{logger: logger}

	primary, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open primary connection: %w", err)
	}
	primary.SetMaxOpenConns(cfg.PostgresMaxConns)
	primary.SetMaxIdleConns(cfg.PostgresMinConns)
	primary.SetConnMaxLifetime(cfg.PostgresMaxLifetime)
	primary.SetConnMaxIdleTime(cfg.PostgresMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.PostgresTimeout)
	defer cancel()
	if err := primary.PingContext(ctx); err != nil {
		primary.Close()
		return nil, fmt.Errorf("failed to ping primary: %w", err)
	}
	cm.primary = primary

	for i, replicaURL := range cfg.PostgresReplicaURLs {
		replica, err := sql.Open("postgres", replicaURL)
		if err != nil {
			logger.WithError(err).WithField("replica", i).Warn("Failed to open replica, skipping")
			continue
		}

		replicaMaxConns := cfg.PostgresMaxConns / 2
		if replicaMaxConns < 2 {
			replicaMaxConns = 2
		}
		replica.SetMaxOpenConns(replicaMaxConns)
		replica.SetMaxIdleConns(cfg.PostgresMinConns)
		replica.SetConnMaxLifetime(cfg.PostgresMaxLifetime)
		replica.SetConnMaxIdleTime(cfg.PostgresMaxIdleTime)

		pingCtx, pingCancel := context.WithTimeout(context.Background(), cfg.PostgresTimeout)
		err = replica.PingContext(pingCtx)
		pingCancel()
		if err != nil {
			logger.WithError(err).WithField("replica", i).Warn("Failed to ping replica, skipping")
			replica.Close()
			continue
		}

		cm.replicas = append(cm.replicas, replica)
	}

	logger.WithField("replicas", len(cm.replicas)).Info("Database connections established")
	return cm, nil
}

// Primary returns the write connection.
func (cm *ConnectionManager) Primary() *sql.DB {
	return cm.primary
}

// Replica returns a read connection by round-robin, falling back to
// the primary when no replica is configured.
func (cm *ConnectionManager) Replica() *sql.DB {
	cm.mu.RLock()
	replicaCount := len(cm.replicas)
	cm.mu.RUnlock()

	if replicaCount == 0 {
		return cm.primary
	}

	index := atomic.AddUint32(&cm.current, 1)
	cm.mu.RLock()
	replica := cm.replicas[int(index%uint32(replicaCount))]
	cm.mu.RUnlock()
	return replica
}

// HealthCheck pings the primary and reports degraded state when every
// replica is down.
func (cm *ConnectionManager) HealthCheck(ctx context.Context) error {
	if err := cm.primary.PingContext(ctx); err != nil {
		return fmt.Errorf("primary unhealthy: %w", err)
	}

	cm.mu.RLock()
	replicas := make([]*sql.DB, len(cm.replicas))
	copy(replicas, cm.replicas)
	cm.mu.RUnlock()

	var unhealthy []string
	for i, replica := range replicas {
		if err := replica.PingContext(ctx); err != nil {
			unhealthy = append(unhealthy, fmt.Sprintf("replica-%d", i))
		}
	}
	if len(unhealthy) > 0 && len(unhealthy) == len(replicas) {
		return fmt.Errorf("all replicas unhealthy: %s", strings.Join(unhealthy, ", "))
	}
	return nil
}

// Stats exposes pool statistics for the metrics collector.
func (cm *ConnectionManager) Stats() ConnectionStats {
	stats := ConnectionStats{Primary: cm.primary.Stats()}

	cm.mu.RLock()
	defer cm.mu.RUnlock()
	stats.Replicas = make([]sql.DBStats, len(cm.replicas))
	for i, replica := range cm.replicas {
		stats.Replicas[i] = replica.Stats()
	}
	return stats
}

// ConnectionStats holds pool statistics for every connection.
type ConnectionStats struct {
	Primary  sql.DBStats
	Replicas []sql.DBStats
}

// Close closes the primary and all replicas.
func (cm *ConnectionManager) Close() error {
	var errs []error
	if err := cm.primary.Close(); err != nil {
		errs = append(errs, fmt.Errorf("primary close error: %w", err))
	}

	cm.mu.Lock()
	replicas := cm.replicas
	cm.replicas = nil
	cm.mu.Unlock()

	for i, replica := range replicas {
		if err := replica.Close(); err != nil {
			errs = append(errs, fmt.Errorf("replica-%d close error: %w", i, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("connection close errors: %v", errs)
	}
	return nil
}

// ParseReplicaURLs splits a comma-separated replica URL list.
func ParseReplicaURLs(replicaURLs string) []string {
	if replicaURLs == "" {
		return nil
	}
	urls := strings.Split(replicaURLs, ",")
	result := make([]string, 0, len(urls))
	for _, u := range urls {
		if trimmed := strings.TrimSpace(u); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
