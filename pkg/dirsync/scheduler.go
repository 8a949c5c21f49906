package dirsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/perimetra/idpsync/pkg/async"
	"github.com/perimetra/idpsync/pkg/observability"
	"github.com/perimetra/idpsync/pkg/storage"
)

// ErrSyncRunning reports a manual trigger that lost the advisory lock
// race: some node is already syncing the provider.
var ErrSyncRunning = errors.New("sync already running for this provider")

// Scheduler drives the periodic jobs: directory sync and token
// refresh. Each tick lists the eligible providers and hands them to a
// worker pool; a per-provider advisory lock keeps every run
// cluster-singleton, so extra replicas of the daemon are harmless.
type Scheduler struct {
	engine    *Engine
	refresher *Refresher
	store     Store
	cfg       Config
	logger    *observability.Logger
	metrics   *observability.Metrics

	cron *cron.Cron
	pool *async.WorkerPool
}

// NewScheduler assembles the scheduler. Start must be called before
// any ticks fire.
func NewScheduler(engine *Engine, refresher *Refresher, store Store, cfg Config, logger *observability.Logger, metrics *observability.Metrics) *Scheduler {
	return &Scheduler{
		engine:    engine,
		refresher: refresher,
		store:     store,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
	}
}

// Start registers the cron entries and begins ticking. The context
// bounds every job spawned from a tick.
func (s *Scheduler) Start(ctx context.Context) error {
	s.pool = async.NewWorkerPool(ctx, s.logger, s.cfg.Workers, "directory sync", s.cfg.RunTimeout)
	s.cron = cron.New()

	if _, err := s.cron.AddFunc(s.cfg.SyncSchedule, func() { s.RunSyncTick(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule directory sync: %w", err)
	}
	if _, err := s.cron.AddFunc(s.cfg.RefreshSchedule, func() { s.RunRefreshTick(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule token refresh: %w", err)
	}

	s.cron.Start()
	s.logger.WithFields(map[string]interface{}{
		"sync_schedule":    s.cfg.SyncSchedule,
		"refresh_schedule": s.cfg.RefreshSchedule,
		"workers":          s.cfg.Workers,
	}).Info("Sync scheduler started")
	return nil
}

// Stop halts the cron loop, waits for in-flight jobs to drain, and
// shuts the worker pool down.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	if s.pool != nil {
		if err := s.pool.Shutdown(s.cfg.RunTimeout); err != nil {
			s.logger.WithError(err).Warn("Worker pool did not drain cleanly")
		}
	}
	s.logger.Info("Sync scheduler stopped")
}

// RunSyncTick fans one directory sync pass out over the worker pool.
func (s *Scheduler) RunSyncTick(ctx context.Context) {
	providers, err := s.store.ListSyncEligibleProviders(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list sync eligible providers")
		return
	}
	s.metrics.ProvidersSyncEligible.Set(float64(len(providers)))

	for _, provider := range providers {
		provider := provider
		err := s.pool.Submit(func(taskCtx context.Context) error {
			s.syncOne(taskCtx, provider)
			return nil
		})
		if err != nil {
			s.logger.WithError(err).WithField("provider_id", provider.ID).Warn("Could not queue provider sync")
		}
	}
}

// RunRefreshTick fans one token refresh pass out over the worker pool.
func (s *Scheduler) RunRefreshTick(ctx context.Context) {
	providers, err := s.store.ListSyncEligibleProviders(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list sync eligible providers")
		return
	}

	for _, provider := range providers {
		provider := provider
		err := s.pool.Submit(func(taskCtx context.Context) error {
			s.refreshOne(taskCtx, provider)
			return nil
		})
		if err != nil {
			s.logger.WithError(err).WithField("provider_id", provider.ID).Warn("Could not queue token refresh")
		}
	}
}

// TriggerSync starts one out-of-schedule run for a provider. The run
// executes on the worker pool under the same advisory lock the
// scheduled ticks take; ErrSyncRunning reports a lock already held
// elsewhere in the cluster. A nil or never-started scheduler rejects
// the trigger.
func (s *Scheduler) TriggerSync(ctx context.Context, provider *storage.Provider) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("scheduler is not started")
	}

	release, acquired, err := s.store.TryAdvisoryLock(ctx, LockKey(JobSync, provider.ID))
	if err != nil {
		return fmt.Errorf("failed to take sync lock: %w", err)
	}
	if !acquired {
		s.metrics.SyncLockMissesTotal.WithLabelValues(JobSync).Inc()
		return ErrSyncRunning
	}

	if err := s.pool.Submit(func(taskCtx context.Context) error {
		defer release()
		_ = s.engine.SyncProvider(taskCtx, provider)
		return nil
	}); err != nil {
		release()
		return fmt.Errorf("failed to queue sync run: %w", err)
	}
	return nil
}

// RunOnce performs a single synchronous sync pass over every eligible
// provider. The daemon's -run-once mode uses it.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	providers, err := s.store.ListSyncEligibleProviders(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sync eligible providers: %w", err)
	}
	for _, provider := range providers {
		s.syncOne(ctx, provider)
	}
	return nil
}

func (s *Scheduler) syncOne(ctx context.Context, provider *storage.Provider) {
	release, acquired, err := s.store.TryAdvisoryLock(ctx, LockKey(JobSync, provider.ID))
	if err != nil {
		s.logger.WithError(err).WithField("provider_id", provider.ID).Error("Failed to take sync lock")
		return
	}
	if !acquired {
		s.metrics.SyncLockMissesTotal.WithLabelValues(JobSync).Inc()
		s.logger.WithField("provider_id", provider.ID).Debug("Sync lock held elsewhere, skipping")
		return
	}
	defer release()

	// Failures are recorded on the provider row inside the engine;
	// nothing to do with the error here.
	_ = s.engine.SyncProvider(ctx, provider)
}

func (s *Scheduler) refreshOne(ctx context.Context, provider *storage.Provider) {
	release, acquired, err := s.store.TryAdvisoryLock(ctx, LockKey(JobRefresh, provider.ID))
	if err != nil {
		s.logger.WithError(err).WithField("provider_id", provider.ID).Error("Failed to take refresh lock")
		return
	}
	if !acquired {
		s.metrics.SyncLockMissesTotal.WithLabelValues(JobRefresh).Inc()
		s.logger.WithField("provider_id", provider.ID).Debug("Refresh lock held elsewhere, skipping")
		return
	}
	defer release()

	_ = s.refresher.RefreshProvider(ctx, provider)
}
