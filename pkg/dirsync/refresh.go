package dirsync

import (
	"context"
	"fmt"
	"time"

	"github.com/perimetra/idpsync/pkg/directory"
	"github.com/perimetra/idpsync/pkg/idp"
	"github.com/perimetra/idpsync/pkg/observability"
	"github.com/perimetra/idpsync/pkg/storage"
)

// Refresher keeps provider directory access tokens fresh. A provider
// whose token expires inside the lookahead window gets one refresh
// attempt per tick. Expired or rejected refresh tokens are cleared so
// the next sync fails with a clear missing-credential error instead of
// retrying a dead token forever.
type Refresher struct {
	store    Store
	registry *idp.Registry
	notifier Notifier
	stats    *Stats
	cfg      Config
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewRefresher wires the token refresh job around the shared adapter
// registry.
func NewRefresher(store Store, registry *idp.Registry, notifier Notifier, stats *Stats, cfg Config, logger *observability.Logger, metrics *observability.Metrics) *Refresher {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if stats == nil {
		stats = NewStats(0)
	}
	return &Refresher{
		store:    store,
		registry: registry,
		notifier: notifier,
		stats:    stats,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
	}
}

// RefreshProvider refreshes one provider's access token if it is due.
// The caller holds the provider's refresh lock. Returns nil when the
// token is still fresh or there is nothing to refresh.
func (r *Refresher) RefreshProvider(ctx context.Context, provider *storage.Provider) error {
	state := provider.AdapterState
	if state.RefreshToken == "" {
		// API-key flavors and never-connected providers have nothing
		// to refresh.
		return nil
	}

	started := time.Now().UTC()
	if state.ExpiresAt != nil && !state.ExpiresWithin(started, r.cfg.RefreshWindow) {
		return nil
	}

	logger := r.logger.WithFields(map[string]interface{}{
		"provider_id": provider.ID,
		"account_id":  provider.AccountID,
		"adapter":     string(provider.Adapter),
	})

	adapter, err := r.registry.Get(provider.Adapter)
	if err != nil {
		logger.WithError(err).Error("No adapter for provider")
		return err
	}
	client, err := adapter.ClientFor(ctx, provider.ID, idp.ClientConfig{Config: provider.AdapterConfig})
	if err != nil {
		r.finish(provider, started, err)
		return err
	}

	token, err := client.Refresh(ctx, state.RefreshToken)
	if err != nil {
		r.finish(provider, started, err)

		code := idp.CodeOf(err)
		if code != idp.CodeExpiredToken && code != idp.CodeInvalidToken {
			// Transient trouble; the next tick retries with the same
			// refresh token.
			logger.WithError(err).Warn("Token refresh failed")
			return err
		}

		// The refresh token is dead. Clear it and put the provider on
		// the failure path so an admin hears about it.
		cleared := state
		cleared.RefreshToken = ""
		if uerr := r.store.UpdateAdapterState(ctx, provider.ID, cleared); uerr != nil {
			logger.WithError(uerr).Error("Failed to clear dead refresh token")
		}

		message := fmt.Sprintf("%s refresh token expired or revoked, reconnect the provider", directory.FlavorName(provider.Adapter))
		updated, rerr := r.store.RecordSyncFailure(ctx, provider.ID, message, err.Error(), r.cfg.DisableThreshold)
		if rerr != nil {
			logger.WithError(rerr).Error("Failed to record refresh failure")
		} else {
			r.notifyExpired(ctx, logger, updated)
		}

		logger.WithError(err).Warn("Refresh token is dead, cleared")
		return err
	}

	next := state
	next.AccessToken = token.AccessToken
	next.RefreshToken = token.RefreshToken
	next.ExpiresAt = token.ExpiresAt
	if err := r.store.UpdateAdapterState(ctx, provider.ID, next); err != nil {
		logger.WithError(err).Error("Failed to store refreshed token")
		return err
	}

	r.finish(provider, started, nil)
	logger.Debug("Provider access token refreshed")
	return nil
}

func (r *Refresher) notifyExpired(ctx context.Context, logger *observability.Logger, provider *storage.Provider) {
	now := time.Now().UTC()
	if provider.SyncErrorNotifiedAt != nil && now.Sub(*provider.SyncErrorNotifiedAt) < r.cfg.NotifyCooldown {
		return
	}
	if err := r.notifier.NotifyTokenExpired(ctx, provider); err != nil {
		logger.WithError(err).Warn("Failed to dispatch token expired notification")
		return
	}
	if err := r.store.MarkSyncErrorNotified(ctx, provider.ID, now); err != nil {
		logger.WithError(err).Warn("Failed to mark sync error notified")
	}
}

func (r *Refresher) finish(provider *storage.Provider, started time.Time, cause error) {
	outcome := "success"
	errText := ""
	if cause != nil {
		outcome = string(idp.CodeOf(cause))
		errText = cause.Error()
	}
	r.metrics.TokenRefreshesTotal.WithLabelValues(string(provider.Adapter), outcome).Inc()
	r.stats.Record(Attempt{
		Job:        JobRefresh,
		ProviderID: provider.ID,
		Adapter:    provider.Adapter,
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
		Outcome:    outcome,
		Error:      errText,
	})
}
