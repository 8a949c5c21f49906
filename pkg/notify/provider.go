package notify

import (
	"context"

	"github.com/perimetra/idpsync/pkg/dirsync"
	"github.com/perimetra/idpsync/pkg/storage"
)

// ProviderNotifier turns sync engine outcomes into notification
// events.
type ProviderNotifier struct {
	manager *Manager
}

var _ dirsync.Notifier = (*ProviderNotifier)(nil)

// NewProviderNotifier wraps a manager for the sync jobs.
func NewProviderNotifier(manager *Manager) *ProviderNotifier {
	return &ProviderNotifier{manager: manager}
}

func (n *ProviderNotifier) NotifySyncFailed(ctx context.Context, provider *storage.Provider) error {
	return n.manager.Dispatch(ctx, providerEvent(EventSyncFailed, provider))
}

func (n *ProviderNotifier) NotifySyncDisabled(ctx context.Context, provider *storage.Provider) error {
	return n.manager.Dispatch(ctx, providerEvent(EventSyncDisabled, provider))
}

func (n *ProviderNotifier) NotifyTokenExpired(ctx context.Context, provider *storage.Provider) error {
	return n.manager.Dispatch(ctx, providerEvent(EventTokenExpired, provider))
}

func providerEvent(eventType EventType, provider *storage.Provider) *Event {
	data := map[string]interface{}{}
	if provider.LastSyncError != "" {
		data["message"] = provider.LastSyncError
	}
	if provider.LastSyncsFailed > 0 {
		data["consecutive_failures"] = provider.LastSyncsFailed
	}
	if provider.SyncDisabledAt != nil {
		data["sync_disabled_at"] = provider.SyncDisabledAt
	}
	if provider.LastSyncedAt != nil {
		data["last_synced_at"] = provider.LastSyncedAt
	}

	return &Event{
		Type:       eventType,
		AccountID:  provider.AccountID,
		ProviderID: provider.ID,
		Provider:   provider.Name,
		Adapter:    string(provider.Adapter),
		Data:       data,
	}
}
