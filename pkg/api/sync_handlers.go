package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/perimetra/idpsync/pkg/audit"
	"github.com/perimetra/idpsync/pkg/dirsync"
	"github.com/perimetra/idpsync/pkg/httputil"
	"github.com/perimetra/idpsync/pkg/idp"
	"github.com/perimetra/idpsync/pkg/middleware"
	"github.com/perimetra/idpsync/pkg/storage"
)

// SyncHandlers controls directory sync runs for a provider.
type SyncHandlers struct {
	store     Store
	scheduler *dirsync.Scheduler
	stats     *dirsync.Stats
}

// NewSyncHandlers creates sync control handlers.
func NewSyncHandlers(store Store, scheduler *dirsync.Scheduler, stats *dirsync.Stats) *SyncHandlers {
	return &SyncHandlers{
		store:     store,
		scheduler: scheduler,
		stats:     stats,
	}
}

// RegisterRoutes registers sync routes with the router.
func (h *SyncHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/providers/{id}/sync", h.TriggerSync).Methods(http.MethodPost)
	router.HandleFunc("/providers/{id}/sync/status", h.SyncStatus).Methods(http.MethodGet)
	router.HandleFunc("/providers/{id}/sync/reset", h.ResetSyncFailures).Methods(http.MethodPost)
}

// TriggerSync queues an immediate sync run for the provider. The run
// happens on the scheduler's worker pool; 202 means queued, not done.
func (h *SyncHandlers) TriggerSync(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.loadProvider(w, r)
	if !ok {
		return
	}

	if provider.Provisioner != idp.ProvisionerCustom {
		httputil.WriteBadRequest(w, "provider does not use directory sync")
		return
	}
	if provider.DisabledAt != nil {
		httputil.WriteConflict(w, "provider is disabled")
		return
	}
	if provider.SyncDisabledAt != nil {
		httputil.WriteConflict(w, "sync is disabled after repeated failures, reset it first")
		return
	}

	if err := h.scheduler.TriggerSync(r.Context(), provider); err != nil {
		if errors.Is(err, dirsync.ErrSyncRunning) {
			httputil.WriteConflict(w, "a sync run for this provider is already in progress")
			return
		}
		httputil.WriteServiceUnavailable(w, err.Error())
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":      "queued",
		"provider_id": provider.ID,
	})
}

// SyncStatus reports the provider's sync bookkeeping and recent runs.
func (h *SyncHandlers) SyncStatus(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.loadProvider(w, r)
	if !ok {
		return
	}

	limit, err := httputil.ParseQueryInt(r, "limit", 20)
	if err != nil {
		httputil.WriteBadRequest(w, "invalid limit parameter")
		return
	}

	var recent []dirsync.Attempt
	if h.stats != nil {
		recent = h.stats.Recent(provider.ID, limit)
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"provider_id":       provider.ID,
		"sync_enabled":      provider.SyncEnabled(),
		"last_synced_at":    provider.LastSyncedAt,
		"last_syncs_failed": provider.LastSyncsFailed,
		"last_sync_error":   provider.LastSyncError,
		"sync_disabled_at":  provider.SyncDisabledAt,
		"checkpoints":       provider.SyncCheckpoints,
		"recent_runs":       recent,
	})
}

// ResetSyncFailures clears the failure streak and re-enables sync for a
// provider that was shut off after repeated failures.
func (h *SyncHandlers) ResetSyncFailures(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.loadProvider(w, r)
	if !ok {
		return
	}

	if err := h.store.ResetSyncFailures(r.Context(), provider.AccountID, provider.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httputil.WriteNotFoundError(w, "provider not found")
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	_ = audit.LogProviderChange(r.Context(), audit.EventTypeProviderUpdated, provider, nil, "Sync failure streak reset")

	httputil.WriteNoContent(w)
}

func (h *SyncHandlers) loadProvider(w http.ResponseWriter, r *http.Request) (*storage.Provider, bool) {
	accountID := middleware.AccountID(r)
	id := httputil.GetPathVars(r)["id"]

	provider, err := h.store.GetProvider(r.Context(), accountID, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httputil.WriteNotFoundError(w, "provider not found")
			return nil, false
		}
		httputil.WriteInternalError(w, err)
		return nil, false
	}
	return provider, true
}
