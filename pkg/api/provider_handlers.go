package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/perimetra/idpsync/pkg/audit"
	"github.com/perimetra/idpsync/pkg/httputil"
	"github.com/perimetra/idpsync/pkg/idp"
	"github.com/perimetra/idpsync/pkg/middleware"
	"github.com/perimetra/idpsync/pkg/observability"
	"github.com/perimetra/idpsync/pkg/storage"
)

// ProviderHandlers manages identity provider configurations.
type ProviderHandlers struct {
	store    Store
	registry *idp.Registry
	logger   *observability.Logger
}

// NewProviderHandlers creates provider management handlers.
func NewProviderHandlers(store Store, registry *idp.Registry, logger *observability.Logger) *ProviderHandlers {
	return &ProviderHandlers{
		store:    store,
		registry: registry,
		logger:   logger,
	}
}

// RegisterRoutes registers provider routes with the router.
func (h *ProviderHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/adapters", h.ListAdapters).Methods(http.MethodGet)
	router.HandleFunc("/providers", h.CreateProvider).Methods(http.MethodPost)
	router.HandleFunc("/providers", h.ListProviders).Methods(http.MethodGet)
	router.HandleFunc("/providers/{id}", h.GetProvider).Methods(http.MethodGet)
	router.HandleFunc("/providers/{id}", h.UpdateProvider).Methods(http.MethodPut)
	router.HandleFunc("/providers/{id}", h.DeleteProvider).Methods(http.MethodDelete)
	router.HandleFunc("/providers/{id}/capabilities", h.GetCapabilities).Methods(http.MethodGet)
	router.HandleFunc("/providers/{id}/groups", h.ListGroups).Methods(http.MethodGet)
	router.HandleFunc("/providers/{id}/identities", h.ListIdentities).Methods(http.MethodGet)
	router.HandleFunc("/groups/{id}/members", h.ListGroupMembers).Methods(http.MethodGet)
}

// ListAdapters returns every registered adapter with its capabilities.
func (h *ProviderHandlers) ListAdapters(w http.ResponseWriter, r *http.Request) {
	capSet := h.registry.CapabilitySet()

	adapters := make([]map[string]interface{}, 0, len(capSet))
	for _, name := range idp.AdapterNames() {
		caps, ok := capSet[name]
		if !ok {
			continue
		}
		adapters = append(adapters, map[string]interface{}{
			"adapter":             name,
			"provisioners":        caps.Provisioners,
			"default_provisioner": caps.DefaultProvisioner,
		})
	}

	httputil.WriteSuccess(w, map[string]interface{}{"adapters": adapters})
}

// CreateProvider registers a new identity provider for the account.
func (h *ProviderHandlers) CreateProvider(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.AccountID(r)
	if accountID == "" {
		httputil.WriteUnauthorized(w, "no account in request context")
		return
	}

	var req ProviderRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Name, "name") {
		return
	}

	if !req.Adapter.Valid() {
		httputil.WriteBadRequest(w, fmt.Sprintf("unsupported adapter: %s", req.Adapter))
		return
	}
	adapter, err := h.registry.Get(req.Adapter)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	caps := adapter.Capabilities()

	provisioner := req.Provisioner
	if provisioner == "" {
		provisioner = caps.DefaultProvisioner
	}
	if !provisioner.Valid() {
		httputil.WriteBadRequest(w, fmt.Sprintf("unknown provisioner: %s", provisioner))
		return
	}
	if !caps.Supports(provisioner) {
		httputil.WriteBadRequest(w, fmt.Sprintf("adapter %s does not support the %s provisioner", req.Adapter, provisioner))
		return
	}

	// Configs are stored as the admin submitted them. Adapter defaults
	// (issuer URLs, scopes) apply when the config is used, so a later
	// default change reaches existing providers too.
	if err := adapter.ValidateConfig(req.AdapterConfig); err != nil {
		httputil.WriteBadRequest(w, fmt.Sprintf("invalid adapter config: %v", err))
		return
	}

	provider := &storage.Provider{
		ID:               uuid.New().String(),
		AccountID:        accountID,
		Name:             req.Name,
		Adapter:          req.Adapter,
		Provisioner:      provisioner,
		AdapterConfig:    req.AdapterConfig,
		IncludedGroupIDs: req.IncludedGroupIDs,
		ExcludedGroupIDs: req.ExcludedGroupIDs,
	}

	if err := h.store.CreateProvider(r.Context(), provider); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			httputil.WriteConflict(w, "a provider with this name already exists")
			return
		}
		h.logger.WithError(err).Error("Failed to create provider")
		httputil.WriteInternalError(w, err)
		return
	}

	if err := audit.LogProviderChange(r.Context(), audit.EventTypeProviderCreated, provider, nil, "Provider created"); err != nil {
		h.logger.WithError(err).Warn("Failed to write audit event")
	}

	httputil.WriteCreated(w, NewProviderResponse(provider))
}

// ListProviders returns the account's providers.
func (h *ProviderHandlers) ListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := h.store.ListProviders(r.Context(), middleware.AccountID(r))
	if err != nil {
		h.logger.WithError(err).Error("Failed to list providers")
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"providers": NewProviderResponses(providers),
		"count":     len(providers),
	})
}

// GetProvider returns one provider.
func (h *ProviderHandlers) GetProvider(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.loadProvider(w, r)
	if !ok {
		return
	}
	httputil.WriteSuccess(w, NewProviderResponse(provider))
}

// UpdateProvider applies a partial update. Only non-nil request fields
// change the stored provider.
func (h *ProviderHandlers) UpdateProvider(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.loadProvider(w, r)
	if !ok {
		return
	}

	var req ProviderUpdateRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	before := providerChangeFields(provider)
	configChanged := false

	if req.Name != nil {
		if *req.Name == "" {
			httputil.WriteBadRequest(w, "name cannot be empty")
			return
		}
		provider.Name = *req.Name
	}

	adapter, err := h.registry.Get(provider.Adapter)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	if req.Provisioner != nil {
		if !req.Provisioner.Valid() {
			httputil.WriteBadRequest(w, fmt.Sprintf("unknown provisioner: %s", *req.Provisioner))
			return
		}
		if !adapter.Capabilities().Supports(*req.Provisioner) {
			httputil.WriteBadRequest(w, fmt.Sprintf("adapter %s does not support the %s provisioner", provider.Adapter, *req.Provisioner))
			return
		}
		provider.Provisioner = *req.Provisioner
	}

	if req.AdapterConfig != nil {
		cfg := *req.AdapterConfig
		// Responses never echo secrets, so a replacement config with a
		// blank secret keeps the stored one.
		if cfg.ClientSecret == "" {
			cfg.ClientSecret = provider.AdapterConfig.ClientSecret
		}
		if cfg.APIKey == "" {
			cfg.APIKey = provider.AdapterConfig.APIKey
		}
		if err := adapter.ValidateConfig(cfg); err != nil {
			httputil.WriteBadRequest(w, fmt.Sprintf("invalid adapter config: %v", err))
			return
		}
		provider.AdapterConfig = cfg
		configChanged = true
	}

	if req.IncludedGroupIDs != nil {
		provider.IncludedGroupIDs = *req.IncludedGroupIDs
	}
	if req.ExcludedGroupIDs != nil {
		provider.ExcludedGroupIDs = *req.ExcludedGroupIDs
	}

	if req.Disabled != nil {
		if *req.Disabled && provider.DisabledAt == nil {
			now := time.Now().UTC()
			provider.DisabledAt = &now
		} else if !*req.Disabled {
			provider.DisabledAt = nil
		}
	}

	if err := h.store.UpdateProvider(r.Context(), provider); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httputil.WriteNotFoundError(w, "provider not found")
			return
		}
		if errors.Is(err, storage.ErrConflict) {
			httputil.WriteConflict(w, "a provider with this name already exists")
			return
		}
		h.logger.WithError(err).Error("Failed to update provider")
		httputil.WriteInternalError(w, err)
		return
	}

	if configChanged {
		// Drop cached OIDC discovery and JWKS so the next sign-in reads
		// the new config.
		h.registry.Core().Cache().Invalidate()
	}

	changes := &audit.ChangeDetails{Before: before, After: providerChangeFields(provider)}
	if err := audit.LogProviderChange(r.Context(), audit.EventTypeProviderUpdated, provider, changes, "Provider updated"); err != nil {
		h.logger.WithError(err).Warn("Failed to write audit event")
	}

	httputil.WriteSuccess(w, NewProviderResponse(provider))
}

// DeleteProvider removes a provider and everything synced under it.
func (h *ProviderHandlers) DeleteProvider(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.loadProvider(w, r)
	if !ok {
		return
	}

	if err := h.store.DeleteProvider(r.Context(), provider.AccountID, provider.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httputil.WriteNotFoundError(w, "provider not found")
			return
		}
		h.logger.WithError(err).Error("Failed to delete provider")
		httputil.WriteInternalError(w, err)
		return
	}

	if err := audit.LogProviderChange(r.Context(), audit.EventTypeProviderDeleted, provider, nil, "Provider deleted"); err != nil {
		h.logger.WithError(err).Warn("Failed to write audit event")
	}

	httputil.WriteNoContent(w)
}

// GetCapabilities returns the capabilities of the provider's adapter.
func (h *ProviderHandlers) GetCapabilities(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.loadProvider(w, r)
	if !ok {
		return
	}

	adapter, err := h.registry.Get(provider.Adapter)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	caps := adapter.Capabilities()

	httputil.WriteSuccess(w, map[string]interface{}{
		"adapter":             provider.Adapter,
		"provisioners":        caps.Provisioners,
		"default_provisioner": caps.DefaultProvisioner,
		"sync_capable":        caps.Supports(idp.ProvisionerCustom),
	})
}

// ListGroups returns the synced directory groups of a provider.
func (h *ProviderHandlers) ListGroups(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.loadProvider(w, r)
	if !ok {
		return
	}

	groups, err := h.store.ListGroups(r.Context(), provider.AccountID, provider.ID)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list groups")
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"groups": NewGroupResponses(groups),
		"count":  len(groups),
	})
}

// ListIdentities returns the identities under a provider.
func (h *ProviderHandlers) ListIdentities(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.loadProvider(w, r)
	if !ok {
		return
	}

	identities, err := h.store.ListIdentities(r.Context(), provider.AccountID, provider.ID)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list identities")
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"identities": NewIdentityResponses(identities),
		"count":      len(identities),
	})
}

// ListGroupMembers returns the member identities of a synced group.
func (h *ProviderHandlers) ListGroupMembers(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.AccountID(r)
	groupID := httputil.GetPathVars(r)["id"]

	members, err := h.store.ListGroupMembers(r.Context(), accountID, groupID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httputil.WriteNotFoundError(w, "group not found")
			return
		}
		h.logger.WithError(err).Error("Failed to list group members")
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"members": NewActorResponses(members),
		"count":   len(members),
	})
}

// loadProvider fetches the provider named by the path, scoped to the
// authenticated account. Writes the error response itself on failure.
func (h *ProviderHandlers) loadProvider(w http.ResponseWriter, r *http.Request) (*storage.Provider, bool) {
	accountID := middleware.AccountID(r)
	id := httputil.GetPathVars(r)["id"]

	provider, err := h.store.GetProvider(r.Context(), accountID, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httputil.WriteNotFoundError(w, "provider not found")
			return nil, false
		}
		h.logger.WithError(err).Error("Failed to load provider")
		httputil.WriteInternalError(w, err)
		return nil, false
	}
	return provider, true
}

// providerChangeFields captures the auditable fields of a provider.
// Adapter config is reduced to a changed marker so secrets never reach
// the audit trail.
func providerChangeFields(p *storage.Provider) map[string]interface{} {
	return map[string]interface{}{
		"name":               p.Name,
		"provisioner":        p.Provisioner,
		"included_group_ids": append([]string(nil), p.IncludedGroupIDs...),
		"excluded_group_ids": append([]string(nil), p.ExcludedGroupIDs...),
		"disabled":           p.DisabledAt != nil,
	}
}
