package api

import (
	"time"

	"github.com/perimetra/idpsync/pkg/idp"
	"github.com/perimetra/idpsync/pkg/storage"
)

// Store is the persistence surface the API consumes.
type Store interface {
	storage.ProviderStore
	storage.IdentityStore
	storage.DirectoryStore
}

// ProviderRequest is the create payload for a provider.
type ProviderRequest struct {
	Name             string          `json:"name"`
	Adapter          idp.AdapterName `json:"adapter"`
	Provisioner      idp.Provisioner `json:"provisioner,omitempty"`
	AdapterConfig    idp.Config      `json:"adapter_config"`
	IncludedGroupIDs []string        `json:"included_group_ids,omitempty"`
	ExcludedGroupIDs []string        `json:"excluded_group_ids,omitempty"`
}

// ProviderUpdateRequest carries partial updates; nil fields stay
// untouched. A config replacement that omits the client secret or API
// key keeps the stored one, since responses never echo secrets back.
type ProviderUpdateRequest struct {
	Name             *string          `json:"name,omitempty"`
	Provisioner      *idp.Provisioner `json:"provisioner,omitempty"`
	AdapterConfig    *idp.Config      `json:"adapter_config,omitempty"`
	IncludedGroupIDs *[]string        `json:"included_group_ids,omitempty"`
	ExcludedGroupIDs *[]string        `json:"excluded_group_ids,omitempty"`
	Disabled         *bool            `json:"disabled,omitempty"`
}

// ProviderResponse is the admin-facing provider representation. Secrets
// never leave the process; ClientSecretSet and APIKeySet report their
// presence instead.
type ProviderResponse struct {
	ID          string          `json:"id"`
	AccountID   string          `json:"account_id"`
	Name        string          `json:"name"`
	Adapter     idp.AdapterName `json:"adapter"`
	Provisioner idp.Provisioner `json:"provisioner"`

	AdapterConfig   idp.Config `json:"adapter_config"`
	ClientSecretSet bool       `json:"client_secret_set"`
	APIKeySet       bool       `json:"api_key_set"`

	// Connected reports whether an admin completed the connect flow, so
	// the sync engine has directory credentials.
	Connected bool `json:"connected"`

	IncludedGroupIDs []string `json:"included_group_ids,omitempty"`
	ExcludedGroupIDs []string `json:"excluded_group_ids,omitempty"`

	LastSyncedAt    *time.Time `json:"last_synced_at,omitempty"`
	LastSyncsFailed int        `json:"last_syncs_failed"`
	LastSyncError   string     `json:"last_sync_error,omitempty"`
	SyncDisabledAt  *time.Time `json:"sync_disabled_at,omitempty"`
	DisabledAt      *time.Time `json:"disabled_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewProviderResponse redacts a provider row for responses.
func NewProviderResponse(p *storage.Provider) *ProviderResponse {
	cfg := p.AdapterConfig
	secretSet := cfg.ClientSecret != ""
	apiKeySet := cfg.APIKey != ""
	cfg.ClientSecret = ""
	cfg.APIKey = ""

	return &ProviderResponse{
		ID:               p.ID,
		AccountID:        p.AccountID,
		Name:             p.Name,
		Adapter:          p.Adapter,
		Provisioner:      p.Provisioner,
		AdapterConfig:    cfg,
		ClientSecretSet:  secretSet,
		APIKeySet:        apiKeySet,
		Connected:        p.AdapterState.AccessToken != "" || p.AdapterState.RefreshToken != "",
		IncludedGroupIDs: p.IncludedGroupIDs,
		ExcludedGroupIDs: p.ExcludedGroupIDs,
		LastSyncedAt:     p.LastSyncedAt,
		LastSyncsFailed:  p.LastSyncsFailed,
		LastSyncError:    p.LastSyncError,
		SyncDisabledAt:   p.SyncDisabledAt,
		DisabledAt:       p.DisabledAt,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
}

// NewProviderResponses redacts a provider list.
func NewProviderResponses(providers []*storage.Provider) []*ProviderResponse {
	out := make([]*ProviderResponse, len(providers))
	for i, p := range providers {
		out[i] = NewProviderResponse(p)
	}
	return out
}

// IdentityResponse is the admin-facing identity representation. Tokens
// stored on the identity stay server-side.
type IdentityResponse struct {
	ID          string          `json:"id"`
	ActorID     string          `json:"actor_id"`
	ProviderID  string          `json:"provider_id"`
	Issuer      string          `json:"issuer"`
	Identifier  string          `json:"identifier"`
	Email       string          `json:"email,omitempty"`
	Name        string          `json:"name,omitempty"`
	Picture     string          `json:"picture,omitempty"`
	Provisioner idp.Provisioner `json:"provisioner"`
	LastSeenAt  *time.Time      `json:"last_seen_at,omitempty"`
	SyncedAt    *time.Time      `json:"synced_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// NewIdentityResponse strips an identity row for responses.
func NewIdentityResponse(ident *storage.Identity) *IdentityResponse {
	return &IdentityResponse{
		ID:          ident.ID,
		ActorID:     ident.ActorID,
		ProviderID:  ident.ProviderID,
		Issuer:      ident.Issuer,
		Identifier:  ident.Identifier,
		Email:       ident.Email,
		Name:        ident.Name,
		Picture:     ident.Picture,
		Provisioner: ident.Provisioner,
		LastSeenAt:  ident.LastSeenAt,
		SyncedAt:    ident.SyncedAt,
		CreatedAt:   ident.CreatedAt,
	}
}

// NewIdentityResponses converts an identity list.
func NewIdentityResponses(identities []*storage.Identity) []*IdentityResponse {
	out := make([]*IdentityResponse, len(identities))
	for i, ident := range identities {
		out[i] = NewIdentityResponse(ident)
	}
	return out
}

// GroupResponse is a synced or local group.
type GroupResponse struct {
	ID         string                  `json:"id"`
	ProviderID *string                 `json:"provider_id,omitempty"`
	IdpID      *string                 `json:"idp_id,omitempty"`
	Name       string                  `json:"name"`
	EntityType storage.GroupEntityType `json:"entity_type"`
	Filtered   bool                    `json:"filtered"`
	SyncedAt   *time.Time              `json:"synced_at,omitempty"`
	CreatedAt  time.Time               `json:"created_at"`
	UpdatedAt  time.Time               `json:"updated_at"`
}

// NewGroupResponse converts a stored group.
func NewGroupResponse(g *storage.ActorGroup) *GroupResponse {
	return &GroupResponse{
		ID:         g.ID,
		ProviderID: g.ProviderID,
		IdpID:      g.IdpID,
		Name:       g.Name,
		EntityType: g.EntityType,
		Filtered:   g.FilteredAt != nil,
		SyncedAt:   g.SyncedAt,
		CreatedAt:  g.CreatedAt,
		UpdatedAt:  g.UpdatedAt,
	}
}

// NewGroupResponses converts a group list.
func NewGroupResponses(groups []*storage.ActorGroup) []*GroupResponse {
	out := make([]*GroupResponse, len(groups))
	for i, g := range groups {
		out[i] = NewGroupResponse(g)
	}
	return out
}

// ActorResponse is a local principal, typically a group member.
type ActorResponse struct {
	ID           string            `json:"id"`
	Type         storage.ActorType `json:"type"`
	Name         string            `json:"name"`
	Email        string            `json:"email"`
	Enabled      bool              `json:"enabled"`
	LastSyncedAt *time.Time        `json:"last_synced_at,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// NewActorResponse converts a stored actor.
func NewActorResponse(a *storage.Actor) *ActorResponse {
	return &ActorResponse{
		ID:           a.ID,
		Type:         a.Type,
		Name:         a.Name,
		Email:        a.Email,
		Enabled:      a.Enabled(),
		LastSyncedAt: a.LastSyncedAt,
		CreatedAt:    a.CreatedAt,
	}
}

// NewActorResponses converts an actor list.
func NewActorResponses(actors []*storage.Actor) []*ActorResponse {
	out := make([]*ActorResponse, len(actors))
	for i, a := range actors {
		out[i] = NewActorResponse(a)
	}
	return out
}
