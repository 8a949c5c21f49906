package storage

import (
	"time"

	"github.com/perimetra/idpsync/pkg/idp"
)

// Provider is one configured IdP connection for an account. The row is
// mutated by three independent actors on disjoint field subsets: the
// sign-in path (adapter state), the sync job (sync bookkeeping) and the
// token refresh job (adapter state expiry). Updates list only their own
// columns so the subsets stay last-writer-wins.
type Provider struct {
	ID          string
	AccountID   string
	Name        string
	Adapter     idp.AdapterName
	Provisioner idp.Provisioner

	AdapterConfig idp.Config
	AdapterState  idp.State

	// Admin group filters. Empty included list means every group is
	// eligible; the excluded list always wins.
	IncludedGroupIDs []string
	ExcludedGroupIDs []string

	// Sync bookkeeping. LastSyncError is the short operator-facing
	// message; LastSyncErrorDetail keeps the raw upstream response for
	// debugging.
	SyncCheckpoints     Checkpoints
	LastSyncedAt        *time.Time
	LastSyncsFailed     int
	LastSyncError       string
	LastSyncErrorDetail string
	SyncErrorNotifiedAt *time.Time
	SyncDisabledAt      *time.Time

	DisabledAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SyncEnabled reports whether the provider is eligible for directory
// sync runs.
func (p *Provider) SyncEnabled() bool {
	return p.Provisioner == idp.ProvisionerCustom &&
		p.DisabledAt == nil &&
		p.SyncDisabledAt == nil
}

// SignInEnabled reports whether the provider accepts sign-ins.
func (p *Provider) SignInEnabled() bool {
	return p.DisabledAt == nil
}

// Checkpoint records the start/finish instants of the latest fetch for
// one resource kind.
type Checkpoint struct {
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Checkpoints maps a resource kind (users, groups, org_units) to its
// latest fetch window.
type Checkpoints map[string]Checkpoint

// Identity links a local Actor to one subject at one provider.
// (account_id, issuer, identifier) is globally unique; an identity is
// never silently moved between identifiers. A changed identifier under
// the same issuer fails the match and falls through to the
// email-claiming policy where the provisioner allows it.
type Identity struct {
	ID          string
	AccountID   string
	ProviderID  string
	ActorID     string
	Issuer      string
	Identifier  string
	Email       string
	Provisioner idp.Provisioner

	// Profile fields copied from the latest verified claims.
	Name    string
	Picture string

	// ProviderState carries tokens/claims/userinfo captured at sign-in.
	ProviderState idp.State

	LastSeenAt *time.Time
	SyncedAt   *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ActorType classifies local principals.
type ActorType string

const (
	ActorTypeUser           ActorType = "account_user"
	ActorTypeAdmin          ActorType = "account_admin_user"
	ActorTypeServiceAccount ActorType = "service_account"
)

// Actor is the local principal identities attach to. The integration
// core only creates and updates actors; deeper modeling belongs to the
// surrounding platform.
type Actor struct {
	ID           string
	AccountID    string
	Type         ActorType
	Name         string
	Email        string
	LastSyncedAt *time.Time
	DisabledAt   *time.Time
	DeletedAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Enabled reports whether the actor can sign in.
func (a *Actor) Enabled() bool {
	return a.DisabledAt == nil && a.DeletedAt == nil
}

// GroupEntityType distinguishes plain directory groups from synthetic
// org-unit groups.
type GroupEntityType string

const (
	GroupEntityGroup   GroupEntityType = "group"
	GroupEntityOrgUnit GroupEntityType = "org_unit"
)

// ActorGroup is an externally synced or locally created group.
// (account_id, idp_id) is unique when idp_id is non-null. Synced names
// carry a Group: or OrgUnit: prefix and idp_ids a G: or OU: prefix so
// the two namespaces never collide.
type ActorGroup struct {
	ID         string
	AccountID  string
	ProviderID *string
	IdpID      *string
	Name       string
	EntityType GroupEntityType

	// Filter bookkeeping. FilteredAt is set while an admin
	// include/exclude filter currently hides the group.
	FilteredAt *time.Time
	IncludedAt *time.Time
	ExcludedAt *time.Time

	SyncedAt  *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Membership is one actor-to-group edge. Edges carry the run timestamp
// of the sync that last saw them; an edge older than the provider's
// last successful run is stale and removed by that run's apply step.
type Membership struct {
	AccountID string
	GroupID   string
	ActorID   string
	SyncedAt  time.Time
}
