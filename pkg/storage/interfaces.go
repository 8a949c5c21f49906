package storage

import (
	"context"
	"errors"
	"time"

	"github.com/perimetra/idpsync/pkg/idp"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned when a unique constraint rejects a write.
var ErrConflict = errors.New("storage: conflict")

// IdentityUpsert is one user row produced by a directory gather.
type IdentityUpsert struct {
	Identifier string
	Email      string
	Name       string
}

// GroupUpsert is one group or synthetic org-unit row. Filtered means an
// admin include/exclude filter currently hides the group: the row is
// still upserted for visibility, but its membership tuples are dropped.
// Included/Excluded record which filter list matched.
type GroupUpsert struct {
	IdpID      string
	Name       string
	EntityType GroupEntityType
	Filtered   bool
	Included   bool
	Excluded   bool
}

// MembershipUpsert is one membership tuple keyed by external ids; the
// apply step resolves them to row ids inside its transaction.
type MembershipUpsert struct {
	GroupIdpID string
	Identifier string
}

// SyncPlan is the full outcome of one successful gather+resolve,
// applied in a single transaction per provider.
type SyncPlan struct {
	AccountID   string
	ProviderID  string
	Issuer      string
	StartedAt   time.Time
	Identities  []IdentityUpsert
	Groups      []GroupUpsert
	Memberships []MembershipUpsert
	Checkpoints Checkpoints
}

// SyncResult counts what one apply changed. It reaches admins through
// the sync status endpoint, so the fields carry JSON tags.
type SyncResult struct {
	IdentitiesUpserted  int `json:"identities_upserted"`
	IdentitiesDeleted   int `json:"identities_deleted"`
	ActorsCreated       int `json:"actors_created"`
	GroupsUpserted      int `json:"groups_upserted"`
	GroupsDeleted       int `json:"groups_deleted"`
	MembershipsUpserted int `json:"memberships_upserted"`
	MembershipsDeleted  int `json:"memberships_deleted"`
}

// ProviderStore persists provider rows. The mutating methods each touch
// one disjoint column subset (admin config, adapter state, sync
// bookkeeping) so the three writers never overwrite each other.
type ProviderStore interface {
	CreateProvider(ctx context.Context, p *Provider) error
	GetProvider(ctx context.Context, accountID, id string) (*Provider, error)
	// GetProviderByID looks a provider up without account scoping. The
	// sign-in endpoints use it; they carry no account context before
	// the user authenticates.
	GetProviderByID(ctx context.Context, id string) (*Provider, error)
	ListProviders(ctx context.Context, accountID string) ([]*Provider, error)
	ListSyncEligibleProviders(ctx context.Context) ([]*Provider, error)
	UpdateProvider(ctx context.Context, p *Provider) error
	UpdateAdapterState(ctx context.Context, id string, state idp.State) error
	RecordSyncSuccess(ctx context.Context, id string, finishedAt time.Time, checkpoints Checkpoints) error
	RecordSyncFailure(ctx context.Context, id, message, detail string, disableThreshold int) (*Provider, error)
	MarkSyncErrorNotified(ctx context.Context, id string, at time.Time) error
	// ResetSyncFailures clears the failure streak and re-enables a
	// provider that crossed the disable threshold.
	ResetSyncFailures(ctx context.Context, accountID, id string) error
	DeleteProvider(ctx context.Context, accountID, id string) error
}

// IdentityStore persists identities and the actors they attach to.
type IdentityStore interface {
	CreateIdentity(ctx context.Context, ident *Identity) error
	GetIdentity(ctx context.Context, accountID, issuer, identifier string) (*Identity, error)
	GetManualIdentityByEmail(ctx context.Context, accountID, providerID, email string) (*Identity, error)
	ClaimIdentity(ctx context.Context, id, identifier string) error
	RecordSignIn(ctx context.Context, id, name, picture string, state idp.State, seenAt time.Time) error
	ClearIdentityRefreshToken(ctx context.Context, id string) error
	ListIdentities(ctx context.Context, accountID, providerID string) ([]*Identity, error)
	GetActor(ctx context.Context, accountID, id string) (*Actor, error)
	CreateActor(ctx context.Context, actor *Actor) error
}

// DirectoryStore applies sync plans and serves graph reads.
type DirectoryStore interface {
	ApplySyncPlan(ctx context.Context, plan *SyncPlan) (*SyncResult, error)
	ListGroups(ctx context.Context, accountID, providerID string) ([]*ActorGroup, error)
	ListGroupMembers(ctx context.Context, accountID, groupID string) ([]*Actor, error)
}

// Locker is the cluster-wide mutual exclusion primitive behind the
// sync singleton guarantee.
type Locker interface {
	// TryAdvisoryLock attempts the lock without blocking. When acquired
	// the caller must invoke release exactly once; release never blocks
	// on the caller's context.
	TryAdvisoryLock(ctx context.Context, key int64) (release func(), acquired bool, err error)
}

// Store is the full persistence surface the daemon wires together.
type Store interface {
	ProviderStore
	IdentityStore
	DirectoryStore
	Locker

	HealthCheck(ctx context.Context) error
	Close() error
}

// Config for the storage backend.
type Config struct {
	PostgresURL         string
	PostgresReplicaURLs []string
	PostgresMaxConns    int
	PostgresMinConns    int
	PostgresTimeout     time.Duration
	PostgresMaxLifetime time.Duration
	PostgresMaxIdleTime time.Duration

	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int

	CacheEnabled bool
	CacheTTL     time.Duration
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		PostgresMaxConns:    20,
		PostgresMinConns:    2,
		PostgresTimeout:     10 * time.Second,
		PostgresMaxLifetime: time.Hour,
		PostgresMaxIdleTime: 10 * time.Minute,
		RedisDB:             0,
		RedisMaxRetries:     3,
		RedisPoolSize:       10,
		CacheEnabled:        true,
		CacheTTL:            time.Minute,
	}
}
