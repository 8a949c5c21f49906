// Package storage persists the identity graph: provider
// configurations, identities, the actors they attach to, groups and
// memberships.
//
// # Interfaces
//
// The surface is split by concern so callers depend on what they use:
//
//   - ProviderStore: provider CRUD plus the sync bookkeeping writers
//     (RecordSyncSuccess, RecordSyncFailure, ResetSyncFailures)
//   - IdentityStore: identities and actors, including the one-shot
//     email claim for admin-created rows
//   - DirectoryStore: ApplySyncPlan and graph reads
//   - Locker: Postgres advisory locks behind the sync singleton
//
// Store composes all four and is what the daemon wires together.
//
// # Applying a sync plan
//
// A SyncPlan is the full output of one directory gather. ApplySyncPlan
// runs it in a single transaction per provider: upsert identities and
// groups, replace membership tuples, delete rows the directory no
// longer returns, then record the run on the provider row. The diff
// happens in SQL against the stored graph, so replaying the same plan
// is a no-op:
//
//	result, err := store.ApplySyncPlan(ctx, plan)
//	// result counts upserts and deletes per entity kind
//
// # Backend
//
// Postgres is the only backend, in the postgres subpackage. It
// supports read replicas for graph reads and an optional Redis cache
// in front of hot provider lookups:
//
//	cfg := storage.DefaultConfig()
//	cfg.PostgresURL = "postgres://localhost/idpsync"
//	store, err := postgres.New(cfg, logger)
package storage
