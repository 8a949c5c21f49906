package postgres

import (
	"context"
	"fmt"
)

// schemaStatements bootstrap the tables on startup. Statements are
// idempotent so concurrent daemon instances can race through them.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS providers (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		name TEXT NOT NULL,
		adapter TEXT NOT NULL,
		provisioner TEXT NOT NULL,
		adapter_config JSONB NOT NULL DEFAULT '{}',
		adapter_state JSONB NOT NULL DEFAULT '{}',
		included_group_ids TEXT[] NOT NULL DEFAULT '{}',
		excluded_group_ids TEXT[] NOT NULL DEFAULT '{}',
		sync_checkpoints JSONB NOT NULL DEFAULT '{}',
		last_synced_at TIMESTAMPTZ,
		last_syncs_failed INTEGER NOT NULL DEFAULT 0,
		last_sync_error TEXT NOT NULL DEFAULT '',
		last_sync_error_detail TEXT NOT NULL DEFAULT '',
		sync_error_notified_at TIMESTAMPTZ,
		sync_disabled_at TIMESTAMPTZ,
		disabled_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (account_id, name)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_providers_account ON providers(account_id)`,

	`CREATE TABLE IF NOT EXISTS actors (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		type TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		last_synced_at TIMESTAMPTZ,
		disabled_at TIMESTAMPTZ,
		deleted_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_actors_account_email ON actors(account_id, lower(email))`,

	`CREATE TABLE IF NOT EXISTS identities (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		provider_id TEXT NOT NULL REFERENCES providers(id) ON DELETE CASCADE,
		actor_id TEXT NOT NULL REFERENCES actors(id) ON DELETE CASCADE,
		issuer TEXT NOT NULL,
		identifier TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		provisioner TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		picture TEXT NOT NULL DEFAULT '',
		provider_state JSONB NOT NULL DEFAULT '{}',
		last_seen_at TIMESTAMPTZ,
		synced_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (account_id, issuer, identifier)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_identities_provider ON identities(provider_id)`,
	`CREATE INDEX IF NOT EXISTS idx_identities_email ON identities(account_id, provider_id, lower(email))`,

	`CREATE TABLE IF NOT EXISTS actor_groups (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		provider_id TEXT REFERENCES providers(id) ON DELETE CASCADE,
		idp_id TEXT,
		name TEXT NOT NULL,
		entity_type TEXT NOT NULL DEFAULT 'group',
		filtered_at TIMESTAMPTZ,
		included_at TIMESTAMPTZ,
		excluded_at TIMESTAMPTZ,
		synced_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (account_id, idp_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_actor_groups_provider ON actor_groups(provider_id)`,

	`CREATE TABLE IF NOT EXISTS memberships (
		account_id TEXT NOT NULL,
		group_id TEXT NOT NULL REFERENCES actor_groups(id) ON DELETE CASCADE,
		actor_id TEXT NOT NULL REFERENCES actors(id) ON DELETE CASCADE,
		synced_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (group_id, actor_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_memberships_account ON memberships(account_id)`,
	`CREATE INDEX IF NOT EXISTS idx_memberships_actor ON memberships(actor_id)`,
}

func (s *Store) ensureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.cm.Primary().ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}
