package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/perimetra/idpsync/pkg/idp"
	"github.com/perimetra/idpsync/pkg/storage"
)

// ApplySyncPlan replaces one provider's synced graph in a single
// transaction. Rows present in the plan are upserted with the run
// timestamp; provider-scoped rows the run did not touch are stale and
// deleted at the end. Applying the same plan twice is a no-op beyond
// timestamps.
func (s *Store) ApplySyncPlan(ctx context.Context, plan *storage.SyncPlan) (*storage.SyncResult, error) {
	tx, err := s.cm.Primary().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	result := &storage.SyncResult{}
	run := plan.StartedAt

	actorIDs, err := s.applyIdentities(ctx, tx, plan, result)
	if err != nil {
		return nil, err
	}
	groupIDs, err := s.applyGroups(ctx, tx, plan, result)
	if err != nil {
		return nil, err
	}
	if err := s.applyMemberships(ctx, tx, plan, groupIDs, actorIDs, result); err != nil {
		return nil, err
	}

	// Stale memberships go first so the group delete below only
	// cascades rows already counted.
	res, err := tx.ExecContext(ctx, `
		DELETE FROM memberships m
		USING actor_groups g
		WHERE m.group_id = g.id AND g.provider_id = $1 AND m.synced_at < $2
	`, plan.ProviderID, run)
	if err != nil {
		return nil, fmt.Errorf("failed to delete stale memberships: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		result.MembershipsDeleted = int(n)
	}

	res, err = tx.ExecContext(ctx, `
		DELETE FROM actor_groups
		WHERE provider_id = $1 AND (synced_at IS NULL OR synced_at < $2)
	`, plan.ProviderID, run)
	if err != nil {
		return nil, fmt.Errorf("failed to delete stale groups: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		result.GroupsDeleted = int(n)
	}

	// Only rows this provider's sync provisioned are replaced; manual
	// and just-in-time identities survive directory removal.
	res, err = tx.ExecContext(ctx, `
		DELETE FROM identities
		WHERE provider_id = $1 AND provisioner = $3 AND (synced_at IS NULL OR synced_at < $2)
	`, plan.ProviderID, run, string(idp.ProvisionerCustom))
	if err != nil {
		return nil, fmt.Errorf("failed to delete stale identities: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		result.IdentitiesDeleted = int(n)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit sync plan: %w", err)
	}
	return result, nil
}

// applyIdentities upserts one identity per directory user, creating
// the backing actor on first sight. Returns identifier -> actor id for
// membership resolution.
func (s *Store) applyIdentities(ctx context.Context, tx *sql.Tx, plan *storage.SyncPlan, result *storage.SyncResult) (map[string]string, error) {
	actorIDs := make(map[string]string, len(plan.Identities))

	for _, u := range plan.Identities {
		var identityID, actorID string
		err := tx.QueryRowContext(ctx, `
			UPDATE identities
			SET email = $4, name = $5, synced_at = $6, updated_at = NOW()
			WHERE account_id = $1 AND issuer = $2 AND identifier = $3
			RETURNING id, actor_id
		`, plan.AccountID, plan.Issuer, u.Identifier, u.Email, u.Name, plan.StartedAt).Scan(&identityID, &actorID)

		switch {
		case err == sql.ErrNoRows:
			name := u.Name
			if name == "" {
				name = u.Email
			}
			actorID = uuid.NewString()
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO actors (id, account_id, type, name, email, last_synced_at)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, actorID, plan.AccountID, string(storage.ActorTypeUser), name, u.Email, plan.StartedAt); err != nil {
				return nil, fmt.Errorf("failed to create actor: %w", err)
			}
			result.ActorsCreated++

			if _, err := tx.ExecContext(ctx, `
				INSERT INTO identities (id, account_id, provider_id, actor_id, issuer, identifier,
					email, provisioner, name, synced_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			`, uuid.NewString(), plan.AccountID, plan.ProviderID, actorID, plan.Issuer,
				u.Identifier, u.Email, string(idp.ProvisionerCustom), u.Name, plan.StartedAt); err != nil {
				return nil, fmt.Errorf("failed to create identity: %w", err)
			}

		case err != nil:
			return nil, fmt.Errorf("failed to upsert identity: %w", err)

		default:
			if _, err := tx.ExecContext(ctx, `
				UPDATE actors
				SET name = CASE WHEN $2 <> '' THEN $2 ELSE name END, email = $3,
					last_synced_at = $4, updated_at = NOW()
				WHERE id = $1
			`, actorID, u.Name, u.Email, plan.StartedAt); err != nil {
				return nil, fmt.Errorf("failed to refresh actor: %w", err)
			}
		}

		result.IdentitiesUpserted++
		actorIDs[u.Identifier] = actorID
	}
	return actorIDs, nil
}

// applyGroups upserts group and org-unit rows. Returns idp_id -> row
// id for membership resolution.
func (s *Store) applyGroups(ctx context.Context, tx *sql.Tx, plan *storage.SyncPlan, result *storage.SyncResult) (map[string]string, error) {
	groupIDs := make(map[string]string, len(plan.Groups))

	for _, g := range plan.Groups {
		var rowID string
		err := tx.QueryRowContext(ctx, `
			INSERT INTO actor_groups (id, account_id, provider_id, idp_id, name, entity_type,
				filtered_at, included_at, excluded_at, synced_at)
			VALUES ($1, $2, $3, $4, $5, $6,
				CASE WHEN $7 THEN $8 END, CASE WHEN $9 THEN $8 END, CASE WHEN $10 THEN $8 END, $8)
			ON CONFLICT (account_id, idp_id) DO UPDATE
			SET provider_id = EXCLUDED.provider_id,
				name = EXCLUDED.name,
				entity_type = EXCLUDED.entity_type,
				filtered_at = CASE WHEN $7 THEN COALESCE(actor_groups.filtered_at, $8) END,
				included_at = CASE WHEN $9 THEN COALESCE(actor_groups.included_at, $8) END,
				excluded_at = CASE WHEN $10 THEN COALESCE(actor_groups.excluded_at, $8) END,
				synced_at = EXCLUDED.synced_at,
				updated_at = NOW()
			RETURNING id
		`, uuid.NewString(), plan.AccountID, plan.ProviderID, g.IdpID, g.Name,
			string(g.EntityType), g.Filtered, plan.StartedAt, g.Included, g.Excluded).Scan(&rowID)
		if err != nil {
			return nil, fmt.Errorf("failed to upsert group %s: %w", g.IdpID, err)
		}

		groupIDs[g.IdpID] = rowID
		result.GroupsUpserted++
	}
	return groupIDs, nil
}

// applyMemberships upserts edges, resolving external ids through the
// maps built above. Tuples pointing outside the plan are skipped.
func (s *Store) applyMemberships(ctx context.Context, tx *sql.Tx, plan *storage.SyncPlan, groupIDs, actorIDs map[string]string, result *storage.SyncResult) error {
	for _, m := range plan.Memberships {
		groupID, ok := groupIDs[m.GroupIdpID]
		if !ok {
			continue
		}
		actorID, ok := actorIDs[m.Identifier]
		if !ok {
			continue
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO memberships (account_id, group_id, actor_id, synced_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (group_id, actor_id) DO UPDATE SET synced_at = EXCLUDED.synced_at
		`, plan.AccountID, groupID, actorID, plan.StartedAt); err != nil {
			return fmt.Errorf("failed to upsert membership: %w", err)
		}
		result.MembershipsUpserted++
	}
	return nil
}

const groupColumns = `id, account_id, provider_id, idp_id, name, entity_type,
	filtered_at, included_at, excluded_at, synced_at, created_at, updated_at`

func scanGroup(row rowScanner) (*storage.ActorGroup, error) {
	var (
		g          storage.ActorGroup
		entityType string
	)
	err := row.Scan(
		&g.ID, &g.AccountID, &g.ProviderID, &g.IdpID, &g.Name, &entityType,
		&g.FilteredAt, &g.IncludedAt, &g.ExcludedAt, &g.SyncedAt, &g.CreatedAt, &g.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to scan group: %w", err)
	}
	g.EntityType = storage.GroupEntityType(entityType)
	return &g, nil
}

func (s *Store) ListGroups(ctx context.Context, accountID, providerID string) ([]*storage.ActorGroup, error) {
	query := `SELECT ` + groupColumns + ` FROM actor_groups
		WHERE account_id = $1 AND provider_id = $2
		ORDER BY name`
	rows, err := s.cm.Replica().QueryContext(ctx, query, accountID, providerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	defer rows.Close()

	var groups []*storage.ActorGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (s *Store) ListGroupMembers(ctx context.Context, accountID, groupID string) ([]*storage.Actor, error) {
	query := `
		SELECT a.id, a.account_id, a.type, a.name, a.email, a.last_synced_at,
			a.disabled_at, a.deleted_at, a.created_at, a.updated_at
		FROM actors a
		JOIN memberships m ON m.actor_id = a.id
		WHERE m.account_id = $1 AND m.group_id = $2
		ORDER BY a.name
	`
	rows, err := s.cm.Replica().QueryContext(ctx, query, accountID, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list group members: %w", err)
	}
	defer rows.Close()

	var actors []*storage.Actor
	for rows.Next() {
		actor, err := scanActor(rows)
		if err != nil {
			return nil, err
		}
		actors = append(actors, actor)
	}
	return actors, rows.Err()
}
