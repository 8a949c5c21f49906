package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/perimetra/idpsync/pkg/idp"
	"github.com/perimetra/idpsync/pkg/storage"
)

const identityColumns = `id, account_id, provider_id, actor_id, issuer, identifier, email,
	provisioner, name, picture, provider_state, last_seen_at, synced_at, created_at, updated_at`

func scanIdentity(row rowScanner) (*storage.Identity, error) {
	var (
		ident       storage.Identity
		provisioner string
		stateJSON   []byte
	)
	err := row.Scan(
		&ident.ID, &ident.AccountID, &ident.ProviderID, &ident.ActorID, &ident.Issuer,
		&ident.Identifier, &ident.Email, &provisioner, &ident.Name, &ident.Picture,
		&stateJSON, &ident.LastSeenAt, &ident.SyncedAt, &ident.CreatedAt, &ident.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to scan identity: %w", err)
	}

	ident.Provisioner = idp.Provisioner(provisioner)
	if err := unmarshalState(stateJSON, &ident.ProviderState); err != nil {
		return nil, err
	}
	return &ident, nil
}

func unmarshalState(data []byte, state *idp.State) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, state); err != nil {
		return fmt.Errorf("failed to decode provider state: %w", err)
	}
	return nil
}

func (s *Store) CreateIdentity(ctx context.Context, ident *storage.Identity) error {
	if ident.ID == "" {
		ident.ID = uuid.NewString()
	}
	stateJSON, err := marshalJSON(ident.ProviderState)
	if err != nil {
		return fmt.Errorf("failed to encode provider state: %w", err)
	}

	query := `
		INSERT INTO identities (id, account_id, provider_id, actor_id, issuer, identifier,
			email, provisioner, name, picture, provider_state, last_seen_at, synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, updated_at
	`
	err = s.cm.Primary().QueryRowContext(ctx, query,
		ident.ID, ident.AccountID, ident.ProviderID, ident.ActorID, ident.Issuer,
		ident.Identifier, ident.Email, string(ident.Provisioner), ident.Name, ident.Picture,
		stateJSON, ident.LastSeenAt, ident.SyncedAt,
	).Scan(&ident.CreatedAt, &ident.UpdatedAt)
	if isUniqueViolation(err) {
		return storage.ErrConflict
	} else if err != nil {
		return fmt.Errorf("failed to create identity: %w", err)
	}
	return nil
}

// GetIdentity looks up the unique identity for one subject at one
// issuer within an account.
func (s *Store) GetIdentity(ctx context.Context, accountID, issuer, identifier string) (*storage.Identity, error) {
	query := `SELECT ` + identityColumns + ` FROM identities
		WHERE account_id = $1 AND issuer = $2 AND identifier = $3`
	return scanIdentity(s.cm.Primary().QueryRowContext(ctx, query, accountID, issuer, identifier))
}

// GetManualIdentityByEmail finds the manually provisioned identity a
// first sign-in may claim. A row that has signed in before is already
// claimed and never matches by email again; oldest unclaimed row wins
// when an admin created duplicates.
func (s *Store) GetManualIdentityByEmail(ctx context.Context, accountID, providerID, email string) (*storage.Identity, error) {
	query := `SELECT ` + identityColumns + ` FROM identities
		WHERE account_id = $1 AND provider_id = $2 AND lower(email) = lower($3) AND provisioner = $4
			AND last_seen_at IS NULL
		ORDER BY created_at
		LIMIT 1`
	return scanIdentity(s.cm.Primary().QueryRowContext(ctx, query,
		accountID, providerID, email, string(idp.ProvisionerManual)))
}

// ClaimIdentity rewrites a placeholder identifier to the verified one
// observed at first sign-in.
func (s *Store) ClaimIdentity(ctx context.Context, id, identifier string) error {
	res, err := s.cm.Primary().ExecContext(ctx,
		`UPDATE identities SET identifier = $2, updated_at = NOW() WHERE id = $1`,
		id, identifier)
	if isUniqueViolation(err) {
		return storage.ErrConflict
	} else if err != nil {
		return fmt.Errorf("failed to claim identity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// RecordSignIn stores the profile fields and token state captured by a
// verified sign-in.
func (s *Store) RecordSignIn(ctx context.Context, id, name, picture string, state idp.State, seenAt time.Time) error {
	stateJSON, err := marshalJSON(state)
	if err != nil {
		return fmt.Errorf("failed to encode provider state: %w", err)
	}

	query := `
		UPDATE identities
		SET name = $2, picture = $3, provider_state = $4, last_seen_at = $5, updated_at = NOW()
		WHERE id = $1
	`
	res, err := s.cm.Primary().ExecContext(ctx, query, id, name, picture, stateJSON, seenAt)
	if err != nil {
		return fmt.Errorf("failed to record sign-in: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ClearIdentityRefreshToken drops only the refresh token from the
// stored state, forcing an interactive sign-in next time.
func (s *Store) ClearIdentityRefreshToken(ctx context.Context, id string) error {
	res, err := s.cm.Primary().ExecContext(ctx,
		`UPDATE identities SET provider_state = provider_state - 'refresh_token', updated_at = NOW() WHERE id = $1`,
		id)
	if err != nil {
		return fmt.Errorf("failed to clear refresh token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) ListIdentities(ctx context.Context, accountID, providerID string) ([]*storage.Identity, error) {
	query := `SELECT ` + identityColumns + ` FROM identities
		WHERE account_id = $1 AND provider_id = $2
		ORDER BY email`
	rows, err := s.cm.Replica().QueryContext(ctx, query, accountID, providerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list identities: %w", err)
	}
	defer rows.Close()

	var identities []*storage.Identity
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		identities = append(identities, ident)
	}
	return identities, rows.Err()
}

const actorColumns = `id, account_id, type, name, email, last_synced_at, disabled_at, deleted_at,
	created_at, updated_at`

func scanActor(row rowScanner) (*storage.Actor, error) {
	var (
		actor     storage.Actor
		actorType string
	)
	err := row.Scan(
		&actor.ID, &actor.AccountID, &actorType, &actor.Name, &actor.Email,
		&actor.LastSyncedAt, &actor.DisabledAt, &actor.DeletedAt,
		&actor.CreatedAt, &actor.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to scan actor: %w", err)
	}
	actor.Type = storage.ActorType(actorType)
	return &actor, nil
}

func (s *Store) GetActor(ctx context.Context, accountID, id string) (*storage.Actor, error) {
	query := `SELECT ` + actorColumns + ` FROM actors WHERE account_id = $1 AND id = $2`
	return scanActor(s.cm.Primary().QueryRowContext(ctx, query, accountID, id))
}

func (s *Store) CreateActor(ctx context.Context, actor *storage.Actor) error {
	if actor.ID == "" {
		actor.ID = uuid.NewString()
	}
	query := `
		INSERT INTO actors (id, account_id, type, name, email)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`
	err := s.cm.Primary().QueryRowContext(ctx, query,
		actor.ID, actor.AccountID, string(actor.Type), actor.Name, actor.Email,
	).Scan(&actor.CreatedAt, &actor.UpdatedAt)
	if isUniqueViolation(err) {
		return storage.ErrConflict
	} else if err != nil {
		return fmt.Errorf("failed to create actor: %w", err)
	}
	return nil
}
