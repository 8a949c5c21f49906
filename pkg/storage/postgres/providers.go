package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/perimetra/idpsync/pkg/idp"
	"github.com/perimetra/idpsync/pkg/storage"
)

const providerColumns = `id, account_id, name, adapter, provisioner, adapter_config, adapter_state,
	included_group_ids, excluded_group_ids, sync_checkpoints, last_synced_at, last_syncs_failed,
	last_sync_error, last_sync_error_detail, sync_error_notified_at, sync_disabled_at, disabled_at,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProvider(row rowScanner) (*storage.Provider, error) {
	var (
		p               storage.Provider
		adapter         string
		provisioner     string
		configJSON      []byte
		stateJSON       []byte
		checkpointsJSON []byte
	)
	err := row.Scan(
		&p.ID, &p.AccountID, &p.Name, &adapter, &provisioner, &configJSON, &stateJSON,
		pq.Array(&p.IncludedGroupIDs), pq.Array(&p.ExcludedGroupIDs), &checkpointsJSON,
		&p.LastSyncedAt, &p.LastSyncsFailed, &p.LastSyncError, &p.LastSyncErrorDetail,
		&p.SyncErrorNotifiedAt, &p.SyncDisabledAt, &p.DisabledAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to scan provider: %w", err)
	}

	p.Adapter = idp.AdapterName(adapter)
	p.Provisioner = idp.Provisioner(provisioner)
	if err := json.Unmarshal(configJSON, &p.AdapterConfig); err != nil {
		return nil, fmt.Errorf("failed to decode adapter config: %w", err)
	}
	if err := json.Unmarshal(stateJSON, &p.AdapterState); err != nil {
		return nil, fmt.Errorf("failed to decode adapter state: %w", err)
	}
	if err := json.Unmarshal(checkpointsJSON, &p.SyncCheckpoints); err != nil {
		return nil, fmt.Errorf("failed to decode sync checkpoints: %w", err)
	}
	return &p, nil
}

// marshalJSON keeps JSONB columns object-shaped when the Go value is a
// nil map or zero struct.
func marshalJSON(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return []byte("{}"), nil
	}
	return data, nil
}

func textArray(v []string) interface{} {
	if v == nil {
		v = []string{}
	}
	return pq.Array(v)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (s *Store) CreateProvider(ctx context.Context, p *storage.Provider) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	configJSON, err := marshalJSON(p.AdapterConfig)
	if err != nil {
		return fmt.Errorf("failed to encode adapter config: %w", err)
	}
	stateJSON, err := marshalJSON(p.AdapterState)
	if err != nil {
		return fmt.Errorf("failed to encode adapter state: %w", err)
	}
	checkpointsJSON, err := marshalJSON(p.SyncCheckpoints)
	if err != nil {
		return fmt.Errorf("failed to encode sync checkpoints: %w", err)
	}

	query := `
		INSERT INTO providers (id, account_id, name, adapter, provisioner, adapter_config,
			adapter_state, included_group_ids, excluded_group_ids, sync_checkpoints)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`
	err = s.cm.Primary().QueryRowContext(ctx, query,
		p.ID, p.AccountID, p.Name, string(p.Adapter), string(p.Provisioner),
		configJSON, stateJSON, textArray(p.IncludedGroupIDs), textArray(p.ExcludedGroupIDs),
		checkpointsJSON,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if isUniqueViolation(err) {
		return storage.ErrConflict
	} else if err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}
	return nil
}

func (s *Store) GetProvider(ctx context.Context, accountID, id string) (*storage.Provider, error) {
	if s.redis != nil {
		if p, err := s.redis.GetProvider(ctx, id); err == nil && p != nil && p.AccountID == accountID {
			return p, nil
		}
	}

	query := `SELECT ` + providerColumns + ` FROM providers WHERE account_id = $1 AND id = $2`
	p, err := scanProvider(s.cm.Primary().QueryRowContext(ctx, query, accountID, id))
	if err != nil {
		return nil, err
	}

	if s.redis != nil {
		s.redis.SetProvider(ctx, p)
	}
	return p, nil
}

func (s *Store) GetProviderByID(ctx context.Context, id string) (*storage.Provider, error) {
	if s.redis != nil {
		if p, err := s.redis.GetProvider(ctx, id); err == nil && p != nil {
			return p, nil
		}
	}

	query := `SELECT ` + providerColumns + ` FROM providers WHERE id = $1`
	p, err := scanProvider(s.cm.Primary().QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, err
	}

	if s.redis != nil {
		s.redis.SetProvider(ctx, p)
	}
	return p, nil
}

func (s *Store) ListProviders(ctx context.Context, accountID string) ([]*storage.Provider, error) {
	query := `SELECT ` + providerColumns + ` FROM providers WHERE account_id = $1 ORDER BY name`
	rows, err := s.cm.Replica().QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	defer rows.Close()

	var providers []*storage.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

// ListSyncEligibleProviders returns every provider the scheduler
// should attempt this tick: custom-provisioned, not disabled, sync
// not disabled.
func (s *Store) ListSyncEligibleProviders(ctx context.Context) ([]*storage.Provider, error) {
	query := `
		SELECT ` + providerColumns + `
		FROM providers
		WHERE provisioner = $1 AND disabled_at IS NULL AND sync_disabled_at IS NULL
		ORDER BY account_id, name
	`
	rows, err := s.cm.Replica().QueryContext(ctx, query, string(idp.ProvisionerCustom))
	if err != nil {
		return nil, fmt.Errorf("failed to list sync-eligible providers: %w", err)
	}
	defer rows.Close()

	var providers []*storage.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

// UpdateProvider writes the admin-owned column subset only; adapter
// state and sync bookkeeping stay untouched.
func (s *Store) UpdateProvider(ctx context.Context, p *storage.Provider) error {
	configJSON, err := marshalJSON(p.AdapterConfig)
	if err != nil {
		return fmt.Errorf("failed to encode adapter config: %w", err)
	}

	query := `
		UPDATE providers
		SET name = $3, adapter = $4, provisioner = $5, adapter_config = $6,
			included_group_ids = $7, excluded_group_ids = $8, disabled_at = $9,
			updated_at = NOW()
		WHERE account_id = $1 AND id = $2
		RETURNING updated_at
	`
	err = s.cm.Primary().QueryRowContext(ctx, query,
		p.AccountID, p.ID, p.Name, string(p.Adapter), string(p.Provisioner),
		configJSON, textArray(p.IncludedGroupIDs), textArray(p.ExcludedGroupIDs),
		p.DisabledAt,
	).Scan(&p.UpdatedAt)
	if err == sql.ErrNoRows {
		return storage.ErrNotFound
	} else if isUniqueViolation(err) {
		return storage.ErrConflict
	} else if err != nil {
		return fmt.Errorf("failed to update provider: %w", err)
	}

	s.invalidateProvider(ctx, p.ID)
	return nil
}

// UpdateAdapterState writes the connect-flow/refresh-owned column
// only.
func (s *Store) UpdateAdapterState(ctx context.Context, id string, state idp.State) error {
	stateJSON, err := marshalJSON(state)
	if err != nil {
		return fmt.Errorf("failed to encode adapter state: %w", err)
	}

	res, err := s.cm.Primary().ExecContext(ctx,
		`UPDATE providers SET adapter_state = $2, updated_at = NOW() WHERE id = $1`,
		id, stateJSON)
	if err != nil {
		return fmt.Errorf("failed to update adapter state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}

	s.invalidateProvider(ctx, id)
	return nil
}

// RecordSyncSuccess writes the sync bookkeeping subset after a clean
// run: timestamps and checkpoints update, the failure streak resets.
func (s *Store) RecordSyncSuccess(ctx context.Context, id string, finishedAt time.Time, checkpoints storage.Checkpoints) error {
	checkpointsJSON, err := marshalJSON(checkpoints)
	if err != nil {
		return fmt.Errorf("failed to encode sync checkpoints: %w", err)
	}

	query := `
		UPDATE providers
		SET last_synced_at = $2, sync_checkpoints = $3, last_syncs_failed = 0,
			last_sync_error = '', last_sync_error_detail = '', sync_error_notified_at = NULL,
			updated_at = NOW()
		WHERE id = $1
	`
	res, err := s.cm.Primary().ExecContext(ctx, query, id, finishedAt, checkpointsJSON)
	if err != nil {
		return fmt.Errorf("failed to record sync success: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}

	s.invalidateProvider(ctx, id)
	return nil
}

// RecordSyncFailure bumps the failure streak and stores the error
// pair. When the streak reaches disableThreshold the provider's sync
// is disabled in the same statement. The updated row is returned so
// the engine can decide whether to notify.
func (s *Store) RecordSyncFailure(ctx context.Context, id, message, detail string, disableThreshold int) (*storage.Provider, error) {
	query := `
		UPDATE providers
		SET last_syncs_failed = last_syncs_failed + 1,
			last_sync_error = $2,
			last_sync_error_detail = $3,
			sync_disabled_at = CASE
				WHEN $4 > 0 AND last_syncs_failed + 1 >= $4 AND sync_disabled_at IS NULL THEN NOW()
				ELSE sync_disabled_at
			END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING ` + providerColumns

	p, err := scanProvider(s.cm.Primary().QueryRowContext(ctx, query, id, message, detail, disableThreshold))
	if err != nil {
		return nil, err
	}

	s.invalidateProvider(ctx, id)
	return p, nil
}

func (s *Store) MarkSyncErrorNotified(ctx context.Context, id string, at time.Time) error {
	res, err := s.cm.Primary().ExecContext(ctx,
		`UPDATE providers SET sync_error_notified_at = $2, updated_at = NOW() WHERE id = $1`,
		id, at)
	if err != nil {
		return fmt.Errorf("failed to mark sync error notified: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}

	s.invalidateProvider(ctx, id)
	return nil
}

func (s *Store) ResetSyncFailures(ctx context.Context, accountID, id string) error {
	query := `
		UPDATE providers
		SET last_syncs_failed = 0, last_sync_error = '', last_sync_error_detail = '',
			sync_error_notified_at = NULL, sync_disabled_at = NULL, updated_at = NOW()
		WHERE account_id = $1 AND id = $2
	`
	res, err := s.cm.Primary().ExecContext(ctx, query, accountID, id)
	if err != nil {
		return fmt.Errorf("failed to reset sync failures: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}

	s.invalidateProvider(ctx, id)
	return nil
}

func (s *Store) DeleteProvider(ctx context.Context, accountID, id string) error {
	res, err := s.cm.Primary().ExecContext(ctx,
		`DELETE FROM providers WHERE account_id = $1 AND id = $2`, accountID, id)
	if err != nil {
		return fmt.Errorf("failed to delete provider: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}

	s.invalidateProvider(ctx, id)
	return nil
}

func (s *Store) invalidateProvider(ctx context.Context, id string) {
	if s.redis == nil {
		return
	}
	if err := s.redis.InvalidateProvider(ctx, id); err != nil {
		s.logger.WithError(err).WithField("provider_id", id).Warn("Failed to invalidate provider cache")
	}
}
