package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// DBLogger persists audit events to PostgreSQL.
type DBLogger struct {
	db *sql.DB
}

// NewDBLogger creates the Postgres audit logger and bootstraps its
// table.
func NewDBLogger(db *sql.DB) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	logger := &DBLogger{db: db}
	if err := logger.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure audit_events table: %w", err)
	}

	return logger, nil
}

// ensureTable creates the audit_events table if it doesn't exist. The
// statement is idempotent so concurrent daemon instances can race
// through it.
func (l *DBLogger) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_events (
		id BIGSERIAL PRIMARY KEY,
		timestamp TIMESTAMPTZ NOT NULL,
		event_type TEXT NOT NULL,
		status TEXT NOT NULL,
		actor_id TEXT NOT NULL DEFAULT '',
		actor_email TEXT NOT NULL DEFAULT '',
		account_id TEXT NOT NULL DEFAULT '',
		provider_id TEXT NOT NULL DEFAULT '',
		resource_type TEXT NOT NULL DEFAULT '',
		resource_id TEXT NOT NULL DEFAULT '',
		resource_name TEXT NOT NULL DEFAULT '',
		ip_address TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		request_id TEXT NOT NULL DEFAULT '',
		method TEXT NOT NULL DEFAULT '',
		path TEXT NOT NULL DEFAULT '',
		status_code INTEGER NOT NULL DEFAULT 0,
		message TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		metadata JSONB,
		changes JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_events_event_type ON audit_events(event_type);
	CREATE INDEX IF NOT EXISTS idx_audit_events_account ON audit_events(account_id);
	CREATE INDEX IF NOT EXISTS idx_audit_events_provider ON audit_events(provider_id);
	CREATE INDEX IF NOT EXISTS idx_audit_events_actor ON audit_events(actor_id);
	`

	_, err := l.db.Exec(query)
	return err
}

// Log inserts one audit event and fills in its assigned id.
func (l *DBLogger) Log(ctx context.Context, event *Event) error {
	var metadataJSON, changesJSON []byte
	var err error

	if event.Metadata != nil {
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	if event.Changes != nil {
		changesJSON, err = json.Marshal(event.Changes)
		if err != nil {
			return fmt.Errorf("failed to marshal changes: %w", err)
		}
	}

	query := `
		INSERT INTO audit_events (
			timestamp, event_type, status,
			actor_id, actor_email, account_id, provider_id,
			resource_type, resource_id, resource_name,
			ip_address, user_agent, request_id,
			method, path, status_code,
			message, error_message, metadata, changes
		) VALUES (
			$1, $2, $3,
			$4, $5, $6, $7,
			$8, $9, $10,
			$11, $12, $13,
			$14, $15, $16,
			$17, $18, $19, $20
		) RETURNING id
	`

	err = l.db.QueryRowContext(ctx, query,
		event.Timestamp, event.EventType, event.Status,
		event.ActorID, event.ActorEmail, event.AccountID, event.ProviderID,
		event.ResourceType, event.ResourceID, event.ResourceName,
		event.IPAddress, event.UserAgent, event.RequestID,
		event.Method, event.Path, event.StatusCode,
		event.Message, event.ErrorMessage, metadataJSON, changesJSON,
	).Scan(&event.ID)

	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}

	return nil
}

const selectColumns = `
	id, timestamp, event_type, status,
	actor_id, actor_email, account_id, provider_id,
	resource_type, resource_id, resource_name,
	ip_address, user_agent, request_id,
	method, path, status_code,
	message, error_message, metadata, changes
`

// sortableColumns is the whitelist for SearchFilter.SortBy. Sorting
// goes through this map so filter input never reaches the SQL text.
var sortableColumns = map[string]string{
	"id":         "id",
	"timestamp":  "timestamp",
	"event_type": "event_type",
	"status":     "status",
}

// Search returns events matching the filter, newest first unless the
// filter sorts otherwise.
func (l *DBLogger) Search(ctx context.Context, filter SearchFilter) ([]*Event, error) {
	query := "SELECT " + selectColumns + " FROM audit_events WHERE 1=1"

	args := []interface{}{}
	argCount := 1

	if filter.StartTime != nil {
		query += fmt.Sprintf(" AND timestamp >= $%d", argCount)
		args = append(args, *filter.StartTime)
		argCount++
	}

	if filter.EndTime != nil {
		query += fmt.Sprintf(" AND timestamp <= $%d", argCount)
		args = append(args, *filter.EndTime)
		argCount++
	}

	if filter.ActorID != "" {
		query += fmt.Sprintf(" AND actor_id = $%d", argCount)
		args = append(args, filter.ActorID)
		argCount++
	}

	if filter.ActorEmail != "" {
		query += fmt.Sprintf(" AND actor_email = $%d", argCount)
		args = append(args, filter.ActorEmail)
		argCount++
	}

	if filter.AccountID != "" {
		query += fmt.Sprintf(" AND account_id = $%d", argCount)
		args = append(args, filter.AccountID)
		argCount++
	}

	if filter.ProviderID != "" {
		query += fmt.Sprintf(" AND provider_id = $%d", argCount)
		args = append(args, filter.ProviderID)
		argCount++
	}

	if len(filter.EventTypes) > 0 {
		query += fmt.Sprintf(" AND event_type = ANY($%d)", argCount)
		eventTypes := make([]string, len(filter.EventTypes))
		for i, et := range filter.EventTypes {
			eventTypes[i] = string(et)
		}
		args = append(args, pq.Array(eventTypes))
		argCount++
	}

	if filter.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", argCount)
		args = append(args, string(*filter.Status))
		argCount++
	}

	if filter.ResourceType != "" {
		query += fmt.Sprintf(" AND resource_type = $%d", argCount)
		args = append(args, string(filter.ResourceType))
		argCount++
	}

	if filter.ResourceID != "" {
		query += fmt.Sprintf(" AND resource_id = $%d", argCount)
		args = append(args, filter.ResourceID)
		argCount++
	}

	if filter.IPAddress != "" {
		query += fmt.Sprintf(" AND ip_address = $%d", argCount)
		args = append(args, filter.IPAddress)
		argCount++
	}

	column, ok := sortableColumns[filter.SortBy]
	if !ok {
		column = "timestamp"
	}
	order := "DESC"
	if filter.SortOrder == "asc" {
		order = "ASC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s", column, order)

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, filter.Limit)
		argCount++
	}

	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argCount)
		args = append(args, filter.Offset)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit events: %w", err)
	}
	defer rows.Close()

	events := make([]*Event, 0)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit events: %w", err)
	}

	return events, nil
}

// Get returns one event by id, or nil when it doesn't exist.
func (l *DBLogger) Get(ctx context.Context, id int64) (*Event, error) {
	row := l.db.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM audit_events WHERE id = $1", id)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return event, nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*Event, error) {
	event := &Event{}

	var metadataJSON, changesJSON []byte

	err := row.Scan(
		&event.ID, &event.Timestamp, &event.EventType, &event.Status,
		&event.ActorID, &event.ActorEmail, &event.AccountID, &event.ProviderID,
		&event.ResourceType, &event.ResourceID, &event.ResourceName,
		&event.IPAddress, &event.UserAgent, &event.RequestID,
		&event.Method, &event.Path, &event.StatusCode,
		&event.Message, &event.ErrorMessage, &metadataJSON, &changesJSON,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit event: %w", err)
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &event.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	if len(changesJSON) > 0 {
		event.Changes = &ChangeDetails{}
		if err := json.Unmarshal(changesJSON, event.Changes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal changes: %w", err)
		}
	}

	return event, nil
}

// GetStats aggregates the audit trail over an optional time range.
func (l *DBLogger) GetStats(ctx context.Context, startTime, endTime *time.Time) (*Stats, error) {
	stats := &Stats{
		EventsByType:     make(map[EventType]int64),
		EventsByStatus:   make(map[EventStatus]int64),
		EventsByProvider: make(map[string]int64),
	}

	whereClause := "WHERE 1=1"
	args := []interface{}{}
	argCount := 1

	if startTime != nil {
		whereClause += fmt.Sprintf(" AND timestamp >= $%d", argCount)
		args = append(args, *startTime)
		argCount++
		if stats.TimeRange == nil {
			stats.TimeRange = &TimeRange{}
		}
		stats.TimeRange.Start = *startTime
	}

	if endTime != nil {
		whereClause += fmt.Sprintf(" AND timestamp <= $%d", argCount)
		args = append(args, *endTime)
		if stats.TimeRange == nil {
			stats.TimeRange = &TimeRange{}
		}
		stats.TimeRange.End = *endTime
	}

	err := l.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM audit_events %s", whereClause), args...).Scan(&stats.TotalEvents)
	if err != nil {
		return nil, fmt.Errorf("failed to count audit events: %w", err)
	}

	rows, err := l.db.QueryContext(ctx, fmt.Sprintf("SELECT event_type, COUNT(*) FROM audit_events %s GROUP BY event_type", whereClause), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count events by type: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var eventType EventType
		var count int64
		if err := rows.Scan(&eventType, &count); err != nil {
			return nil, err
		}
		stats.EventsByType[eventType] = count
	}

	rows, err = l.db.QueryContext(ctx, fmt.Sprintf("SELECT status, COUNT(*) FROM audit_events %s GROUP BY status", whereClause), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count events by status: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status EventStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.EventsByStatus[status] = count
	}

	rows, err = l.db.QueryContext(ctx, fmt.Sprintf("SELECT provider_id, COUNT(*) FROM audit_events %s AND provider_id <> '' GROUP BY provider_id", whereClause), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count events by provider: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var providerID string
		var count int64
		if err := rows.Scan(&providerID, &count); err != nil {
			return nil, err
		}
		stats.EventsByProvider[providerID] = count
	}

	err = l.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(DISTINCT actor_id) FROM audit_events %s AND actor_id <> ''", whereClause), args...).Scan(&stats.UniqueActors)
	if err != nil {
		return nil, fmt.Errorf("failed to count unique actors: %w", err)
	}

	err = l.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(DISTINCT ip_address) FROM audit_events %s AND ip_address <> ''", whereClause), args...).Scan(&stats.UniqueIPs)
	if err != nil {
		return nil, fmt.Errorf("failed to count unique IPs: %w", err)
	}

	failedClause := whereClause + " AND event_type = 'auth.signin_failed'"
	err = l.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM audit_events %s", failedClause), args...).Scan(&stats.FailedSignins)
	if err != nil {
		return nil, fmt.Errorf("failed to count failed sign-ins: %w", err)
	}

	return stats, nil
}

// Close is a no-op; the pooled connection is shared and owned by the
// caller.
func (l *DBLogger) Close() error {
	return nil
}
