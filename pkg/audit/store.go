package audit

import (
	"context"
	"fmt"
	"time"
)

// Store queries and manages the audit trail.
type Store interface {
	// Search returns events matching the filter.
	Search(ctx context.Context, filter SearchFilter) ([]*Event, error)

	// Get returns one event by id, or nil when it doesn't exist.
	Get(ctx context.Context, id int64) (*Event, error)

	// GetStats aggregates the trail over an optional time range.
	GetStats(ctx context.Context, startTime, endTime *time.Time) (*Stats, error)

	// Export renders matching events in the requested format.
	Export(ctx context.Context, filter SearchFilter, format ExportFormat) ([]byte, error)

	// Cleanup removes events older than the retention period, archiving
	// them first when the policy asks for it. Returns the number of
	// deleted rows.
	Cleanup(ctx context.Context, policy RetentionPolicy) (int64, error)
}

// DBStore implements Store over the Postgres logger with an optional
// archive sink.
type DBStore struct {
	logger   *DBLogger
	archiver Archiver
}

// NewDBStore wires the audit store. A nil archiver means Cleanup
// deletes without archiving regardless of policy.
func NewDBStore(logger *DBLogger, archiver Archiver) *DBStore {
	return &DBStore{
		logger:   logger,
		archiver: archiver,
	}
}

// Search returns events matching the filter.
func (s *DBStore) Search(ctx context.Context, filter SearchFilter) ([]*Event, error) {
	return s.logger.Search(ctx, filter)
}

// Get returns one event by id.
func (s *DBStore) Get(ctx context.Context, id int64) (*Event, error) {
	return s.logger.Get(ctx, id)
}

// GetStats aggregates the trail over an optional time range.
func (s *DBStore) GetStats(ctx context.Context, startTime, endTime *time.Time) (*Stats, error) {
	return s.logger.GetStats(ctx, startTime, endTime)
}

// Export renders matching events in the requested format. Unknown
// formats fall back to JSON.
func (s *DBStore) Export(ctx context.Context, filter SearchFilter, format ExportFormat) ([]byte, error) {
	events, err := s.logger.Search(ctx, filter)
	if err != nil {
		return nil, err
	}

	switch format {
	case ExportFormatCSV:
		return exportCSV(events)
	case ExportFormatNDJSON:
		return exportNDJSON(events)
	default:
		return exportJSON(events)
	}
}

// Cleanup removes events older than the retention period. With
// archiving enabled the expired window is uploaded before any row is
// deleted; an upload failure aborts the sweep so nothing is lost.
func (s *DBStore) Cleanup(ctx context.Context, policy RetentionPolicy) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -policy.RetentionDays)

	if policy.ArchiveEnabled && s.archiver != nil {
		if err := s.archiveExpired(ctx, cutoff, policy); err != nil {
			return 0, fmt.Errorf("failed to archive expired audit events: %w", err)
		}
	}

	result, err := s.logger.db.ExecContext(ctx, "DELETE FROM audit_events WHERE timestamp <= $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired audit events: %w", err)
	}

	return result.RowsAffected()
}

// archiveExpired uploads everything at or before the cutoff as one
// NDJSON archive object.
func (s *DBStore) archiveExpired(ctx context.Context, cutoff time.Time, policy RetentionPolicy) error {
	events, err := s.logger.Search(ctx, SearchFilter{
		EndTime:   &cutoff,
		SortBy:    "timestamp",
		SortOrder: "asc",
	})
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	data, err := exportNDJSON(events)
	if err != nil {
		return err
	}

	contentType := "application/x-ndjson"
	if policy.CompressArchive {
		if data, err = gzipBytes(data); err != nil {
			return err
		}
		contentType = "application/gzip"
	}

	prefix := policy.ArchivePrefix
	if prefix == "" {
		prefix = "audit-archive"
	}

	key := archiveKey(prefix, events[0].Timestamp, cutoff, policy.CompressArchive)
	return s.archiver.Archive(ctx, key, data, contentType)
}
