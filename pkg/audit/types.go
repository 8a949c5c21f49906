package audit

import (
	"encoding/json"
	"time"
)

// EventType categorizes an audit event. Values are dot-namespaced so
// stored events can be filtered with a prefix match.
type EventType string

const (
	EventTypeAuthSignin       EventType = "auth.signin"
	EventTypeAuthSigninFailed EventType = "auth.signin_failed"
	EventTypeAuthDenied       EventType = "auth.denied"

	EventTypeSyncRun      EventType = "sync.run"
	EventTypeSyncDisabled EventType = "sync.disabled"

	EventTypeProviderCreated   EventType = "config.provider_created"
	EventTypeProviderUpdated   EventType = "config.provider_updated"
	EventTypeProviderDeleted   EventType = "config.provider_deleted"
	EventTypeProviderConnected EventType = "config.provider_connected"
)

// EventStatus is the outcome recorded with an event.
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
)

// ResourceType names the kind of resource an event touched.
type ResourceType string

const (
	ResourceTypeProvider           ResourceType = "provider"
	ResourceTypeIdentity           ResourceType = "identity"
	ResourceTypeActor              ResourceType = "actor"
	ResourceTypeNotificationTarget ResourceType = "notification_target"
)

// Event is a single audit log entry.
type Event struct {
	ID        int64       `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	// Actor and tenancy scope. ActorID is empty for failed sign-ins
	// where no local principal matched.
	ActorID    string `json:"actor_id,omitempty"`
	ActorEmail string `json:"actor_email,omitempty"`
	AccountID  string `json:"account_id,omitempty"`
	ProviderID string `json:"provider_id,omitempty"`

	ResourceType ResourceType `json:"resource_type,omitempty"`
	ResourceID   string       `json:"resource_id,omitempty"`
	ResourceName string       `json:"resource_name,omitempty"`

	// Request context, populated when the event originated from an HTTP
	// request.
	IPAddress  string `json:"ip_address,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	Method     string `json:"method,omitempty"`
	Path       string `json:"path,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`

	Message      string                 `json:"message,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`

	// Changes holds before/after snapshots for configuration updates.
	Changes *ChangeDetails `json:"changes,omitempty"`
}

// ChangeDetails tracks before/after values for updates.
type ChangeDetails struct {
	Before map[string]interface{} `json:"before,omitempty"`
	After  map[string]interface{} `json:"after,omitempty"`
}

// ToJSON serializes the event.
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON parses an event from JSON.
func FromJSON(data []byte) (*Event, error) {
	var event Event
	err := json.Unmarshal(data, &event)
	return &event, err
}

// SearchFilter narrows an audit log query. Zero values mean "any".
type SearchFilter struct {
	StartTime *time.Time
	EndTime   *time.Time

	ActorID    string
	ActorEmail string
	AccountID  string
	ProviderID string

	EventTypes []EventType
	Status     *EventStatus

	ResourceType ResourceType
	ResourceID   string

	IPAddress string

	Limit  int
	Offset int

	// SortBy must be one of the sortable columns (timestamp, event_type,
	// status, id); anything else falls back to timestamp.
	SortBy    string
	SortOrder string
}

// ExportFormat selects the serialization for exports.
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatCSV    ExportFormat = "csv"
	ExportFormatNDJSON ExportFormat = "ndjson"
)

// Stats summarizes the audit trail over a time range.
type Stats struct {
	TotalEvents      int64                 `json:"total_events"`
	EventsByType     map[EventType]int64   `json:"events_by_type"`
	EventsByStatus   map[EventStatus]int64 `json:"events_by_status"`
	EventsByProvider map[string]int64      `json:"events_by_provider"`
	UniqueActors     int64                 `json:"unique_actors"`
	UniqueIPs        int64                 `json:"unique_ips"`
	FailedSignins    int64                 `json:"failed_signins"`
	TimeRange        *TimeRange            `json:"time_range,omitempty"`
}

// TimeRange bounds a statistics query.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// RetentionPolicy controls how long audit events stay in Postgres and
// what happens to rows that age out.
type RetentionPolicy struct {
	// RetentionDays is the number of days events are kept queryable.
	RetentionDays int

	// ArchiveEnabled uploads expired events to object storage before
	// deleting them.
	ArchiveEnabled bool

	// ArchivePrefix is the object key prefix for archive uploads.
	ArchivePrefix string

	// CompressArchive gzips archive uploads.
	CompressArchive bool
}

// DefaultRetentionPolicy keeps 90 days and archives compressed.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		RetentionDays:   90,
		ArchiveEnabled:  true,
		ArchivePrefix:   "audit-archive",
		CompressArchive: true,
	}
}
