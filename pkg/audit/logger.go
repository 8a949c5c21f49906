package audit

import (
	"context"
	"net/http"
	"time"

	"github.com/perimetra/idpsync/pkg/storage"
)

// Logger is the sink audit events land in. Implementations must be safe
// for concurrent use.
type Logger interface {
	// Log records a single audit event.
	Log(ctx context.Context, event *Event) error

	// Close flushes and releases the logger.
	Close() error
}

// contextKey scopes this package's context values.
type contextKey string

const (
	loggerKey    contextKey = "audit_logger"
	actorKey     contextKey = "audit_actor"
	requestIDKey contextKey = "audit_request_id"
)

// ActorInfo identifies the principal behind a request.
type ActorInfo struct {
	ID        string
	Email     string
	AccountID string
}

// WithLogger attaches an audit logger to the context. The middleware
// does this for requests; the daemon does it for the job context.
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the context's audit logger, or a no-op logger
// when none was attached. Call sites never need a nil check.
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(loggerKey).(Logger); ok {
		return logger
	}
	return noopLogger{}
}

// WithActor attaches the authenticated principal so subsequent audit
// events carry it.
func WithActor(ctx context.Context, actor ActorInfo) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFromContext returns the principal attached by WithActor.
func ActorFromContext(ctx context.Context) ActorInfo {
	if actor, ok := ctx.Value(actorKey).(ActorInfo); ok {
		return actor
	}
	return ActorInfo{}
}

// WithRequestID attaches the request correlation id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext returns the id attached by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// noopLogger drops every event.
type noopLogger struct{}

func (noopLogger) Log(context.Context, *Event) error { return nil }
func (noopLogger) Close() error                      { return nil }

// baseEvent seeds an event with the actor and request context carried
// by ctx. r may be nil for events outside an HTTP request.
func baseEvent(ctx context.Context, r *http.Request, eventType EventType, status EventStatus) *Event {
	actor := ActorFromContext(ctx)

	event := &Event{
		Timestamp:  time.Now().UTC(),
		EventType:  eventType,
		Status:     status,
		ActorID:    actor.ID,
		ActorEmail: actor.Email,
		AccountID:  actor.AccountID,
		RequestID:  RequestIDFromContext(ctx),
	}

	if r != nil {
		event.IPAddress = clientIP(r)
		event.UserAgent = r.UserAgent()
		event.Method = r.Method
		event.Path = r.URL.Path
	}

	return event
}

// clientIP resolves the client address, preferring proxy headers.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}

// stampProvider scopes an event to one provider row.
func stampProvider(event *Event, provider *storage.Provider) {
	event.AccountID = provider.AccountID
	event.ProviderID = provider.ID
	event.ResourceType = ResourceTypeProvider
	event.ResourceID = provider.ID
	event.ResourceName = provider.Name
}

// LogSignin records an authentication outcome against a provider. Any
// non-success status lands as auth.signin_failed. Explicit actor fields
// win over the context actor since the session is not established yet
// when sign-in events fire.
func LogSignin(ctx context.Context, actorID, actorEmail, providerID string, status EventStatus, message string) error {
	eventType := EventTypeAuthSignin
	if status != EventStatusSuccess {
		eventType = EventTypeAuthSigninFailed
	}

	event := baseEvent(ctx, nil, eventType, status)
	if actorID != "" {
		event.ActorID = actorID
	}
	if actorEmail != "" {
		event.ActorEmail = actorEmail
	}
	event.ProviderID = providerID
	event.ResourceType = ResourceTypeIdentity
	event.Message = message

	return FromContext(ctx).Log(ctx, event)
}

// LogSyncRun records the outcome of one directory sync run.
func LogSyncRun(ctx context.Context, provider *storage.Provider, status EventStatus, message string, metadata map[string]interface{}) error {
	event := baseEvent(ctx, nil, EventTypeSyncRun, status)
	stampProvider(event, provider)
	event.Message = message
	event.Metadata = metadata

	return FromContext(ctx).Log(ctx, event)
}

// LogSyncDisabled records that repeated failures disabled a provider's
// sync.
func LogSyncDisabled(ctx context.Context, provider *storage.Provider, message string) error {
	event := baseEvent(ctx, nil, EventTypeSyncDisabled, EventStatusFailure)
	stampProvider(event, provider)
	event.Message = message
	event.Metadata = map[string]interface{}{
		"consecutive_failures": provider.LastSyncsFailed,
	}

	return FromContext(ctx).Log(ctx, event)
}

// LogProviderChange records a provider configuration change with
// optional before/after snapshots.
func LogProviderChange(ctx context.Context, eventType EventType, provider *storage.Provider, changes *ChangeDetails, message string) error {
	event := baseEvent(ctx, nil, eventType, EventStatusSuccess)
	stampProvider(event, provider)
	event.Changes = changes
	event.Message = message

	return FromContext(ctx).Log(ctx, event)
}

// LogFailure records a failed operation with its error.
func LogFailure(ctx context.Context, eventType EventType, message string, err error) error {
	event := baseEvent(ctx, nil, eventType, EventStatusFailure)
	event.Message = message
	if err != nil {
		event.ErrorMessage = err.Error()
	}

	return FromContext(ctx).Log(ctx, event)
}
