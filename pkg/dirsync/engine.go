package dirsync

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/perimetra/idpsync/pkg/audit"
	"github.com/perimetra/idpsync/pkg/directory"
	"github.com/perimetra/idpsync/pkg/idp"
	"github.com/perimetra/idpsync/pkg/observability"
	"github.com/perimetra/idpsync/pkg/storage"
)

// Store is the slice of the persistence surface the sync jobs consume.
type Store interface {
	ListSyncEligibleProviders(ctx context.Context) ([]*storage.Provider, error)
	UpdateAdapterState(ctx context.Context, id string, state idp.State) error
	RecordSyncSuccess(ctx context.Context, id string, finishedAt time.Time, checkpoints storage.Checkpoints) error
	RecordSyncFailure(ctx context.Context, id, message, detail string, disableThreshold int) (*storage.Provider, error)
	MarkSyncErrorNotified(ctx context.Context, id string, at time.Time) error
	ApplySyncPlan(ctx context.Context, plan *storage.SyncPlan) (*storage.SyncResult, error)
	TryAdvisoryLock(ctx context.Context, key int64) (release func(), acquired bool, err error)
}

// Notifier dispatches admin notifications for sync trouble. Delivery
// is best-effort; a failed dispatch is logged and the run continues.
type Notifier interface {
	NotifySyncFailed(ctx context.Context, provider *storage.Provider) error
	NotifySyncDisabled(ctx context.Context, provider *storage.Provider) error
	NotifyTokenExpired(ctx context.Context, provider *storage.Provider) error
}

// NopNotifier drops every notification.
type NopNotifier struct{}

func (NopNotifier) NotifySyncFailed(context.Context, *storage.Provider) error   { return nil }
func (NopNotifier) NotifySyncDisabled(context.Context, *storage.Provider) error { return nil }
func (NopNotifier) NotifyTokenExpired(context.Context, *storage.Provider) error { return nil }

// Config tunes the sync engine and its periodic jobs.
type Config struct {
	SyncSchedule    string
	RefreshSchedule string

	// Workers bounds concurrent provider runs per node; RunTimeout
	// bounds one run.
	Workers    int
	RunTimeout time.Duration

	// MembershipConcurrency bounds the per-group member fetch fan-out
	// inside one gather.
	MembershipConcurrency int

	// DisableThreshold is the consecutive-failure count that disables a
	// provider's sync. Zero disables the cutoff.
	DisableThreshold int

	// NotifyCooldown suppresses repeat failure notifications.
	NotifyCooldown time.Duration

	// RefreshWindow is how far ahead of token expiry the refresh job
	// acts.
	RefreshWindow time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SyncSchedule:          "@every 2m",
		RefreshSchedule:       "@every 4m",
		Workers:               4,
		RunTimeout:            10 * time.Minute,
		MembershipConcurrency: defaultMembershipConcurrency,
		DisableThreshold:      10,
		NotifyCooldown:        24 * time.Hour,
		RefreshWindow:         10 * time.Minute,
	}
}

// Engine executes one provider's sync run end to end and owns the
// failure bookkeeping: every outcome lands on the provider row, never
// past the job boundary.
type Engine struct {
	store    Store
	notifier Notifier
	stats    *Stats
	cfg      Config
	logger   *observability.Logger
	metrics  *observability.Metrics

	// newClient and httpClient are swap points for tests.
	newClient  func(adapter idp.AdapterName, cfg idp.Config, state idp.State, httpClient *http.Client) (directory.Client, error)
	httpClient *http.Client
}

// NewEngine wires the sync engine. A nil notifier drops notifications
// and a nil stats ring gets the default capacity.
func NewEngine(store Store, notifier Notifier, stats *Stats, cfg Config, logger *observability.Logger, metrics *observability.Metrics) *Engine {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if stats == nil {
		stats = NewStats(0)
	}
	return &Engine{
		store:     store,
		notifier:  notifier,
		stats:     stats,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		newClient: directory.NewClient,
	}
}

// SyncProvider runs gather, resolve, plan and apply for one provider
// and records the outcome. The caller holds the provider's sync lock.
// The returned error is informational; bookkeeping already happened.
func (e *Engine) SyncProvider(ctx context.Context, provider *storage.Provider) error {
	started := time.Now().UTC()
	ctx, span := observability.StartSpan(ctx, "dirsync.sync_provider",
		attribute.String("provider_id", provider.ID),
		attribute.String("adapter", string(provider.Adapter)),
	)
	defer span.End()

	logger := e.logger.WithFields(map[string]interface{}{
		"provider_id": provider.ID,
		"account_id":  provider.AccountID,
		"adapter":     string(provider.Adapter),
	})

	client, err := e.newClient(provider.Adapter, provider.AdapterConfig, provider.AdapterState, e.httpClient)
	if err != nil {
		return e.failed(ctx, logger, provider, started, err)
	}

	bundle, checkpoints, err := NewGatherer(client, e.cfg.MembershipConcurrency).Gather(ctx)
	if err != nil {
		return e.failed(ctx, logger, provider, started, err)
	}

	plan := BuildPlan(provider, bundle, started, checkpoints)
	result, err := e.store.ApplySyncPlan(ctx, plan)
	if err != nil {
		return e.failed(ctx, logger, provider, started, err)
	}

	finished := time.Now().UTC()
	if err := e.store.RecordSyncSuccess(ctx, provider.ID, finished, checkpoints); err != nil {
		logger.WithError(err).Error("Failed to record sync success")
	}

	adapter := string(provider.Adapter)
	e.metrics.SyncRunsTotal.WithLabelValues(adapter, "success").Inc()
	e.metrics.SyncRunDuration.WithLabelValues(adapter).Observe(finished.Sub(started).Seconds())
	countRows(e.metrics, adapter, result)

	e.stats.Record(Attempt{
		Job:        JobSync,
		ProviderID: provider.ID,
		Adapter:    provider.Adapter,
		StartedAt:  started,
		FinishedAt: finished,
		Outcome:    "success",
		Result:     result,
	})

	summary := map[string]interface{}{
		"identities_upserted":  result.IdentitiesUpserted,
		"identities_deleted":   result.IdentitiesDeleted,
		"actors_created":       result.ActorsCreated,
		"groups_upserted":      result.GroupsUpserted,
		"groups_deleted":       result.GroupsDeleted,
		"memberships_upserted": result.MembershipsUpserted,
		"memberships_deleted":  result.MembershipsDeleted,
		"duration":             finished.Sub(started).String(),
	}
	logger.WithFields(summary).Info("Directory sync completed")

	if err := audit.LogSyncRun(ctx, provider, audit.EventStatusSuccess, "Directory sync completed", summary); err != nil {
		logger.WithError(err).Warn("Failed to record sync audit event")
	}
	return nil
}

// failed records the failure on the provider row, emits metrics and
// dispatches notifications. No destructive graph change has happened
// by the time any failure reaches here.
func (e *Engine) failed(ctx context.Context, logger *observability.Logger, provider *storage.Provider, started time.Time, cause error) error {
	finished := time.Now().UTC()
	message, detail := errorPair(cause)
	code := idp.CodeOf(cause)

	span := trace.SpanFromContext(ctx)
	span.RecordError(cause)
	span.SetStatus(codes.Error, string(code))

	updated, err := e.store.RecordSyncFailure(ctx, provider.ID, message, detail, e.cfg.DisableThreshold)
	if err != nil {
		logger.WithError(err).Error("Failed to record sync failure")
	}

	adapter := string(provider.Adapter)
	e.metrics.SyncRunsTotal.WithLabelValues(adapter, string(code)).Inc()
	e.metrics.SyncRunDuration.WithLabelValues(adapter).Observe(finished.Sub(started).Seconds())

	e.stats.Record(Attempt{
		Job:        JobSync,
		ProviderID: provider.ID,
		Adapter:    provider.Adapter,
		StartedAt:  started,
		FinishedAt: finished,
		Outcome:    string(code),
		Error:      cause.Error(),
	})

	if updated != nil {
		logger = logger.WithField("failure_streak", updated.LastSyncsFailed)
	}
	logger.WithError(cause).Warn("Directory sync failed")

	auditMessage := message
	if auditMessage == "" {
		auditMessage = cause.Error()
	}
	metadata := map[string]interface{}{"outcome": string(code)}
	if updated != nil {
		metadata["consecutive_failures"] = updated.LastSyncsFailed
	}
	if err := audit.LogSyncRun(ctx, provider, audit.EventStatusFailure, auditMessage, metadata); err != nil {
		logger.WithError(err).Warn("Failed to record sync audit event")
	}

	if updated != nil {
		e.notifyFailure(ctx, logger, provider, updated)
	}
	return cause
}

// notifyFailure picks the notification for one recorded failure: a
// disable event when this failure crossed the threshold, otherwise a
// cooldown-deduplicated failure event.
func (e *Engine) notifyFailure(ctx context.Context, logger *observability.Logger, before, updated *storage.Provider) {
	now := time.Now().UTC()

	switch {
	case updated.SyncDisabledAt != nil && before.SyncDisabledAt == nil:
		if err := audit.LogSyncDisabled(ctx, updated, "Directory sync disabled after repeated failures"); err != nil {
			logger.WithError(err).Warn("Failed to record sync audit event")
		}
		if err := e.notifier.NotifySyncDisabled(ctx, updated); err != nil {
			logger.WithError(err).Warn("Failed to dispatch sync disabled notification")
			return
		}
	case updated.SyncErrorNotifiedAt == nil || now.Sub(*updated.SyncErrorNotifiedAt) >= e.cfg.NotifyCooldown:
		if err := e.notifier.NotifySyncFailed(ctx, updated); err != nil {
			logger.WithError(err).Warn("Failed to dispatch sync failure notification")
			return
		}
	default:
		return
	}

	if err := e.store.MarkSyncErrorNotified(ctx, updated.ID, now); err != nil {
		logger.WithError(err).Warn("Failed to mark sync error notified")
	}
}

// errorPair splits an error into the short operator-facing message and
// the verbose detail stored beside it. Causes outside the taxonomy
// keep an empty message and their full text as detail.
func errorPair(err error) (message, detail string) {
	var e *idp.Error
	if errors.As(err, &e) {
		return e.Message, e.Detail
	}
	return "", err.Error()
}

func countRows(m *observability.Metrics, adapter string, r *storage.SyncResult) {
	deltas := []struct {
		resource, op string
		n            int
	}{
		{"identities", "upserted", r.IdentitiesUpserted},
		{"identities", "deleted", r.IdentitiesDeleted},
		{"actors", "created", r.ActorsCreated},
		{"groups", "upserted", r.GroupsUpserted},
		{"groups", "deleted", r.GroupsDeleted},
		{"memberships", "upserted", r.MembershipsUpserted},
		{"memberships", "deleted", r.MembershipsDeleted},
	}
	for _, d := range deltas {
		if d.n != 0 {
			m.SyncRowsTotal.WithLabelValues(adapter, d.resource, d.op).Add(float64(d.n))
		}
	}
}
