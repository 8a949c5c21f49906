package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/perimetra/idpsync/pkg/async"
	"github.com/perimetra/idpsync/pkg/observability"
)

// ErrTargetNotFound is returned when a target id matches nothing.
var ErrTargetNotFound = errors.New("notification target not found")

// EventType names a notification event.
type EventType string

const (
	EventSyncFailed   EventType = "provider.sync_failed"
	EventSyncDisabled EventType = "provider.sync_disabled"
	EventTokenExpired EventType = "provider.token_expired"
)

// Payload formats a target can ask for.
const (
	FormatJSON  = "json"
	FormatSlack = "slack"
)

// Event is one notification. Data carries event-specific context such
// as the recorded failure message.
type Event struct {
	ID         string                 `json:"id"`
	Type       EventType              `json:"type"`
	Timestamp  time.Time              `json:"timestamp"`
	AccountID  string                 `json:"account_id,omitempty"`
	ProviderID string                 `json:"provider_id,omitempty"`
	Provider   string                 `json:"provider,omitempty"`
	Adapter    string                 `json:"adapter,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// Target is a registered webhook endpoint.
type Target struct {
	ID          string      `json:"id"`
	URL         string      `json:"url"`
	Events      []EventType `json:"events"`
	Secret      string      `json:"-"`
	Format      string      `json:"format"`
	Active      bool        `json:"active"`
	Description string      `json:"description,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

func (t *Target) wants(eventType EventType) bool {
	for _, e := range t.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// Config tunes the notification manager.
type Config struct {
	// Timeout bounds one delivery attempt.
	Timeout time.Duration

	// MaxLogEntries caps the in-memory delivery log.
	MaxLogEntries int

	// RatePerMinute bounds deliveries per target.
	RatePerMinute int

	Retry RetryConfig
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:       10 * time.Second,
		MaxLogEntries: 1000,
		RatePerMinute: 100,
		Retry:         DefaultRetryConfig(),
	}
}

// Manager owns the target set and drives deliveries. Dispatch fans out
// asynchronously; the retry worker picks up failures.
type Manager struct {
	mu      sync.RWMutex
	targets map[string]*Target

	cfg        Config
	client     *http.Client
	deliveries *DeliveryLog
	retry      *RetryPolicy
	limiter    *targetLimiter
	logger     *observability.Logger
	metrics    *observability.Metrics
}

// NewManager builds a manager with no targets registered.
func NewManager(cfg Config, logger *observability.Logger, metrics *observability.Metrics) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 100
	}
	return &Manager{
		targets:    make(map[string]*Target),
		cfg:        cfg,
		client:     &http.Client{Timeout: cfg.Timeout},
		deliveries: NewDeliveryLog(cfg.MaxLogEntries),
		retry:      NewRetryPolicy(cfg.Retry),
		limiter:    newTargetLimiter(cfg.RatePerMinute),
		logger:     logger,
		metrics:    metrics,
	}
}

// Register validates and stores a target. The id, timestamps and
// active flag are set here.
func (m *Manager) Register(target *Target) error {
	if target.URL == "" {
		return fmt.Errorf("target URL is required")
	}
	if len(target.Events) == 0 {
		return fmt.Errorf("at least one event type is required")
	}
	switch target.Format {
	case "":
		target.Format = FormatJSON
	case FormatJSON, FormatSlack:
	default:
		return fmt.Errorf("unsupported payload format: %s", target.Format)
	}

	now := time.Now().UTC()
	target.ID = uuid.NewString()
	target.Active = true
	target.CreatedAt = now
	target.UpdatedAt = now

	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets[target.ID] = target
	return nil
}

// Unregister removes a target.
func (m *Manager) Unregister(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.targets[id]; !ok {
		return ErrTargetNotFound
	}
	delete(m.targets, id)
	return nil
}

// Update applies non-zero fields from updates onto a target.
func (m *Manager) Update(id string, updates *Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	target, ok := m.targets[id]
	if !ok {
		return ErrTargetNotFound
	}
	if updates.URL != "" {
		target.URL = updates.URL
	}
	if len(updates.Events) > 0 {
		target.Events = updates.Events
	}
	if updates.Secret != "" {
		target.Secret = updates.Secret
	}
	if updates.Format != "" {
		if updates.Format != FormatJSON && updates.Format != FormatSlack {
			return fmt.Errorf("unsupported payload format: %s", updates.Format)
		}
		target.Format = updates.Format
	}
	if updates.Description != "" {
		target.Description = updates.Description
	}
	target.UpdatedAt = time.Now().UTC()
	return nil
}

// SetActive enables or disables a target without losing its config.
func (m *Manager) SetActive(id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	target, ok := m.targets[id]
	if !ok {
		return ErrTargetNotFound
	}
	target.Active = active
	target.UpdatedAt = time.Now().UTC()
	return nil
}

// Get returns one target.
func (m *Manager) Get(id string) (*Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	target, ok := m.targets[id]
	if !ok {
		return nil, ErrTargetNotFound
	}
	copied := *target
	return &copied, nil
}

// List returns every registered target, ordered by creation time.
func (m *Manager) List() []*Target {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Target, 0, len(m.targets))
	for _, target := range m.targets {
		copied := *target
		out = append(out, &copied)
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out
}

// Deliveries returns recent delivery attempts for a target, newest
// first.
func (m *Manager) Deliveries(targetID string, limit int) []*Delivery {
	return m.deliveries.ByTarget(targetID, limit)
}

// Stats aggregates delivery outcomes for a target.
func (m *Manager) Stats(targetID string) DeliveryStats {
	return m.deliveries.Stats(targetID)
}

// Dispatch fans an event out to every active target subscribed to its
// type. Delivery happens in the background; failures feed the retry
// worker. Returns an error only when a payload cannot be built.
func (m *Manager) Dispatch(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	m.mu.RLock()
	matched := make([]*Target, 0, len(m.targets))
	for _, target := range m.targets {
		if target.Active && target.wants(event.Type) {
			copied := *target
			matched = append(matched, &copied)
		}
	}
	m.mu.RUnlock()

	for _, target := range matched {
		payload, err := payloadFor(target, event)
		if err != nil {
			return fmt.Errorf("failed to build notification payload: %w", err)
		}

		delivery := &Delivery{
			ID:        uuid.NewString(),
			TargetID:  target.ID,
			EventID:   event.ID,
			EventType: event.Type,
			URL:       target.URL,
			Status:    DeliveryPending,
			CreatedAt: time.Now().UTC(),
			payload:   payload,
		}
		m.deliveries.Add(delivery)

		target := target
		async.SafeGo(ctx, m.logger, m.cfg.Timeout+time.Second, "notification delivery", func(taskCtx context.Context) error {
			return m.attempt(taskCtx, target, delivery)
		})
	}
	return nil
}

// attempt runs one delivery try and updates the log entry with the
// outcome and, on failure, the retry schedule.
func (m *Manager) attempt(ctx context.Context, target *Target, delivery *Delivery) error {
	delivery.Attempts++
	started := time.Now()
	err := m.send(ctx, target, delivery)
	delivery.Duration = time.Since(started)

	now := time.Now().UTC()
	if err != nil {
		delivery.Error = err.Error()
		if m.retry.ShouldRetry(delivery.Attempts, err) {
			delivery.Status = DeliveryRetrying
			next := m.retry.NextAttemptAt(delivery.Attempts)
			delivery.NextAttemptAt = &next
		} else {
			delivery.Status = DeliveryFailed
			delivery.CompletedAt = &now
		}
		m.metrics.NotificationsTotal.WithLabelValues(string(delivery.EventType), "failed").Inc()
	} else {
		delivery.Status = DeliverySucceeded
		delivery.Error = ""
		delivery.NextAttemptAt = nil
		delivery.CompletedAt = &now
		m.metrics.NotificationsTotal.WithLabelValues(string(delivery.EventType), "delivered").Inc()
	}

	m.deliveries.Update(delivery)
	return err
}

// send posts the stored payload. Retries resend the exact original
// bytes, so the signature a receiver logs stays reproducible.
func (m *Manager) send(ctx context.Context, target *Target, delivery *Delivery) error {
	if !m.limiter.Allow(target.ID) {
		return fmt.Errorf("delivery rate limit exceeded for target %s", target.ID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(delivery.payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idpsync-Event", string(delivery.EventType))
	req.Header.Set("X-Idpsync-Event-ID", delivery.EventID)
	req.Header.Set("X-Idpsync-Delivery", delivery.ID)
	if target.Secret != "" {
		req.Header.Set("X-Idpsync-Signature", Signature(delivery.payload, target.Secret))
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach target: %w", err)
	}
	defer resp.Body.Close()

	delivery.StatusCode = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("target returned status %d", resp.StatusCode)
	}
	return nil
}

func payloadFor(target *Target, event *Event) ([]byte, error) {
	switch target.Format {
	case FormatSlack:
		return json.Marshal(FormatSlackMessage(event))
	default:
		return json.Marshal(event)
	}
}

// Signature computes the HMAC-SHA256 payload signature carried in
// X-Idpsync-Signature.
func Signature(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received payload against its signature
// header in constant time.
func VerifySignature(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(Signature(payload, secret)), []byte(signature))
}
