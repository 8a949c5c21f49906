package notify

import (
	"context"
	"fmt"
	"math"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RetryConfig tunes the exponential backoff schedule.
type RetryConfig struct {
	MaxAttempts       int           `json:"max_attempts"`
	InitialDelay      time.Duration `json:"initial_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
}

// DefaultRetryConfig returns the default schedule: 1s, 2s, 4s, 8s,
// capped at five attempts total.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialDelay:      time.Second,
		MaxDelay:          5 * time.Minute,
		BackoffMultiplier: 2.0,
	}
}

// RetryPolicy decides whether and when a failed delivery runs again.
type RetryPolicy struct {
	cfg RetryConfig
}

// NewRetryPolicy normalizes the config and wraps it.
func NewRetryPolicy(cfg RetryConfig) *RetryPolicy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Minute
	}
	if cfg.BackoffMultiplier <= 1.0 {
		cfg.BackoffMultiplier = 2.0
	}
	return &RetryPolicy{cfg: cfg}
}

// ShouldRetry reports whether another attempt is allowed after the
// given attempt count failed.
func (p *RetryPolicy) ShouldRetry(attempts int, err error) bool {
	return err != nil && attempts < p.cfg.MaxAttempts
}

// NextDelay returns the backoff before the attempt after attempts.
func (p *RetryPolicy) NextDelay(attempts int) time.Duration {
	if attempts <= 0 {
		return p.cfg.InitialDelay
	}
	delay := float64(p.cfg.InitialDelay) * math.Pow(p.cfg.BackoffMultiplier, float64(attempts-1))
	if delay > float64(p.cfg.MaxDelay) {
		return p.cfg.MaxDelay
	}
	return time.Duration(delay)
}

// NextAttemptAt returns the wall-clock time of the next attempt.
func (p *RetryPolicy) NextAttemptAt(attempts int) time.Time {
	return time.Now().UTC().Add(p.NextDelay(attempts))
}

// RetryWorker re-runs deliveries whose backoff has elapsed.
type RetryWorker struct {
	manager  *Manager
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRetryWorker binds a worker to a manager's delivery log.
func NewRetryWorker(manager *Manager) *RetryWorker {
	return &RetryWorker{
		manager: manager,
		stopCh:  make(chan struct{}),
	}
}

// Start ticks until the context ends or Stop is called.
func (w *RetryWorker) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		defer func() {
			if r := recover(); r != nil {
				w.manager.logger.WithFields(map[string]interface{}{
					"panic": fmt.Sprintf("%v", r),
					"stack": string(debug.Stack()),
				}).Error("Recovered panic in notification retry worker")
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			case <-ticker.C:
				w.processDue(ctx)
			}
		}
	}()
}

// Stop halts the worker. Safe to call more than once.
func (w *RetryWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *RetryWorker) processDue(ctx context.Context) {
	for _, delivery := range w.manager.deliveries.DueRetries(time.Now().UTC()) {
		target, err := w.manager.Get(delivery.TargetID)
		now := time.Now().UTC()

		switch {
		case err != nil:
			delivery.Status = DeliveryFailed
			delivery.Error = "notification target no longer exists"
			delivery.CompletedAt = &now
			w.manager.deliveries.Update(delivery)
			continue
		case !target.Active:
			delivery.Status = DeliveryFailed
			delivery.Error = "notification target is disabled"
			delivery.CompletedAt = &now
			w.manager.deliveries.Update(delivery)
			continue
		}

		if err := w.manager.attempt(ctx, target, delivery); err != nil {
			w.manager.logger.WithError(err).WithFields(map[string]interface{}{
				"delivery_id": delivery.ID,
				"target_id":   delivery.TargetID,
				"attempts":    delivery.Attempts,
			}).Warn("Notification retry failed")
		}
	}
}

// targetLimiter bounds deliveries per target with a shared
// per-minute budget.
type targetLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	perMinute int
}

func newTargetLimiter(perMinute int) *targetLimiter {
	return &targetLimiter{
		limiters:  make(map[string]*rate.Limiter),
		perMinute: perMinute,
	}
}

func (l *targetLimiter) Allow(targetID string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters[targetID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.perMinute)
		l.limiters[targetID] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}
