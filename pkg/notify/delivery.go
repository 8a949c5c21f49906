package notify

import (
	"sort"
	"sync"
	"time"
)

// DeliveryStatus is the lifecycle state of one delivery.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySucceeded DeliveryStatus = "succeeded"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryRetrying  DeliveryStatus = "retrying"
)

// Delivery is one notification delivery and its attempt history.
type Delivery struct {
	ID            string         `json:"id"`
	TargetID      string         `json:"target_id"`
	EventID       string         `json:"event_id"`
	EventType     EventType      `json:"event_type"`
	URL           string         `json:"url"`
	Status        DeliveryStatus `json:"status"`
	StatusCode    int            `json:"status_code,omitempty"`
	Error         string         `json:"error,omitempty"`
	Attempts      int            `json:"attempts"`
	NextAttemptAt *time.Time     `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	Duration      time.Duration  `json:"duration,omitempty"`

	// payload holds the exact bytes sent, so retries reproduce the
	// original signature.
	payload []byte
}

func (d *Delivery) clone() *Delivery {
	copied := *d
	return &copied
}

// DeliveryLog is a bounded in-memory record of delivery attempts. The
// log hands out copies, so callers never share mutable state with the
// delivery goroutines.
type DeliveryLog struct {
	mu         sync.RWMutex
	entries    map[string]*Delivery
	maxEntries int
}

// NewDeliveryLog builds the log. Non-positive capacity means the
// default of 1000 entries.
func NewDeliveryLog(maxEntries int) *DeliveryLog {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &DeliveryLog{
		entries:    make(map[string]*Delivery),
		maxEntries: maxEntries,
	}
}

// Add records a fresh delivery, evicting the oldest tenth of the log
// when full.
func (l *DeliveryLog) Add(d *Delivery) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) >= l.maxEntries {
		l.evictOldest()
	}
	l.entries[d.ID] = d.clone()
}

// Update replaces a delivery's stored state.
func (l *DeliveryLog) Update(d *Delivery) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[d.ID] = d.clone()
}

// Get returns one delivery.
func (l *DeliveryLog) Get(id string) (*Delivery, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	d, ok := l.entries[id]
	if !ok {
		return nil, false
	}
	return d.clone(), true
}

// ByTarget returns a target's deliveries, newest first. An empty
// target id matches every delivery; limit <= 0 means no limit.
func (l *DeliveryLog) ByTarget(targetID string, limit int) []*Delivery {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*Delivery
	for _, d := range l.entries {
		if targetID == "" || d.TargetID == targetID {
			out = append(out, d.clone())
		}
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// DueRetries returns deliveries whose retry time has passed.
func (l *DeliveryLog) DueRetries(now time.Time) []*Delivery {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*Delivery
	for _, d := range l.entries {
		if d.Status == DeliveryRetrying && d.NextAttemptAt != nil && d.NextAttemptAt.Before(now) {
			out = append(out, d.clone())
		}
	}
	return out
}

// Stats aggregates a target's delivery outcomes.
func (l *DeliveryLog) Stats(targetID string) DeliveryStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := DeliveryStats{TargetID: targetID}
	for _, d := range l.entries {
		if d.TargetID != targetID {
			continue
		}
		stats.Total++
		switch d.Status {
		case DeliverySucceeded:
			stats.Succeeded++
			stats.totalDuration += d.Duration
		case DeliveryFailed:
			stats.Failed++
		case DeliveryRetrying:
			stats.Retrying++
		}
	}

	if stats.Succeeded > 0 {
		stats.AverageDuration = stats.totalDuration / time.Duration(stats.Succeeded)
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Succeeded) / float64(stats.Total)
	}
	return stats
}

func (l *DeliveryLog) evictOldest() {
	all := make([]*Delivery, 0, len(l.entries))
	for _, d := range l.entries {
		all = append(all, d)
	}
	sort.Slice(all, func(a, b int) bool {
		return all[a].CreatedAt.Before(all[b].CreatedAt)
	})

	evict := len(all) / 10
	if evict == 0 {
		evict = 1
	}
	for n := 0; n < evict && n < len(all); n++ {
		delete(l.entries, all[n].ID)
	}
}

// DeliveryStats summarizes a target's delivery history.
type DeliveryStats struct {
	TargetID        string        `json:"target_id"`
	Total           int           `json:"total"`
	Succeeded       int           `json:"succeeded"`
	Failed          int           `json:"failed"`
	Retrying        int           `json:"retrying"`
	SuccessRate     float64       `json:"success_rate"`
	AverageDuration time.Duration `json:"average_duration"`

	totalDuration time.Duration
}
