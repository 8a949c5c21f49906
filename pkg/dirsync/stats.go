package dirsync

import (
	"sync"
	"time"

	"github.com/perimetra/idpsync/pkg/idp"
	"github.com/perimetra/idpsync/pkg/storage"
)

const defaultStatsCapacity = 256

// Attempt is one finished sync or refresh run, kept in process for the
// status API.
type Attempt struct {
	Job        string              `json:"job"`
	ProviderID string              `json:"provider_id"`
	Adapter    idp.AdapterName     `json:"adapter"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
	Outcome    string              `json:"outcome"`
	Error      string              `json:"error,omitempty"`
	Result     *storage.SyncResult `json:"result,omitempty"`
}

// Stats is a fixed-capacity ring of recent attempts shared by the sync
// and refresh jobs.
type Stats struct {
	mu       sync.Mutex
	attempts []Attempt
	next     int
	full     bool
}

// NewStats allocates the ring. Non-positive capacity means the
// default.
func NewStats(capacity int) *Stats {
	if capacity <= 0 {
		capacity = defaultStatsCapacity
	}
	return &Stats{attempts: make([]Attempt, capacity)}
}

// Record appends one attempt, evicting the oldest once full.
func (s *Stats) Record(a Attempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[s.next] = a
	s.next = (s.next + 1) % len(s.attempts)
	if s.next == 0 {
		s.full = true
	}
}

// Recent returns up to limit attempts, newest first. An empty
// providerID matches every provider; limit <= 0 means no limit.
func (s *Stats) Recent(providerID string, limit int) []Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()

	size := s.next
	if s.full {
		size = len(s.attempts)
	}

	var out []Attempt
	for n := 0; n < size; n++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		a := s.attempts[(s.next-1-n+len(s.attempts))%len(s.attempts)]
		if providerID == "" || a.ProviderID == providerID {
			out = append(out, a)
		}
	}
	return out
}
