package notify

import (
	"slices"
	"sync"
	"time"
)

// DefaultDeadLetterLimit is the number of undelivered notices kept per tenant.
const DefaultDeadLetterLimit = 100

// DeadLetterStats summarizes undelivered notices.
type DeadLetterStats struct {
	Total         int            `json:"total"`
	TotalAttempts int            `json:"totalAttempts"`
	Evicted       int            `json:"evicted"`
	ByTenant      map[string]int `json:"byTenant"`
	OldestEntry   *time.Time     `json:"oldestEntry,omitempty"`
}

// DeadLetterStore keeps notices whose delivery exhausted its retries, grouped
// by tenant so an operator can replay one tenant's backlog once its endpoint
// recovers. Each tenant holds at most limit notices; the oldest is evicted
// first.
type DeadLetterStore struct {
	mu       sync.RWMutex
	limit    int
	entries  map[string]*Delivery
	byTenant map[string][]string // ids, oldest first
	evicted  int
}

// NewDeadLetterStore creates an empty store. A limit <= 0 means
// DefaultDeadLetterLimit.
func NewDeadLetterStore(limit int) *DeadLetterStore {
	if limit <= 0 {
		limit = DefaultDeadLetterLimit
	}
	return &DeadLetterStore{
		limit:    limit,
		entries:  make(map[string]*Delivery),
		byTenant: make(map[string][]string),
	}
}

// Add parks d under its tenant and returns the notice evicted to make room,
// if any.
func (s *DeadLetterStore) Add(d *Delivery) *Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	tenant := d.Notice.TenantID
	if _, ok := s.entries[d.ID]; ok {
		s.entries[d.ID] = d
		return nil
	}
	s.entries[d.ID] = d
	s.byTenant[tenant] = append(s.byTenant[tenant], d.ID)

	if len(s.byTenant[tenant]) <= s.limit {
		return nil
	}
	oldest := s.byTenant[tenant][0]
	s.byTenant[tenant] = s.byTenant[tenant][1:]
	out := s.entries[oldest]
	delete(s.entries, oldest)
	s.evicted++
	return out
}

// Get returns the notice with the given delivery ID.
func (s *DeadLetterStore) Get(id string) (*Delivery, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.entries[id]
	return d, ok
}

// Remove deletes and returns the notice with the given delivery ID.
func (s *DeadLetterStore) Remove(id string) (*Delivery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	delete(s.entries, id)
	tenant := d.Notice.TenantID
	s.byTenant[tenant] = slices.DeleteFunc(s.byTenant[tenant], func(v string) bool { return v == id })
	if len(s.byTenant[tenant]) == 0 {
		delete(s.byTenant, tenant)
	}
	return d, true
}

// List returns every parked notice, newest first.
func (s *DeadLetterStore) List() []*Delivery {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Delivery, 0, len(s.entries))
	for _, d := range s.entries {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b *Delivery) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out
}

// ListByTenant returns one tenant's parked notices, newest first.
func (s *DeadLetterStore) ListByTenant(tenantID string) []*Delivery {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byTenant[tenantID]
	out := make([]*Delivery, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		out = append(out, s.entries[ids[i]])
	}
	return out
}

// Count returns the number of parked notices.
func (s *DeadLetterStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Purge removes every notice and returns how many were removed.
func (s *DeadLetterStore) Purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.entries)
	s.entries = make(map[string]*Delivery)
	s.byTenant = make(map[string][]string)
	return n
}

// PurgeTenant removes one tenant's notices and returns how many were removed.
func (s *DeadLetterStore) PurgeTenant(tenantID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.byTenant[tenantID]
	for _, id := range ids {
		delete(s.entries, id)
	}
	delete(s.byTenant, tenantID)
	return len(ids)
}

// Stats returns aggregate statistics.
func (s *DeadLetterStore) Stats() DeadLetterStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := DeadLetterStats{
		Total:    len(s.entries),
		Evicted:  s.evicted,
		ByTenant: make(map[string]int, len(s.byTenant)),
	}
	for tenant, ids := range s.byTenant {
		stats.ByTenant[tenant] = len(ids)
	}
	for _, d := range s.entries {
		stats.TotalAttempts += d.Attempts
		if stats.OldestEntry == nil || d.CreatedAt.Before(*stats.OldestEntry) {
			t := d.CreatedAt
			stats.OldestEntry = &t
		}
	}
	return stats
}
