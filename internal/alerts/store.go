package alerts

import (
	"sync"
	"time"

	"firewatch/internal/model"
)

// Filter selects alerts from the history. Zero fields match everything.
type Filter struct {
	Category model.Category
	Status   model.DeliveryStatus
	Since    time.Time
	// Limit keeps only the newest matches.
	Limit int
}

func (f Filter) match(a model.Alert) bool {
	if f.Category != "" && a.Category != f.Category {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	return f.Since.IsZero() || !a.Timestamp.Before(f.Since)
}

// Store is a fixed-size ring of recent alerts indexed by id, so delivery
// outcomes arriving from notifier workers can be applied in place.
type Store struct {
	mu   sync.RWMutex
	ring []model.Alert
	next uint64
	byID map[string]uint64
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{ring: make([]model.Alert, limit), byID: make(map[string]uint64, limit)}
}

func (s *Store) Add(alert model.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot := s.next % uint64(len(s.ring))
	if n := uint64(len(s.ring)); s.next >= n {
		if old := s.ring[slot].ID; s.byID[old] == s.next-n {
			delete(s.byID, old)
		}
	}
	s.ring[slot] = alert
	s.byID[alert.ID] = s.next
	s.next++
}

func (s *Store) first() uint64 {
	if n := uint64(len(s.ring)); s.next > n {
		return s.next - n
	}
	return 0
}

func (s *Store) locate(id string) (uint64, bool) {
	seq, ok := s.byID[id]
	if !ok {
		return 0, false
	}
	return seq % uint64(len(s.ring)), true
}

func (s *Store) Get(id string) (model.Alert, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot, ok := s.locate(id)
	if !ok {
		return model.Alert{}, false
	}
	return s.ring[slot], true
}

// SetStatus records the delivery outcome of an alert still in the history.
// A pending status never overwrites a settled one.
func (s *Store) SetStatus(id string, status model.DeliveryStatus, code int) (model.Alert, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.locate(id)
	if !ok {
		return model.Alert{}, false
	}
	a := &s.ring[slot]
	if status == model.DeliveryPending && a.Status != model.DeliveryPending {
		return *a, true
	}
	a.Status = status
	a.StatusCode = code
	return *a, true
}

// Query returns matching alerts oldest first.
func (s *Store) Query(f Filter) []model.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Alert, 0)
	for seq := s.next; seq > s.first(); seq-- {
		a := s.ring[(seq-1)%uint64(len(s.ring))]
		if !f.match(a) {
			continue
		}
		out = append(out, a)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func (s *Store) List(limit int) []model.Alert {
	return s.Query(Filter{Limit: limit})
}

func (s *Store) Since(ts time.Time) []model.Alert {
	return s.Query(Filter{Since: ts})
}

// Counts tallies the history by delivery status.
func (s *Store) Counts() map[model.DeliveryStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[model.DeliveryStatus]int, 3)
	for seq := s.first(); seq < s.next; seq++ {
		out[s.ring[seq%uint64(len(s.ring))].Status]++
	}
	return out
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.ring)
	clear(s.byID)
	s.next = 0
}
