package alert

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sosnow/sosrelay/internal/geo"
)

var (
	// ErrNotFound is returned by Remove for ids that are not active.
	ErrNotFound = errors.New("alert not found")
	// ErrDuplicateID signals an internal consistency failure on Insert.
	ErrDuplicateID = errors.New("duplicate alert id")
)

// Store is the table of active alerts, safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	alerts map[string]Alert
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{alerts: make(map[string]Alert)}
}

// Insert adds a under its id. An existing entry is never overwritten.
func (s *Store) Insert(a Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.alerts[a.ID]; ok {
		return fmt.Errorf("insert %s: %w", a.ID, ErrDuplicateID)
	}
	s.alerts[a.ID] = a
	return nil
}

// Remove deletes and returns the alert with the given id.
func (s *Store) Remove(id string) (Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[id]
	if !ok {
		return Alert{}, fmt.Errorf("remove %s: %w", id, ErrNotFound)
	}
	delete(s.alerts, id)
	return a, nil
}

// Get returns the active alert with the given id.
func (s *Store) Get(id string) (Alert, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	return a, ok
}

// Len returns the number of active alerts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.alerts)
}

// Snapshot returns a copy of all active alerts ordered by arrival, then id.
func (s *Store) Snapshot() []Alert {
	s.mu.RLock()
	out := make([]Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		out = append(out, a)
	}
	s.mu.RUnlock()

	sortAlerts(out)
	return out
}

// Reevaluate removes, in one critical section, every alert that lies outside
// c and returns exactly the removed alerts.
func (s *Store) Reevaluate(c geo.Circle) []Alert {
	s.mu.Lock()
	var removed []Alert
	for id, a := range s.alerts {
		if !geo.Within(c, a.Location) {
			delete(s.alerts, id)
			removed = append(removed, a)
		}
	}
	s.mu.Unlock()

	sortAlerts(removed)
	return removed
}

func sortAlerts(as []Alert) {
	sort.Slice(as, func(i, j int) bool {
		if !as[i].ReceivedAt.Equal(as[j].ReceivedAt) {
			return as[i].ReceivedAt.Before(as[j].ReceivedAt)
		}
		return as[i].ID < as[j].ID
	})
}
