package conflict

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/fieldsync/internal/db"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
)

// StateKey is the named state record holding the conflict list.
const StateKey = "conflicts"

// Store is the durable list of mutations awaiting operator review, kept in
// detection order.
type Store struct {
	mu    sync.RWMutex
	items []models.Conflict
	state db.StateRepository
	now   func() time.Time

	listenersMu sync.RWMutex
	listeners   []func(models.Conflict)
}

// NewStore creates a Store and loads any persisted conflicts.
func NewStore(state db.StateRepository) (*Store, error) {
	s := &Store{state: state, now: time.Now}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetClock replaces the clock used for detection timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// OnAdd registers fn to be called for every new conflict.
func (s *Store) OnAdd(fn func(models.Conflict)) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Reload replaces memory with the stored list.
func (s *Store) Reload() error {
	raw, found, err := s.state.GetState(StateKey)
	if err != nil {
		return fmt.Errorf("failed to load conflicts: %w", err)
	}
	var items []models.Conflict
	if found {
		if err := json.Unmarshal(raw, &items); err != nil {
			return fmt.Errorf("failed to decode conflicts: %w", err)
		}
	}
	s.mu.Lock()
	s.items = items
	s.mu.Unlock()
	return nil
}

// persist writes the list. Caller holds s.mu.
func (s *Store) persist() {
	items := s.items
	if items == nil {
		items = []models.Conflict{}
	}
	raw, err := json.Marshal(items)
	if err == nil {
		err = s.state.PutState(StateKey, raw)
	}
	if err != nil {
		logging.Error("Failed to persist conflicts", err, map[string]interface{}{
			"conflicts": len(s.items),
		})
	}
}

// Add records m as a conflict. Adding a mutation id that is already present
// replaces the earlier entry.
func (s *Store) Add(m models.PendingMutation, reason models.ConflictReason, message string) models.Conflict {
	s.mu.Lock()
	c := models.Conflict{
		PendingMutation:    m.Clone(),
		Reason:             reason,
		Message:            message,
		ConflictDetectedAt: s.now().UTC(),
	}
	replaced := false
	for i := range s.items {
		if s.items[i].ID == m.ID {
			s.items[i] = c
			replaced = true
			break
		}
	}
	if !replaced {
		s.items = append(s.items, c)
	}
	s.persist()
	s.mu.Unlock()

	logging.Warn("Mutation moved to conflict store", map[string]interface{}{
		"mutation_id":   m.ID,
		"resource_type": m.ResourceType,
		"record_id":     m.RecordID,
		"reason":        string(reason),
	})

	s.listenersMu.RLock()
	listeners := append(([]func(models.Conflict))(nil), s.listeners...)
	s.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(c)
	}
	return c
}

// List returns all conflicts in detection order.
func (s *Store) List() []models.Conflict {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Conflict, len(s.items))
	for i, c := range s.items {
		out[i] = c
		out[i].PendingMutation = c.PendingMutation.Clone()
	}
	return out
}

// Get returns the conflict for mutation id.
func (s *Store) Get(id string) (models.Conflict, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.items {
		if c.ID == id {
			c.PendingMutation = c.PendingMutation.Clone()
			return c, true
		}
	}
	return models.Conflict{}, false
}

// Remove deletes the conflict for id and reports whether it existed.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].ID == id {
			s.items = append(s.items[:i:i], s.items[i+1:]...)
			s.persist()
			return true
		}
	}
	return false
}

// Clear removes every conflict and returns how many there were.
func (s *Store) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.items)
	s.items = nil
	s.persist()
	return n
}

// Len returns the number of conflicts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
