// Package status holds the observable, process-wide sync status.
package status

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/fieldsync/internal/models"
)

// DefaultRecentErrors is the size of the recent-errors ring.
const DefaultRecentErrors = 10

// Snapshot is a point-in-time copy of the sync status.
type Snapshot struct {
	IsSyncing     bool               `json:"is_syncing"`
	Online        bool               `json:"online"`
	PendingCount  int                `json:"pending_count"`
	ConflictCount int                `json:"conflict_count"`
	LastSyncTime  *time.Time         `json:"last_sync_time,omitempty"`
	RecentErrors  []models.SyncError `json:"recent_errors"`
}

// Store is the sync status. isSyncing and recent errors are transient; the
// last sync time is seeded by the owner from persisted state.
type Store struct {
	syncing atomic.Bool

	mu        sync.RWMutex
	online    bool
	pending   int
	conflicts int
	lastSync  time.Time
	errors    []models.SyncError
	capacity  int
	now       func() time.Time

	subMu sync.Mutex
	subs  map[chan Snapshot]struct{}
}

// New creates a Store whose error ring holds capacity entries.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultRecentErrors
	}
	return &Store{
		capacity: capacity,
		now:      time.Now,
		subs:     make(map[chan Snapshot]struct{}),
	}
}

// SetClock replaces the clock used to timestamp errors.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// =====================================================
// Cycle Flag
// =====================================================

// TryBegin sets isSyncing if it is clear and reports whether it did. Only the
// caller that gets true may run a cycle.
func (s *Store) TryBegin() bool {
	if !s.syncing.CompareAndSwap(false, true) {
		return false
	}
	s.publish()
	return true
}

// Finish clears isSyncing.
func (s *Store) Finish() {
	s.syncing.Store(false)
	s.publish()
}

// IsSyncing reports whether a cycle is running.
func (s *Store) IsSyncing() bool {
	return s.syncing.Load()
}

// =====================================================
// Fields
// =====================================================

// RecordError appends to the recent-errors ring, evicting the oldest entry
// when full.
func (s *Store) RecordError(mutationID, message string) models.SyncError {
	s.mu.Lock()
	e := models.SyncError{MutationID: mutationID, Message: message, Timestamp: s.now().UTC()}
	s.errors = append(s.errors, e)
	if over := len(s.errors) - s.capacity; over > 0 {
		s.errors = append([]models.SyncError(nil), s.errors[over:]...)
	}
	s.mu.Unlock()
	s.publish()
	return e
}

// RecentErrors returns the ring contents, oldest first.
func (s *Store) RecentErrors() []models.SyncError {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.SyncError(nil), s.errors...)
}

// ClearErrors empties the ring.
func (s *Store) ClearErrors() {
	s.mu.Lock()
	s.errors = nil
	s.mu.Unlock()
	s.publish()
}

// SetLastSyncTime records a successful cycle.
func (s *Store) SetLastSyncTime(t time.Time) {
	s.mu.Lock()
	s.lastSync = t
	s.mu.Unlock()
	s.publish()
}

// LastSyncTime returns the last successful cycle time or the zero time.
func (s *Store) LastSyncTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSync
}

// SetCounts updates pending and conflict counts.
func (s *Store) SetCounts(pending, conflicts int) {
	s.mu.Lock()
	changed := s.pending != pending || s.conflicts != conflicts
	s.pending, s.conflicts = pending, conflicts
	s.mu.Unlock()
	if changed {
		s.publish()
	}
}

// SetOnline records connectivity.
func (s *Store) SetOnline(online bool) {
	s.mu.Lock()
	changed := s.online != online
	s.online = online
	s.mu.Unlock()
	if changed {
		s.publish()
	}
}

// Snapshot returns the current status.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		IsSyncing:     s.syncing.Load(),
		Online:        s.online,
		PendingCount:  s.pending,
		ConflictCount: s.conflicts,
		RecentErrors:  append([]models.SyncError{}, s.errors...),
	}
	if !s.lastSync.IsZero() {
		ts := s.lastSync
		snap.LastSyncTime = &ts
	}
	return snap
}

// =====================================================
// Subscriptions
// =====================================================

// Subscribe returns a channel that receives the latest snapshot after every
// change, and a function that ends the subscription. Slow readers only ever
// see the newest snapshot.
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, ch)
			s.subMu.Unlock()
			close(ch)
		})
	}
}

func (s *Store) publish() {
	snap := s.Snapshot()
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}
