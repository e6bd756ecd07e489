// Package queue provides the persisted queue of pending local mutations.
package queue

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/fieldsync/internal/db"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/uuid"
)

// StateKey is the named state record holding the queue document.
const StateKey = "sync_queue"

// Event describes what changed in the queue.
type Event string

const (
	EventEnqueued Event = "enqueued"
	EventRemoved  Event = "removed"
	EventRetried  Event = "retried"
	EventReloaded Event = "reloaded"
	EventRekeyed  Event = "rekeyed"
)

// document is the persisted form of the queue.
type document struct {
	PendingChanges []models.PendingMutation `json:"pendingChanges"`
	LastSyncTime   *time.Time               `json:"lastSyncTime,omitempty"`
}

// Queue is an ordered, durable list of pending mutations. Every mutating
// call re-reads the stored document, applies the change and writes it back,
// so several processes sharing one store see each other's writes.
type Queue struct {
	mu       sync.RWMutex
	items    []models.PendingMutation
	lastSync time.Time
	// dirty is set when the last write failed; memory is then ahead of the
	// store and must not be replaced by it.
	dirty bool

	store db.StateRepository
	key   string
	now   func() time.Time
	newID uuid.Source

	listenersMu sync.RWMutex
	listeners   []func(Event)
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock replaces the clock used for enqueue timestamps.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithIDSource replaces the mutation id generator.
func WithIDSource(src uuid.Source) Option {
	return func(q *Queue) { q.newID = src }
}

// WithStateKey stores the queue under a different state record.
func WithStateKey(key string) Option {
	return func(q *Queue) { q.key = key }
}

// New creates a Queue backed by store and loads any persisted document.
func New(store db.StateRepository, opts ...Option) (*Queue, error) {
	q := &Queue{
		store: store,
		key:   StateKey,
		now:   time.Now,
		newID: uuid.NewV7,
	}
	for _, opt := range opts {
		opt(q)
	}
	if err := q.Reload(); err != nil {
		return nil, err
	}
	return q, nil
}

// OnChange registers fn to be called after every queue change, outside the
// queue lock.
func (q *Queue) OnChange(fn func(Event)) {
	q.listenersMu.Lock()
	defer q.listenersMu.Unlock()
	q.listeners = append(q.listeners, fn)
}

func (q *Queue) emit(ev Event) {
	q.listenersMu.RLock()
	listeners := append(([]func(Event))(nil), q.listeners...)
	q.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// =====================================================
// Persistence
// =====================================================

func (q *Queue) read() (*document, error) {
	raw, found, err := q.store.GetState(q.key)
	if err != nil {
		return nil, err
	}
	doc := &document{}
	if !found {
		return doc, nil
	}
	if err := json.Unmarshal(raw, doc); err != nil {
		return nil, fmt.Errorf("failed to decode queue document: %w", err)
	}
	return doc, nil
}

// load replaces memory with the stored document. Caller holds q.mu.
func (q *Queue) load() error {
	doc, err := q.read()
	if err != nil {
		return err
	}
	q.items = doc.PendingChanges
	q.lastSync = time.Time{}
	if doc.LastSyncTime != nil {
		q.lastSync = *doc.LastSyncTime
	}
	return nil
}

// persist writes memory to the store. Caller holds q.mu.
func (q *Queue) persist() error {
	doc := document{PendingChanges: q.items}
	if doc.PendingChanges == nil {
		doc.PendingChanges = []models.PendingMutation{}
	}
	if !q.lastSync.IsZero() {
		ts := q.lastSync
		doc.LastSyncTime = &ts
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode queue document: %w", err)
	}
	if err := q.store.PutState(q.key, raw); err != nil {
		q.dirty = true
		return err
	}
	q.dirty = false
	return nil
}

// mutate runs fn against the freshest state and persists the result. Write
// failures are logged, not returned: the change always applies in memory.
func (q *Queue) mutate(op string, fn func() bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.dirty {
		if err := q.load(); err != nil {
			logging.Warn("Queue reload failed, using in-memory state", map[string]interface{}{
				"op":    op,
				"error": err.Error(),
			})
		}
	}
	if !fn() {
		return false
	}
	if err := q.persist(); err != nil {
		logging.Error("Failed to persist sync queue", err, map[string]interface{}{
			"op":      op,
			"pending": len(q.items),
		})
	}
	return true
}

// Reload replaces the in-memory queue with the stored document. A pending
// unsaved change is written out first instead.
func (q *Queue) Reload() error {
	q.mu.Lock()
	var err error
	if q.dirty {
		err = q.persist()
	} else {
		err = q.load()
	}
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to reload sync queue: %w", err)
	}
	q.emit(EventReloaded)
	return nil
}

// =====================================================
// Queue Operations
// =====================================================

// Enqueue assigns identity and timestamp to m, appends it and persists the
// queue. It always succeeds locally.
func (q *Queue) Enqueue(m models.NewMutation) models.PendingMutation {
	item := models.PendingMutation{
		ID:           q.newID(),
		Kind:         m.Kind,
		ResourceType: m.ResourceType,
		RecordID:     m.RecordID,
		Payload:      m.Payload.Clone(),
		RetryCount:   0,
		EnqueuedAt:   q.now().UTC(),
	}

	q.mutate("enqueue", func() bool {
		q.items = append(q.items, item)
		return true
	})

	logging.Debug("Enqueued mutation", map[string]interface{}{
		"mutation_id":   item.ID,
		"kind":          string(item.Kind),
		"resource_type": item.ResourceType,
		"record_id":     item.RecordID,
	})
	q.emit(EventEnqueued)
	return item.Clone()
}

// Remove deletes the entry with id. Removing an absent id is a no-op.
func (q *Queue) Remove(id string) {
	changed := q.mutate("remove", func() bool {
		for i := range q.items {
			if q.items[i].ID == id {
				q.items = append(q.items[:i:i], q.items[i+1:]...)
				return true
			}
		}
		return false
	})
	if changed {
		q.emit(EventRemoved)
	}
}

// IncrementRetry bumps the retry count of one entry and returns the new
// value, or 0 when id is not queued.
func (q *Queue) IncrementRetry(id string) int {
	var count int
	changed := q.mutate("increment_retry", func() bool {
		for i := range q.items {
			if q.items[i].ID == id {
				q.items[i].RetryCount++
				count = q.items[i].RetryCount
				return true
			}
		}
		return false
	})
	if changed {
		q.emit(EventRetried)
	}
	return count
}

// Rekey points every queued mutation of resourceType that targets from at
// to instead, and returns the rewritten entries in enqueue order. It is used
// once the remote store assigns the real id of a record created under a
// placeholder.
func (q *Queue) Rekey(resourceType, from, to string) []models.PendingMutation {
	var rekeyed []models.PendingMutation
	changed := q.mutate("rekey", func() bool {
		rekeyed = nil
		for i := range q.items {
			item := &q.items[i]
			if item.ResourceType != resourceType {
				continue
			}
			hit := false
			if item.RecordID == from {
				item.RecordID = to
				hit = true
			}
			if item.Payload.ID() == from {
				item.Payload[models.FieldID] = to
				hit = true
			}
			if hit {
				rekeyed = append(rekeyed, item.Clone())
			}
		}
		return len(rekeyed) > 0
	})
	if changed {
		logging.Debug("Rekeyed queued mutations", map[string]interface{}{
			"resource_type": resourceType,
			"from":          from,
			"to":            to,
			"count":         len(rekeyed),
		})
		q.emit(EventRekeyed)
	}
	return rekeyed
}

// List returns a copy of all pending mutations in enqueue order.
func (q *Queue) List() []models.PendingMutation {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]models.PendingMutation, len(q.items))
	for i, item := range q.items {
		out[i] = item.Clone()
	}
	return out
}

// Get returns one pending mutation.
func (q *Queue) Get(id string) (models.PendingMutation, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, item := range q.items {
		if item.ID == id {
			return item.Clone(), true
		}
	}
	return models.PendingMutation{}, false
}

// Deleting reports whether a delete of the record is queued.
func (q *Queue) Deleting(resourceType, recordID string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, item := range q.items {
		if item.Kind == models.MutationDelete && item.ResourceType == resourceType && item.RecordID == recordID {
			return true
		}
	}
	return false
}

// Len returns the number of pending mutations.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}

// LastSyncTime returns the persisted completion time of the last successful
// sync cycle, or the zero time.
func (q *Queue) LastSyncTime() time.Time {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.lastSync
}

// SetLastSyncTime records a successful sync cycle.
func (q *Queue) SetLastSyncTime(t time.Time) {
	q.mutate("set_last_sync", func() bool {
		q.lastSync = t.UTC()
		return true
	})
}
