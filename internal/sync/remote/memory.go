package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/uuid"
)

// Op names a Store operation for call counting and failure injection.
type Op string

const (
	OpSelect Op = "select"
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpPing   Op = "ping"
)

// Hook runs before every MemoryStore operation, outside the store lock.
// A non-nil error is returned to the caller and the operation is skipped.
type Hook func(ctx context.Context, op Op, resourceType string) error

// MemoryStore is an in-process Store that enforces uniqueness fields and
// stamps updated_at the way a database trigger would.
type MemoryStore struct {
	mu      sync.Mutex
	tables  map[string]map[string]models.Record
	unique  map[string][]string
	calls   map[Op]int
	fails   map[Op][]error
	hook    Hook
	offline bool
	now     func() time.Time
	newID   uuid.Source
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithUniqueFields declares fields that must be unique within resourceType.
func WithUniqueFields(resourceType string, fields ...string) MemoryOption {
	return func(m *MemoryStore) {
		m.unique[resourceType] = append([]string(nil), fields...)
	}
}

// WithClock replaces the clock used to stamp updated_at.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

// WithIDSource replaces the generator for ids of inserted records.
func WithIDSource(src uuid.Source) MemoryOption {
	return func(m *MemoryStore) { m.newID = src }
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		tables: make(map[string]map[string]models.Record),
		unique: make(map[string][]string),
		calls:  make(map[Op]int),
		fails:  make(map[Op][]error),
		now:    time.Now,
		newID:  uuid.New,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// =====================================================
// Test Controls
// =====================================================

// Seed stores records as-is, without stamping or uniqueness checks.
func (m *MemoryStore) Seed(resourceType string, records ...models.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(resourceType)
	for _, r := range records {
		t[r.ID()] = r.Clone()
	}
}

// Get returns a copy of a stored record.
func (m *MemoryStore) Get(resourceType, id string) (models.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.tables[resourceType][id]
	return r.Clone(), ok
}

// Len returns the number of records stored for resourceType.
func (m *MemoryStore) Len(resourceType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tables[resourceType])
}

// Calls returns how many times op was invoked, including failed calls.
func (m *MemoryStore) Calls(op Op) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// ResetCalls zeroes every call counter.
func (m *MemoryStore) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = make(map[Op]int)
}

// FailNext makes the next n calls of op return err.
func (m *MemoryStore) FailNext(op Op, err error, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.fails[op] = append(m.fails[op], err)
	}
}

// SetHook installs h, replacing any previous hook. Pass nil to remove it.
func (m *MemoryStore) SetHook(h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = h
}

// SetOffline makes Ping fail while offline is true.
func (m *MemoryStore) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// =====================================================
// Store Implementation
// =====================================================

func (m *MemoryStore) table(resourceType string) map[string]models.Record {
	t, ok := m.tables[resourceType]
	if !ok {
		t = make(map[string]models.Record)
		m.tables[resourceType] = t
	}
	return t
}

// begin counts the call, then runs the hook and any injected failure.
func (m *MemoryStore) begin(ctx context.Context, op Op, resourceType string) error {
	m.mu.Lock()
	m.calls[op]++
	hook := m.hook
	var injected error
	if q := m.fails[op]; len(q) > 0 {
		injected, m.fails[op] = q[0], q[1:]
	}
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if hook != nil {
		if err := hook(ctx, op, resourceType); err != nil {
			return err
		}
	}
	return injected
}

func sameValue(a, b interface{}) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// violatesUnique reports whether candidate collides with another record on
// any declared uniqueness field.
func (m *MemoryStore) violatesUnique(resourceType string, candidate models.Record) bool {
	id := candidate.ID()
	for _, field := range m.unique[resourceType] {
		v, ok := candidate[field]
		if !ok || v == nil || v == "" {
			continue
		}
		for otherID, other := range m.tables[resourceType] {
			if otherID != id && sameValue(other[field], v) {
				return true
			}
		}
	}
	return false
}

// Select returns matching records, newest first.
func (m *MemoryStore) Select(ctx context.Context, resourceType string, f *Filter) ([]models.Record, error) {
	if err := m.begin(ctx, OpSelect, resourceType); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	field := f.timestampField()
	var out []models.Record
	for _, r := range m.tables[resourceType] {
		if f != nil && !matches(r, f, field) {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		ti, _ := out[i].Timestamp(field)
		tj, _ := out[j].Timestamp(field)
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return out[i].ID() < out[j].ID()
	})
	if f != nil && f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matches(r models.Record, f *Filter, field string) bool {
	for k, want := range f.Equals {
		got, ok := r[k]
		if !ok || !sameValue(got, want) {
			return false
		}
	}
	if !f.Since.IsZero() {
		ts, ok := r.Timestamp(field)
		if !ok || !ts.After(f.Since) {
			return false
		}
	}
	return true
}

// Insert stores a new record, assigning an id when the payload has none.
func (m *MemoryStore) Insert(ctx context.Context, resourceType string, payload models.Record) (models.Record, error) {
	if err := m.begin(ctx, OpInsert, resourceType); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r := payload.Clone()
	if r == nil {
		r = models.Record{}
	}
	if r.ID() == "" {
		r[models.FieldID] = m.newID()
	}
	t := m.table(resourceType)
	if _, exists := t[r.ID()]; exists {
		return nil, ErrUniqueViolation
	}
	if m.violatesUnique(resourceType, r) {
		return nil, ErrUniqueViolation
	}
	now := m.now()
	if _, ok := r[models.FieldCreatedAt]; !ok {
		r.SetTimestamp(models.FieldCreatedAt, now)
	}
	r.SetTimestamp(models.FieldUpdatedAt, now)
	t[r.ID()] = r
	return r.Clone(), nil
}

// Update applies payload onto an existing record.
func (m *MemoryStore) Update(ctx context.Context, resourceType, id string, payload models.Record) (models.Record, error) {
	if err := m.begin(ctx, OpUpdate, resourceType); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.tables[resourceType][id]
	if !ok {
		return nil, ErrNotFound
	}
	r := existing.Clone()
	for k, v := range payload {
		if k == models.FieldID {
			continue
		}
		r[k] = v
	}
	if m.violatesUnique(resourceType, r) {
		return nil, ErrUniqueViolation
	}
	r.SetTimestamp(models.FieldUpdatedAt, m.now())
	m.tables[resourceType][id] = r
	return r.Clone(), nil
}

// Delete removes a record.
func (m *MemoryStore) Delete(ctx context.Context, resourceType, id string) error {
	if err := m.begin(ctx, OpDelete, resourceType); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tables[resourceType][id]; !ok {
		return ErrNotFound
	}
	delete(m.tables[resourceType], id)
	return nil
}

// Ping fails while the store is marked offline.
func (m *MemoryStore) Ping(ctx context.Context) error {
	if err := m.begin(ctx, OpPing, ""); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return fmt.Errorf("remote store unreachable")
	}
	return nil
}

var (
	_ Store  = (*MemoryStore)(nil)
	_ Pinger = (*MemoryStore)(nil)
)
