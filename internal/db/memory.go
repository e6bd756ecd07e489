package db

import (
	"sort"
	"sync"

	"github.com/kimhsiao/fieldsync/internal/models"
)

// MemoryRepository is an in-process SyncRepository for ephemeral runs and tests.
type MemoryRepository struct {
	mu          sync.RWMutex
	state       map[string][]byte
	projections map[string]map[string]*models.Projection

	// PutStateErr, when set, is returned by PutState.
	PutStateErr error
	putCalls    int
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		state:       make(map[string][]byte),
		projections: make(map[string]map[string]*models.Projection),
	}
}

// GetState returns a copy of the value stored under key.
func (m *MemoryRepository) GetState(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.state[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// PutState stores a copy of value under key.
func (m *MemoryRepository) PutState(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCalls++
	if m.PutStateErr != nil {
		return m.PutStateErr
	}
	m.state[key] = append([]byte(nil), value...)
	return nil
}

// DeleteState removes key.
func (m *MemoryRepository) DeleteState(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.state, key)
	return nil
}

// PutStateCalls reports how many writes were attempted.
func (m *MemoryRepository) PutStateCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.putCalls
}

func copyProjection(p *models.Projection) *models.Projection {
	c := *p
	c.Payload = p.Payload.Clone()
	return &c
}

// GetProjection returns a copy of one projection.
func (m *MemoryRepository) GetProjection(resourceType, recordID string) (*models.Projection, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projections[resourceType][recordID]
	if !ok {
		return nil, false, nil
	}
	return copyProjection(p), true, nil
}

// ListProjections returns copies of a resource type's projections, newest first.
func (m *MemoryRepository) ListProjections(resourceType string) ([]*models.Projection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Projection, 0, len(m.projections[resourceType]))
	for _, p := range m.projections[resourceType] {
		out = append(out, copyProjection(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].RecordID < out[j].RecordID
	})
	return out, nil
}

// PutProjection inserts or replaces a projection.
func (m *MemoryRepository) PutProjection(p *models.Projection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.projections[p.ResourceType]
	if !ok {
		byID = make(map[string]*models.Projection)
		m.projections[p.ResourceType] = byID
	}
	byID[p.RecordID] = copyProjection(p)
	return nil
}

// DeleteProjection removes a projection.
func (m *MemoryRepository) DeleteProjection(resourceType, recordID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.projections[resourceType], recordID)
	return nil
}

// ReplaceProjections swaps a resource type's projections for ps.
func (m *MemoryRepository) ReplaceProjections(resourceType string, ps []*models.Projection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID := make(map[string]*models.Projection, len(ps))
	for _, p := range ps {
		c := copyProjection(p)
		c.ResourceType = resourceType
		byID[c.RecordID] = c
	}
	m.projections[resourceType] = byID
	return nil
}
