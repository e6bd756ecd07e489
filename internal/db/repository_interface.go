package db

import (
	"github.com/kimhsiao/fieldsync/internal/models"
)

// StateRepository stores named durable records (the queue document, the
// conflict list, per-type watermarks).
type StateRepository interface {
	// GetState returns the stored value for key; found is false when absent.
	GetState(key string) (value []byte, found bool, err error)

	// PutState replaces the value stored under key.
	PutState(key string, value []byte) error

	// DeleteState removes key. Removing an absent key is not an error.
	DeleteState(key string) error
}

// ProjectionRepository stores the local copy of remote records.
type ProjectionRepository interface {
	// GetProjection returns one projection; found is false when absent.
	GetProjection(resourceType, recordID string) (p *models.Projection, found bool, err error)

	// ListProjections returns a resource type's projections, newest first.
	ListProjections(resourceType string) ([]*models.Projection, error)

	// PutProjection inserts or replaces a projection.
	PutProjection(p *models.Projection) error

	// DeleteProjection removes a projection if present.
	DeleteProjection(resourceType, recordID string) error

	// ReplaceProjections atomically swaps a resource type's projections for ps.
	ReplaceProjections(resourceType string, ps []*models.Projection) error
}

// SyncRepository combines the repositories the sync engine needs.
type SyncRepository interface {
	StateRepository
	ProjectionRepository
}

// Ensure implementations satisfy the interfaces at compile time.
var (
	_ SyncRepository = (*Repository)(nil)
	_ SyncRepository = (*MemoryRepository)(nil)
)
