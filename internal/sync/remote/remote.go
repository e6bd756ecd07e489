// Package remote defines the contract of the authoritative remote record store
// and provides Postgres and in-memory implementations.
package remote

import (
	"context"
	"time"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/models"
)

// Errors returned by every Store implementation. Match them with
// IsUniqueViolation / IsNotFound, which also recognise wrapped forms.
var (
	ErrUniqueViolation = apperrors.New(apperrors.ErrDuplicate, "uniqueness constraint violated")
	ErrNotFound        = apperrors.New(apperrors.ErrNotFound, "record not found")
)

// Filter narrows a Select. The zero value selects every record.
type Filter struct {
	// Equals requires each field to equal the given value.
	Equals map[string]interface{}

	// Since keeps records whose TimestampField is strictly after it.
	Since time.Time

	// TimestampField orders results (newest first) and bounds Since.
	// Defaults to updated_at.
	TimestampField string

	// Limit caps the number of records returned when positive.
	Limit int
}

func (f *Filter) timestampField() string {
	if f == nil || f.TimestampField == "" {
		return models.FieldUpdatedAt
	}
	return f.TimestampField
}

// Store is the remote record store the sync engine replays mutations against.
type Store interface {
	// Select returns records of resourceType matching f, newest first.
	Select(ctx context.Context, resourceType string, f *Filter) ([]models.Record, error)

	// Insert creates a record and returns it as stored. It fails with
	// ErrUniqueViolation when a uniqueness constraint rejects the payload.
	Insert(ctx context.Context, resourceType string, payload models.Record) (models.Record, error)

	// Update writes payload onto record id and returns it as stored. It fails
	// with ErrNotFound when id does not exist.
	Update(ctx context.Context, resourceType, id string, payload models.Record) (models.Record, error)

	// Delete removes record id. It fails with ErrNotFound when id does not exist.
	Delete(ctx context.Context, resourceType, id string) error
}

// Pinger is implemented by stores that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// IsUniqueViolation reports whether err is a uniqueness violation.
func IsUniqueViolation(err error) bool {
	return apperrors.Is(err, apperrors.ErrDuplicate)
}

// IsNotFound reports whether err means the target record does not exist.
func IsNotFound(err error) bool {
	return apperrors.Is(err, apperrors.ErrNotFound)
}

// GetByID fetches a single record by id.
func GetByID(ctx context.Context, s Store, resourceType, id string) (models.Record, error) {
	records, err := s.Select(ctx, resourceType, &Filter{
		Equals: map[string]interface{}{models.FieldID: id},
		Limit:  1,
	})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return records[0], nil
}
