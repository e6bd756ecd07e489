// Package uuid generates identifiers for queued mutations, conflicts and
// daemon instances.
package uuid

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Source produces process-unique identifiers.
type Source func() string

// New generates a new random (v4) UUID string.
func New() string {
	return uuid.New().String()
}

// NewV7 generates a time-ordered UUID string. Falls back to v4 if the
// clock source fails.
func NewV7() string {
	id, err := uuid.NewV7()
	if err != nil {
		return New()
	}
	return id.String()
}

// Sequence returns a Source yielding prefix-1, prefix-2, ... for tests and
// reproducible fixtures.
func Sequence(prefix string) Source {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("%s-%d", prefix, n.Add(1))
	}
}

// Validate returns an error if s is not a UUID in canonical form.
func Validate(s string) error {
	id, err := uuid.Parse(s)
	if err != nil {
		return fmt.Errorf("invalid UUID %q: %w", s, err)
	}
	if id.String() != s && id.String() != lower(s) {
		return fmt.Errorf("invalid UUID %q: not in canonical form", s)
	}
	return nil
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'F' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
