// Package puller fetches remote changes into local projections.
package puller

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/fieldsync/internal/db"
)

// watermarkPrefix prefixes the named state record of each resource type.
const watermarkPrefix = "watermark:"

type watermarkRecord struct {
	ResourceType string    `json:"resource_type"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Watermarks persists, per resource type, the newest remote timestamp
// already absorbed.
type Watermarks struct {
	mu    sync.Mutex
	state db.StateRepository
	cache map[string]time.Time
}

// NewWatermarks creates a Watermarks backed by state.
func NewWatermarks(state db.StateRepository) *Watermarks {
	return &Watermarks{state: state, cache: make(map[string]time.Time)}
}

// Key returns the state record name for resourceType.
func Key(resourceType string) string {
	return watermarkPrefix + resourceType
}

// Get returns the watermark of resourceType, or the zero time when none is stored.
func (w *Watermarks) Get(resourceType string) (time.Time, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ts, ok := w.cache[resourceType]; ok {
		return ts, nil
	}

	raw, found, err := w.state.GetState(Key(resourceType))
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read watermark of %s: %w", resourceType, err)
	}
	var ts time.Time
	if found {
		var rec watermarkRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return time.Time{}, fmt.Errorf("failed to decode watermark of %s: %w", resourceType, err)
		}
		ts = rec.UpdatedAt
	}
	w.cache[resourceType] = ts
	return ts, nil
}

// Set stores ts as the watermark of resourceType.
func (w *Watermarks) Set(resourceType string, ts time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	raw, err := json.Marshal(watermarkRecord{ResourceType: resourceType, UpdatedAt: ts.UTC()})
	if err != nil {
		return err
	}
	if err := w.state.PutState(Key(resourceType), raw); err != nil {
		return fmt.Errorf("failed to write watermark of %s: %w", resourceType, err)
	}
	w.cache[resourceType] = ts.UTC()
	return nil
}

// Forget drops cached values so the next Get reads the store.
func (w *Watermarks) Forget() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cache = make(map[string]time.Time)
}
