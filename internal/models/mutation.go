package models

import (
	"fmt"
	"time"
)

// MutationKind is the type of a pending local write.
type MutationKind string

const (
	MutationCreate MutationKind = "create"
	MutationUpdate MutationKind = "update"
	MutationDelete MutationKind = "delete"
)

// Valid reports whether k is one of the known kinds.
func (k MutationKind) Valid() bool {
	switch k {
	case MutationCreate, MutationUpdate, MutationDelete:
		return true
	}
	return false
}

// ParseMutationKind converts a string into a MutationKind.
func ParseMutationKind(s string) (MutationKind, error) {
	k := MutationKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown mutation kind %q", s)
	}
	return k, nil
}

// NewMutation is what write paths hand to the queue; identity, retry count
// and enqueue time are assigned on enqueue.
type NewMutation struct {
	Kind         MutationKind `json:"kind"`
	ResourceType string       `json:"resource_type"`
	RecordID     string       `json:"record_id,omitempty"`
	Payload      Record       `json:"payload,omitempty"`
}

// Validate checks the fields a mutation must carry before it can be queued.
func (m NewMutation) Validate() error {
	if !m.Kind.Valid() {
		return fmt.Errorf("unknown mutation kind %q", m.Kind)
	}
	if m.ResourceType == "" {
		return fmt.Errorf("resource type is required")
	}
	if m.Kind != MutationCreate && m.RecordID == "" {
		return fmt.Errorf("%s mutation requires a record id", m.Kind)
	}
	return nil
}

// PendingMutation represents a local write waiting to be replayed against the
// remote store.
type PendingMutation struct {
	ID           string       `json:"id"`
	Kind         MutationKind `json:"kind"`
	ResourceType string       `json:"resource_type"`
	RecordID     string       `json:"record_id,omitempty"`
	Payload      Record       `json:"payload,omitempty"`
	RetryCount   int          `json:"retry_count"`
	EnqueuedAt   time.Time    `json:"enqueued_at"`
}

// RecordKey identifies the record a mutation targets. Creates without a
// record id get a key of their own so they never serialize with each other.
func (m PendingMutation) RecordKey() string {
	if m.RecordID == "" {
		return m.ResourceType + "/~" + m.ID
	}
	return m.ResourceType + "/" + m.RecordID
}

// Clone returns a copy with its own payload map.
func (m PendingMutation) Clone() PendingMutation {
	m.Payload = m.Payload.Clone()
	return m
}
