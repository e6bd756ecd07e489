package models

import "time"

// ConflictReason records why a mutation was set aside for operator review.
type ConflictReason string

const (
	ConflictReasonDuplicate      ConflictReason = "duplicate"
	ConflictReasonRetryExhausted ConflictReason = "retry_exhausted"
)

// Conflict is a mutation that could not be reconciled automatically.
type Conflict struct {
	PendingMutation
	Reason             ConflictReason `json:"reason"`
	Message            string         `json:"message,omitempty"`
	ConflictDetectedAt time.Time      `json:"conflict_detected_at"`
}

// SyncError is an entry in the recent-errors ring shown to operators.
type SyncError struct {
	MutationID string    `json:"mutation_id,omitempty"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}
