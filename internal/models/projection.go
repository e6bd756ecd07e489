package models

import "time"

// Projection is the locally held copy of a remote record.
type Projection struct {
	ResourceType string    `json:"resource_type"`
	RecordID     string    `json:"record_id"`
	Payload      Record    `json:"payload"`
	UpdatedAt    time.Time `json:"updated_at"`
	// LocalEdit is set when the payload carries a local write the remote
	// store has not confirmed yet.
	LocalEdit bool `json:"local_edit"`
}
