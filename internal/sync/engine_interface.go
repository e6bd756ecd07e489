// Package sync provides the offline-first synchronization engine.
package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/sync/status"
)

// SyncEngineInterface defines the interface for sync engine operations.
// This interface allows for mocking in tests and alternative implementations.
type SyncEngineInterface interface {
	// FullSync pulls every resource type wholesale, then drains the queue.
	FullSync(ctx context.Context) (*SyncResult, error)

	// IncrementalSync drains the queue, then pulls changes past each
	// resource type's watermark.
	IncrementalSync(ctx context.Context) (*SyncResult, error)

	// SyncNow is the manual trigger; it runs an incremental cycle.
	SyncNow(ctx context.Context) (*SyncResult, error)

	// Enqueue queues a local write.
	Enqueue(m models.NewMutation) (models.PendingMutation, error)

	// Status returns the current sync status.
	Status() status.Snapshot

	// Conflicts lists mutations awaiting operator review.
	Conflicts() []models.Conflict

	// UseLocal re-queues the conflicted mutation as is.
	UseLocal(id string) (models.PendingMutation, error)

	// UseRemote discards the conflicted mutation in favor of remote state.
	UseRemote(ctx context.Context, id string) error

	// Merge combines the conflicted mutation with the current remote record
	// and queues the result.
	Merge(ctx context.Context, id string) (models.PendingMutation, error)

	// ClearConflicts drops every conflict and returns how many there were.
	ClearConflicts() int

	// SetEventHandler sets the event handler for sync notifications.
	SetEventHandler(handler SyncEventHandler)
}

var _ SyncEngineInterface = (*Engine)(nil)

// SyncEventType names a sync notification.
type SyncEventType string

const (
	EventSyncStarted          SyncEventType = "sync.started"
	EventSyncCompleted        SyncEventType = "sync.completed"
	EventSyncFailed           SyncEventType = "sync.failed"
	EventSyncConflictDetected SyncEventType = "sync.conflict_detected"
)

// SyncEvent is delivered to the SyncEventHandler.
type SyncEvent struct {
	Type      SyncEventType          `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// SyncEventHandler receives sync notifications. Handlers are called
// synchronously from sync goroutines and must not block.
type SyncEventHandler interface {
	OnSyncEvent(event SyncEvent)
}

// SyncEventHandlerFunc adapts a function to SyncEventHandler.
type SyncEventHandlerFunc func(event SyncEvent)

// OnSyncEvent calls f(event).
func (f SyncEventHandlerFunc) OnSyncEvent(event SyncEvent) {
	f(event)
}
