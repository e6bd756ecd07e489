package sync

import (
	"context"
	"fmt"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/sync/conflict"
	"github.com/kimhsiao/fieldsync/internal/sync/remote"
)

// Conflicts lists mutations awaiting operator review, oldest first.
func (e *Engine) Conflicts() []models.Conflict {
	return e.conflicts.List()
}

func (e *Engine) lookupConflict(id string) (models.Conflict, error) {
	c, ok := e.conflicts.Get(id)
	if !ok {
		return models.Conflict{}, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("conflict %s not found", id))
	}
	return c, nil
}

// UseLocal puts the conflicted mutation back in the queue with a fresh retry
// count and drops the conflict.
func (e *Engine) UseLocal(id string) (models.PendingMutation, error) {
	c, err := e.lookupConflict(id)
	if err != nil {
		return models.PendingMutation{}, err
	}

	pm, err := e.Enqueue(models.NewMutation{
		Kind:         c.Kind,
		ResourceType: c.ResourceType,
		RecordID:     c.RecordID,
		Payload:      c.Payload,
	})
	if err != nil {
		return models.PendingMutation{}, err
	}
	e.conflicts.Remove(id)
	e.refreshCounts()
	e.forgetPlaceholder(c.PendingMutation)

	logging.Info("Conflict resolved with local version", map[string]interface{}{
		"conflict_id": id,
		"mutation_id": pm.ID,
	})
	return pm, nil
}

// UseRemote drops the conflicted mutation and refreshes the local projection
// from the remote store. The refresh is best effort; the conflict is dropped
// even when the remote store cannot be reached.
func (e *Engine) UseRemote(ctx context.Context, id string) error {
	c, err := e.lookupConflict(id)
	if err != nil {
		return err
	}
	e.conflicts.Remove(id)
	e.refreshCounts()
	e.forgetPlaceholder(c.PendingMutation)

	current, fetchErr := e.currentRemote(ctx, c)
	var writeErr error
	switch {
	case fetchErr != nil:
		logging.Warn("Could not refresh projection after discarding conflict", map[string]interface{}{
			"conflict_id": id,
			"error":       fetchErr.Error(),
		})
	case current != nil:
		ts, _ := current.Timestamp(e.rules(c.ResourceType).Field())
		writeErr = e.repo.PutProjection(&models.Projection{
			ResourceType: c.ResourceType,
			RecordID:     current.ID(),
			Payload:      current,
			UpdatedAt:    ts,
		})
	default:
		writeErr = e.repo.DeleteProjection(c.ResourceType, localID(c.PendingMutation))
	}
	if writeErr != nil {
		logging.Warn("Failed to update projection after discarding conflict", map[string]interface{}{
			"conflict_id": id,
			"error":       writeErr.Error(),
		})
	}

	logging.Info("Conflict resolved with remote version", map[string]interface{}{
		"conflict_id":   id,
		"resource_type": c.ResourceType,
	})
	return nil
}

// Merge combines the conflicted payload with the current remote record and
// queues the result as an update. When nothing matches remotely the payload
// is queued as a create. The conflict stays if the remote store cannot be
// read.
func (e *Engine) Merge(ctx context.Context, id string) (models.PendingMutation, error) {
	c, err := e.lookupConflict(id)
	if err != nil {
		return models.PendingMutation{}, err
	}

	current, err := e.currentRemote(ctx, c)
	if err != nil {
		return models.PendingMutation{}, apperrors.Wrap(apperrors.ErrSyncFailed, "failed to fetch remote record for merge", err)
	}

	var next models.NewMutation
	if current == nil {
		next = models.NewMutation{
			Kind:         models.MutationCreate,
			ResourceType: c.ResourceType,
			RecordID:     c.RecordID,
			Payload:      c.Payload,
		}
	} else {
		merged := conflict.Merge(c.Payload, current, e.rules(c.ResourceType), e.now())
		next = models.NewMutation{
			Kind:         models.MutationUpdate,
			ResourceType: c.ResourceType,
			RecordID:     current.ID(),
			Payload:      merged,
		}
	}

	pm, err := e.Enqueue(next)
	if err != nil {
		return models.PendingMutation{}, err
	}
	e.conflicts.Remove(id)
	e.refreshCounts()
	e.forgetPlaceholder(c.PendingMutation)

	logging.Info("Conflict resolved by merge", map[string]interface{}{
		"conflict_id": id,
		"mutation_id": pm.ID,
		"kind":        string(pm.Kind),
	})
	return pm, nil
}

// ClearConflicts drops every conflict and returns how many there were.
func (e *Engine) ClearConflicts() int {
	n := e.conflicts.Clear()
	e.refreshCounts()
	logging.Info("Conflicts cleared", map[string]interface{}{"count": n})
	return n
}

// currentRemote fetches the remote record a conflict refers to: by record id
// when it has one, else by its uniqueness fields. It returns nil when there
// is none.
func (e *Engine) currentRemote(ctx context.Context, c models.Conflict) (models.Record, error) {
	if id := c.RecordID; id != "" {
		rec, err := remote.GetByID(ctx, e.remote, c.ResourceType, id)
		if err == nil {
			return rec, nil
		}
		if !remote.IsNotFound(err) {
			return nil, err
		}
	}
	if c.Kind == models.MutationDelete {
		return nil, nil
	}
	return e.findByUnique(ctx, c.ResourceType, c.Payload)
}

// Choice names an operator conflict action.
type Choice string

const (
	ChoiceLocal  Choice = "local"
	ChoiceRemote Choice = "remote"
	ChoiceMerge  Choice = "merge"
)

// ParseChoice validates an operator choice.
func ParseChoice(s string) (Choice, error) {
	switch c := Choice(s); c {
	case ChoiceLocal, ChoiceRemote, ChoiceMerge:
		return c, nil
	}
	return "", apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown resolution %q (want local, remote or merge)", s))
}

// Resolve applies choice to conflict id. The returned mutation is empty for
// ChoiceRemote, which queues nothing.
func Resolve(ctx context.Context, e SyncEngineInterface, id string, choice Choice) (*models.PendingMutation, error) {
	switch choice {
	case ChoiceLocal:
		pm, err := e.UseLocal(id)
		if err != nil {
			return nil, err
		}
		return &pm, nil
	case ChoiceRemote:
		return nil, e.UseRemote(ctx, id)
	case ChoiceMerge:
		pm, err := e.Merge(ctx, id)
		if err != nil {
			return nil, err
		}
		return &pm, nil
	}
	_, err := ParseChoice(string(choice))
	return nil, err
}
