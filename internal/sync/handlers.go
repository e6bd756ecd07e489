package sync

import (
	"context"
	"fmt"

	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/sync/remote"
)

// apply dispatches m to its handler and returns the record the remote store
// confirmed, or nil for deletes.
func (e *Engine) apply(ctx context.Context, m models.PendingMutation) (models.Record, error) {
	switch m.Kind {
	case models.MutationCreate:
		payload := m.Payload.Clone()
		if payload == nil {
			payload = models.Record{}
		}
		if m.RecordID != "" && payload.ID() == "" {
			payload[models.FieldID] = m.RecordID
		}
		return e.create(ctx, m.ResourceType, payload, false)
	case models.MutationUpdate:
		return e.update(ctx, m.ResourceType, m.RecordID, m.Payload, false)
	case models.MutationDelete:
		return nil, e.delete(ctx, m.ResourceType, m.RecordID)
	}
	return nil, fmt.Errorf("unknown mutation kind %q", m.Kind)
}

// findByUnique looks for a remote record matching payload on any of the
// resource type's uniqueness fields.
func (e *Engine) findByUnique(ctx context.Context, resourceType string, payload models.Record) (models.Record, error) {
	rc, ok := e.cfg.Resource(resourceType)
	if !ok {
		return nil, nil
	}
	for _, field := range rc.UniqueFields {
		v, present := payload[field]
		if !present || v == nil || v == "" {
			continue
		}
		records, err := e.remote.Select(ctx, resourceType, &remote.Filter{
			Equals: map[string]interface{}{field: v},
			Limit:  1,
		})
		if err != nil {
			return nil, err
		}
		if len(records) > 0 {
			return records[0], nil
		}
	}
	return nil, nil
}

// create inserts payload unless a record already holds one of its unique
// values, in which case the write becomes an update of that record.
// redirected is set when update sent us here, so the two never loop.
func (e *Engine) create(ctx context.Context, resourceType string, payload models.Record, redirected bool) (models.Record, error) {
	existing, err := e.findByUnique(ctx, resourceType, payload)
	if err != nil {
		return nil, err
	}
	if existing != nil && !redirected {
		logging.Info("Create matched existing record, updating instead", map[string]interface{}{
			"resource_type": resourceType,
			"record_id":     existing.ID(),
		})
		body := payload.Clone()
		delete(body, models.FieldID)
		return e.update(ctx, resourceType, existing.ID(), body, true)
	}
	return e.remote.Insert(ctx, resourceType, payload)
}

// update reconciles payload with the current remote record and writes the
// result. A record that no longer exists is recreated.
func (e *Engine) update(ctx context.Context, resourceType, id string, payload models.Record, redirected bool) (models.Record, error) {
	current, err := remote.GetByID(ctx, e.remote, resourceType, id)
	if remote.IsNotFound(err) && !redirected {
		logging.Info("Update target missing, recreating", map[string]interface{}{
			"resource_type": resourceType,
			"record_id":     id,
		})
		body := payload.Clone()
		if body == nil {
			body = models.Record{}
		}
		body[models.FieldID] = id
		return e.create(ctx, resourceType, body, true)
	}
	if err != nil {
		return nil, err
	}

	resolved, _, _ := e.resolver.Reconcile(payload, current, e.rules(resourceType))
	return e.remote.Update(ctx, resourceType, id, resolved)
}

// delete removes the record; one that is already gone counts as deleted.
func (e *Engine) delete(ctx context.Context, resourceType, id string) error {
	err := e.remote.Delete(ctx, resourceType, id)
	if remote.IsNotFound(err) {
		logging.Debug("Delete target already gone", map[string]interface{}{
			"resource_type": resourceType,
			"record_id":     id,
		})
		return nil
	}
	return err
}
