package sync

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/sync/remote"
)

// DrainResult counts what happened to the mutations of one drain.
type DrainResult struct {
	Processed int `json:"processed"`
	Applied   int `json:"applied"`
	Retried   int `json:"retried"`
	Dropped   int `json:"dropped"`
	Escalated int `json:"escalated"`
	Deferred  int `json:"deferred"`
}

// drainState is shared by the workers of one drain.
type drainState struct {
	mu      sync.Mutex
	res     DrainResult
	blocked map[string]bool
}

func (s *drainState) count(fn func(r *DrainResult)) {
	s.mu.Lock()
	fn(&s.res)
	s.mu.Unlock()
}

func (s *drainState) block(key string) {
	s.mu.Lock()
	s.blocked[key] = true
	s.mu.Unlock()
}

func (s *drainState) isBlocked(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocked[key]
}

// groupByRecord splits batch into per-record groups, keeping enqueue order
// inside each group and first-seen order across groups.
func groupByRecord(batch []models.PendingMutation) [][]models.PendingMutation {
	index := make(map[string]int)
	var groups [][]models.PendingMutation
	for _, m := range batch {
		key := m.RecordKey()
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], m)
	}
	return groups
}

// drain replays the queue against the remote store in fixed-size batches.
// Batches run one after another; inside a batch, mutations of different
// records run concurrently and mutations of one record run in order. A
// mutation left in the queue for retry holds back later mutations of the
// same record until the next drain.
func (e *Engine) drain(ctx context.Context) DrainResult {
	items := e.queue.List()
	if len(items) == 0 {
		return DrainResult{}
	}

	size := e.cfg.Sync.BatchSize
	if size <= 0 {
		size = len(items)
	}
	state := &drainState{blocked: make(map[string]bool)}

	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}

		var g errgroup.Group
		for _, group := range groupByRecord(items[start:end]) {
			g.Go(func() error {
				for _, m := range group {
					// An earlier create of the group may have rekeyed m.
					cur, ok := e.queue.Get(m.ID)
					if !ok {
						continue
					}
					m = cur
					if state.isBlocked(m.RecordKey()) {
						state.count(func(r *DrainResult) { r.Deferred++ })
						continue
					}
					e.process(ctx, m, state)
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	logging.Info("Queue drained", map[string]interface{}{
		"processed": state.res.Processed,
		"applied":   state.res.Applied,
		"retried":   state.res.Retried,
		"dropped":   state.res.Dropped,
		"escalated": state.res.Escalated,
		"deferred":  state.res.Deferred,
	})
	return state.res
}

// process replays one mutation and settles its queue entry.
func (e *Engine) process(ctx context.Context, m models.PendingMutation, state *drainState) {
	state.count(func(r *DrainResult) { r.Processed++ })

	rec, err := e.apply(ctx, m)
	if err == nil {
		e.queue.Remove(m.ID)
		e.confirm(m, rec)
		state.count(func(r *DrainResult) { r.Applied++ })
		return
	}

	fields := map[string]interface{}{
		"mutation_id":   m.ID,
		"kind":          string(m.Kind),
		"resource_type": m.ResourceType,
		"record_id":     m.RecordID,
		"error":         err.Error(),
	}

	if remote.IsUniqueViolation(err) {
		e.conflicts.Add(m, models.ConflictReasonDuplicate, err.Error())
		e.queue.Remove(m.ID)
		state.count(func(r *DrainResult) { r.Escalated++ })
		return
	}

	retries := e.queue.IncrementRetry(m.ID)
	if retries == 0 {
		// Removed by another instance while we were replaying it.
		logging.Debug("Mutation left the queue during replay", fields)
		return
	}
	fields["retry_count"] = retries

	if retries >= e.cfg.Sync.MaxRetries {
		e.queue.Remove(m.ID)
		e.status.RecordError(m.ID, err.Error())
		if e.cfg.Sync.EscalateExhaustedRetries {
			exhausted := m.Clone()
			exhausted.RetryCount = retries
			e.conflicts.Add(exhausted, models.ConflictReasonRetryExhausted, err.Error())
		} else {
			e.forgetPlaceholder(m)
		}
		logging.Error("Mutation dropped after retry ceiling", err, fields)
		state.count(func(r *DrainResult) { r.Dropped++ })
		return
	}

	logging.Warn("Mutation replay failed, will retry", fields)
	state.block(m.RecordKey())
	state.count(func(r *DrainResult) { r.Retried++ })
}

// confirm writes the record the remote store returned into the projection.
func (e *Engine) confirm(m models.PendingMutation, rec models.Record) {
	var err error
	switch {
	case m.Kind == models.MutationDelete:
		err = e.repo.DeleteProjection(m.ResourceType, localID(m))
	case rec != nil && rec.ID() != "":
		var followers []models.PendingMutation
		if placeholder(m) {
			e.forgetPlaceholder(m)
			followers = e.queue.Rekey(m.ResourceType, localID(m), rec.ID())
		}
		ts, _ := rec.Timestamp(e.rules(m.ResourceType).Field())
		err = e.repo.PutProjection(&models.Projection{
			ResourceType: m.ResourceType,
			RecordID:     rec.ID(),
			Payload:      rec,
			UpdatedAt:    ts,
			LocalEdit:    e.hasPending(m.ResourceType, rec.ID()),
		})
		// Writes queued against the placeholder still show on top of the
		// confirmed record.
		for _, f := range followers {
			e.applyLocal(f)
		}
	}
	if err != nil {
		logging.Warn("Failed to refresh projection after replay", map[string]interface{}{
			"mutation_id":   m.ID,
			"resource_type": m.ResourceType,
			"error":         err.Error(),
		})
	}
}

// placeholder reports whether m is a create projected under a placeholder id.
func placeholder(m models.PendingMutation) bool {
	return m.Kind == models.MutationCreate && m.RecordID == "" && m.Payload.ID() == ""
}

// forgetPlaceholder removes the projection a create without id wrote under
// a placeholder.
func (e *Engine) forgetPlaceholder(m models.PendingMutation) {
	if !placeholder(m) {
		return
	}
	if err := e.repo.DeleteProjection(m.ResourceType, localID(m)); err != nil {
		logging.Debug("Failed to remove placeholder projection", map[string]interface{}{
			"mutation_id": m.ID,
			"error":       err.Error(),
		})
	}
}

// hasPending reports whether the queue still holds a mutation for the record.
func (e *Engine) hasPending(resourceType, recordID string) bool {
	for _, m := range e.queue.List() {
		if m.ResourceType == resourceType && localID(m) == recordID {
			return true
		}
	}
	return false
}
