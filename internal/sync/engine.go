package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/fieldsync/internal/config"
	"github.com/kimhsiao/fieldsync/internal/db"
	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/sync/conflict"
	"github.com/kimhsiao/fieldsync/internal/sync/puller"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
	"github.com/kimhsiao/fieldsync/internal/sync/remote"
	"github.com/kimhsiao/fieldsync/internal/sync/status"
	"github.com/kimhsiao/fieldsync/internal/uuid"
)

// CycleKind tells a full cycle from an incremental one.
type CycleKind string

const (
	CycleFull        CycleKind = "full"
	CycleIncremental CycleKind = "incremental"
)

// Reasons a trigger did not run a cycle.
const (
	SkipInProgress = "in_progress"
	SkipOffline    = "offline"
)

// SyncResult represents the result of a sync operation.
type SyncResult struct {
	Kind       CycleKind       `json:"kind"`
	Skipped    bool            `json:"skipped"`
	SkipReason string          `json:"skip_reason,omitempty"`
	StartTime  time.Time       `json:"start_time"`
	EndTime    time.Time       `json:"end_time"`
	Duration   time.Duration   `json:"duration"`
	Drain      DrainResult     `json:"drain"`
	Pulls      []puller.Result `json:"pulls,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Downloaded returns the number of records fetched across all pulls.
func (r *SyncResult) Downloaded() int {
	n := 0
	for _, p := range r.Pulls {
		n += p.Fetched
	}
	return n
}

// Online is the connectivity oracle consulted before every cycle.
type Online interface {
	IsOnline() bool
}

type alwaysOnline struct{}

func (alwaysOnline) IsOnline() bool { return true }

// Engine drives sync cycles over the pending queue, the conflict store and
// the remote store. It is safe for concurrent use; at most one cycle runs at
// a time.
type Engine struct {
	cfg       *config.Config
	remote    remote.Store
	repo      db.SyncRepository
	queue     *queue.Queue
	conflicts *conflict.Store
	status    *status.Store
	resolver  *conflict.Resolver
	puller    *puller.Puller
	online    Online
	now       func() time.Time

	handlerMu sync.RWMutex
	handler   SyncEventHandler
}

// Option configures an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	now    func() time.Time
	ids    uuid.Source
	manual conflict.ManualFunc
	online Online
}

// WithClock replaces the clock used for every timestamp the engine writes.
func WithClock(now func() time.Time) Option {
	return func(o *engineOptions) { o.now = now }
}

// WithIDSource replaces the mutation id generator.
func WithIDSource(src uuid.Source) Option {
	return func(o *engineOptions) { o.ids = src }
}

// WithManualResolver sets the resolver used by the manual strategy.
func WithManualResolver(fn conflict.ManualFunc) Option {
	return func(o *engineOptions) { o.manual = fn }
}

// WithConnectivity sets the online oracle. Without one the engine assumes
// it is always online.
func WithConnectivity(online Online) Option {
	return func(o *engineOptions) { o.online = online }
}

// NewEngine wires an Engine over store and the local repository.
func NewEngine(cfg *config.Config, store remote.Store, repo db.SyncRepository, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	o := engineOptions{now: time.Now, ids: uuid.NewV7, online: alwaysOnline{}}
	for _, opt := range opts {
		opt(&o)
	}

	strategy, err := conflict.ParseStrategy(cfg.Sync.Strategy)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid sync strategy", err)
	}

	q, err := queue.New(repo, queue.WithClock(o.now), queue.WithIDSource(o.ids))
	if err != nil {
		return nil, fmt.Errorf("failed to open sync queue: %w", err)
	}
	conflicts, err := conflict.NewStore(repo)
	if err != nil {
		return nil, fmt.Errorf("failed to open conflict store: %w", err)
	}
	conflicts.SetClock(o.now)

	st := status.New(cfg.Sync.RecentErrors)
	st.SetClock(o.now)
	if last := q.LastSyncTime(); !last.IsZero() {
		st.SetLastSyncTime(last)
	}

	resolverOpts := []conflict.Option{conflict.WithClock(o.now)}
	if o.manual != nil {
		resolverOpts = append(resolverOpts, conflict.WithManual(o.manual))
	}

	e := &Engine{
		cfg:       cfg,
		remote:    store,
		repo:      repo,
		queue:     q,
		conflicts: conflicts,
		status:    st,
		resolver:  conflict.NewResolver(strategy, resolverOpts...),
		online:    o.online,
		now:       o.now,
	}
	e.puller = puller.New(store, repo, puller.NewWatermarks(repo), e.resolver, e.rules, q)

	q.OnChange(func(queue.Event) { e.refreshCounts() })
	conflicts.OnAdd(func(c models.Conflict) {
		e.refreshCounts()
		e.emit(EventSyncConflictDetected, map[string]interface{}{
			"mutation_id":   c.ID,
			"resource_type": c.ResourceType,
			"record_id":     c.RecordID,
			"reason":        string(c.Reason),
			"message":       c.Message,
		})
	})
	e.refreshCounts()
	st.SetOnline(o.online.IsOnline())

	return e, nil
}

// Queue returns the pending mutation queue.
func (e *Engine) Queue() *queue.Queue { return e.queue }

// ConflictStore returns the conflict store.
func (e *Engine) ConflictStore() *conflict.Store { return e.conflicts }

// StatusStore returns the observable status store.
func (e *Engine) StatusStore() *status.Store { return e.status }

// Puller returns the remote change puller.
func (e *Engine) Puller() *puller.Puller { return e.puller }

// SetEventHandler sets the event handler for sync notifications.
func (e *Engine) SetEventHandler(handler SyncEventHandler) {
	e.handlerMu.Lock()
	defer e.handlerMu.Unlock()
	e.handler = handler
}

func (e *Engine) emit(t SyncEventType, data map[string]interface{}) {
	e.handlerMu.RLock()
	h := e.handler
	e.handlerMu.RUnlock()
	if h == nil {
		return
	}
	h.OnSyncEvent(SyncEvent{Type: t, Timestamp: e.now().UTC(), Data: data})
}

// rules returns the detection and merge rules of resourceType.
func (e *Engine) rules(resourceType string) conflict.Rules {
	if rc, ok := e.cfg.Resource(resourceType); ok {
		return conflict.RulesFromConfig(rc)
	}
	return conflict.DefaultRules()
}

func (e *Engine) refreshCounts() {
	e.status.SetCounts(e.queue.Len(), e.conflicts.Len())
}

// Status returns the current sync status.
func (e *Engine) Status() status.Snapshot {
	e.status.SetOnline(e.online.IsOnline())
	e.refreshCounts()
	return e.status.Snapshot()
}

// =====================================================
// Sync Cycles
// =====================================================

// FullSync pulls every configured resource type wholesale, then drains the
// whole queue. Runs at startup and on every offline to online transition.
func (e *Engine) FullSync(ctx context.Context) (*SyncResult, error) {
	return e.run(ctx, CycleFull)
}

// IncrementalSync drains the queue first so local intent reaches the remote
// store before remote state is absorbed, then pulls past each watermark.
func (e *Engine) IncrementalSync(ctx context.Context) (*SyncResult, error) {
	return e.run(ctx, CycleIncremental)
}

// SyncNow runs an incremental cycle on operator request.
func (e *Engine) SyncNow(ctx context.Context) (*SyncResult, error) {
	return e.run(ctx, CycleIncremental)
}

// run executes one cycle. A trigger while offline or while another cycle is
// running returns a skipped result without touching the remote store.
func (e *Engine) run(ctx context.Context, kind CycleKind) (*SyncResult, error) {
	result := &SyncResult{Kind: kind, StartTime: e.now()}

	online := e.online.IsOnline()
	e.status.SetOnline(online)
	if !online {
		return e.skip(result, SkipOffline), nil
	}
	if !e.status.TryBegin() {
		return e.skip(result, SkipInProgress), nil
	}
	defer e.status.Finish()

	logging.Info("Sync cycle started", map[string]interface{}{
		"kind":    string(kind),
		"pending": e.queue.Len(),
	})
	e.emit(EventSyncStarted, map[string]interface{}{"kind": string(kind)})

	err := e.cycle(ctx, kind, result)

	result.EndTime = e.now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	e.refreshCounts()

	if err != nil {
		result.Error = err.Error()
		e.status.RecordError("", err.Error())
		logging.ErrorWithCode("Sync cycle failed", string(apperrors.ErrSyncFailed), err, map[string]interface{}{
			"kind":    string(kind),
			"applied": result.Drain.Applied,
		})
		e.emit(EventSyncFailed, map[string]interface{}{
			"kind":       string(kind),
			"error_code": string(apperrors.ErrSyncFailed),
			"error":      err.Error(),
		})
		return result, apperrors.Wrap(apperrors.ErrSyncFailed, fmt.Sprintf("%s sync failed", kind), err)
	}

	e.queue.SetLastSyncTime(result.EndTime)
	e.status.SetLastSyncTime(result.EndTime.UTC())

	logging.Info("Sync cycle completed", map[string]interface{}{
		"kind":        string(kind),
		"applied":     result.Drain.Applied,
		"retried":     result.Drain.Retried,
		"dropped":     result.Drain.Dropped,
		"escalated":   result.Drain.Escalated,
		"downloaded":  result.Downloaded(),
		"duration_ms": result.Duration.Milliseconds(),
	})
	e.emit(EventSyncCompleted, map[string]interface{}{
		"kind":       string(kind),
		"uploaded":   result.Drain.Applied,
		"downloaded": result.Downloaded(),
		"conflicts":  result.Drain.Escalated,
		"duration":   result.Duration.Milliseconds(),
	})
	return result, nil
}

func (e *Engine) skip(result *SyncResult, reason string) *SyncResult {
	result.Skipped = true
	result.SkipReason = reason
	result.EndTime = result.StartTime
	logging.Debug("Sync trigger skipped", map[string]interface{}{
		"kind":   string(result.Kind),
		"reason": reason,
	})
	return result
}

// cycle runs the steps of one cycle. Per-mutation failures never surface
// here; an error means a cycle-level step failed and the rest is abandoned.
func (e *Engine) cycle(ctx context.Context, kind CycleKind, result *SyncResult) error {
	// Another instance may have changed the shared queue since our last look.
	if err := e.queue.Reload(); err != nil {
		return err
	}
	if err := e.conflicts.Reload(); err != nil {
		return err
	}

	if kind == CycleFull {
		for _, rt := range e.cfg.ResourceNames() {
			pr, err := e.puller.FullPull(ctx, rt)
			if err != nil {
				return err
			}
			result.Pulls = append(result.Pulls, pr)
		}
		result.Drain = e.drain(ctx)
		return nil
	}

	result.Drain = e.drain(ctx)
	for _, rt := range e.cfg.ResourceNames() {
		pr, err := e.puller.IncrementalPull(ctx, rt)
		if err != nil {
			return err
		}
		result.Pulls = append(result.Pulls, pr)
	}
	return nil
}

// =====================================================
// Enqueue
// =====================================================

// Enqueue validates m, appends it to the queue and applies it to the local
// projection so reads reflect it before the remote store confirms.
func (e *Engine) Enqueue(m models.NewMutation) (models.PendingMutation, error) {
	if err := m.Validate(); err != nil {
		return models.PendingMutation{}, apperrors.Wrap(apperrors.ErrInvalid, "invalid mutation", err)
	}
	if _, ok := e.cfg.Resource(m.ResourceType); !ok {
		logging.Warn("Mutation for unconfigured resource type", map[string]interface{}{
			"resource_type": m.ResourceType,
		})
	}

	pm := e.queue.Enqueue(m)
	e.applyLocal(pm)
	return pm, nil
}

// localID is the projection id a mutation writes to. Creates without an id
// use a placeholder until the remote store assigns one.
func localID(m models.PendingMutation) string {
	if m.RecordID != "" {
		return m.RecordID
	}
	if id := m.Payload.ID(); id != "" {
		return id
	}
	return "~" + m.ID
}

func (e *Engine) applyLocal(m models.PendingMutation) {
	id := localID(m)
	var err error
	switch m.Kind {
	case models.MutationDelete:
		err = e.repo.DeleteProjection(m.ResourceType, id)
	default:
		payload := models.Record{}
		if m.Kind == models.MutationUpdate {
			if existing, found, getErr := e.repo.GetProjection(m.ResourceType, id); getErr == nil && found {
				payload = existing.Payload.Clone()
			}
		}
		for k, v := range m.Payload {
			payload[k] = v
		}
		payload[models.FieldID] = id
		ts, _ := payload.Timestamp(e.rules(m.ResourceType).Field())
		err = e.repo.PutProjection(&models.Projection{
			ResourceType: m.ResourceType,
			RecordID:     id,
			Payload:      payload,
			UpdatedAt:    ts,
			LocalEdit:    true,
		})
	}
	if err != nil {
		logging.Warn("Failed to apply mutation to local projection", map[string]interface{}{
			"mutation_id":   m.ID,
			"resource_type": m.ResourceType,
			"record_id":     id,
			"error":         err.Error(),
		})
	}
}
