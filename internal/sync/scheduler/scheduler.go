// Package scheduler turns timer ticks, connectivity changes, local queue
// changes and signals from other instances into sync cycles.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	syncpkg "github.com/kimhsiao/fieldsync/internal/sync"
	"github.com/kimhsiao/fieldsync/internal/sync/notify"
)

// Scheduler manages background sync operations.
type Scheduler struct {
	engine       syncpkg.SyncEngineInterface
	channel      notify.Channel
	syncInterval time.Duration
	syncTimeout  time.Duration

	notifyCh chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup

	mu           sync.RWMutex
	isRunning    bool
	isOnline     bool
	lastSyncTime time.Time
	lastResult   *syncpkg.SyncResult
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval time.Duration // Incremental sync period (default: 30 seconds)
	SyncTimeout  time.Duration // Upper bound of one cycle (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval: 30 * time.Second,
		SyncTimeout:  5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler. channel may be nil when no other
// instance shares the local store.
func NewScheduler(engine syncpkg.SyncEngineInterface, channel notify.Channel, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	if config.SyncTimeout <= 0 {
		config.SyncTimeout = DefaultSchedulerConfig().SyncTimeout
	}

	return &Scheduler{
		engine:       engine,
		channel:      channel,
		syncInterval: config.SyncInterval,
		syncTimeout:  config.SyncTimeout,
		notifyCh:     make(chan struct{}, 1),
		isOnline:     true, // Assume online initially
	}
}

// Start runs a full sync and then keeps triggering incremental syncs until
// Stop is called or ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	s.mu.Unlock()

	go s.loop(ctx)
	s.spawn(ctx, syncpkg.CycleFull)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"interval_seconds": s.syncInterval.Seconds(),
	})
}

// Stop stops the scheduler and waits for running cycles to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// SetOnlineStatus changes the online status of the scheduler. Coming back
// online triggers a full sync.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	s.mu.Unlock()

	if wasOnline == isOnline {
		return
	}
	logging.Info("Online status changed",
		map[string]interface{}{
			"was_online": wasOnline,
			"is_online":  isOnline,
		})
	if isOnline {
		s.spawn(context.Background(), syncpkg.CycleFull)
	}
}

// Notify reports a local queue change: other instances are told through the
// notification channel and an incremental sync is requested.
func (s *Scheduler) Notify() {
	if s.channel != nil {
		if err := s.channel.Publish(); err != nil {
			logging.Warn("Failed to publish queue change", map[string]interface{}{"error": err.Error()})
		}
	}
	select {
	case s.notifyCh <- struct{}{}:
	default:
	}
}

// loop waits for triggers. Each trigger starts a cycle in its own goroutine
// so a trigger arriving during a cycle reaches the engine and is dropped
// there instead of being queued behind it.
func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	var signals <-chan struct{}
	if s.channel != nil {
		signals = s.channel.Signals()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.spawn(ctx, syncpkg.CycleIncremental)
		case <-s.notifyCh:
			s.spawn(ctx, syncpkg.CycleIncremental)
		case _, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			logging.Debug("Queue changed in another instance", nil)
			s.spawn(ctx, syncpkg.CycleIncremental)
		}
	}
}

// spawn starts a cycle unless the scheduler is stopped or offline.
func (s *Scheduler) spawn(ctx context.Context, kind syncpkg.CycleKind) bool {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return false
	}
	if !s.isOnline {
		s.mu.Unlock()
		logging.Debug("Skipping sync - scheduler is offline", map[string]interface{}{"kind": string(kind)})
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.runSync(ctx, kind)
	}()
	return true
}

// runSync executes a sync operation.
func (s *Scheduler) runSync(ctx context.Context, kind syncpkg.CycleKind) {
	syncCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()

	var (
		result *syncpkg.SyncResult
		err    error
	)
	if kind == syncpkg.CycleFull {
		result, err = s.engine.FullSync(syncCtx)
	} else {
		result, err = s.engine.IncrementalSync(syncCtx)
	}

	if err != nil {
		logging.ErrorWithCode("Scheduled sync failed", string(errors.ErrSyncFailed), err,
			map[string]interface{}{"kind": string(kind)})
	}
	if result == nil || result.Skipped {
		return
	}

	s.mu.Lock()
	s.lastResult = result
	if err == nil {
		s.lastSyncTime = result.EndTime
	}
	s.mu.Unlock()
}

// TriggerSync triggers an immediate incremental sync.
// Returns true if sync was started, false if sync is already in progress or
// the scheduler cannot run one.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	if s.engine.Status().IsSyncing {
		return false
	}
	return s.spawn(ctx, syncpkg.CycleIncremental)
}

// SyncNow runs an incremental sync and waits for it.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	syncCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()

	result, err := s.engine.SyncNow(syncCtx)
	if result != nil && !result.Skipped {
		s.mu.Lock()
		s.lastResult = result
		if err == nil {
			s.lastSyncTime = result.EndTime
		}
		s.mu.Unlock()
	}
	return result, err
}

// SchedulerStatus is a snapshot of the scheduler state.
type SchedulerStatus struct {
	IsRunning    bool                `json:"is_running"`
	IsOnline     bool                `json:"is_online"`
	LastSyncTime *time.Time          `json:"last_sync_time,omitempty"`
	LastResult   *syncpkg.SyncResult `json:"last_result,omitempty"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:  s.isRunning,
		IsOnline:   s.isOnline,
		LastResult: s.lastResult,
	}
	if !s.lastSyncTime.IsZero() {
		ts := s.lastSyncTime
		status.LastSyncTime = &ts
	}
	return status
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
