// Package connectivity tracks whether the remote store is reachable.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/sync/remote"
)

// DefaultProbeTimeout bounds a single reachability probe.
const DefaultProbeTimeout = 5 * time.Second

// Monitor holds the online flag. The flag changes either through SetOnline
// (an externally reported network state) or through periodic probes of a
// remote.Pinger. Listeners are called on every transition.
type Monitor struct {
	pinger   remote.Pinger
	interval time.Duration
	timeout  time.Duration

	mu        sync.RWMutex
	online    bool
	listeners []func(online bool)

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// New creates a Monitor that starts in the given state. pinger may be nil, in
// which case only SetOnline changes the state.
func New(pinger remote.Pinger, interval time.Duration, online bool) *Monitor {
	return &Monitor{
		pinger:   pinger,
		interval: interval,
		timeout:  DefaultProbeTimeout,
		online:   online,
	}
}

// OnChange registers a transition listener. Listeners run synchronously on the
// goroutine that caused the transition and must not block.
func (m *Monitor) OnChange(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// IsOnline reports the current state.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// SetOnline records the network state and reports whether it changed.
func (m *Monitor) SetOnline(online bool) bool {
	m.mu.Lock()
	was := m.online
	m.online = online
	listeners := append([]func(bool){}, m.listeners...)
	m.mu.Unlock()

	if was == online {
		return false
	}
	logging.Info("Connectivity changed", map[string]interface{}{
		"was_online": was,
		"is_online":  online,
	})
	for _, fn := range listeners {
		fn(online)
	}
	return true
}

// Probe pings the remote store once and updates the state from the result.
func (m *Monitor) Probe(ctx context.Context) bool {
	if m.pinger == nil {
		return m.IsOnline()
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.pinger.Ping(probeCtx)
	if err != nil && ctx.Err() != nil {
		// Shutting down; not a connectivity signal.
		return m.IsOnline()
	}
	if err != nil {
		logging.Debug("Remote probe failed", map[string]interface{}{"error": err.Error()})
	}
	m.SetOnline(err == nil)
	return err == nil
}

// Start begins periodic probing. It is a no-op without a pinger or interval.
func (m *Monitor) Start(ctx context.Context) {
	if m.pinger == nil || m.interval <= 0 {
		return
	}
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	m.wg.Add(1)
	go m.probeLoop(ctx)
}

// Stop ends periodic probing and waits for the probe loop to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Monitor) probeLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}
