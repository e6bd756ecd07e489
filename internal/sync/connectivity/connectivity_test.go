package connectivity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/fieldsync/internal/sync/remote"
)

type transitions struct {
	mu  sync.Mutex
	got []bool
}

func (tr *transitions) record(online bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.got = append(tr.got, online)
}

func (tr *transitions) list() []bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]bool{}, tr.got...)
}

// =====================================================
// SetOnline Tests
// =====================================================

// TestSetOnline_transitionsOnly verifies listeners fire on changes only.
func TestSetOnline_transitionsOnly(t *testing.T) {
	m := New(nil, 0, true)
	tr := &transitions{}
	m.OnChange(tr.record)

	assert.False(t, m.SetOnline(true))
	assert.True(t, m.SetOnline(false))
	assert.False(t, m.SetOnline(false))
	assert.True(t, m.SetOnline(true))

	assert.Equal(t, []bool{false, true}, tr.list())
	assert.True(t, m.IsOnline())
}

// =====================================================
// Probe Tests
// =====================================================

// TestProbe verifies the ping result drives the state.
func TestProbe(t *testing.T) {
	store := remote.NewMemoryStore()
	m := New(store, 0, true)

	store.SetOffline(true)
	assert.False(t, m.Probe(context.Background()))
	assert.False(t, m.IsOnline())

	store.SetOffline(false)
	assert.True(t, m.Probe(context.Background()))
	assert.True(t, m.IsOnline())
}

// TestProbe_withoutPinger verifies the state is left alone.
func TestProbe_withoutPinger(t *testing.T) {
	m := New(nil, 0, false)
	assert.False(t, m.Probe(context.Background()))
}

// TestProbe_cancelledContext verifies shutdown is not read as going offline.
func TestProbe_cancelledContext(t *testing.T) {
	store := remote.NewMemoryStore()
	m := New(store, 0, true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m.Probe(ctx)
	assert.True(t, m.IsOnline())
}

// =====================================================
// Start/Stop Tests
// =====================================================

// TestStart_probesPeriodically verifies the loop notices an outage.
func TestStart_probesPeriodically(t *testing.T) {
	store := remote.NewMemoryStore()
	m := New(store, 10*time.Millisecond, true)
	tr := &transitions{}
	m.OnChange(tr.record)

	m.Start(context.Background())
	m.Start(context.Background())
	defer m.Stop()

	store.SetOffline(true)
	require.Eventually(t, func() bool { return !m.IsOnline() }, time.Second, 5*time.Millisecond)

	store.SetOffline(false)
	require.Eventually(t, m.IsOnline, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{false, true}, tr.list())
}

// TestStop_idempotent verifies Stop without Start and repeated Stop.
func TestStop_idempotent(t *testing.T) {
	m := New(remote.NewMemoryStore(), 10*time.Millisecond, true)
	m.Stop()
	m.Start(context.Background())
	m.Stop()
	m.Stop()
	assert.True(t, m.IsOnline())
}
