// Package main tests for daemon wiring, routing and operator commands.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/fieldsync/internal/config"
	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	syncpkg "github.com/kimhsiao/fieldsync/internal/sync"
	"github.com/kimhsiao/fieldsync/internal/sync/notify"
	"github.com/kimhsiao/fieldsync/internal/sync/remote"
	"github.com/kimhsiao/fieldsync/internal/sync/status"
)

// =====================================================
// Test Helpers
// =====================================================

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	logging.Init(io.Discard, logging.LevelError)
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.InstanceID = "test-instance"
	return cfg
}

func setupApp(t *testing.T, cfg *config.Config) *app {
	t.Helper()
	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func memoryStore(t *testing.T, a *app) *remote.MemoryStore {
	t.Helper()
	ms, ok := a.store.(*remote.MemoryStore)
	require.True(t, ok, "app without remote.dsn should use the in-memory store")
	return ms
}

// withConflict leaves one duplicate-key conflict behind.
func withConflict(t *testing.T, a *app) models.Conflict {
	t.Helper()
	memoryStore(t, a).FailNext(remote.OpInsert, remote.ErrUniqueViolation, 1)
	_, err := a.engine.Enqueue(models.NewMutation{
		Kind:         models.MutationCreate,
		ResourceType: "contacts",
		Payload:      models.Record{"email": "a@example.com", "name": "Ada"},
	})
	require.NoError(t, err)
	require.NoError(t, a.syncOnce(context.Background(), io.Discard, false))
	conflicts := a.engine.Conflicts()
	require.Len(t, conflicts, 1)
	return conflicts[0]
}

// =====================================================
// Command Tree Tests
// =====================================================

func TestRootCommand_subcommands(t *testing.T) {
	want := []string{"run", "sync", "status", "enqueue", "conflicts"}
	got := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		got[cmd.Name()] = true
	}
	for _, name := range want {
		assert.True(t, got[name], "missing subcommand %q", name)
	}

	var conflictSubs []string
	for _, cmd := range conflictsCmd.Commands() {
		conflictSubs = append(conflictSubs, cmd.Name())
	}
	assert.ElementsMatch(t, []string{"list", "resolve", "clear"}, conflictSubs)

	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("config"))
	assert.NotNil(t, syncCmd.Flags().Lookup("full"))
}

// =====================================================
// Enqueue / Sync Tests
// =====================================================

func TestParseMutation(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		data    string
		want    models.NewMutation
		wantErr bool
	}{
		{
			name: "create with payload",
			args: []string{"create", "contacts"},
			data: `{"email":"a@example.com"}`,
			want: models.NewMutation{Kind: models.MutationCreate, ResourceType: "contacts", Payload: models.Record{"email": "a@example.com"}},
		},
		{
			name: "delete with record id",
			args: []string{"delete", "contacts", "c1"},
			want: models.NewMutation{Kind: models.MutationDelete, ResourceType: "contacts", RecordID: "c1"},
		},
		{name: "unknown kind", args: []string{"upsert", "contacts"}, wantErr: true},
		{name: "payload not an object", args: []string{"create", "contacts"}, data: `[1,2]`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseMutation(tt.args, tt.data)
			if tt.wantErr {
				assert.True(t, apperrors.Is(err, apperrors.ErrInvalid), "err = %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestApp_enqueueThenSync(t *testing.T) {
	a := setupApp(t, testConfig(t))

	var out bytes.Buffer
	require.NoError(t, a.enqueue(&out, []string{"create", "contacts"}, `{"email":"a@example.com"}`))
	assert.Contains(t, out.String(), "Queued create contacts")
	assert.Equal(t, 1, a.engine.Queue().Len())

	out.Reset()
	require.NoError(t, a.syncOnce(context.Background(), &out, false))
	assert.Contains(t, out.String(), "incremental sync completed")
	assert.Contains(t, out.String(), "uploaded 1")
	assert.Equal(t, 0, a.engine.Queue().Len())
	assert.Equal(t, 1, memoryStore(t, a).Len("contacts"))

	out.Reset()
	require.NoError(t, a.syncOnce(context.Background(), &out, true))
	assert.Contains(t, out.String(), "full sync completed")
}

func TestApp_enqueue_invalid(t *testing.T) {
	a := setupApp(t, testConfig(t))

	err := a.enqueue(io.Discard, []string{"update", ""}, "")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
	assert.Equal(t, 0, a.engine.Queue().Len())
}

func TestApp_enqueue_signalsOtherInstance(t *testing.T) {
	cfg := testConfig(t)
	a := setupApp(t, cfg)

	other, err := notify.NewWatcher(cfg.DataDir, "daemon")
	require.NoError(t, err)
	defer other.Close()

	require.NoError(t, a.enqueue(io.Discard, []string{"create", "contacts"}, `{"email":"b@example.com"}`))

	select {
	case <-other.Signals():
	case <-time.After(2 * time.Second):
		t.Fatal("daemon instance was not signalled")
	}
}

func TestApp_queueSurvivesRestart(t *testing.T) {
	cfg := testConfig(t)
	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, a.enqueue(io.Discard, []string{"create", "contacts"}, `{"email":"c@example.com"}`))
	a.Close()

	restarted := setupApp(t, cfg)
	items := restarted.engine.Queue().List()
	require.Len(t, items, 1)
	assert.Equal(t, "c@example.com", items[0].Payload["email"])
	assert.Equal(t, 1, restarted.engine.Status().PendingCount)
}

// =====================================================
// Rendering Tests
// =====================================================

func TestRenderStatus(t *testing.T) {
	last := time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)
	var out bytes.Buffer
	renderStatus(&out, status.Snapshot{
		Online:        false,
		PendingCount:  3,
		ConflictCount: 1,
		LastSyncTime:  &last,
		RecentErrors: []models.SyncError{
			{MutationID: "m-1", Message: "connection refused", Timestamp: last},
		},
	})

	text := out.String()
	assert.Contains(t, text, "offline")
	assert.Contains(t, text, "Pending")
	assert.Contains(t, text, "3")
	assert.Contains(t, text, "Recent errors")
	assert.Contains(t, text, "m-1")
	assert.Contains(t, text, "connection refused")
	assert.NotContains(t, text, "never")
}

func TestRenderConflicts(t *testing.T) {
	var out bytes.Buffer
	renderConflicts(&out, nil)
	assert.Equal(t, "No sync conflicts.\n", out.String())

	out.Reset()
	renderConflicts(&out, []models.Conflict{{
		PendingMutation: models.PendingMutation{
			ID: "m-7", Kind: models.MutationCreate, ResourceType: "contacts",
			Payload: models.Record{"email": "a@example.com"},
		},
		Reason: models.ConflictReasonDuplicate,
	}})
	text := out.String()
	assert.Contains(t, text, "1 sync conflict need attention")
	assert.Contains(t, text, "m-7")
	assert.Contains(t, text, "a@example.com")
	assert.Contains(t, text, "duplicate")
}

// =====================================================
// Conflict Command Tests
// =====================================================

func TestResolveConflicts_prompted(t *testing.T) {
	a := setupApp(t, testConfig(t))
	c := withConflict(t, a)

	var asked []string
	promptChoice = func(c models.Conflict) (syncpkg.Choice, error) {
		asked = append(asked, c.ID)
		return syncpkg.ChoiceLocal, nil
	}
	defer func() { promptChoice = huhChoicePrompt }()

	var out bytes.Buffer
	require.NoError(t, a.resolveConflicts(context.Background(), &out, nil, ""))
	assert.Equal(t, []string{c.ID}, asked)
	assert.Contains(t, out.String(), "resolved (local)")
	assert.Empty(t, a.engine.Conflicts())
	assert.Equal(t, 1, a.engine.Queue().Len())
}

func TestResolveConflicts_skip(t *testing.T) {
	a := setupApp(t, testConfig(t))
	withConflict(t, a)

	promptChoice = func(models.Conflict) (syncpkg.Choice, error) { return "", nil }
	defer func() { promptChoice = huhChoicePrompt }()

	var out bytes.Buffer
	require.NoError(t, a.resolveConflicts(context.Background(), &out, nil, ""))
	assert.Contains(t, out.String(), "skipped")
	assert.Len(t, a.engine.Conflicts(), 1)
}

func TestResolveConflicts_flag(t *testing.T) {
	a := setupApp(t, testConfig(t))
	c := withConflict(t, a)

	promptChoice = func(models.Conflict) (syncpkg.Choice, error) {
		t.Fatal("prompt should not run when --choice is given")
		return "", nil
	}
	defer func() { promptChoice = huhChoicePrompt }()

	err := a.resolveConflicts(context.Background(), io.Discard, []string{"nope"}, "remote")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	err = a.resolveConflicts(context.Background(), io.Discard, []string{c.ID}, "theirs")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	require.NoError(t, a.resolveConflicts(context.Background(), io.Discard, []string{c.ID}, "remote"))
	assert.Empty(t, a.engine.Conflicts())
	assert.Equal(t, 0, a.engine.Queue().Len())
}

func TestClearConflicts_confirm(t *testing.T) {
	a := setupApp(t, testConfig(t))
	withConflict(t, a)

	answer := false
	promptConfirm = func(string) (bool, error) { return answer, nil }
	defer func() { promptConfirm = huhConfirmPrompt }()

	var out bytes.Buffer
	require.NoError(t, a.clearConflicts(&out, false))
	assert.Contains(t, out.String(), "Nothing cleared")
	assert.Len(t, a.engine.Conflicts(), 1)

	answer = true
	out.Reset()
	require.NoError(t, a.clearConflicts(&out, false))
	assert.Contains(t, out.String(), "Cleared 1 conflicts")
	assert.Empty(t, a.engine.Conflicts())
}

// =====================================================
// Daemon Tests
// =====================================================

func TestServe(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sync.Interval = 50 * time.Millisecond
	a := setupApp(t, cfg)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	base := "http://" + ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/api/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	resp, err := http.Post(base+"/sync/mutations", "application/json",
		strings.NewReader(`{"kind":"create","resource_type":"contacts","payload":{"email":"d@example.com"}}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	require.Eventually(t, func() bool {
		return a.engine.Queue().Len() == 0 && memoryStore(t, a).Len("contacts") == 1
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	seen := make(map[string]bool)
	for !seen[string(syncpkg.EventSyncCompleted)] || !seen[EventSyncStatus] {
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		var env WSEnvelope
		require.NoError(t, json.Unmarshal(msg, &env))
		seen[env.Type] = true
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
