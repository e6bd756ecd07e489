// Package db provides unit tests for the sync repositories.
package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/fieldsync/internal/models"
)

func newSQLiteRepository(t *testing.T) *Repository {
	t.Helper()
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	repo := NewRepository(db.DB)
	t.Cleanup(func() {
		repo.Close()
		db.Close()
	})
	return repo
}

// repositories runs a test against every SyncRepository implementation.
func repositories(t *testing.T, fn func(t *testing.T, repo SyncRepository)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLiteRepository(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryRepository()) })
}

// =====================================================
// Named State Tests
// =====================================================

// TestRepository_State verifies put, overwrite, read and delete.
func TestRepository_State(t *testing.T) {
	repositories(t, func(t *testing.T, repo SyncRepository) {
		_, found, err := repo.GetState("queue")
		require.NoError(t, err)
		assert.False(t, found)

		require.NoError(t, repo.PutState("queue", []byte(`{"a":1}`)))
		require.NoError(t, repo.PutState("queue", []byte(`{"a":2}`)))

		v, found, err := repo.GetState("queue")
		require.NoError(t, err)
		require.True(t, found)
		assert.JSONEq(t, `{"a":2}`, string(v))

		require.NoError(t, repo.DeleteState("queue"))
		require.NoError(t, repo.DeleteState("queue"))
		_, found, err = repo.GetState("queue")
		require.NoError(t, err)
		assert.False(t, found)
	})
}

// TestRepository_State_survivesReopen verifies durability across connections.
func TestRepository_State_survivesReopen(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir)
	require.NoError(t, err)
	repo := NewRepository(db.DB)
	require.NoError(t, repo.PutState("conflicts", []byte(`[]`)))
	repo.Close()
	db.Close()

	db, err = Open(dir)
	require.NoError(t, err)
	defer db.Close()
	v, found, err := NewRepository(db.DB).GetState("conflicts")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "[]", string(v))
}

// =====================================================
// Projection Tests
// =====================================================

func projection(id string, updated time.Time, local bool) *models.Projection {
	return &models.Projection{
		ResourceType: "contacts",
		RecordID:     id,
		Payload:      models.Record{"id": id, "email": id + "@example.com"},
		UpdatedAt:    updated,
		LocalEdit:    local,
	}
}

// TestRepository_Projections verifies upsert, ordering and delete.
func TestRepository_Projections(t *testing.T) {
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	repositories(t, func(t *testing.T, repo SyncRepository) {
		require.NoError(t, repo.PutProjection(projection("c1", base, false)))
		require.NoError(t, repo.PutProjection(projection("c2", base.Add(time.Hour), true)))

		p, found, err := repo.GetProjection("contacts", "c2")
		require.NoError(t, err)
		require.True(t, found)
		assert.True(t, p.LocalEdit)
		assert.Equal(t, "c2@example.com", p.Payload["email"])
		assert.True(t, p.UpdatedAt.Equal(base.Add(time.Hour)))

		list, err := repo.ListProjections("contacts")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "c2", list[0].RecordID, "newest first")

		updated := projection("c1", base.Add(2*time.Hour), false)
		updated.Payload["email"] = "new@example.com"
		require.NoError(t, repo.PutProjection(updated))
		p, _, err = repo.GetProjection("contacts", "c1")
		require.NoError(t, err)
		assert.Equal(t, "new@example.com", p.Payload["email"])

		require.NoError(t, repo.DeleteProjection("contacts", "c1"))
		_, found, err = repo.GetProjection("contacts", "c1")
		require.NoError(t, err)
		assert.False(t, found)

		empty, err := repo.ListProjections("events")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

// TestRepository_ReplaceProjections verifies a full replacement drops stale rows
// and leaves other resource types untouched.
func TestRepository_ReplaceProjections(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)

	repositories(t, func(t *testing.T, repo SyncRepository) {
		require.NoError(t, repo.PutProjection(projection("old", now, true)))
		other := projection("e1", now, false)
		other.ResourceType = "events"
		require.NoError(t, repo.PutProjection(other))

		require.NoError(t, repo.ReplaceProjections("contacts", []*models.Projection{
			projection("n1", now, false),
			projection("n2", now, false),
		}))

		list, err := repo.ListProjections("contacts")
		require.NoError(t, err)
		require.Len(t, list, 2)
		for _, p := range list {
			assert.NotEqual(t, "old", p.RecordID)
		}

		events, err := repo.ListProjections("events")
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})
}

// TestMemoryRepository_isolation verifies callers cannot mutate stored state.
func TestMemoryRepository_isolation(t *testing.T) {
	repo := NewMemoryRepository()
	p := projection("c1", time.Now(), false)
	require.NoError(t, repo.PutProjection(p))
	p.Payload["email"] = "changed"

	got, _, err := repo.GetProjection("contacts", "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1@example.com", got.Payload["email"])

	buf := []byte("abc")
	require.NoError(t, repo.PutState("k", buf))
	buf[0] = 'z'
	v, _, _ := repo.GetState("k")
	assert.Equal(t, "abc", string(v))
	assert.Equal(t, 1, repo.PutStateCalls())
}
