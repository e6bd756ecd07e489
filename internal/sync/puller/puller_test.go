package puller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/fieldsync/internal/db"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/sync/conflict"
	"github.com/kimhsiao/fieldsync/internal/sync/remote"
)

var base = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func at(d time.Duration) string {
	return models.FormatTimestamp(base.Add(d))
}

type recordingPending struct {
	got     []models.NewMutation
	deletes map[string]bool
}

func (r *recordingPending) Enqueue(m models.NewMutation) models.PendingMutation {
	r.got = append(r.got, m)
	return models.PendingMutation{ID: "re-1", Kind: m.Kind, ResourceType: m.ResourceType, RecordID: m.RecordID, Payload: m.Payload}
}

func (r *recordingPending) Deleting(resourceType, recordID string) bool {
	return r.deletes[resourceType+"/"+recordID]
}

type fixture struct {
	store    *remote.MemoryStore
	repo     *db.MemoryRepository
	enqueuer *recordingPending
	puller   *Puller
}

func newFixture(strategy conflict.Strategy) *fixture {
	f := &fixture{
		store:    remote.NewMemoryStore(),
		repo:     db.NewMemoryRepository(),
		enqueuer: &recordingPending{deletes: map[string]bool{}},
	}
	f.puller = New(f.store, f.repo, NewWatermarks(f.repo), conflict.NewResolver(strategy), nil, f.enqueuer)
	return f
}

// =====================================================
// Watermark Tests
// =====================================================

// TestWatermarks_persist verifies watermarks survive a new instance.
func TestWatermarks_persist(t *testing.T) {
	repo := db.NewMemoryRepository()
	w := NewWatermarks(repo)

	ts, err := w.Get("contacts")
	require.NoError(t, err)
	assert.True(t, ts.IsZero())

	require.NoError(t, w.Set("contacts", base))
	_, found, _ := repo.GetState(Key("contacts"))
	assert.True(t, found)

	ts, err = NewWatermarks(repo).Get("contacts")
	require.NoError(t, err)
	assert.True(t, ts.Equal(base))
}

// TestWatermarks_writeFailure verifies a failed write leaves the cache untouched.
func TestWatermarks_writeFailure(t *testing.T) {
	repo := db.NewMemoryRepository()
	w := NewWatermarks(repo)
	require.NoError(t, w.Set("contacts", base))

	repo.PutStateErr = errors.New("read-only")
	assert.Error(t, w.Set("contacts", base.Add(time.Hour)))
	ts, _ := w.Get("contacts")
	assert.True(t, ts.Equal(base))
}

// =====================================================
// Full Pull Tests
// =====================================================

// TestFullPull verifies projections are replaced and the watermark set.
func TestFullPull(t *testing.T) {
	f := newFixture(conflict.StrategyClientWins)
	f.store.Seed("contacts",
		models.Record{"id": "1", "updated_at": at(time.Minute)},
		models.Record{"id": "2", "updated_at": at(3 * time.Minute)},
	)
	require.NoError(t, f.repo.PutProjection(&models.Projection{ResourceType: "contacts", RecordID: "stale"}))
	require.NoError(t, f.repo.PutProjection(&models.Projection{ResourceType: "contacts", RecordID: "pending-create", LocalEdit: true}))

	res, err := f.puller.FullPull(context.Background(), "contacts")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Fetched)
	assert.True(t, res.Watermark.Equal(base.Add(3*time.Minute)))

	list, err := f.repo.ListProjections("contacts")
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, p := range list {
		ids[p.RecordID] = true
	}
	assert.Equal(t, map[string]bool{"1": true, "2": true, "pending-create": true}, ids)
}

// TestFullPull_queuedDeleteStaysGone verifies a record deleted locally but
// not yet on the remote store is not brought back.
func TestFullPull_queuedDeleteStaysGone(t *testing.T) {
	f := newFixture(conflict.StrategyClientWins)
	f.store.Seed("contacts",
		models.Record{"id": "1", "updated_at": at(time.Minute)},
		models.Record{"id": "2", "updated_at": at(2 * time.Minute)},
	)
	f.enqueuer.deletes["contacts/2"] = true

	res, err := f.puller.FullPull(context.Background(), "contacts")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Fetched)
	assert.Equal(t, 1, res.Applied)
	assert.True(t, res.Watermark.Equal(base.Add(2*time.Minute)))

	_, found, _ := f.repo.GetProjection("contacts", "2")
	assert.False(t, found)
	_, found, _ = f.repo.GetProjection("contacts", "1")
	assert.True(t, found)
}

// TestFullPull_ignoresWatermark verifies a full pull fetches records older
// than the stored watermark.
func TestFullPull_ignoresWatermark(t *testing.T) {
	f := newFixture(conflict.StrategyClientWins)
	require.NoError(t, f.puller.Watermarks().Set("contacts", base.Add(time.Hour)))
	f.store.Seed("contacts", models.Record{"id": "old", "updated_at": at(0)})

	res, err := f.puller.FullPull(context.Background(), "contacts")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Fetched)
	_, found, _ := f.repo.GetProjection("contacts", "old")
	assert.True(t, found)
}

// TestFullPull_remoteError verifies projections are untouched on failure.
func TestFullPull_remoteError(t *testing.T) {
	f := newFixture(conflict.StrategyClientWins)
	require.NoError(t, f.repo.PutProjection(&models.Projection{ResourceType: "contacts", RecordID: "keep"}))
	f.store.FailNext(remote.OpSelect, errors.New("503"), 1)

	_, err := f.puller.FullPull(context.Background(), "contacts")
	require.Error(t, err)
	_, found, _ := f.repo.GetProjection("contacts", "keep")
	assert.True(t, found)
}

// =====================================================
// Incremental Pull Tests
// =====================================================

// TestIncrementalPull_watermark verifies only newer records are fetched and
// the watermark advances.
func TestIncrementalPull_watermark(t *testing.T) {
	f := newFixture(conflict.StrategyClientWins)
	require.NoError(t, f.puller.Watermarks().Set("contacts", base.Add(time.Minute)))
	f.store.Seed("contacts",
		models.Record{"id": "old", "updated_at": at(time.Minute)},
		models.Record{"id": "new", "updated_at": at(5 * time.Minute)},
	)

	res, err := f.puller.IncrementalPull(context.Background(), "contacts")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Fetched)
	assert.Equal(t, 1, res.Applied)
	assert.True(t, res.Watermark.Equal(base.Add(5*time.Minute)))

	_, found, _ := f.repo.GetProjection("contacts", "old")
	assert.False(t, found)

	res, err = f.puller.IncrementalPull(context.Background(), "contacts")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Fetched)
	assert.True(t, res.Watermark.Equal(base.Add(5*time.Minute)), "unchanged when nothing returned")
}

// TestIncrementalPull_cleanProjectionOverwritten verifies server state replaces
// projections without local edits.
func TestIncrementalPull_cleanProjectionOverwritten(t *testing.T) {
	f := newFixture(conflict.StrategyClientWins)
	require.NoError(t, f.repo.PutProjection(&models.Projection{
		ResourceType: "contacts", RecordID: "1",
		Payload: models.Record{"id": "1", "name": "old", "updated_at": at(0)},
	}))
	f.store.Seed("contacts", models.Record{"id": "1", "name": "new", "updated_at": at(time.Minute)})

	res, err := f.puller.IncrementalPull(context.Background(), "contacts")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Conflicts)
	p, _, _ := f.repo.GetProjection("contacts", "1")
	assert.Equal(t, "new", p.Payload["name"])
	assert.Empty(t, f.enqueuer.got)
}

// TestIncrementalPull_queuedDeleteStaysGone verifies a pulled record is
// skipped while its delete waits in the queue.
func TestIncrementalPull_queuedDeleteStaysGone(t *testing.T) {
	f := newFixture(conflict.StrategyClientWins)
	f.store.Seed("contacts", models.Record{"id": "1", "name": "Theirs", "updated_at": at(time.Minute)})
	f.enqueuer.deletes["contacts/1"] = true

	res, err := f.puller.IncrementalPull(context.Background(), "contacts")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Fetched)
	assert.Equal(t, 0, res.Applied)
	_, found, _ := f.repo.GetProjection("contacts", "1")
	assert.False(t, found)
	assert.Empty(t, f.enqueuer.got)

	delete(f.enqueuer.deletes, "contacts/1")
	f.store.Seed("contacts", models.Record{"id": "1", "name": "Theirs again", "updated_at": at(2 * time.Minute)})
	_, err = f.puller.IncrementalPull(context.Background(), "contacts")
	require.NoError(t, err)
	p, found, _ := f.repo.GetProjection("contacts", "1")
	require.True(t, found)
	assert.Equal(t, "Theirs again", p.Payload["name"])
}

// TestIncrementalPull_clientWinsReenqueues verifies a local edit that wins is
// queued as an update.
func TestIncrementalPull_clientWinsReenqueues(t *testing.T) {
	f := newFixture(conflict.StrategyClientWins)
	require.NoError(t, f.repo.PutProjection(&models.Projection{
		ResourceType: "contacts", RecordID: "1", LocalEdit: true,
		Payload: models.Record{"id": "1", "name": "mine", "updated_at": at(0)},
	}))
	f.store.Seed("contacts", models.Record{"id": "1", "name": "theirs", "updated_at": at(time.Minute)})

	res, err := f.puller.IncrementalPull(context.Background(), "contacts")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Conflicts)
	assert.Equal(t, 1, res.Reenqueued)

	require.Len(t, f.enqueuer.got, 1)
	m := f.enqueuer.got[0]
	assert.Equal(t, models.MutationUpdate, m.Kind)
	assert.Equal(t, "1", m.RecordID)
	assert.Equal(t, "mine", m.Payload["name"])

	p, _, _ := f.repo.GetProjection("contacts", "1")
	assert.True(t, p.LocalEdit)
	assert.Equal(t, "mine", p.Payload["name"])
}

// TestIncrementalPull_serverWins verifies a losing local edit is discarded
// and nothing is queued.
func TestIncrementalPull_serverWins(t *testing.T) {
	f := newFixture(conflict.StrategyServerWins)
	require.NoError(t, f.repo.PutProjection(&models.Projection{
		ResourceType: "contacts", RecordID: "1", LocalEdit: true,
		Payload: models.Record{"id": "1", "name": "mine", "updated_at": at(0)},
	}))
	f.store.Seed("contacts", models.Record{"id": "1", "name": "theirs", "updated_at": at(time.Minute)})

	res, err := f.puller.IncrementalPull(context.Background(), "contacts")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Conflicts)
	assert.Empty(t, f.enqueuer.got)

	p, _, _ := f.repo.GetProjection("contacts", "1")
	assert.False(t, p.LocalEdit)
	assert.Equal(t, "theirs", p.Payload["name"])
}

// TestIncrementalPull_mergeReenqueues verifies merged records are queued.
func TestIncrementalPull_mergeReenqueues(t *testing.T) {
	f := newFixture(conflict.StrategyMerge)
	require.NoError(t, f.repo.PutProjection(&models.Projection{
		ResourceType: "contacts", RecordID: "1", LocalEdit: true,
		Payload: models.Record{"id": "1", "tags": []interface{}{"a"}, "updated_at": at(0)},
	}))
	f.store.Seed("contacts", models.Record{"id": "1", "tags": []interface{}{"b"}, "city": "Oslo", "updated_at": at(time.Minute)})

	_, err := f.puller.IncrementalPull(context.Background(), "contacts")
	require.NoError(t, err)
	require.Len(t, f.enqueuer.got, 1)
	assert.ElementsMatch(t, []interface{}{"a", "b"}, f.enqueuer.got[0].Payload["tags"])
	assert.Equal(t, "Oslo", f.enqueuer.got[0].Payload["city"])
}

// TestIncrementalPull_localNewerKept verifies a local edit newer than the
// pulled record is left alone.
func TestIncrementalPull_localNewerKept(t *testing.T) {
	f := newFixture(conflict.StrategyServerWins)
	require.NoError(t, f.repo.PutProjection(&models.Projection{
		ResourceType: "contacts", RecordID: "1", LocalEdit: true,
		Payload: models.Record{"id": "1", "name": "mine", "updated_at": at(time.Hour)},
	}))
	f.store.Seed("contacts", models.Record{"id": "1", "name": "theirs", "updated_at": at(time.Minute)})

	res, err := f.puller.IncrementalPull(context.Background(), "contacts")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Applied)
	p, _, _ := f.repo.GetProjection("contacts", "1")
	assert.Equal(t, "mine", p.Payload["name"])
	assert.True(t, res.Watermark.Equal(base.Add(time.Minute)), "watermark still advances")
}
