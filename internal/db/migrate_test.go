// Package db tests for database migration management.
package db

import (
	"database/sql"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemoryDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"m/V1__first.up.sql":    {Data: []byte("CREATE TABLE a (id INTEGER);")},
		"m/V1__first.down.sql":  {Data: []byte("DROP TABLE a;")},
		"m/V2__second.up.sql":   {Data: []byte("CREATE TABLE b (id INTEGER);")},
		"m/V2__second.down.sql": {Data: []byte("DROP TABLE b;")},
		"m/README.md":           {Data: []byte("ignored")},
		"m/Vx__bad.up.sql":      {Data: []byte("ignored")},
	}
}

// TestMigrator_CurrentVersion verifies version tracking before and after Initialize.
func TestMigrator_CurrentVersion(t *testing.T) {
	db := openMemoryDB(t)
	m := NewMigrator(db, testMigrations(), "m")

	_, err := m.CurrentVersion()
	assert.Error(t, err, "CurrentVersion should fail before Initialize")

	require.NoError(t, m.Initialize())
	v, err := m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 0, v)
}

// TestMigrator_Up verifies migrations are applied in order exactly once.
func TestMigrator_Up(t *testing.T) {
	db := openMemoryDB(t)
	m := NewMigrator(db, testMigrations(), "m")
	require.NoError(t, m.Initialize())

	require.NoError(t, m.Up())
	require.NoError(t, m.Up())

	applied, err := m.GetAppliedMigrations()
	require.NoError(t, err)
	require.Len(t, applied, 2)
	assert.Equal(t, 1, applied[0].Version)
	assert.Equal(t, "first", applied[0].Description)
	assert.Len(t, applied[0].Checksum, 64)
	assert.Equal(t, 2, applied[1].Version)
}

// TestMigrator_Up_badSQL verifies a failing migration is not recorded.
func TestMigrator_Up_badSQL(t *testing.T) {
	db := openMemoryDB(t)
	fsys := fstest.MapFS{"m/V1__broken.up.sql": {Data: []byte("CREATE TABLE (")}}
	m := NewMigrator(db, fsys, "m")
	require.NoError(t, m.Initialize())

	err := m.Up()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "V1")

	v, err := m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 0, v)
}

// TestMigrator_Down verifies the last migration is rolled back.
func TestMigrator_Down(t *testing.T) {
	db := openMemoryDB(t)
	m := NewMigrator(db, testMigrations(), "m")
	require.NoError(t, m.Initialize())
	require.NoError(t, m.Up())

	require.NoError(t, m.Down())
	v, err := m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	var name string
	err = db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='b'").Scan(&name)
	assert.ErrorIs(t, err, sql.ErrNoRows)

	require.NoError(t, m.Down())
	assert.Error(t, m.Down(), "nothing left to roll back")
}

// TestMigrator_embedded verifies the shipped migrations apply and roll back cleanly.
func TestMigrator_embedded(t *testing.T) {
	db := openMemoryDB(t)
	m := NewMigrator(db, migrationFiles, "migrations")
	require.NoError(t, m.Initialize())
	require.NoError(t, m.Up())
	require.NoError(t, m.Down())
	require.NoError(t, m.Up())
}
