package remote

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/fieldsync/internal/models"
)

// newPostgresStore connects to FIELDSYNC_TEST_DATABASE_URL and creates a
// throwaway schema with a contacts table.
func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	dsn := os.Getenv("FIELDSYNC_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("FIELDSYNC_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	schema := "fs_test_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	s, err := NewPostgresStore(ctx, dsn, schema)
	require.NoError(t, err)

	schemaIdent := pgx.Identifier{schema}.Sanitize()
	_, err = s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE SCHEMA %[1]s;
		CREATE TABLE %[1]s.contacts (
			id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
			email text UNIQUE,
			name text,
			tags text[],
			created_at timestamptz NOT NULL DEFAULT now(),
			updated_at timestamptz NOT NULL DEFAULT now()
		);`, schemaIdent))
	require.NoError(t, err)

	t.Cleanup(func() {
		_, _ = s.pool.Exec(context.Background(), fmt.Sprintf("DROP SCHEMA %s CASCADE", schemaIdent))
		s.Close()
	})
	return s
}

// TestPostgresStore_roundTrip exercises the full contract against a real database.
func TestPostgresStore_roundTrip(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()

	require.NoError(t, s.Ping(ctx))

	r, err := s.Insert(ctx, "contacts", models.Record{"email": "a@example.com", "name": "Ada", "unknown": 1})
	require.NoError(t, err)
	require.NotEmpty(t, r.ID())
	_, ok := r.Timestamp(models.FieldUpdatedAt)
	assert.True(t, ok)

	_, err = s.Insert(ctx, "contacts", models.Record{"email": "a@example.com"})
	assert.True(t, IsUniqueViolation(err))

	u, err := s.Update(ctx, "contacts", r.ID(), models.Record{"name": "Ada L.", "updated_at": models.FormatTimestamp(time.Now())})
	require.NoError(t, err)
	assert.Equal(t, "Ada L.", u["name"])
	assert.Equal(t, "a@example.com", u["email"])

	_, err = s.Update(ctx, "contacts", uuid.New().String(), models.Record{"name": "x"})
	assert.True(t, IsNotFound(err))

	found, err := s.Select(ctx, "contacts", &Filter{Equals: map[string]interface{}{"email": "a@example.com"}})
	require.NoError(t, err)
	require.Len(t, found, 1)

	newer, err := s.Select(ctx, "contacts", &Filter{Since: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, newer)

	require.NoError(t, s.Delete(ctx, "contacts", r.ID()))
	assert.True(t, IsNotFound(s.Delete(ctx, "contacts", r.ID())))
}

// TestPostgresStore_unknownTable verifies a missing table is reported as invalid input.
func TestPostgresStore_unknownTable(t *testing.T) {
	s := newPostgresStore(t)
	_, err := s.Insert(context.Background(), "nope", models.Record{"a": 1})
	require.Error(t, err)
}
