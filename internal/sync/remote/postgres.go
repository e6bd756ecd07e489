package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/models"
)

const pgUniqueViolation = "23505"

// PostgresStore is a Store backed by one Postgres table per resource type.
// Rows are exchanged as jsonb so tables need no mapping code; each table must
// have an id primary key and an updated_at column.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string

	mu      sync.RWMutex
	columns map[string]map[string]bool
}

// NewPostgresStore connects to dsn and verifies the connection.
func NewPostgresStore(ctx context.Context, dsn, schema string) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid remote dsn", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach remote store: %w", err)
	}
	return NewPostgresStoreFromPool(pool, schema), nil
}

// NewPostgresStoreFromPool wraps an existing pool.
func NewPostgresStoreFromPool(pool *pgxpool.Pool, schema string) *PostgresStore {
	if schema == "" {
		schema = "public"
	}
	return &PostgresStore{
		pool:    pool,
		schema:  schema,
		columns: make(map[string]map[string]bool),
	}
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks that the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) table(resourceType string) string {
	return pgx.Identifier{s.schema, resourceType}.Sanitize()
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// tableColumns loads and caches the column set of a resource table.
func (s *PostgresStore) tableColumns(ctx context.Context, resourceType string) (map[string]bool, error) {
	s.mu.RLock()
	cols, ok := s.columns[resourceType]
	s.mu.RUnlock()
	if ok {
		return cols, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT column_name FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2`, s.schema, resourceType)
	if err != nil {
		return nil, fmt.Errorf("failed to load columns of %s: %w", resourceType, err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to load columns of %s: %w", resourceType, err)
	}
	if len(names) == 0 {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown resource table %s.%s", s.schema, resourceType))
	}

	cols = make(map[string]bool, len(names))
	for _, n := range names {
		cols[n] = true
	}
	s.mu.Lock()
	s.columns[resourceType] = cols
	s.mu.Unlock()
	return cols, nil
}

// writableColumns returns payload keys that exist in the table, sorted, minus skip.
func writableColumns(payload models.Record, cols map[string]bool, skip string) []string {
	var out []string
	for k := range payload {
		if k != skip && cols[k] {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.SQLState() == pgUniqueViolation {
		return apperrors.Wrap(apperrors.ErrDuplicate, ErrUniqueViolation.Message, err)
	}
	return err
}

func decodeRow(raw []byte) (models.Record, error) {
	var r models.Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("failed to decode row: %w", err)
	}
	return r, nil
}

// Select returns matching rows, newest first.
func (s *PostgresStore) Select(ctx context.Context, resourceType string, f *Filter) ([]models.Record, error) {
	var (
		where []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	tsField := ident(f.timestampField())
	if f != nil {
		keys := make([]string, 0, len(f.Equals))
		for k := range f.Equals {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			where = append(where, fmt.Sprintf("(to_jsonb(r.*) ->> %s::text) = %s::text", arg(k), arg(fmt.Sprint(f.Equals[k]))))
		}
		if !f.Since.IsZero() {
			where = append(where, fmt.Sprintf("r.%s > %s", tsField, arg(f.Since)))
		}
	}

	query := fmt.Sprintf("SELECT to_jsonb(r.*) FROM %s AS r", s.table(resourceType))
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY r.%s DESC NULLS LAST", tsField)
	if f != nil && f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	raws, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, mapError(err)
	}

	out := make([]models.Record, 0, len(raws))
	for _, raw := range raws {
		r, err := decodeRow(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Insert writes the payload columns the table knows about; the rest fall back
// to column defaults.
func (s *PostgresStore) Insert(ctx context.Context, resourceType string, payload models.Record) (models.Record, error) {
	cols, err := s.tableColumns(ctx, resourceType)
	if err != nil {
		return nil, err
	}
	names := writableColumns(payload, cols, "")
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	table := s.table(resourceType)
	var query string
	if len(names) == 0 {
		query = fmt.Sprintf("INSERT INTO %s AS r DEFAULT VALUES RETURNING to_jsonb(r.*)", table)
	} else {
		quoted := make([]string, len(names))
		for i, n := range names {
			quoted[i] = ident(n)
		}
		list := strings.Join(quoted, ", ")
		query = fmt.Sprintf(
			"INSERT INTO %s AS r (%s) SELECT %s FROM jsonb_populate_record(NULL::%s, $1::jsonb) RETURNING to_jsonb(r.*)",
			table, list, list, table)
	}

	var raw []byte
	args := []interface{}{}
	if len(names) > 0 {
		args = append(args, body)
	}
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&raw); err != nil {
		return nil, mapError(err)
	}
	return decodeRow(raw)
}

// Update writes the payload columns onto row id.
func (s *PostgresStore) Update(ctx context.Context, resourceType, id string, payload models.Record) (models.Record, error) {
	cols, err := s.tableColumns(ctx, resourceType)
	if err != nil {
		return nil, err
	}
	names := writableColumns(payload, cols, models.FieldID)
	if len(names) == 0 {
		return GetByID(ctx, s, resourceType, id)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	table := s.table(resourceType)
	sets := make([]string, len(names))
	for i, n := range names {
		sets[i] = fmt.Sprintf("%s = src.%s", ident(n), ident(n))
	}
	query := fmt.Sprintf(
		"UPDATE %s AS r SET %s FROM jsonb_populate_record(NULL::%s, $1::jsonb) AS src WHERE r.id::text = $2 RETURNING to_jsonb(r.*)",
		table, strings.Join(sets, ", "), table)

	var raw []byte
	if err := s.pool.QueryRow(ctx, query, body, id).Scan(&raw); err != nil {
		return nil, mapError(err)
	}
	return decodeRow(raw)
}

// Delete removes row id.
func (s *PostgresStore) Delete(ctx context.Context, resourceType, id string) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id::text = $1", s.table(resourceType)), id)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

var (
	_ Store  = (*PostgresStore)(nil)
	_ Pinger = (*PostgresStore)(nil)
)
