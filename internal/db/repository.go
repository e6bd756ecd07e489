package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/fieldsync/internal/models"
)

// Repository is the SQLite-backed SyncRepository.
type Repository struct {
	db *sql.DB

	// Prepared statements are created on first use and reused.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this one.
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// =====================================================
// Named State Operations
// =====================================================

// GetState returns the value stored under key.
func (r *Repository) GetState(key string) ([]byte, bool, error) {
	stmt, err := r.PrepareStmt(`SELECT value FROM sync_state WHERE key = ?`)
	if err != nil {
		return nil, false, err
	}
	var value []byte
	err = stmt.QueryRow(key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read state %q: %w", key, err)
	}
	return value, true, nil
}

// PutState replaces the value stored under key.
func (r *Repository) PutState(key string, value []byte) error {
	stmt, err := r.PrepareStmt(`
	INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`)
	if err != nil {
		return err
	}
	if _, err := stmt.Exec(key, value, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to write state %q: %w", key, err)
	}
	return nil
}

// DeleteState removes key.
func (r *Repository) DeleteState(key string) error {
	stmt, err := r.PrepareStmt(`DELETE FROM sync_state WHERE key = ?`)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(key)
	return err
}

// =====================================================
// Projection Operations
// =====================================================

const projectionColumns = `resource_type, record_id, payload, updated_at, local_edit`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProjection(row rowScanner) (*models.Projection, error) {
	var p models.Projection
	var payload string
	var updatedAt int64
	if err := row.Scan(&p.ResourceType, &p.RecordID, &payload, &updatedAt, &p.LocalEdit); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &p.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode projection %s/%s: %w", p.ResourceType, p.RecordID, err)
	}
	if updatedAt > 0 {
		p.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	}
	return &p, nil
}

func projectionArgs(p *models.Projection) ([]interface{}, error) {
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode projection %s/%s: %w", p.ResourceType, p.RecordID, err)
	}
	var updatedAt int64
	if !p.UpdatedAt.IsZero() {
		updatedAt = p.UpdatedAt.UnixMilli()
	}
	return []interface{}{p.ResourceType, p.RecordID, string(payload), updatedAt, p.LocalEdit}, nil
}

// GetProjection returns one projection.
func (r *Repository) GetProjection(resourceType, recordID string) (*models.Projection, bool, error) {
	stmt, err := r.PrepareStmt(`SELECT ` + projectionColumns + ` FROM projections
	WHERE resource_type = ? AND record_id = ?`)
	if err != nil {
		return nil, false, err
	}
	p, err := scanProjection(stmt.QueryRow(resourceType, recordID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return p, true, nil
}

// ListProjections returns a resource type's projections, newest first.
func (r *Repository) ListProjections(resourceType string) ([]*models.Projection, error) {
	stmt, err := r.PrepareStmt(`SELECT ` + projectionColumns + ` FROM projections
	WHERE resource_type = ? ORDER BY updated_at DESC, record_id`)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.Query(resourceType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Projection
	for rows.Next() {
		p, err := scanProjection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const upsertProjection = `INSERT INTO projections (` + projectionColumns + `) VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(resource_type, record_id) DO UPDATE SET
		payload = excluded.payload,
		updated_at = excluded.updated_at,
		local_edit = excluded.local_edit`

// PutProjection inserts or replaces a projection.
func (r *Repository) PutProjection(p *models.Projection) error {
	args, err := projectionArgs(p)
	if err != nil {
		return err
	}
	stmt, err := r.PrepareStmt(upsertProjection)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(args...)
	return err
}

// DeleteProjection removes a projection.
func (r *Repository) DeleteProjection(resourceType, recordID string) error {
	stmt, err := r.PrepareStmt(`DELETE FROM projections WHERE resource_type = ? AND record_id = ?`)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(resourceType, recordID)
	return err
}

// ReplaceProjections swaps a resource type's projections in one transaction.
func (r *Repository) ReplaceProjections(resourceType string, ps []*models.Projection) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM projections WHERE resource_type = ?`, resourceType); err != nil {
		return fmt.Errorf("failed to clear projections: %w", err)
	}
	for _, p := range ps {
		p.ResourceType = resourceType
		args, err := projectionArgs(p)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(upsertProjection, args...); err != nil {
			return fmt.Errorf("failed to store projection %s: %w", p.RecordID, err)
		}
	}
	return tx.Commit()
}
