// Package sqlite provides the durable key-value store backing sessions and
// completion marks.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// CompletedValue is the value written under a job id once it completes.
const CompletedValue = "completed"

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("key not found")

// Repository is a small string key-value table.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

// NewRepository opens (creating if needed) the store inside dataDir.
func NewRepository(dataDir string) (*Repository, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "client.db")
	repo, err := open(dbPath)
	if err != nil {
		return nil, err
	}

	slog.Info("Store initialized", "path", dbPath)
	return repo, nil
}

// NewMemory opens a private in-memory store. Used by tests and one-shot runs.
func NewMemory() (*Repository, error) {
	return open(":memory:")
}

func open(dsn string) (*Repository, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer; also keeps an in-memory database on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := configureDB(db, dsn == ":memory:"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Repository{db: db, now: time.Now}, nil
}

func configureDB(db *sql.DB, memory bool) error {
	pragmas := []string{
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	if !memory {
		pragmas = append([]string{"PRAGMA journal_mode=WAL"}, pragmas...)
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func createSchema(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_kv_value_updated ON kv(value, updated_at);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Get returns the value stored under key, or ErrNotFound.
func (r *Repository) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get %q: %w", key, err)
	}
	return value, nil
}

// Set inserts or replaces the value stored under key.
func (r *Repository) Set(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`
	if _, err := r.db.ExecContext(ctx, query, key, value, r.now().UnixNano()); err != nil {
		return fmt.Errorf("failed to set %q: %w", key, err)
	}
	return nil
}

// Delete removes the given keys. Missing keys are ignored.
func (r *Repository) Delete(ctx context.Context, keys ...string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, key := range keys {
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
			return fmt.Errorf("failed to delete %q: %w", key, err)
		}
	}
	return tx.Commit()
}

// MarkCompleted writes the completion mark for jobID.
func (r *Repository) MarkCompleted(ctx context.Context, jobID string) error {
	return r.Set(ctx, jobID, CompletedValue)
}

// IsCompleted reports whether a completion mark exists for jobID.
func (r *Repository) IsCompleted(ctx context.Context, jobID string) (bool, error) {
	value, err := r.Get(ctx, jobID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return value == CompletedValue, nil
}

// PruneMarks deletes completion marks older than age.
func (r *Repository) PruneMarks(ctx context.Context, age time.Duration) (int64, error) {
	threshold := r.now().Add(-age).UnixNano()

	result, err := r.db.ExecContext(ctx,
		`DELETE FROM kv WHERE value = ? AND updated_at < ?`, CompletedValue, threshold)
	if err != nil {
		return 0, fmt.Errorf("failed to prune completion marks: %w", err)
	}
	return result.RowsAffected()
}

// Count returns the number of stored keys.
func (r *Repository) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM kv").Scan(&count)
	return count, err
}
