package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"lecnotes/internal/storage"
)

// SQLiteBackend keeps the table in an embedded SQLite database. Each row holds
// one job document; Save rewrites all rows in a single transaction.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (or creates) the database at path.
func NewSQLiteBackend(ctx context.Context, path string) (*SQLiteBackend, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("jobs: mkdir %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("jobs: open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
		`CREATE TABLE IF NOT EXISTS jobs (
			seq    INTEGER PRIMARY KEY,
			id     TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL,
			doc    TEXT NOT NULL
		)`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("jobs: init schema: %w", err)
		}
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Load(ctx context.Context) ([]*Job, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT id, doc FROM jobs ORDER BY seq`)
	if err != nil {
		return nil, &storage.StorageError{Op: "read", Entity: "jobs", Err: err}
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		var id, doc string
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, &storage.StorageError{Op: "read", Entity: "jobs", Err: err}
		}
		j := &Job{}
		if err := json.Unmarshal([]byte(doc), j); err != nil {
			return nil, &storage.StorageError{Op: "read", Entity: "job", ID: id, Err: storage.ErrStorageCorrupt}
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, &storage.StorageError{Op: "read", Entity: "jobs", Err: err}
	}
	return out, nil
}

func (b *SQLiteBackend) Save(ctx context.Context, jobs []*Job) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return &storage.StorageError{Op: "write", Entity: "jobs", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs`); err != nil {
		return &storage.StorageError{Op: "write", Entity: "jobs", Err: err}
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO jobs (seq, id, status, doc) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return &storage.StorageError{Op: "write", Entity: "jobs", Err: err}
	}
	defer stmt.Close()

	for i, j := range jobs {
		doc, err := json.Marshal(j)
		if err != nil {
			return &storage.StorageError{Op: "write", Entity: "job", ID: j.ID, Err: err}
		}
		if _, err := stmt.ExecContext(ctx, i+1, j.ID, j.Status.String(), string(doc)); err != nil {
			return &storage.StorageError{Op: "write", Entity: "job", ID: j.ID, Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &storage.StorageError{Op: "write", Entity: "jobs", Err: err}
	}
	return nil
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

// OpenSQLite opens a Store backed by the SQLite database at path.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*Store, error) {
	b, err := NewSQLiteBackend(ctx, path)
	if err != nil {
		return nil, err
	}
	s, err := NewStore(ctx, b, opts...)
	if err != nil {
		b.Close()
		return nil, err
	}
	return s, nil
}
