// Package sqlite stores task documents in a single SQLite database using the
// pure-Go ncruces driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Storage implements the document backend on SQLite
type Storage struct {
	db *sql.DB
}

// New opens (or creates) the database at path and initializes the schema.
// The special path ":memory:" creates an in-memory database.
func New(ctx context.Context, path string) (*Storage, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if path != ":memory:" {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Storage{db: db}, nil
}

// Read returns a document's bytes, or an error wrapping fs.ErrNotExist
func (s *Storage) Read(ctx context.Context, taskID, name string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM documents WHERE task_id = ? AND name = ?", taskID, name).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("document %s/%s: %w", taskID, name, fs.ErrNotExist)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}
	return data, nil
}

// Write upserts a document
func (s *Storage) Write(ctx context.Context, taskID, name string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (task_id, name, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(task_id, name) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at
	`, taskID, name, data, time.Now())
	if err != nil {
		return fmt.Errorf("failed to write document: %w", err)
	}
	return nil
}

// Append adds one line to a line document
func (s *Storage) Append(ctx context.Context, taskID, name string, line []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_lines (task_id, name, data, created_at)
		VALUES (?, ?, ?, ?)
	`, taskID, name, line, time.Now())
	if err != nil {
		return fmt.Errorf("failed to append line: %w", err)
	}
	return nil
}

// Lines returns a line document's lines in insertion order
func (s *Storage) Lines(ctx context.Context, taskID, name string) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM document_lines
		WHERE task_id = ? AND name = ?
		ORDER BY id
	`, taskID, name)
	if err != nil {
		return nil, fmt.Errorf("failed to query lines: %w", err)
	}
	defer rows.Close()

	var lines [][]byte
	for rows.Next() {
		var line []byte
		if err := rows.Scan(&line); err != nil {
			return nil, fmt.Errorf("failed to scan line: %w", err)
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate lines: %w", err)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("document %s/%s: %w", taskID, name, fs.ErrNotExist)
	}
	return lines, nil
}

// List returns every document name for a task, whole and line documents alike
func (s *Storage) List(ctx context.Context, taskID string) ([]string, error) {
	return s.queryStrings(ctx, `
		SELECT name FROM documents WHERE task_id = ?
		UNION
		SELECT DISTINCT name FROM document_lines WHERE task_id = ?
		ORDER BY name
	`, taskID, taskID)
}

// Tasks returns every task id with at least one document
func (s *Storage) Tasks(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx, `
		SELECT task_id FROM documents
		UNION
		SELECT DISTINCT task_id FROM document_lines
		ORDER BY task_id
	`)
}

func (s *Storage) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Close closes the database
func (s *Storage) Close() error {
	return s.db.Close()
}
