package graph

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens the standalone-mode database, creating the parent
// directory on first run. Path ":memory:" gives an ephemeral store for
// tests. A single writer connection avoids SQLITE_BUSY under the serial
// scheduler.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, &ValidationError{Reason: "sqlite path is empty"}
	}
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return db, nil
}

// EnsureSQLiteSchema creates the core tables. Embeddings are stored as JSON
// text; similarity ranking happens in-process.
func EnsureSQLiteSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS nodes (
			id         TEXT PRIMARY KEY,
			type       TEXT NOT NULL,
			label      TEXT NOT NULL DEFAULT '',
			content    TEXT NOT NULL DEFAULT '',
			properties TEXT NOT NULL DEFAULT '{}',
			embedding  TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_type ON nodes (type)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_updated_at ON nodes (updated_at)`,
		`CREATE TABLE IF NOT EXISTS edges (
			id         TEXT PRIMARY KEY,
			source_id  TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
			target_id  TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
			type       TEXT NOT NULL,
			properties TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			UNIQUE (source_id, target_id, type)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_source ON edges (source_id)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_target ON edges (target_id)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_type ON edges (type)`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
