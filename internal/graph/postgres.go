package graph

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// OpenPostgres opens a pooled Postgres handle via the pgx stdlib driver and
// verifies connectivity.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, &ValidationError{Reason: "postgres dsn is empty"}
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// EnsurePostgresSchema creates the two core tables and their derived indexes.
// Requires the pgvector extension for the embedding column and ANN index.
func EnsurePostgresSchema(ctx context.Context, db *sql.DB, embeddingDim int) error {
	if embeddingDim <= 0 {
		embeddingDim = DefaultEmbeddingDim
	}

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS nodes (
			id         TEXT PRIMARY KEY,
			type       TEXT NOT NULL,
			label      TEXT NOT NULL DEFAULT '',
			content    TEXT NOT NULL DEFAULT '',
			properties JSONB NOT NULL DEFAULT '{}',
			embedding  vector(%d),
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			ts tsvector GENERATED ALWAYS AS (
				setweight(to_tsvector('simple', coalesce(label, '')), 'A') ||
				setweight(to_tsvector('simple', coalesce(content, '')), 'B') ||
				setweight(to_tsvector('simple', coalesce(type, '')), 'C') ||
				setweight(to_tsvector('simple', coalesce(properties::text, '')), 'D')
			) STORED
		)`, embeddingDim),
		`CREATE INDEX IF NOT EXISTS idx_nodes_type ON nodes (type)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_updated_at ON nodes (updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_ts ON nodes USING GIN (ts)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_embedding ON nodes USING hnsw (embedding vector_cosine_ops)`,
		`CREATE TABLE IF NOT EXISTS edges (
			id         TEXT PRIMARY KEY,
			source_id  TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
			target_id  TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
			type       TEXT NOT NULL,
			properties JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL,
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
