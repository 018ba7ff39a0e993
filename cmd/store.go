package cmd

import (
	"context"
	"fmt"

	"github.com/agentfoundry/proactor/internal/config"
	"github.com/agentfoundry/proactor/internal/graph"
)

// openStore builds the configured graph backend. Postgres and sqlite create
// their schema on open; memory is for ephemeral runs and tests.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (graph.Store, error) {
	dim := cfg.EmbeddingDim
	if dim <= 0 {
		dim = graph.DefaultEmbeddingDim
	}

	switch cfg.Backend {
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, &graph.ValidationError{Reason: "postgres backend selected but PROACTOR_POSTGRES_DSN is not set"}
		}
		db, err := graph.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := graph.EnsurePostgresSchema(ctx, db, dim); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("postgres schema: %w", err)
		}
		return graph.NewSQLStore(db, graph.DialectPostgres, dim), nil

	case "sqlite", "":
		db, err := graph.OpenSQLite(ctx, config.ExpandHome(cfg.SQLitePath))
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		if err := graph.EnsureSQLiteSchema(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite schema: %w", err)
		}
		return graph.NewSQLStore(db, graph.DialectSQLite, dim), nil

	case "memory":
		return graph.NewMemoryStore(), nil

	default:
		return nil, &graph.ValidationError{Reason: fmt.Sprintf("unknown database backend %q", cfg.Backend)}
	}
}
