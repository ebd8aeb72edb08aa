// Package store persists navigation graphs, identities and aliases.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xkilldash9x/cartographer/api/schemas"
	"github.com/xkilldash9x/cartographer/internal/config"
	"go.uber.org/zap"
)

// Open builds the backend selected by cfg.Type.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (schemas.Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Type {
	case config.StoreMemory:
		return NewMemory(logger), nil
	case config.StoreSQLite:
		return OpenSQLite(ctx, cfg.SQLitePath, logger)
	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create database connection pool: %w", err)
		}
		pg, err := NewPostgres(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}
