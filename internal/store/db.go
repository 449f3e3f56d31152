package store

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/quillforge/internal/config"
)

const (
	connectAttempts = 5
	connectDelay    = time.Second
)

// Connect opens a pgx pool and pings it, retrying while the database comes up.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.MaxIdleConns)
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	err = retry.Do(
		func() error { return pool.Ping(ctx) },
		retry.Context(ctx),
		retry.Attempts(connectAttempts),
		retry.Delay(connectDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// Open returns the Store selected by the database URL together with a function that
// releases it. PostgreSQL schemas must be migrated separately with Migrate.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Store, func(), error) {
	if cfg.SQLite() {
		s, err := OpenSQLite(cfg.SQLitePath())
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	}

	pool, err := Connect(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return NewPostgresStore(pool), pool.Close, nil
}

// Migrate brings the schema up to date. SQLite databases apply their schema when opened,
// so only PostgreSQL needs work here.
func Migrate(cfg config.DatabaseConfig) error {
	if cfg.SQLite() {
		s, err := OpenSQLite(cfg.SQLitePath())
		if err != nil {
			return err
		}
		return s.Close()
	}
	return RunMigrations(cfg.URL)
}
