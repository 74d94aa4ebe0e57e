package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"marketplace/backend/config"
	"marketplace/backend/logger"
)

// DBPool defines the interface for database operations we need.
// This allows mocking for tests. It includes methods from pgxpool.Pool.
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
	Begin(ctx context.Context) (pgx.Tx, error)
}

// DB holds the database connection pool interface.
var DB DBPool

// ConnectDB opens the connection pool described by cfg and assigns it to DB.
func ConnectDB(ctx context.Context, cfg config.DatabaseConfig, logg *logger.Logger) error {
	if cfg.URL == "" {
		return errors.New("database url is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return fmt.Errorf("unable to parse connection string: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = time.Minute

	logg.Info(ctx, "connecting to database")
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return fmt.Errorf("unable to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return fmt.Errorf("database ping failed: %w", err)
	}

	DB = pool
	logg.Info(ctx, "database connection pool established")
	return nil
}

// CloseDB closes the database connection pool.
// Should be called on application shutdown.
func CloseDB() {
	if DB != nil {
		DB.Close()
		DB = nil
	}
}
