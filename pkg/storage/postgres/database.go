// Package postgres is the Postgres-backed partial-result repository:
// CRUD with owner scoping, pagination, and status/cutoff queries.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
)

// Config configures the connection pool and migration source.
type Config struct {
	DSN            string
	MigrationsPath string
	MaxConns       int32
	ConnectTimeout time.Duration
}

// DB wraps a pgx connection pool with the migration helper the
// composition root calls once at startup.
type DB struct {
	pool *pgxpool.Pool
	cfg  Config
}

// Open parses cfg.DSN, establishes a pool, and verifies connectivity
// with a ping.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres: dsn is required")
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 10
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.MigrationsPath == "" {
		cfg.MigrationsPath = "file://pkg/storage/postgres/migrations"
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	timeoutCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(timeoutCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(timeoutCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return &DB{pool: pool, cfg: cfg}, nil
}

// Close releases the pool.
func (db *DB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

// Migrate applies every pending migration under cfg.MigrationsPath.
func (db *DB) Migrate() error {
	sqlDB, err := sql.Open("postgres", db.cfg.DSN)
	if err != nil {
		return fmt.Errorf("postgres: open migration connection: %w", err)
	}
	defer sqlDB.Close()

	driver, err := postgres.WithInstance(sqlDB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("postgres: migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(db.cfg.MigrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("postgres: build migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("postgres: apply migrations: %w", err)
	}
	return nil
}

// HealthCheck runs a trivial round-trip query, used by
// pkg/recovery.ComponentCheck for the Database probe.
func (db *DB) HealthCheck(ctx context.Context) error {
	var result int
	if err := db.pool.QueryRow(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("postgres: health check query: %w", err)
	}
	if result != 1 {
		return fmt.Errorf("postgres: unexpected health check result: %d", result)
	}
	return nil
}

// Stats exposes pool metrics for the Database health probe.
type Stats struct {
	TotalConnections    int32
	IdleConnections     int32
	AcquiredConnections int32
	MaxConnections      int32
}

// PoolStats returns the pool's current connection statistics.
func (db *DB) PoolStats() Stats {
	s := db.pool.Stat()
	return Stats{
		TotalConnections:    s.TotalConns(),
		IdleConnections:     s.IdleConns(),
		AcquiredConnections: s.AcquiredConns(),
		MaxConnections:      db.cfg.MaxConns,
	}
}
