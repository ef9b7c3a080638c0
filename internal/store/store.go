package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store provides database operations
type Store struct {
	pool *pgxpool.Pool

	Permissions *PermissionStore
	Audit       *AuditStore
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:        pool,
		Permissions: &PermissionStore{pool: pool},
		Audit:       &AuditStore{pool: pool},
	}
}

// Config holds database configuration
type Config struct {
	DatabaseURL       string
	MaxConnections    int
	MinConnections    int
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

func DefaultConfig(databaseURL string) *Config {
	return &Config{
		DatabaseURL:       databaseURL,
		MaxConnections:    10,
		MinConnections:    1,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   30 * time.Minute,
		HealthCheckPeriod: time.Minute,
	}
}

// NewPool creates a connection pool and verifies it with a ping.
func NewPool(ctx context.Context, cfg *Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = cfg.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS cost_center_permissions (
	cost_center                   TEXT PRIMARY KEY,
	is_authorized                 BOOLEAN NOT NULL DEFAULT FALSE,
	max_concurrent_namespaces     INTEGER NOT NULL DEFAULT 0 CHECK (max_concurrent_namespaces >= 0),
	authorized_namespace_patterns TEXT[] NOT NULL DEFAULT '{}',
	created_at                    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at                    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS lifecycle_audit (
	id           TEXT PRIMARY KEY,
	namespace    TEXT NOT NULL,
	cost_center  TEXT NOT NULL,
	cluster      TEXT NOT NULL DEFAULT '',
	requested_by TEXT NOT NULL DEFAULT '',
	operation    TEXT NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	finished_at  TIMESTAMPTZ NOT NULL,
	success      BOOLEAN NOT NULL,
	reason_code  TEXT NOT NULL DEFAULT '',
	message      TEXT NOT NULL DEFAULT '',
	decision     JSONB NOT NULL,
	result       JSONB,
	UNIQUE (namespace, started_at, id)
);

CREATE INDEX IF NOT EXISTS lifecycle_audit_namespace_idx    ON lifecycle_audit (namespace, started_at DESC);
CREATE INDEX IF NOT EXISTS lifecycle_audit_cost_center_idx  ON lifecycle_audit (cost_center, started_at DESC);
CREATE INDEX IF NOT EXISTS lifecycle_audit_requested_by_idx ON lifecycle_audit (requested_by, started_at DESC);
`

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
