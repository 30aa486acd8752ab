// Package audit provides Postgres-backed persistence for governance events
// that must survive process restarts: compliance denials and retry
// exhaustions.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brightquery/ingest-governor/internal/governance"
)

// StoreConfig controls the Postgres connection pool used for audit rows.
type StoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Store writes governance audit rows into Postgres.
type Store struct {
	pool execCloser
}

// NewStore creates a Postgres-backed Store using the provided config.
func NewStore(ctx context.Context, cfg StoreConfig) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStoreWithPool(pool execCloser) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const insertDenial = `
INSERT INTO compliance_denials (
	url,
	operation_key,
	reasons,
	warnings,
	denied_at
) VALUES (
	$1,$2,$3,$4,$5
)`

// RecordDenial inserts one compliance denial row.
func (s *Store) RecordDenial(
	ctx context.Context,
	req governance.Request,
	decision governance.ComplianceDecision,
	at time.Time,
) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("audit store is not configured")
	}
	reasonsJSON, err := json.Marshal(decision.BlockingReasons)
	if err != nil {
		return fmt.Errorf("marshal reasons: %w", err)
	}
	warningsJSON, err := json.Marshal(decision.Warnings)
	if err != nil {
		return fmt.Errorf("marshal warnings: %w", err)
	}
	args := []any{req.URL, req.OperationKey, reasonsJSON, warningsJSON, at}
	if _, err := s.pool.Exec(ctx, insertDenial, args...); err != nil {
		return fmt.Errorf("insert denial: %w", err)
	}
	return nil
}

const insertExhaustion = `
INSERT INTO retry_exhaustions (
	url,
	operation_key,
	attempts,
	last_error,
	exhausted_at
) VALUES (
	$1,$2,$3,$4,$5
)`

// RecordExhaustion inserts one retry exhaustion row.
func (s *Store) RecordExhaustion(
	ctx context.Context,
	req governance.Request,
	attempts int,
	lastError string,
	at time.Time,
) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("audit store is not configured")
	}
	args := []any{req.URL, req.OperationKey, attempts, lastError, at}
	if _, err := s.pool.Exec(ctx, insertExhaustion, args...); err != nil {
		return fmt.Errorf("insert exhaustion: %w", err)
	}
	return nil
}
