// Package postgres implements store.Store on PostgreSQL.
//
// Queries run over a pgx connection pool. RunInTx opens a transaction and
// carries it in the context; every store method called with that context
// joins it, so entity events, ledger postings, outbox messages and jobs of
// one operation commit together. Optimistic-concurrency losses are reported
// as event.ErrConcurrentModification without aborting the transaction.
//
// The schema is applied by Migrate, through the grove orchestrator when the
// store was given a grove database and through the built-in migrator
// otherwise.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"
	"github.com/xraph/grove/migrate"

	// Registers the "pg" migration executor used by Migrate.
	_ "github.com/xraph/grove/drivers/pgdriver/pgmigrate"

	"github.com/xraph/lending/store"
)

// compile-time interface check
var _ store.Store = (*Store)(nil)

type txKey struct{}

// querier is satisfied by both the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements store.Store using PostgreSQL via pgx.
type Store struct {
	pool *pgxpool.Pool
	db   *grove.DB
}

// Option configures a Store.
type Option func(*Store)

// WithGrove runs migrations through the grove orchestrator on db, which
// must use the pg driver.
func WithGrove(db *grove.DB) Option {
	return func(s *Store) { s.db = db }
}

// New creates a store on an existing pool.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects a pool to dsn and returns a store owning it.
func Open(ctx context.Context, dsn string, maxConns int32, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("lending/postgres: parse config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("lending/postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("lending/postgres: ping: %w", err)
	}
	return New(pool, opts...), nil
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Migrate creates the required tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	if s.db == nil {
		return migratePool(ctx, s)
	}
	executor, err := migrate.NewExecutorFor(pgdriver.Unwrap(s.db))
	if err != nil {
		return fmt.Errorf("lending/postgres: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("lending/postgres: migration failed: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// RunInTx runs fn in a transaction, joining one already carried by ctx.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// q returns the transaction carried by ctx, or the pool.
func (s *Store) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.pool
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// isUniqueViolation reports a unique or primary key conflict.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
