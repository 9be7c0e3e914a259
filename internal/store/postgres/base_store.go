// Package postgres implements Persistence (spec.md §3) against
// PostgreSQL via database/sql and lib/pq, following the teacher's
// pkg/storage/postgres.BaseStore context-carried-transaction pattern.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Querier is satisfied by both *sql.DB and *sql.Tx, letting callers
// write one code path regardless of whether a transaction is active.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// BaseStore provides the shared transaction plumbing every table-backed
// store embeds.
type BaseStore struct {
	db *sql.DB
}

// NewBaseStore wraps an already-open *sql.DB.
func NewBaseStore(db *sql.DB) *BaseStore {
	return &BaseStore{db: db}
}

// Open opens a Postgres connection pool from a DSN, applying the pool
// limits from config.DatabaseConfig.
func Open(dsn string, maxOpen, maxIdle, connMaxLifetimeSeconds int) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if connMaxLifetimeSeconds > 0 {
		db.SetConnMaxLifetime(time.Duration(connMaxLifetimeSeconds) * time.Second)
	}
	return db, nil
}

// DB returns the underlying connection pool.
func (s *BaseStore) DB() *sql.DB {
	return s.db
}

type txKey struct{}

// TxFromContext extracts an in-flight transaction, if any.
func TxFromContext(ctx context.Context) *sql.Tx {
	tx, _ := ctx.Value(txKey{}).(*sql.Tx)
	return tx
}

// ContextWithTx attaches a transaction to ctx.
func ContextWithTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// Querier returns the transaction bound to ctx, or the pool itself.
func (s *BaseStore) Querier(ctx context.Context) Querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.db
}

// WithTx runs fn inside a new transaction, committing on success and
// rolling back on error or panic. Nested calls reuse the outer
// transaction instead of starting a new one, so composite operations
// (e.g. "create election + authorities + sessions") commit atomically
// per spec.md's Election invariant.
func (s *BaseStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	txCtx := ContextWithTx(ctx, tx)

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	err = fn(txCtx)
	return err
}
