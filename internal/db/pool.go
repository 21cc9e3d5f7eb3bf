// Package db provides the shared pgx pool interface and locking helpers.
package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Pool is the subset of *pgxpool.Pool used by the stores. pgxmock's pool
// satisfies it in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// WithAdvisoryLock runs fn while holding a transaction-scoped advisory lock
// on key. The lock is released when the holding transaction ends. If another
// session holds the lock, fn is not run and acquired is false.
func WithAdvisoryLock(ctx context.Context, pool Pool, key string, fn func(ctx context.Context) error) (acquired bool, err error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return false, eris.Wrapf(err, "db: begin lock tx %s", key)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			zap.L().Debug("db: rollback lock tx", zap.String("key", key), zap.Error(rbErr))
		}
	}()

	var locked bool
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock(hashtext($1))`, key).Scan(&locked); err != nil {
		return false, eris.Wrapf(err, "db: try advisory lock %s", key)
	}
	if !locked {
		return false, nil
	}

	if err := fn(ctx); err != nil {
		return true, err
	}

	if err := tx.Commit(ctx); err != nil {
		return true, eris.Wrapf(err, "db: release advisory lock %s", key)
	}
	return true, nil
}
