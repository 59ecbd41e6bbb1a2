package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Beginner is satisfied by *pgxpool.Pool and *pgx.Conn.
type Beginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// WithTx runs fn inside a transaction. The default isolation is RepeatableRead;
// pass explicit options to override it.
func WithTx(ctx context.Context, db Beginner, fn func(pgx.Tx) error, opts ...pgx.TxOptions) error {
	txOpts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead}
	if len(opts) > 0 {
		txOpts = opts[0]
	}
	tx, err := db.BeginTx(ctx, txOpts)
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}
	return nil
}
