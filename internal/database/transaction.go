package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
)

type txContextKey string

const txKey = txContextKey("tx")
const txStatusKey = txContextKey("txStatus")

// Tx is an open transaction. Commit and Rollback are idempotent; a Rollback
// after Commit is a no-op, so callers can defer it unconditionally.
type Tx interface {
	IsOpen() bool
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error)
}

type transaction struct {
	*sqlx.Tx
	logger ectologger.Logger
	closed bool
}

// GetTx returns the transaction carried by the context when one is still
// open, otherwise begins a new one and stores it on the returned context.
// Reusing the context transaction lets nested repository calls share it; the
// opener owns Commit and Rollback.
func GetTx(ctx context.Context, logger ectologger.Logger, db DB, opts *sql.TxOptions) (context.Context, Tx, error) {
	if existing, ok := ctx.Value(txKey).(Tx); ok && existing != nil && existing.IsOpen() {
		if status, ok := ctx.Value(txStatusKey).(string); ok && status == "open" {
			return ctx, existing, nil
		}
	}

	sqlxTx, err := db.BeginTxx(ctx, opts)
	if err != nil {
		logger.WithContext(ctx).WithError(err).Error("Failed to begin transaction")
		return ctx, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	tx := &transaction{Tx: sqlxTx, logger: logger}
	ctx = context.WithValue(ctx, txStatusKey, "open")
	ctx = context.WithValue(ctx, txKey, Tx(tx))
	return ctx, tx, nil
}

func (t *transaction) IsOpen() bool {
	return !t.closed
}

func (t *transaction) Commit(ctx context.Context) error {
	if t.closed {
		return nil
	}
	if err := t.Tx.Commit(); err != nil {
		t.logger.WithContext(ctx).WithError(err).Error("Failed to commit transaction")
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	t.closed = true
	return nil
}

func (t *transaction) Rollback(ctx context.Context) error {
	if t.closed {
		return nil
	}
	// A context marked open belongs to an outer caller; leave their
	// transaction alone.
	if status, ok := ctx.Value(txStatusKey).(string); ok && status == "open" {
		return nil
	}
	if err := t.Tx.Rollback(); err != nil {
		t.logger.WithContext(ctx).WithError(err).Error("Failed to roll back transaction")
		return fmt.Errorf("failed to roll back transaction: %w", err)
	}
	t.closed = true
	return nil
}
