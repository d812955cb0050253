package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type contextKey string

const (
	DBTxKey   contextKey = "db_tx"
	DBConnKey contextKey = "db_conn"
)

// WithTx returns a copy of ctx carrying tx. Repositories resolve their
// querier through TxFromContext first so that every write made while the
// context is live joins the same transaction.
func WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, DBTxKey, tx)
}

// TxFromContext returns the transaction stored in ctx, or nil.
func TxFromContext(ctx context.Context) pgx.Tx {
	if tx, ok := ctx.Value(DBTxKey).(pgx.Tx); ok {
		return tx
	}
	return nil
}

// WithConn returns a copy of ctx carrying a pinned connection.
func WithConn(ctx context.Context, conn *pgxpool.Conn) context.Context {
	return context.WithValue(ctx, DBConnKey, conn)
}

// ConnFromContext returns the pinned connection stored in ctx, or nil.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	if c, ok := ctx.Value(DBConnKey).(*pgxpool.Conn); ok {
		return c
	}
	return nil
}

// Transactor runs fn so that all repository writes made through the context
// it receives commit or roll back together.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// PoolTransactor opens a pgx transaction per call. Nested calls reuse the
// outer transaction.
type PoolTransactor struct {
	pool *pgxpool.Pool
}

func NewTransactor(pool *pgxpool.Pool) *PoolTransactor {
	return &PoolTransactor{pool: pool}
}

func (t *PoolTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(WithTx(ctx, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

const undoKey contextKey = "undo_log"

type undoLog struct {
	fns []func()
}

// MemoryTransactor gives the in-memory stores all-or-nothing semantics:
// stores register compensating actions with OnRollback and they run in
// reverse order when fn fails.
type MemoryTransactor struct{}

func (MemoryTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(undoKey).(*undoLog); ok {
		return fn(ctx)
	}
	log := &undoLog{}
	err := fn(context.WithValue(ctx, undoKey, log))
	if err != nil {
		for i := len(log.fns) - 1; i >= 0; i-- {
			log.fns[i]()
		}
	}
	return err
}

// OnRollback registers undo to run if the enclosing MemoryTransactor call
// fails. Outside a memory transaction it is a no-op.
func OnRollback(ctx context.Context, undo func()) {
	if log, ok := ctx.Value(undoKey).(*undoLog); ok {
		log.fns = append(log.fns, undo)
	}
}
