package sqlpool

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"github.com/coachpo/segstore/errs"
	"github.com/coachpo/segstore/observability"
)

// Lease decorates a raw connection lent out by the pool. Every call delegates
// to the raw connection except Close, which runs pool-return logic instead of
// closing the underlying handle. Close is idempotent.
type Lease struct {
	pool *Pool
	raw  Conn

	mu     sync.Mutex
	tx     *sql.Tx
	closed bool
}

func newLease(pool *Pool, raw Conn) *Lease {
	return &Lease{pool: pool, raw: raw}
}

// ExecContext delegates to the raw connection.
func (l *Lease) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	raw, err := l.active()
	if err != nil {
		return nil, err
	}
	return raw.ExecContext(ctx, query, args...)
}

// QueryContext delegates to the raw connection.
func (l *Lease) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	raw, err := l.active()
	if err != nil {
		return nil, err
	}
	return raw.QueryContext(ctx, query, args...)
}

// BeginTx delegates to the raw connection and records the open transaction so
// a release of a transaction-dirty lease rolls it back first.
func (l *Lease) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	raw, err := l.active()
	if err != nil {
		return nil, err
	}
	tx, err := raw.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.tx = tx
	l.mu.Unlock()
	return tx, nil
}

// Close returns the connection to the pool. A second Close is a no-op. If the
// lease carries an open transaction, it is rolled back before the connection
// goes back into rotation so the pool only ever holds transaction-clean
// connections.
func (l *Lease) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	tx := l.tx
	l.tx = nil
	l.mu.Unlock()

	if tx != nil {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			observability.Log().Error("rollback on lease release failed",
				observability.Field{Key: "error", Value: err})
		}
	}
	l.pool.release(l.raw)
	return nil
}

// Closed reports whether the lease has been returned to the pool.
func (l *Lease) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Lease) active() (Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, errs.New("sqlpool", errs.CodeUnavailable,
			errs.WithMessage("connection already released"))
	}
	return l.raw, nil
}
