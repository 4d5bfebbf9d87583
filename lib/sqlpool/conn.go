// Package sqlpool provides a bounded SQL connection pool with blocking
// acquisition, LIFO idle reuse, and release interception through leased
// connection wrappers.
package sqlpool

import (
	"context"
	"database/sql"
)

// Conn is the capability surface the segment store needs from a database
// connection. *sql.Conn satisfies it directly.
type Conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	Close() error
}

// Factory constructs a raw connection. The pool is the sole owner of every
// connection its factory creates.
type Factory func(ctx context.Context) (Conn, error)

// FactoryFromDB adapts a *sql.DB into a Factory handing out dedicated
// connections. The DB's own pooling becomes pass-through when its limits are
// at least as large as the sqlpool bounds.
func FactoryFromDB(db *sql.DB) Factory {
	return func(ctx context.Context) (Conn, error) {
		return db.Conn(ctx)
	}
}
