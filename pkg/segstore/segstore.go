// Package segstore persists opaque, address-keyed segments of an in-memory
// database into a relational table and exposes them for retrieval, listing,
// and deletion across SQL dialects.
package segstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/coachpo/segstore/codec"
	"github.com/coachpo/segstore/config"
	"github.com/coachpo/segstore/dialect"
	"github.com/coachpo/segstore/errs"
	"github.com/coachpo/segstore/lib/sqlpool"
	"github.com/coachpo/segstore/observability"
)

// Segment pairs a stable 64-bit address with its in-memory content. Content
// passes through the configured codec on its way to and from the table.
type Segment struct {
	Addr  int64
	Value any
}

// Store is the persistence backend. It is stateless per operation: each call
// obtains a connection, runs its SQL, and releases the connection on every
// exit path. Mutations batch rows and run inside one transaction.
type Store struct {
	cfg config.Config
	dlt dialect.Dialect
	cdc *codec.Codec

	// Exactly one of pool or conn is set. In pooled mode the store owns the
	// pool and every connection it creates. In unpooled mode the caller owns
	// conn end-to-end; the store never closes it.
	pool *sqlpool.Pool
	conn sqlpool.Conn

	db *sql.DB // set by OpenStore; closed together with the pool

	upsertSQL    string
	upsertParams int
	restoreSQL   string
	listSQL      string
	deleteSQL    string
}

// NewPooled constructs a store backed by a bounded connection pool created
// from factory. The table-creation DDL runs eagerly against an acquired
// connection; construction fails fast on configuration errors.
func NewPooled(ctx context.Context, cfg config.Config, pair codec.Pair, factory sqlpool.Factory) (*Store, error) {
	store, err := newStore(cfg, pair)
	if err != nil {
		return nil, err
	}
	pool, err := sqlpool.New(factory, store.cfg.MaxConnections, store.cfg.MaxIdleConnections)
	if err != nil {
		return nil, err
	}
	store.pool = pool
	if err := store.ensureTable(ctx); err != nil {
		_ = pool.Close()
		return nil, err
	}
	return store, nil
}

// NewUnpooled constructs a store bound to a single externally owned
// connection. The store performs no internal concurrency protection in this
// mode; callers serialize their own access. conn may be anything satisfying
// sqlpool.Conn, including *sql.DB and *sql.Conn.
func NewUnpooled(ctx context.Context, cfg config.Config, pair codec.Pair, conn sqlpool.Conn) (*Store, error) {
	if conn == nil {
		return nil, errs.New("segstore", errs.CodeInvalidConfig, errs.WithMessage("connection must be provided"))
	}
	store, err := newStore(cfg, pair)
	if err != nil {
		return nil, err
	}
	store.conn = conn
	if err := store.ensureTable(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func newStore(cfg config.Config, pair codec.Pair) (*Store, error) {
	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cdc, err := codec.Resolve(pair)
	if err != nil {
		return nil, err
	}
	dlt, err := dialect.Lookup(cfg.DBType)
	if err != nil {
		return nil, err
	}

	upsertSQL, upsertParams := dlt.UpsertSQL(cfg.Table)
	return &Store{
		cfg:          cfg,
		dlt:          dlt,
		cdc:          cdc,
		upsertSQL:    upsertSQL,
		upsertParams: upsertParams,
		restoreSQL:   fmt.Sprintf("SELECT content FROM %s WHERE addr = %s", cfg.Table, dlt.Placeholder(1)),
		listSQL:      fmt.Sprintf("SELECT addr FROM %s", cfg.Table),
		deleteSQL:    fmt.Sprintf("DELETE FROM %s WHERE addr = %s", cfg.Table, dlt.Placeholder(1)),
	}, nil
}

// Store upserts the segments in order; within one call the last write wins
// per address. The sequence is partitioned into batches of at most BatchSize
// rows, and the whole call commits or rolls back as one transaction.
func (s *Store) Store(ctx context.Context, segments []Segment) error {
	if len(segments) == 0 {
		return nil
	}
	return s.withConn(ctx, func(conn sqlpool.Conn) error {
		return s.withTx(ctx, conn, func(tx *sql.Tx) error {
			stmt, err := tx.PrepareContext(ctx, s.upsertSQL)
			if err != nil {
				return errs.New("segstore", errs.CodeSQL, errs.WithTable(s.cfg.Table),
					errs.WithMessage("prepare upsert"), errs.WithCause(err))
			}
			defer func() { _ = stmt.Close() }()

			for _, batch := range partition(segments, s.cfg.BatchSize) {
				for _, seg := range batch {
					content, err := s.cdc.Encode(seg.Value)
					if err != nil {
						return err
					}
					args := []any{seg.Addr, content}
					if s.upsertParams == 3 {
						args = append(args, content)
					}
					if _, err := stmt.ExecContext(ctx, args...); err != nil {
						return errs.New("segstore", errs.CodeSQL, errs.WithTable(s.cfg.Table),
							errs.WithAddress(seg.Addr), errs.WithMessage("upsert segment"), errs.WithCause(err))
					}
				}
			}
			return nil
		})
	})
}

// Restore fetches and deserializes the segment stored at addr. A missing row
// yields a not_found error, never an empty payload.
func (s *Store) Restore(ctx context.Context, addr int64) (any, error) {
	var value any
	err := s.withConn(ctx, func(conn sqlpool.Conn) error {
		rows, err := conn.QueryContext(ctx, s.restoreSQL, addr)
		if err != nil {
			return errs.New("segstore", errs.CodeSQL, errs.WithTable(s.cfg.Table),
				errs.WithAddress(addr), errs.WithMessage("restore query"), errs.WithCause(err))
		}
		defer func() { _ = rows.Close() }()

		if !rows.Next() {
			if err := rows.Err(); err != nil {
				return errs.New("segstore", errs.CodeSQL, errs.WithTable(s.cfg.Table),
					errs.WithAddress(addr), errs.WithMessage("restore scan"), errs.WithCause(err))
			}
			return errs.New("segstore", errs.CodeNotFound, errs.WithTable(s.cfg.Table),
				errs.WithAddress(addr), errs.WithMessage("segment not found"))
		}

		if s.cdc.Binary() {
			var stored []byte
			if err := rows.Scan(&stored); err != nil {
				return errs.New("segstore", errs.CodeSQL, errs.WithTable(s.cfg.Table),
					errs.WithAddress(addr), errs.WithMessage("restore scan"), errs.WithCause(err))
			}
			value, err = s.cdc.DecodeBinary(stored)
			return err
		}
		var stored string
		if err := rows.Scan(&stored); err != nil {
			return errs.New("segstore", errs.CodeSQL, errs.WithTable(s.cfg.Table),
				errs.WithAddress(addr), errs.WithMessage("restore scan"), errs.WithCause(err))
		}
		value, err = s.cdc.DecodeText(stored)
		return err
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// List returns the set of all stored addresses. No ordering is guaranteed.
func (s *Store) List(ctx context.Context) (map[int64]struct{}, error) {
	addrs := make(map[int64]struct{})
	err := s.withConn(ctx, func(conn sqlpool.Conn) error {
		rows, err := conn.QueryContext(ctx, s.listSQL)
		if err != nil {
			return errs.New("segstore", errs.CodeSQL, errs.WithTable(s.cfg.Table),
				errs.WithMessage("list query"), errs.WithCause(err))
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var addr int64
			if err := rows.Scan(&addr); err != nil {
				return errs.New("segstore", errs.CodeSQL, errs.WithTable(s.cfg.Table),
					errs.WithMessage("list scan"), errs.WithCause(err))
			}
			addrs[addr] = struct{}{}
		}
		if err := rows.Err(); err != nil {
			return errs.New("segstore", errs.CodeSQL, errs.WithTable(s.cfg.Table),
				errs.WithMessage("list rows"), errs.WithCause(err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return addrs, nil
}

// Delete removes the given addresses with the same batching and transaction
// discipline as Store. Deleting a nonexistent address is a no-op.
func (s *Store) Delete(ctx context.Context, addrs []int64) error {
	if len(addrs) == 0 {
		return nil
	}
	return s.withConn(ctx, func(conn sqlpool.Conn) error {
		return s.withTx(ctx, conn, func(tx *sql.Tx) error {
			stmt, err := tx.PrepareContext(ctx, s.deleteSQL)
			if err != nil {
				return errs.New("segstore", errs.CodeSQL, errs.WithTable(s.cfg.Table),
					errs.WithMessage("prepare delete"), errs.WithCause(err))
			}
			defer func() { _ = stmt.Close() }()

			for _, batch := range partition(addrs, s.cfg.BatchSize) {
				for _, addr := range batch {
					if _, err := stmt.ExecContext(ctx, addr); err != nil {
						return errs.New("segstore", errs.CodeSQL, errs.WithTable(s.cfg.Table),
							errs.WithAddress(addr), errs.WithMessage("delete segment"), errs.WithCause(err))
					}
				}
			}
			return nil
		})
	})
}

// Close tears down resources the store owns: the pool in pooled mode and the
// database handle when the store was built by OpenStore. An externally owned
// single connection is left untouched.
func (s *Store) Close() error {
	var err error
	if s.pool != nil {
		err = s.pool.Close()
	}
	if s.db != nil {
		if cerr := s.db.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Pool exposes the underlying pool for metrics registration; nil in unpooled
// mode.
func (s *Store) Pool() *sqlpool.Pool {
	return s.pool
}

func (s *Store) ensureTable(ctx context.Context) error {
	ddl := s.cfg.DDL
	if ddl == "" {
		ddl = s.dlt.CreateTableSQL(s.cfg.Table, s.cdc.Binary())
	}
	return s.withConn(ctx, func(conn sqlpool.Conn) error {
		if _, err := conn.ExecContext(ctx, ddl); err != nil {
			return errs.New("segstore", errs.CodeSQL, errs.WithTable(s.cfg.Table),
				errs.WithMessage("create table"), errs.WithCause(err))
		}
		return nil
	})
}

// withConn runs fn with an acquired connection and guarantees release on
// every exit path. In unpooled mode the externally owned connection is handed
// through as-is.
func (s *Store) withConn(ctx context.Context, fn func(sqlpool.Conn) error) error {
	if s.pool == nil {
		return fn(s.conn)
	}
	lease, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = lease.Close() }()
	return fn(lease)
}

// withTx wraps fn in a transaction. On failure the transaction is rolled
// back; a failure of the rollback itself is logged and suppressed so the
// original error propagates.
func (s *Store) withTx(ctx context.Context, conn sqlpool.Conn, fn func(*sql.Tx) error) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return errs.New("segstore", errs.CodeSQL, errs.WithTable(s.cfg.Table),
			errs.WithMessage("begin transaction"), errs.WithCause(err))
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			observability.Log().Error("rollback failed after transaction error",
				observability.Field{Key: "table", Value: s.cfg.Table},
				observability.Field{Key: "error", Value: rbErr})
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return errs.New("segstore", errs.CodeSQL, errs.WithTable(s.cfg.Table),
			errs.WithMessage("commit transaction"), errs.WithCause(err))
	}
	return nil
}

func partition[T any](items []T, size int) [][]T {
	if size <= 0 {
		return [][]T{items}
	}
	batches := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, items[start:end])
	}
	return batches
}
