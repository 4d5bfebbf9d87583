package segstore

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql" // mysql driver
	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
	_ "modernc.org/sqlite"             // cgo-free sqlite driver

	"github.com/coachpo/segstore/codec"
	"github.com/coachpo/segstore/config"
	"github.com/coachpo/segstore/errs"
	"github.com/coachpo/segstore/lib/sqlpool"
)

// driverNames maps built-in database types to their registered database/sql
// driver. H2 has no Go driver; hosts targeting it supply their own factory to
// NewPooled instead.
var driverNames = map[config.DBType]string{
	config.DBSQLite:   "sqlite",
	config.DBPostgres: "pgx",
	config.DBMySQL:    "mysql",
}

// Open dials the database named by cfg.DSN with the driver registered for
// cfg.DBType. The handle's own limits are widened to the segstore pool bounds
// so sqlpool stays the effective gatekeeper.
func Open(cfg config.Config) (*sql.DB, error) {
	cfg.Normalise()
	driver, ok := driverNames[cfg.DBType]
	if !ok {
		return nil, errs.New("segstore", errs.CodeInvalidConfig,
			errs.WithMessage(fmt.Sprintf("no bundled driver for dbtype %q; supply a connection factory", cfg.DBType)))
	}
	if cfg.DSN == "" {
		return nil, errs.New("segstore", errs.CodeInvalidConfig, errs.WithMessage("dsn must be set"))
	}
	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, errs.New("segstore", errs.CodeSQL,
			errs.WithMessage("open database"), errs.WithCause(err))
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxConnections)
	return db, nil
}

// OpenStore opens the database from cfg and builds a pooled store over it.
// Closing the store closes both the pool and the database handle.
func OpenStore(ctx context.Context, cfg config.Config, pair codec.Pair) (*Store, error) {
	db, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	store, err := NewPooled(ctx, cfg, pair, sqlpool.FactoryFromDB(db))
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	store.db = db
	return store, nil
}
