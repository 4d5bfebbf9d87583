// Package dialect maps database types to the SQL statement strategies the
// segment store needs: idempotent table creation and a positional upsert.
//
// The registry is open for extension: a host supporting a database outside the
// built-in set registers its own Dialect under a new DBType and never touches
// the existing entries.
package dialect

import (
	"fmt"
	"strings"
	"sync"

	"github.com/coachpo/segstore/config"
	"github.com/coachpo/segstore/errs"
)

// Dialect produces the SQL statements that vary across database engines.
type Dialect interface {
	// CreateTableSQL returns an idempotent CREATE TABLE statement for the
	// segment table. Column types depend on whether content is binary.
	CreateTableSQL(table string, binary bool) string
	// UpsertSQL returns the insert-or-replace statement template together
	// with its positional parameter count. Insert-style engines repeat the
	// content value in the conflict clause (3 parameters); native merge
	// engines bind it once (2 parameters).
	UpsertSQL(table string) (sql string, params int)
	// Placeholder renders the 1-based positional parameter marker used by
	// the engine's driver.
	Placeholder(n int) string
}

var registry = struct {
	mu      sync.RWMutex
	entries map[config.DBType]Dialect
}{entries: make(map[config.DBType]Dialect)}

// Register installs a dialect under the given database type. Registering an
// already-present key replaces the entry; hosts normally register new keys
// only.
func Register(dbtype config.DBType, d Dialect) {
	if d == nil {
		return
	}
	key := config.DBType(strings.ToLower(strings.TrimSpace(string(dbtype))))
	if key == "" {
		return
	}
	registry.mu.Lock()
	registry.entries[key] = d
	registry.mu.Unlock()
}

// Lookup resolves the dialect for a database type. An unrecognized type is a
// configuration error surfaced at store construction, never deferred to first
// use.
func Lookup(dbtype config.DBType) (Dialect, error) {
	key := config.DBType(strings.ToLower(strings.TrimSpace(string(dbtype))))
	registry.mu.RLock()
	d, ok := registry.entries[key]
	registry.mu.RUnlock()
	if !ok {
		return nil, errs.New("dialect", errs.CodeInvalidConfig,
			errs.WithMessage(fmt.Sprintf("unsupported dbtype %q", dbtype)))
	}
	return d, nil
}

// Registered reports the database types currently known to the registry.
func Registered() []config.DBType {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	keys := make([]config.DBType, 0, len(registry.entries))
	for key := range registry.entries {
		keys = append(keys, key)
	}
	return keys
}

func init() {
	Register(config.DBSQLite, sqliteDialect{})
	Register(config.DBPostgres, postgresDialect{})
	Register(config.DBMySQL, mysqlDialect{})
	Register(config.DBH2, h2Dialect{})
	Register(config.DBOther, conflictDialect{addrType: "BIGINT", textType: "TEXT", binaryType: "BLOB"})
}

// conflictDialect covers engines speaking the standard
// INSERT ... ON CONFLICT syntax with ? placeholders.
type conflictDialect struct {
	addrType   string
	textType   string
	binaryType string
}

func (d conflictDialect) CreateTableSQL(table string, binary bool) string {
	content := d.textType
	if binary {
		content = d.binaryType
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (addr %s PRIMARY KEY, content %s)",
		table, d.addrType, content)
}

func (d conflictDialect) UpsertSQL(table string) (string, int) {
	return fmt.Sprintf("INSERT INTO %s (addr, content) VALUES (?, ?) ON CONFLICT(addr) DO UPDATE SET content = ?",
		table), 3
}

func (conflictDialect) Placeholder(int) string { return "?" }

type sqliteDialect struct{}

func (sqliteDialect) CreateTableSQL(table string, binary bool) string {
	content := "TEXT"
	if binary {
		content = "BLOB"
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (addr INTEGER PRIMARY KEY, content %s)",
		table, content)
}

func (sqliteDialect) UpsertSQL(table string) (string, int) {
	return fmt.Sprintf("INSERT INTO %s (addr, content) VALUES (?, ?) ON CONFLICT(addr) DO UPDATE SET content = ?",
		table), 3
}

func (sqliteDialect) Placeholder(int) string { return "?" }

// postgresDialect emits $n placeholders as required by the pgx driver family.
type postgresDialect struct{}

func (postgresDialect) CreateTableSQL(table string, binary bool) string {
	content := "TEXT"
	if binary {
		content = "BYTEA"
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (addr BIGINT PRIMARY KEY, content %s)",
		table, content)
}

func (postgresDialect) UpsertSQL(table string) (string, int) {
	return fmt.Sprintf("INSERT INTO %s (addr, content) VALUES ($1, $2) ON CONFLICT(addr) DO UPDATE SET content = $3",
		table), 3
}

func (postgresDialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

type mysqlDialect struct{}

func (mysqlDialect) CreateTableSQL(table string, binary bool) string {
	content := "LONGTEXT"
	if binary {
		content = "LONGBLOB"
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (addr BIGINT PRIMARY KEY, content %s)",
		table, content)
}

func (mysqlDialect) UpsertSQL(table string) (string, int) {
	return fmt.Sprintf("INSERT INTO %s (addr, content) VALUES (?, ?) ON DUPLICATE KEY UPDATE content = ?",
		table), 3
}

func (mysqlDialect) Placeholder(int) string { return "?" }

// h2Dialect uses H2's native MERGE, which binds content once.
type h2Dialect struct{}

func (h2Dialect) CreateTableSQL(table string, binary bool) string {
	content := "CLOB"
	if binary {
		content = "BLOB"
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (addr BIGINT PRIMARY KEY, content %s)",
		table, content)
}

func (h2Dialect) UpsertSQL(table string) (string, int) {
	return fmt.Sprintf("MERGE INTO %s KEY (addr) VALUES (?, ?)", table), 2
}

func (h2Dialect) Placeholder(int) string { return "?" }
