// Package config centralises runtime configuration for the segstore backend.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/segstore/errs"
)

// DBType selects the SQL dialect strategy used for DDL and upsert generation.
type DBType string

const (
	// DBSQLite targets SQLite databases.
	DBSQLite DBType = "sqlite"
	// DBH2 targets H2 databases.
	DBH2 DBType = "h2"
	// DBMySQL targets MySQL databases.
	DBMySQL DBType = "mysql"
	// DBPostgres targets PostgreSQL databases.
	DBPostgres DBType = "postgresql"
	// DBOther targets any dialect registered by the host application.
	DBOther DBType = "other"
)

const (
	// DefaultTable is the storage table used when no override is supplied.
	DefaultTable = "datascript"
	// DefaultBatchSize bounds the number of rows bound per batched statement.
	DefaultBatchSize = 1000
	// DefaultMaxConnections bounds the pooled connection count.
	DefaultMaxConnections = 10
	// DefaultMaxIdleConnections bounds connections kept idle for reuse.
	DefaultMaxIdleConnections = 4
)

// ParseDBType converts a string representation to a DBType. It is
// case-insensitive and returns an error for unknown values.
func ParseDBType(s string) (DBType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sqlite", "sqlite3":
		return DBSQLite, nil
	case "h2":
		return DBH2, nil
	case "mysql":
		return DBMySQL, nil
	case "postgresql", "postgres", "pgx":
		return DBPostgres, nil
	case "other":
		return DBOther, nil
	default:
		return "", errs.New("config", errs.CodeInvalidConfig,
			errs.WithMessage(fmt.Sprintf("unsupported dbtype %q", s)))
	}
}

// Config captures the segment store configuration resolved once at
// construction. Codec functions are injected separately because they are not
// representable in a config file.
type Config struct {
	DBType             DBType `yaml:"dbtype"`
	Table              string `yaml:"table"`
	BatchSize          int    `yaml:"batchSize"`
	DDL                string `yaml:"ddl"`
	MaxConnections     int    `yaml:"maxConnections"`
	MaxIdleConnections int    `yaml:"maxIdleConnections"`
	DSN                string `yaml:"dsn"`
}

// DefaultConfig returns the configuration used when no overrides are supplied.
func DefaultConfig() Config {
	return Config{
		Table:              DefaultTable,
		BatchSize:          DefaultBatchSize,
		MaxConnections:     DefaultMaxConnections,
		MaxIdleConnections: DefaultMaxIdleConnections,
	}
}

// Normalise trims whitespace and fills derived defaults in place.
func (c *Config) Normalise() {
	if c == nil {
		return
	}
	c.Table = strings.TrimSpace(c.Table)
	if c.Table == "" {
		c.Table = DefaultTable
	}
	c.DDL = strings.TrimSpace(c.DDL)
	c.DSN = strings.TrimSpace(c.DSN)
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.MaxIdleConnections < 0 {
		c.MaxIdleConnections = DefaultMaxIdleConnections
	}
	if c.MaxIdleConnections > c.MaxConnections {
		c.MaxIdleConnections = c.MaxConnections
	}
}

// Validate reports configuration rejected at construction time. Dialect
// support for DBType is checked by the dialect registry, which also covers
// host-registered dialects.
func (c Config) Validate() error {
	if strings.TrimSpace(string(c.DBType)) == "" {
		return errs.New("config", errs.CodeInvalidConfig, errs.WithMessage("dbtype must be set"))
	}
	if strings.TrimSpace(c.Table) == "" {
		return errs.New("config", errs.CodeInvalidConfig, errs.WithMessage("table must not be empty"))
	}
	if c.BatchSize <= 0 {
		return errs.New("config", errs.CodeInvalidConfig, errs.WithMessage("batchSize must be >0"))
	}
	if c.MaxConnections <= 0 {
		return errs.New("config", errs.CodeInvalidConfig, errs.WithMessage("maxConnections must be >0"))
	}
	if c.MaxIdleConnections < 0 {
		return errs.New("config", errs.CodeInvalidConfig, errs.WithMessage("maxIdleConnections must be >=0"))
	}
	if c.MaxIdleConnections > c.MaxConnections {
		return errs.New("config", errs.CodeInvalidConfig,
			errs.WithMessage("maxIdleConnections must not exceed maxConnections"))
	}
	return nil
}

// Parse decodes a YAML configuration document, applying defaults before
// overrides.
func Parse(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	decoder := yaml.NewDecoder(r)
	if err := decoder.Decode(&cfg); err != nil {
		if err == io.EOF {
			cfg.Normalise()
			return cfg, nil
		}
		return Config{}, errs.New("config", errs.CodeInvalidConfig,
			errs.WithMessage("decode yaml"), errs.WithCause(err))
	}
	if raw := strings.TrimSpace(string(cfg.DBType)); raw != "" && cfg.DBType != DBOther {
		parsed, err := ParseDBType(raw)
		if err == nil {
			cfg.DBType = parsed
		}
	}
	cfg.Normalise()
	return cfg, nil
}

// Load reads and decodes the YAML configuration file at path.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, errs.New("config", errs.CodeInvalidConfig,
			errs.WithMessage(fmt.Sprintf("open %s", path)), errs.WithCause(err))
	}
	defer func() { _ = f.Close() }()
	return Parse(f)
}
