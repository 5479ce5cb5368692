// Package kvtable implements the broker-table abstraction described in
// spec.md §9: "get(key) -> value-or-default, put(key, value), delete(key),
// keys(), with per-partition serialization". In the source system (Faust)
// this is a RocksDB-backed table mirrored to a Kafka changelog topic; here
// it is an embedded, pure-Go SQLite database (gorm.io/gorm +
// modernc.org/sqlite, no cgo), adapted directly from the teacher's
// server/internal/db package, which used the identical driver stack for
// its (out-of-scope, external) relational record store.
//
// Each Table mutation is optionally mirrored to a changelog function
// supplied by the caller — normally a closure over broker.Client.Publish
// that publishes to a `<table>-changelog` topic. This package only writes
// the changelog; it has no code that replays it, so a Store is not rebuilt
// from the changelog on a fresh node.
package kvtable

import (
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config holds the configuration required to open a Store.
type Config struct {
	// DSN is the sqlite file path (":memory:" is valid, used by tests).
	DSN    string
	Logger *zap.Logger
}

// Store is the embedded database backing every Table in a worker process.
// One Store is shared by all tables in a given worker (they are
// distinguished by table_name, matching how a single RocksDB instance in
// the source backs multiple Faust app.Table instances).
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open connects to (creating if absent) the local SQLite file at cfg.DSN
// and applies the embedded schema migration.
func Open(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("kvtable: logger is required")
	}

	sqlDB, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("kvtable: opening sqlite %q: %w", cfg.DSN, err)
	}
	// SQLite supports only one writer at a time — matches the teacher's
	// server/internal/db.go rationale for the same driver.
	sqlDB.SetMaxOpenConns(1)

	gormDB, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, &gorm.Config{
		Logger: newZapGORMLogger(cfg.Logger, gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("kvtable: initializing gorm: %w", err)
	}

	if err := runMigrations(sqlDB); err != nil {
		return nil, fmt.Errorf("kvtable: migrations: %w", err)
	}

	return &Store{db: gormDB, logger: cfg.Logger.Named("kvtable")}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func runMigrations(sqlDB *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	drv, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite migrate driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// kvEntry is the single table backing every Table instance opened against
// a Store, distinguished by TableName.
type kvEntry struct {
	TableName string    `gorm:"column:table_name;primaryKey"`
	Key       string    `gorm:"column:key;primaryKey"`
	Value     string    `gorm:"column:value"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (kvEntry) TableName() string { return "kv_entries" }
