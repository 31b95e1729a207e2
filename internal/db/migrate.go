package db

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/banshee-data/tcam/internal/monitoring"
)

// SchemaVersion is the migration the daemon expects to run against.
const SchemaVersion uint = 2

// ErrDirtySchema means a previous migration stopped part way. The database
// needs manual repair before the daemon will use it.
var ErrDirtySchema = errors.New("db: schema is dirty")

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrations returns the embedded schema migrations.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// migrateUp brings the schema to the latest embedded version, refusing to
// touch a dirty database.
func (db *DB) migrateUp() error {
	m, err := db.migrator()
	if err != nil {
		return err
	}
	// m.Close would close the shared *sql.DB.

	v, dirty, err := db.version(m)
	if err != nil {
		return err
	}
	if dirty {
		return fmt.Errorf("%w at version %d", ErrDirtySchema, v)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("db: migrate up from %d: %w", v, err)
	}
	if v < SchemaVersion {
		monitoring.Logf("db: schema migrated from version %d to %d", v, SchemaVersion)
	}
	return nil
}

// MigrateTo moves the schema up or down to version. Used to roll back a
// release whose migration is not wanted.
func (db *DB) MigrateTo(version uint) error {
	m, err := db.migrator()
	if err != nil {
		return err
	}
	if err := m.Migrate(version); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("db: migrate to %d: %w", version, err)
	}
	return nil
}

// Version reports the applied migration and whether it is dirty. A fresh
// database reports 0.
func (db *DB) Version() (uint, bool, error) {
	m, err := db.migrator()
	if err != nil {
		return 0, false, err
	}
	return db.version(m)
}

func (db *DB) version(m *migrate.Migrate) (uint, bool, error) {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("db: schema version: %w", err)
	}
	return v, dirty, nil
}

func (db *DB) migrator() (*migrate.Migrate, error) {
	source, err := iofs.New(Migrations(), ".")
	if err != nil {
		return nil, fmt.Errorf("db: open migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("db: sqlite migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("db: migrate instance: %w", err)
	}
	m.Log = migrateLog{}
	return m, nil
}

type migrateLog struct{}

func (migrateLog) Printf(format string, v ...interface{}) { monitoring.Logf("migrate: "+format, v...) }
func (migrateLog) Verbose() bool                          { return false }
