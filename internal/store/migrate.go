package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/matheus3301/sms/internal/store/migrations"
)

// SchemaVersion is the migration version this build expects.
const SchemaVersion uint = 2

// ErrDirtySchema is returned when a previous migration was interrupted.
var ErrDirtySchema = errors.New("cache schema is dirty")

// MigrateResult describes what happened during migration.
type MigrateResult struct {
	Version uint
	Changed bool
}

// Migrate brings cache.db up to SchemaVersion.
func (db *DB) Migrate() (*MigrateResult, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("migration instance: %w", err)
	}

	if _, dirty, verr := m.Version(); verr == nil && dirty {
		return nil, ErrDirtySchema
	}

	changed := true
	if err := m.Up(); errors.Is(err, migrate.ErrNoChange) {
		changed = false
	} else if err != nil {
		return nil, fmt.Errorf("migration up: %w", err)
	}

	version, _, err := m.Version()
	if err != nil {
		return nil, fmt.Errorf("migration version: %w", err)
	}
	if version != SchemaVersion {
		return nil, fmt.Errorf("cache schema at version %d, want %d", version, SchemaVersion)
	}
	return &MigrateResult{Version: version, Changed: changed}, nil
}
