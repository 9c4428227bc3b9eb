// internal/archive/migration.go
package archive

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrator applies the embedded archive schema
type Migrator struct {
	db     *sql.DB
	driver string
	logger *zap.Logger
}

// NewMigrator creates a migrator for db opened with the given driver
func NewMigrator(db *sql.DB, driver string, logger *zap.Logger) *Migrator {
	return &Migrator{
		db:     db,
		driver: driver,
		logger: logger,
	}
}

// Up runs all up migrations
func (m *Migrator) Up() error {
	migrator, err := m.createMigrator()
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}

	m.logger.Info("Archive migrations completed successfully", zap.String("driver", m.driver))
	return nil
}

// Down runs all down migrations
func (m *Migrator) Down() error {
	migrator, err := m.createMigrator()
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := migrator.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down failed: %w", err)
	}

	m.logger.Info("Archive migrations rolled back successfully", zap.String("driver", m.driver))
	return nil
}

// Version returns the current migration version
func (m *Migrator) Version() (uint, bool, error) {
	migrator, err := m.createMigrator()
	if err != nil {
		return 0, false, fmt.Errorf("failed to create migrator: %w", err)
	}

	version, dirty, err := migrator.Version()
	if err != nil {
		return 0, false, fmt.Errorf("failed to get version: %w", err)
	}

	return version, dirty, nil
}

// createMigrator builds a migrate instance over the shared connection pool.
// The instance is never closed: closing it would close db as well.
func (m *Migrator) createMigrator() (*migrate.Migrate, error) {
	var (
		driver database.Driver
		err    error
	)
	switch m.driver {
	case DriverPostgres:
		driver, err = postgres.WithInstance(m.db, &postgres.Config{})
	case DriverSQLite:
		driver, err = sqlite.WithInstance(m.db, &sqlite.Config{})
	default:
		return nil, fmt.Errorf("unsupported archive driver %q", m.driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s driver: %w", m.driver, err)
	}

	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	return migrate.NewWithInstance("iofs", source, m.driver, driver)
}
