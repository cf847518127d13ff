package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// runMigrations applies the embedded migrations for dialect on a dedicated connection.
// The migrator closes its database handle, so it never shares the store's pool.
func runMigrations(driverName, dsn, dialect string) error {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}

	var dbDriver database.Driver
	switch dialect {
	case DSNTypeSQLite:
		dbDriver, err = sqlite3.WithInstance(db, &sqlite3.Config{})
	case DSNTypePostgres:
		dbDriver, err = postgres.WithInstance(db, &postgres.Config{})
	default:
		err = fmt.Errorf("no migrations for dialect %q", dialect)
	}
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("migration db driver: %w", err)
	}

	srcDriver, err := iofs.New(migrationsFS, "migrations/"+dialect)
	if err != nil {
		_ = dbDriver.Close()
		return fmt.Errorf("migration source driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", srcDriver, dialect, dbDriver)
	if err != nil {
		_ = srcDriver.Close()
		_ = dbDriver.Close()
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	version, dirty, verr := m.Version()
	if verr == nil {
		slog.Debug("Store migrations applied", "dialect", dialect, "version", version, "dirty", dirty)
	}
	return nil
}
