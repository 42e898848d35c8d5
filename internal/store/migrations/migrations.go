// Package migrations embeds the schema for each SQL dialect and applies it
// with golang-migrate.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed postgres/*.sql sqlite/*.sql
var files embed.FS

// Dialect names accepted by Up.
const (
	Postgres = "postgres"
	SQLite   = "sqlite"
)

// Up applies every pending migration for dialect to db. An already current
// schema is not an error.
func Up(db *sql.DB, dialect string) error {
	m, err := newMigrate(db, dialect)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply %s migrations: %w", dialect, err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	slog.Info("database schema up to date", "dialect", dialect, "version", version, "dirty", dirty)
	return nil
}

func newMigrate(db *sql.DB, dialect string) (*migrate.Migrate, error) {
	sub, err := fs.Sub(files, dialect)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s migrations: %w", dialect, err)
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source driver: %w", err)
	}

	var (
		driver database.Driver
		name   string
	)
	switch dialect {
	case Postgres:
		driver, err = pgxv5.WithInstance(db, &pgxv5.Config{})
		name = "pgx5"
	case SQLite:
		driver, err = sqlite.WithInstance(db, &sqlite.Config{})
		name = "sqlite"
	default:
		return nil, fmt.Errorf("unsupported migration dialect %q", dialect)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, name, driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, nil
}
