package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	sourceName   = "iofs"
	databaseName = "postgres"
	sqlDir       = "sql"
	sqlDriver    = "pgx"
)

//go:embed sql/*.sql
var files embed.FS

// Apply runs every pending up migration against the postgres database at dsn.
// It reports the schema version after the run.
func Apply(dsn string) (uint, error) {
	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return 0, fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return 0, fmt.Errorf("ping db: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return 0, fmt.Errorf("init postgres driver: %w", err)
	}

	src, err := Source()
	if err != nil {
		return 0, err
	}

	m, err := migrate.NewWithInstance(sourceName, src, databaseName, driver)
	if err != nil {
		return 0, fmt.Errorf("migrate instance: %w", err)
	}

	err = m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("migrate up: %w", err)
	}

	version, _, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, fmt.Errorf("migrate version: %w", err)
	}
	return version, nil
}

// Source exposes the embedded migrations as a golang-migrate source driver.
func Source() (source.Driver, error) {
	src, err := iofs.New(files, sqlDir)
	if err != nil {
		return nil, fmt.Errorf("iofs source: %w", err)
	}
	return src, nil
}
