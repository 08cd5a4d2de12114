// Package migrations embeds the engine's Postgres schema and applies it
// with golang-migrate, following buildbeaver-buildbeaver's
// GolangMigrateRunner pattern of driving migrate/v4 off an in-memory
// filesystem rather than a path on disk.
package migrations

import (
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed *.sql
var schema embed.FS

// Up applies every pending migration to the database reachable at dsn.
func Up(dsn string) error {
	m, err := newMigrate(dsn)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Down rolls back every applied migration.
func Down(dsn string) error {
	m, err := newMigrate(dsn)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Down(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("rolling back migrations: %w", err)
	}
	return nil
}

func newMigrate(dsn string) (*migrate.Migrate, error) {
	src, err := iofs.New(schema, ".")
	if err != nil {
		return nil, fmt.Errorf("loading embedded migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return nil, fmt.Errorf("initializing migrator: %w", err)
	}
	return m, nil
}
