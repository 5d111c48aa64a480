package db

import (
	"embed"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var fs embed.FS

// Migrate runs the SQLite database migrations using golang-migrate
func Migrate(dbPath string) error {
	m, err := newMigrate(dbPath)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}

	return nil
}

// Rollback rolls back the last migration
func Rollback(dbPath string) error {
	m, err := newMigrate(dbPath)
	if err != nil {
		return err
	}

	return m.Steps(-1)
}

func newMigrate(dbPath string) (*migrate.Migrate, error) {
	d, err := iofs.New(fs, "migrations")
	if err != nil {
		return nil, err
	}

	return migrate.NewWithSourceInstance("iofs", d, "sqlite://"+dbPath)
}
