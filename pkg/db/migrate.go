package db

import (
	"embed"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// RunMigrations runs all pending migrations using goose
func (db *DB) RunMigrations() error {
	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}

	version, err := goose.GetDBVersion(db.conn)
	if err != nil {
		db.logger.Debug("no existing migration version", "error", err)
	} else {
		db.logger.Debug("current migration version", "version", version)
	}

	return goose.Up(db.conn, "migrations")
}

// GetMigrationVersion returns the current migration version
func (db *DB) GetMigrationVersion() (int64, error) {
	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return 0, err
	}

	return goose.GetDBVersion(db.conn)
}
