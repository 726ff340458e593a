// Package db is the persistent journal: topology anomalies and device
// change events are recorded here so the events/anomalies CLI commands can
// show history across sessions.
package db

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/fx"

	"diskatlas/pkg/config"
)

var Module = fx.Module("db",
	fx.Provide(New),
)

type DB struct {
	conn   *sql.DB
	logger *slog.Logger
}

func New(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (*DB, error) {
	db, err := Open(cfg.DBPath, logger)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			db.logger.Info("closing journal")
			return db.Close()
		},
	})

	return db, nil
}

// Open opens the journal at path without fx lifecycle management, for CLI
// commands that run outside the monitor app.
func Open(path string, logger *slog.Logger) (*DB, error) {
	logger = logger.With("component", "db")

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	db := &DB{
		conn:   conn,
		logger: logger,
	}

	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	logger.Debug("journal initialized", "path", path)
	return db, nil
}

func (db *DB) init() error {
	if _, err := db.conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return err
	}
	return db.RunMigrations()
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) Conn() *sql.DB {
	return db.conn
}
