package datastore

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/takeoffworks/autocount/internal/conf"
)

// SQLiteStore implements the datastore interface for SQLite
type SQLiteStore struct {
	DataStore
	Settings *conf.Settings
}

// Open sets up the SQLite database connection and runs migrations
func (store *SQLiteStore) Open() error {
	path := store.Settings.Output.SQLite.Path
	if path == "" {
		return fmt.Errorf("output.sqlite.path is empty")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: createGormLogger(store.Settings.Debug)})
	if err != nil {
		return fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// Cascade deletes from sessions to detections rely on foreign keys.
	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return fmt.Errorf("failed to enable SQLite foreign keys: %w", err)
	}

	store.DB = db
	return performAutoMigration(db, "SQLite")
}

// Close closes the underlying SQLite connection
func (store *SQLiteStore) Close() error {
	return closeDB(store.DB)
}

// createGormLogger configures the GORM logger according to the debug setting.
func createGormLogger(debug bool) logger.Interface {
	level := logger.Warn
	if debug {
		level = logger.Info
	}
	return logger.Default.LogMode(level)
}
