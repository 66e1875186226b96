package datastore

import (
	"fmt"

	"gorm.io/gorm"
)

// performAutoMigration runs GORM auto-migration for all engine tables.
func performAutoMigration(db *gorm.DB, dbType string) error {
	if err := db.AutoMigrate(
		&Page{},
		&Condition{},
		&CountRecord{},
		&DetectionSession{},
		&Detection{},
	); err != nil {
		return fmt.Errorf("failed to auto-migrate %s database: %w", dbType, err)
	}
	return nil
}

// closeDB closes the underlying sql.DB of a GORM handle, tolerating nil.
func closeDB(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to access underlying database: %w", err)
	}
	return sqlDB.Close()
}
