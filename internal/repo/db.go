// Package repo is the GORM-backed persistence layer: the message store, the
// announcement and suggestion tables, and the idempotency records that
// deduplicate retried sends.
package repo

import (
	"os"
	"path/filepath"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/campuslink/comms-backend/internal/domain"
)

// OpenSQLite opens or creates the database file and applies the PRAGMAs the
// server runs with. WAL keeps REST writes from blocking the hub's read
// paths; busy_timeout covers the writes that still collide.
func OpenSQLite(path string) (*gorm.DB, error) {
	// A missing parent directory surfaces as sqlite's cryptic
	// "out of memory (14)", check it up front.
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA foreign_keys=ON;")
	db.Exec("PRAGMA busy_timeout=5000;")

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	return db, nil
}

// AutoMigrate creates or updates the schema for every persisted model.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.Message{},
		&domain.Announcement{},
		&domain.Suggestion{},
		&domain.Idempotency{},
	)
}
