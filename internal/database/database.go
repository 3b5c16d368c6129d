// Package database opens the SQLite record store through gorm.
package database

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"blog-cms/internal/model"
)

const Memory = ":memory:"

// Open opens (or creates) the database at path, enables foreign keys and
// migrates every model. now stamps created_at/updated_at; nil means time.Now.
func Open(path string, now func() time.Time) (*gorm.DB, error) {
	if now == nil {
		now = time.Now
	}

	dsn := "file::memory:?_foreign_keys=on"
	if path != Memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
		dsn = path + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  newLogger(os.Stdout),
		NowFunc: func() time.Time { return now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if path == Memory {
		// every connection to :memory: is a separate database
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql db: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(model.Models()...); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// newLogger reports slow queries and real errors only. A missing row is a
// normal lookup result here, not an error.
func newLogger(w io.Writer) logger.Interface {
	return logger.New(log.New(w, "\r\n", log.LstdFlags), logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}
