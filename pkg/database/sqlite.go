package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/coff33ninja/LANRage-sub004/pkg/logging"
)

// Conn represents the embedded database connection
type Conn = *sql.DB

// ErrNoRows is returned when a query returns no rows
var ErrNoRows = sql.ErrNoRows

// Config holds database configuration
type Config struct {
	Path        string
	BusyTimeout time.Duration
}

// DefaultConfig returns default database configuration
func DefaultConfig() Config {
	return Config{
		BusyTimeout: 5 * time.Second,
	}
}

// Connect opens the embedded SQLite database with foreign keys enforced
// and WAL journaling. SQLite allows a single writer, so the pool is capped
// at one open connection; the busy timeout covers reader/writer overlap.
func Connect(cfg Config, logger logging.Logger) (Conn, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.WithFields(logging.Fields{
		"path":         cfg.Path,
		"busy_timeout": cfg.BusyTimeout,
	}).Info("Database connected")

	return db, nil
}
