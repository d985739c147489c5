// Package database provides SQLite access for the ParkWatch record store
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"net/url"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQL connection pool used by all repositories
type DB struct {
	*sql.DB
	path   string
	logger *slog.Logger
}

// Config holds database configuration
type Config struct {
	Path         string
	MaxOpenConns int
	BusyTimeout  time.Duration
	CacheKiB     int
}

// DefaultConfig returns the default database configuration rooted at dataDir
func DefaultConfig(dataDir string) *Config {
	return &Config{
		Path:         filepath.Join(dataDir, "parkwatch.db"),
		MaxOpenConns: 8,
		BusyTimeout:  5 * time.Second,
		CacheKiB:     32000,
	}
}

// dsn builds a go-sqlite3 connection string. Settings passed this way apply
// to every pooled connection.
func (cfg *Config) dsn() string {
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "NORMAL")
	q.Set("_foreign_keys", "on")
	q.Set("_busy_timeout", strconv.FormatInt(busy.Milliseconds(), 10))
	if cfg.CacheKiB > 0 {
		q.Set("_cache_size", strconv.Itoa(-cfg.CacheKiB))
	}
	return "file:" + cfg.Path + "?" + q.Encode()
}

// Open opens the database file, creating its directory when needed
func Open(cfg *Config) (*DB, error) {
	logger := slog.Default().With("component", "database")

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open record store %s: %w", cfg.Path, err)
	}

	logger.Info("Opened record store", "path", cfg.Path, "max_open_conns", cfg.MaxOpenConns)

	return &DB{
		DB:     db,
		path:   cfg.Path,
		logger: logger,
	}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	db.logger.Info("Closing database")
	return db.DB.Close()
}

// Path returns the database file path
func (db *DB) Path() string {
	return db.path
}

// Health pings the database with a short deadline
func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return db.PingContext(ctx)
}

// Transaction runs fn inside a transaction, rolling back on error
func (db *DB) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}

	return nil
}

// Checkpoint copies the WAL back into the main file and truncates it
func (db *DB) Checkpoint(ctx context.Context) error {
	var busy, logFrames, checkpointed int
	err := db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)").Scan(&busy, &logFrames, &checkpointed)
	if err != nil {
		return fmt.Errorf("failed to checkpoint: %w", err)
	}
	if busy != 0 {
		db.logger.Debug("Checkpoint blocked by readers", "frames", logFrames, "checkpointed", checkpointed)
	}
	return nil
}

// Maintain checkpoints the WAL and refreshes planner statistics every
// interval until ctx is done
func (db *DB) Maintain(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := db.Checkpoint(ctx); err != nil {
				db.logger.Warn("WAL checkpoint failed", "error", err)
			}
			if _, err := db.ExecContext(ctx, "PRAGMA optimize"); err != nil {
				db.logger.Warn("PRAGMA optimize failed", "error", err)
			}
		}
	}
}
