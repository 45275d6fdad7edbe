package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrInterrupted is returned by Close while a write is still running.
	// The caller is expected to retry once the write has finished.
	ErrInterrupted = errors.New("database operation in progress")

	// ErrClosed is returned by operations on a closed database.
	ErrClosed = errors.New("database is closed")
)

// DB handles database operations
type DB struct {
	Db *sql.DB

	mu       sync.Mutex
	inflight int
	closed   bool
}

// UsageRecord is one accumulated (executable, user) row
type UsageRecord struct {
	ExePath          string `json:"exe_path"`
	Username         string `json:"username"`
	NanosecondsSpent int64  `json:"nanoseconds_spent"`
}

// NewDB opens (creating if needed) the usage database at path
func NewDB(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := initUsageSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize usage schema: %w", err)
	}

	return &DB{Db: db}, nil
}

func initUsageSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage (
		executable_path   TEXT NOT NULL,
		username          TEXT NOT NULL,
		nanoseconds_spent INTEGER NOT NULL DEFAULT 0,
		UNIQUE(executable_path, username)
	);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create usage table: %w", err)
	}

	return nil
}

// enter marks the start of a write. It fails once the database is closed.
func (db *DB) enter() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	db.inflight++
	return nil
}

func (db *DB) leave() {
	db.mu.Lock()
	db.inflight--
	db.mu.Unlock()
}

// Exists reports whether a usage row exists for the executable and user
func (db *DB) Exists(ctx context.Context, exePath, username string) (bool, error) {
	if err := db.enter(); err != nil {
		return false, err
	}
	defer db.leave()

	query := `SELECT 1 FROM usage WHERE executable_path = ? AND username = ? LIMIT 1`

	var one int
	err := db.Db.QueryRowContext(ctx, query, exePath, username).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Increment adds elapsed nanoseconds to an existing usage row
func (db *DB) Increment(ctx context.Context, exePath string, elapsed int64, username string) error {
	if err := db.enter(); err != nil {
		return err
	}
	defer db.leave()

	query := `
		UPDATE usage
		SET nanoseconds_spent = nanoseconds_spent + ?
		WHERE executable_path = ?
		AND username = ?`

	result, err := db.Db.ExecContext(ctx, query, elapsed, exePath, username)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("no usage row for %s (%s)", exePath, username)
	}
	return nil
}

// Insert creates the usage row for an executable and user
func (db *DB) Insert(ctx context.Context, exePath string, elapsed int64, username string) error {
	if err := db.enter(); err != nil {
		return err
	}
	defer db.leave()

	query := `
		INSERT INTO usage (
			executable_path, username, nanoseconds_spent
		) VALUES (?, ?, ?)`

	_, err := db.Db.ExecContext(ctx, query, exePath, username, elapsed)
	return err
}

// Usage returns the accumulated nanoseconds for an executable and user
func (db *DB) Usage(ctx context.Context, exePath, username string) (int64, bool, error) {
	query := `SELECT nanoseconds_spent FROM usage WHERE executable_path = ? AND username = ?`

	var spent int64
	err := db.Db.QueryRowContext(ctx, query, exePath, username).Scan(&spent)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return spent, true, nil
}

// ListUsage returns every usage row, largest first
func (db *DB) ListUsage(ctx context.Context) ([]UsageRecord, error) {
	query := `
		SELECT executable_path, username, nanoseconds_spent
		FROM usage
		ORDER BY nanoseconds_spent DESC, executable_path`

	rows, err := db.Db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []UsageRecord
	for rows.Next() {
		var rec UsageRecord
		if err := rows.Scan(&rec.ExePath, &rec.Username, &rec.NanosecondsSpent); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close closes the database connection. Closing twice is a no-op; closing
// while a write is running returns ErrInterrupted and leaves it open.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil
	}
	if db.inflight > 0 {
		return ErrInterrupted
	}

	db.closed = true
	return db.Db.Close()
}
