// Package acct keeps the process accounting journal: one row per machine
// boot, and one row per task exit and reap.
package acct

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aristath/procore/internal/task"
)

// Boot is one run of the machine.
type Boot struct {
	ID        string
	Init      string
	Quantum   int
	StartedAt time.Time
	EndedAt   time.Time // zero while running
	Retired   uint64
	Ticks     uint64
}

// ExitRecord is written when a task becomes a zombie.
type ExitRecord struct {
	BootID string
	PID    task.PID
	Parent task.PID
	Image  string
	Code   int32
	At     time.Time
}

// ReapRecord is written when a parent collects a zombie.
type ReapRecord struct {
	BootID  string
	PID     task.PID
	Parent  task.PID
	Code    int32
	Orphans int
	At      time.Time
}

// Store defines the journal interface.
type Store interface {
	// Boot lifecycle
	BeginBoot(ctx context.Context, b Boot) error
	EndBoot(ctx context.Context, bootID string, retired, ticks uint64) error
	GetBoot(ctx context.Context, bootID string) (Boot, error)
	ListBoots(ctx context.Context) ([]Boot, error)

	// Process records
	RecordExit(ctx context.Context, r ExitRecord) error
	RecordReap(ctx context.Context, r ReapRecord) error
	Exits(ctx context.Context, bootID string) ([]ExitRecord, error)
	Reaps(ctx context.Context, bootID string) ([]ReapRecord, error)

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the journal at dbPath, creating parent directories if
// needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	// _pragma runs on every new connection, not just the first one.
	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return open(ctx, db)
}

// NewMemoryStore creates an in-memory journal for testing.
// Uses a shared cache so multiple connections see the same database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file::memory:?mode=memory&cache=shared&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}
	return open(ctx, db)
}

func open(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// One writer, one reader for the report.
	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UnixNano()
}
