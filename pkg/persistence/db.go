// Package persistence provides SQLite-backed storage for the orchestrator's
// own state: work items, tasks, agent status signals, and escalations.
//
// A Store is opened once per orchestrator run and passed by handle to every
// component. Mutations to tasks and escalations are compare-and-swap on a
// version column so a concurrent writer (an agent completing a task while
// the loop is mid-tick) cannot produce a lost update.
package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // SQLite driver

	"pressroom/pkg/logx"
)

// Typed errors for the operations below. Callers branch on these with
// errors.Is; the loop treats ErrCorruptRecord as fatal and everything else
// as recoverable per item.
var (
	ErrNotFound        = errors.New("record not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrAlreadyExists   = errors.New("record already exists")
	ErrCorruptRecord   = errors.New("corrupted record")
)

// Store wraps the database connection and exposes typed operations.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

// Open opens (creating if necessary) the orchestrator database at dbPath and
// ensures the schema is current.
func Open(dbPath string) (*Store, error) {
	// SQLite creates the file but not the directory above it.
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create state directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000", dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initializeSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// SQLite supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	logger := logx.NewLogger("persistence")
	logger.Info("Database initialized: %s", dbPath)

	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
