package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLite holds the SQLite database connections for the engine's durable
// store. WAL mode supports concurrent readers with a single writer, so
// reads and writes use separate pools.
type SQLite struct {
	WriteDB *sql.DB // single-writer pool (MaxOpenConns=1)
	ReadDB  *sql.DB // concurrent read pool
	Path    string
	Logger  *zap.SugaredLogger
}

// configureConnection applies the standard pragmas to one pool
func configureConnection(db *sql.DB, dbPath string) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to query journal mode: %w", err)
	}
	// In-memory databases report "memory" journal mode, which is fine
	if dbPath != ":memory:" && !strings.Contains(dbPath, "mode=memory") && journalMode != "wal" {
		return fmt.Errorf("WAL mode not enabled (got %s)", journalMode)
	}
	return nil
}

// NewSQLite opens the database, applies pragmas on both pools and runs
// migrations
func NewSQLite(dbPath string, logger *zap.SugaredLogger) (*SQLite, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	dsn := dbPath
	if dbPath == ":memory:" {
		// Shared cache so both pools see the same in-memory database
		dsn = "file::memory:?cache=shared"
	} else if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	writeDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite write pool: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetConnMaxIdleTime(5 * time.Minute)
	if err := configureConnection(writeDB, dsn); err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("write pool: %w", err)
	}

	readDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("failed to open SQLite read pool: %w", err)
	}
	readDB.SetMaxOpenConns(10)
	readDB.SetConnMaxIdleTime(5 * time.Minute)
	if err := configureConnection(readDB, dsn); err != nil {
		writeDB.Close()
		readDB.Close()
		return nil, fmt.Errorf("read pool: %w", err)
	}

	s := &SQLite{
		WriteDB: writeDB,
		ReadDB:  readDB,
		Path:    dbPath,
		Logger:  logger,
	}

	if err := s.Migrate(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Infow("SQLite store ready", "path", dbPath)
	return s, nil
}

// Close closes both pools
func (s *SQLite) Close() error {
	var firstErr error
	if err := s.WriteDB.Close(); err != nil {
		firstErr = err
	}
	if err := s.ReadDB.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Ping verifies both pools are reachable
func (s *SQLite) Ping() error {
	if err := s.WriteDB.Ping(); err != nil {
		return fmt.Errorf("write pool ping: %w", err)
	}
	if err := s.ReadDB.Ping(); err != nil {
		return fmt.Errorf("read pool ping: %w", err)
	}
	return nil
}
