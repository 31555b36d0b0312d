package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

var (
	// ErrStorageUnavailable is returned by every Store operation when the
	// underlying database could not be opened.
	ErrStorageUnavailable = errors.New("queue store unavailable")
	// ErrDuplicateKey is returned by Add when the record id already exists.
	ErrDuplicateKey = errors.New("duplicate record key")
	// ErrUnknownKind is returned for record kinds without a collection.
	ErrUnknownKind = errors.New("unknown record kind")
)

// DB is the sqlite handle holding the queue collections.
type DB struct {
	*sql.DB
	path   string
	logger zerolog.Logger
}

// NewDB opens (creating on first run) the queue database at path.
func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serialises writers and keeps :memory: databases shared.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "queue-store").Logger()
	}
	l.Info().Str("path", path).Msg("queue database initialized")

	return &DB{DB: sqlDB, path: path, logger: l}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

func dsn(path string) string {
	if path == ":memory:" || strings.Contains(path, "?") {
		return path
	}
	return path + "?_busy_timeout=5000&_journal_mode=WAL"
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS attendance (
            id TEXT PRIMARY KEY,
            data TEXT NOT NULL,
            timestamp INTEGER NOT NULL,
            synced INTEGER NOT NULL DEFAULT 0
        )`,
		`CREATE TABLE IF NOT EXISTS locations (
            id TEXT PRIMARY KEY,
            dispatch_id TEXT NOT NULL,
            latitude REAL NOT NULL,
            longitude REAL NOT NULL,
            timestamp INTEGER NOT NULL,
            synced INTEGER NOT NULL DEFAULT 0
        )`,
		`CREATE TABLE IF NOT EXISTS requests (
            id TEXT PRIMARY KEY,
            url TEXT NOT NULL,
            method TEXT NOT NULL,
            data TEXT,
            timestamp INTEGER NOT NULL,
            synced INTEGER NOT NULL DEFAULT 0
        )`,
		`CREATE TABLE IF NOT EXISTS biometrics (
            worker_id TEXT PRIMARY KEY,
            face_encoding TEXT,
            fingerprint_template TEXT,
            timestamp INTEGER NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS auth_state (
            key TEXT PRIMARY KEY,
            value TEXT NOT NULL,
            updated_at INTEGER NOT NULL
        )`,

		// by-synced
		`CREATE INDEX IF NOT EXISTS idx_attendance_synced ON attendance(synced, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_locations_synced ON locations(synced, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_synced ON requests(synced, timestamp)`,

		// by-dispatch
		`CREATE INDEX IF NOT EXISTS idx_locations_dispatch ON locations(dispatch_id)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// Opener opens the queue database. Tests substitute failing openers.
type Opener func(ctx context.Context) (*DB, error)

// Store is the durable queue store. The database is opened lazily by
// Initialize; if opening fails every operation returns ErrStorageUnavailable
// and the next call tries again.
type Store struct {
	open   Opener
	logger zerolog.Logger

	mu      sync.Mutex
	db      *DB
	lastErr error
}

// NewStore returns a store backed by the sqlite file at path.
func NewStore(path string, logger *zerolog.Logger) *Store {
	return NewStoreWithOpener(func(context.Context) (*DB, error) {
		return NewDB(path, logger)
	}, logger)
}

// NewStoreWithOpener returns a store using a custom opener.
func NewStoreWithOpener(open Opener, logger *zerolog.Logger) *Store {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "queue-store").Logger()
	}
	return &Store{open: open, logger: l}
}

// Initialize opens the store once. Concurrent callers wait for the same
// attempt and share the resulting handle.
func (s *Store) Initialize(ctx context.Context) (*DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return s.db, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	db, err := s.open(ctx)
	if err != nil {
		s.lastErr = err
		s.logger.Error().Err(err).Msg("queue store unavailable")
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	s.db = db
	s.lastErr = nil
	return db, nil
}

// Available reports whether the store has an open handle.
func (s *Store) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db != nil
}

// LastError returns the cause of the most recent failed open.
func (s *Store) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Ping checks the open handle.
func (s *Store) Ping(ctx context.Context) error {
	db, err := s.Initialize(ctx)
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

// Close releases the handle. The store can be initialized again afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
