package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrClosed is returned by operations on a closed Database.
var ErrClosed = errors.New("db: database is closed")

// Database owns the ledger connection.
type Database struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open creates the database file and its parent directories if needed and
// applies pending migrations.
func Open(path string) (*Database, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	// golang-migrate closes the connection it is given, so migrations get their own.
	if err := MigrateUpFromPath(path); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	conn, err := NewSQLiteConnection(DefaultConnectionConfig(path))
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection: %w", err)
	}
	return &Database{db: conn, path: path}, nil
}

// Path returns the database file path.
func (d *Database) Path() string {
	return d.path
}

// Ping verifies the connection is alive.
func (d *Database) Ping() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return ErrClosed
	}
	return d.db.Ping()
}

// Close closes the connection. Further use returns ErrClosed.
func (d *Database) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return nil
	}
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	d.db = nil
	return nil
}

// conn returns the open connection, holding the read lock until release is called.
func (d *Database) conn() (*sql.DB, func(), error) {
	d.mu.RLock()
	if d.db == nil {
		d.mu.RUnlock()
		return nil, nil, ErrClosed
	}
	return d.db, d.mu.RUnlock, nil
}
