// Package store is the durable side of the exchange: a SQLite database
// written in batches behind the in-memory state. Memory is
// authoritative while the process lives; the store exists so a restart
// can rebuild it.
package store

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"cosmossdk.io/errors"

	_ "modernc.org/sqlite" // sqlite driver
)

var errEmptyPath = errors.Register("store", 1, "database path is empty")

// DB wraps the SQL handle.
type DB struct {
	sql *sql.DB
}

// Open opens (creating if needed) the SQLite database at path and
// applies the schema.
func Open(path string) (*DB, error) {
	if path == "" {
		return nil, errEmptyPath
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create db directory")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY
	// between the syncer and recovery reads.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	d := &DB{sql: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// SQL exposes the raw handle for the syncer and recovery loader.
func (d *DB) SQL() *sql.DB {
	return d.sql
}

// Close releases the underlying handle.
func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}
