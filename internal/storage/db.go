// Package storage persists the two schemas the core owns, action_instance
// and converge_instance, plus the append-only audit log.
package storage

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// ErrStaleInstance is returned when a compare-and-set update loses the race:
// the row was not in the expected status anymore.
var ErrStaleInstance = errors.New("instance status changed concurrently")

// ErrInstanceNotFound is returned when an action instance does not exist.
var ErrInstanceNotFound = errors.New("action instance not found")

// Open opens the SQLite database shared by the stores. busy_timeout keeps
// concurrent workers from tripping over SQLITE_BUSY during short write
// bursts.
func Open(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}
