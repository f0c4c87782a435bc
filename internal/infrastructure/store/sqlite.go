package store

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// OpenSQLite opens an SQLite database at path. SQLite allows one writer at a
// time, so the pool is capped at a single connection.
func OpenSQLite(path string) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	return db, nil
}

func sqliteUniqueViolation(err error) (string, bool) {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return "", false
	}
	switch sqliteErr.Code() {
	case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
	default:
		return "", false
	}
	// "UNIQUE constraint failed: events.tenant_id, events.stream_id, events.version"
	msg := sqliteErr.Error()
	if i := strings.LastIndex(msg, "failed: "); i >= 0 {
		rest := msg[i+len("failed: "):]
		if j := strings.IndexByte(rest, '.'); j > 0 {
			return rest[:j], true
		}
	}
	return "", true
}
