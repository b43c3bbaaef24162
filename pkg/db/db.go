// Package db persists the user's saved cars in SQLite.
package db

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS saved_cars (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	label      TEXT NOT NULL UNIQUE,
	make       TEXT,
	model      TEXT,
	year       INTEGER,
	record     TEXT NOT NULL DEFAULT '{}',
	photo_key  TEXT,
	saved_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_saved_cars_make ON saved_cars(make);
`

// Open opens (creating if needed) the database at path and applies the
// schema. ":memory:" is limited to one connection so every caller sees the
// same database.
func Open(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}
	if path == ":memory:" {
		conn.SetMaxOpenConns(1)
	}
	if err := InitDB(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return conn, nil
}

// InitDB applies the schema to the given connection.
func InitDB(db *sql.DB) error {
	for _, s := range strings.Split(schemaSQL, ";") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}
