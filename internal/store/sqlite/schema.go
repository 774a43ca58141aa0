// Package sqlite implements the frame, session, agent and rule repositories on
// SQLite.
package sqlite

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	title        TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT 'active',
	owner_id     TEXT NOT NULL DEFAULT '',
	participants TEXT NOT NULL DEFAULT '[]',
	metadata     TEXT NOT NULL DEFAULT '{}',
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS frames (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL UNIQUE,
	session_id  TEXT NOT NULL REFERENCES sessions(id),
	parent_id   TEXT NOT NULL DEFAULT '',
	target_ids  TEXT NOT NULL DEFAULT '[]',
	ts          INTEGER NOT NULL,
	type        TEXT NOT NULL,
	author_type TEXT NOT NULL,
	author_id   TEXT NOT NULL DEFAULT '',
	payload     TEXT
);
CREATE INDEX IF NOT EXISTS idx_frames_session_seq ON frames(session_id, seq);

CREATE TABLE IF NOT EXISTS agents (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	owner_id          TEXT NOT NULL DEFAULT '',
	sealed_credential TEXT NOT NULL DEFAULT '',
	created_at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS permission_rules (
	id            TEXT PRIMARY KEY,
	owner_id      TEXT NOT NULL DEFAULT '',
	session_id    TEXT NOT NULL DEFAULT '',
	subject_type  TEXT NOT NULL,
	subject_id    TEXT NOT NULL DEFAULT '',
	resource_type TEXT NOT NULL,
	resource_name TEXT NOT NULL DEFAULT '',
	action        TEXT NOT NULL,
	scope         TEXT NOT NULL,
	conditions    TEXT NOT NULL DEFAULT '{}',
	priority      INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rules_session ON permission_rules(session_id);
`

// GetSchemaSQL returns the schema every repository runs against.
func GetSchemaSQL() string {
	return schemaSQL
}

// Open opens (or creates) the database at path and applies the schema.
// ":memory:" keeps everything on a single connection.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	if path == ":memory:" {
		dsn = "file::memory:?_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}
