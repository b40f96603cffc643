// Package store owns the single SQLite database backing C1/C3/C5/C6:
// users, greylist, messages (with an FTS5 shadow table) and the
// delivery queue. It adapts the teacher's single-*sql.DB, schema-on-open
// pattern (store/sqlite.go) to the full layout in spec §6.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// ErrAlreadyExists is returned by inserts that hit a UNIQUE constraint.
var ErrAlreadyExists = errors.New("already exists")

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("not found")

// DB wraps the shared *sql.DB handle. All component stores embed it.
type DB struct {
	*sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE CHECK(username <> ''),
	email TEXT NOT NULL UNIQUE CHECK(email <> ''),
	password_hash TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS greylist (
	key TEXT PRIMARY KEY,
	ip TEXT NOT NULL,
	mail_from TEXT NOT NULL,
	rcpt_to TEXT NOT NULL,
	first_seen DATETIME NOT NULL,
	last_seen DATETIME NOT NULL,
	allowed INTEGER NOT NULL DEFAULT 0,
	retry_count INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_greylist_last_seen ON greylist(last_seen);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id TEXT NOT NULL UNIQUE,
	owner_email TEXT NOT NULL,
	sender TEXT NOT NULL,
	recipients TEXT NOT NULL,
	subject TEXT NOT NULL DEFAULT '',
	headers TEXT NOT NULL DEFAULT '',
	body BLOB NOT NULL,
	size INTEGER NOT NULL,
	received_at DATETIME NOT NULL,
	flags INTEGER NOT NULL DEFAULT 0,
	folder TEXT NOT NULL DEFAULT 'INBOX'
);
CREATE INDEX IF NOT EXISTS idx_messages_owner_received ON messages(owner_email, received_at);
CREATE INDEX IF NOT EXISTS idx_messages_owner_folder ON messages(owner_email, folder);

CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
	sender, subject, body, content='messages', content_rowid='id'
);
CREATE TRIGGER IF NOT EXISTS messages_ai AFTER INSERT ON messages BEGIN
	INSERT INTO messages_fts(rowid, sender, subject, body) VALUES (new.id, new.sender, new.subject, new.body);
END;
CREATE TRIGGER IF NOT EXISTS messages_ad AFTER DELETE ON messages BEGIN
	INSERT INTO messages_fts(messages_fts, rowid, sender, subject, body) VALUES ('delete', old.id, old.sender, old.subject, old.body);
END;
CREATE TRIGGER IF NOT EXISTS messages_au AFTER UPDATE ON messages BEGIN
	INSERT INTO messages_fts(messages_fts, rowid, sender, subject, body) VALUES ('delete', old.id, old.sender, old.subject, old.body);
	INSERT INTO messages_fts(rowid, sender, subject, body) VALUES (new.id, new.sender, new.subject, new.body);
END;

CREATE TABLE IF NOT EXISTS queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	from_addr TEXT NOT NULL,
	to_addr TEXT NOT NULL,
	message_data BLOB NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 5,
	next_retry DATETIME NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	error_message TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_queue_status_next_retry ON queue(status, next_retry);
`

// Open opens (and migrates) the SQLite database at path.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate %s: %w", path, err)
	}
	return &DB{DB: db}, nil
}

// IsUniqueViolation reports whether err is a UNIQUE/PRIMARY KEY constraint failure.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
