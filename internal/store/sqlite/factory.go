package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/hivechat/hivechat/internal/store"
)

// Schema is created on open; standalone mode does not run managed
// migrations. Timestamps are stored as microseconds since the epoch so
// cursor comparisons stay exact.
const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	mode       TEXT NOT NULL DEFAULT 'broadcast',
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS room_members (
	room_id    TEXT NOT NULL,
	member_id  TEXT NOT NULL,
	name       TEXT NOT NULL,
	kind       TEXT NOT NULL,
	agent_type TEXT NOT NULL DEFAULT '',
	keywords   TEXT NOT NULL DEFAULT '[]',
	joined_at  INTEGER NOT NULL,
	PRIMARY KEY (room_id, member_id)
);
CREATE TABLE IF NOT EXISTS messages (
	id          TEXT PRIMARY KEY,
	room_id     TEXT NOT NULL,
	sender_id   TEXT NOT NULL,
	sender_kind TEXT NOT NULL,
	content     TEXT NOT NULL,
	mentions    TEXT NOT NULL DEFAULT '[]',
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_room_order ON messages (room_id, created_at, id);
`

// OpenDB opens (creating if needed) the standalone SQLite database.
func OpenDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	// modernc's driver is not safe for concurrent writers on one conn pool
	// beyond SQLite's own locking; a single connection sidesteps SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}

// NewSQLiteStores creates all stores backed by a local SQLite file
// (standalone mode).
func NewSQLiteStores(cfg store.StoreConfig) (*store.Stores, error) {
	db, err := OpenDB(cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return store.NewStores(
		NewRoomStore(db),
		NewMessageStore(db),
		db.Close,
	), nil
}
