// Package store provides the SQLite-backed message store: accounts,
// synced messages, classifications, pending operations, and feedback.
// It is the single source of truth the sync engine, classifier, and
// HTTP façade all read and write through.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// schemaVersion is the current forward-only migration level. Bump this
// and add a case to migrateTo when the schema changes; existing
// databases are upgraded in place on open.
const schemaVersion = 1

// Store is the message store. It keeps two *sql.DB handles into the
// same SQLite file: writeDB serializes all mutations through a mutex
// (SQLite allows only one writer at a time regardless of connection
// pooling), while readDB is opened against the same WAL-mode file and
// can serve concurrent reads without contending with writes.
type Store struct {
	writeMu sync.Mutex
	writeDB *sql.DB
	readDB  *sql.DB
	logger  *slog.Logger

	ftsEnabled bool
}

// Open opens (creating if necessary) the SQLite database at path,
// enables WAL journaling, runs schema migrations, and attempts to
// enable an FTS5 virtual table for subject/sender/snippet search. If
// FTS5 is unavailable in the linked SQLite build, search silently
// degrades to a LIKE-based fallback — see ftsEnabled and SearchMessages.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	writeDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open write handle: %w", err)
	}
	writeDB.SetMaxOpenConns(1) // enforce single-writer at the connection-pool level too

	readDSN := fmt.Sprintf("file:%s?_journal_mode=WAL&mode=ro&_busy_timeout=5000", path)
	readDB, err := sql.Open("sqlite3", readDSN)
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("open read handle: %w", err)
	}

	s := &Store{writeDB: writeDB, readDB: readDB, logger: logger}

	if err := s.migrate(); err != nil {
		writeDB.Close()
		readDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s.ftsEnabled = s.tryEnableFTS()

	return s, nil
}

// WriteDB exposes the single-writer database handle for collaborators
// that manage their own tables within the same file, such as the
// feedback store. Its migration runs in this package (see migrateTo);
// callers must not create conflicting table names.
func (s *Store) WriteDB() *sql.DB {
	return s.writeDB
}

// Close closes both database handles.
func (s *Store) Close() error {
	err1 := s.writeDB.Close()
	err2 := s.readDB.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *Store) migrate() error {
	if _, err := s.writeDB.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL);
	`); err != nil {
		return err
	}

	var current int
	row := s.writeDB.QueryRow(`SELECT version FROM schema_version LIMIT 1`)
	if err := row.Scan(&current); err == sql.ErrNoRows {
		current = 0
	} else if err != nil {
		return err
	}

	for v := current + 1; v <= schemaVersion; v++ {
		if err := s.migrateTo(v); err != nil {
			return fmt.Errorf("migrate to version %d: %w", v, err)
		}
	}

	if current == 0 {
		_, err := s.writeDB.Exec(`INSERT INTO schema_version (version) VALUES (?)`, schemaVersion)
		return err
	}
	_, err := s.writeDB.Exec(`UPDATE schema_version SET version = ?`, schemaVersion)
	return err
}

func (s *Store) migrateTo(v int) error {
	switch v {
	case 1:
		_, err := s.writeDB.Exec(`
		CREATE TABLE IF NOT EXISTS accounts (
			id            TEXT PRIMARY KEY,
			provider      TEXT NOT NULL,
			email         TEXT NOT NULL,
			cursor        TEXT NOT NULL DEFAULT '',
			last_sync_at  TEXT,
			last_error    TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS messages (
			id           TEXT PRIMARY KEY,
			account_id   TEXT NOT NULL,
			provider_id  TEXT NOT NULL,
			thread_id    TEXT NOT NULL DEFAULT '',
			folder       TEXT NOT NULL DEFAULT '',
			sender       TEXT NOT NULL DEFAULT '',
			recipients   TEXT NOT NULL DEFAULT '',
			subject      TEXT NOT NULL DEFAULT '',
			snippet      TEXT NOT NULL DEFAULT '',
			received_at  TEXT NOT NULL,
			is_read      INTEGER NOT NULL DEFAULT 0,
			is_trashed   INTEGER NOT NULL DEFAULT 0,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL,
			UNIQUE (account_id, provider_id)
		);
		CREATE INDEX IF NOT EXISTS idx_messages_account_folder ON messages(account_id, folder);
		CREATE INDEX IF NOT EXISTS idx_messages_received_at ON messages(received_at DESC, provider_id DESC);

		CREATE TABLE IF NOT EXISTS classifications (
			message_id      TEXT PRIMARY KEY,
			tags            TEXT NOT NULL DEFAULT '',
			priority        TEXT NOT NULL DEFAULT 'normal',
			action_required INTEGER NOT NULL DEFAULT 0,
			can_archive     INTEGER NOT NULL DEFAULT 0,
			confidence      REAL NOT NULL DEFAULT 0,
			model           TEXT NOT NULL DEFAULT '',
			classified_at   TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS pending_operations (
			id          TEXT PRIMARY KEY,
			account_id  TEXT NOT NULL,
			message_id  TEXT NOT NULL,
			op          TEXT NOT NULL,
			status      TEXT NOT NULL DEFAULT 'pending',
			attempts    INTEGER NOT NULL DEFAULT 0,
			last_error  TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_pending_status ON pending_operations(status, created_at);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_pending_unique_inflight
			ON pending_operations(account_id, message_id, op)
			WHERE status = 'pending';

		CREATE TABLE IF NOT EXISTS feedback (
			id          TEXT PRIMARY KEY,
			account_id  TEXT NOT NULL,
			message_id  TEXT NOT NULL,
			domain      TEXT NOT NULL DEFAULT '',
			pattern     TEXT NOT NULL DEFAULT '',
			old_tags    TEXT NOT NULL DEFAULT '',
			new_tags    TEXT NOT NULL DEFAULT '',
			used_count  INTEGER NOT NULL DEFAULT 0,
			created_at  TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_feedback_account_domain ON feedback(account_id, domain);
		CREATE INDEX IF NOT EXISTS idx_feedback_created ON feedback(created_at);
		`)
		return err
	}
	return fmt.Errorf("unknown schema version %d", v)
}

// tryEnableFTS attempts to create an FTS5 virtual table mirroring
// subject/sender/snippet text, plus the triggers that keep it in sync
// with messages on every insert/update/delete. Some sqlite3 builds
// omit FTS5; in that case this logs at debug and search falls back to
// LIKE queries. The table is external-content (content='messages'),
// so without these triggers it is never populated — SQLite does not
// maintain an external-content FTS index on its own.
func (s *Store) tryEnableFTS() bool {
	_, err := s.writeDB.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
			subject, sender, snippet, content='messages', content_rowid='rowid'
		);

		CREATE TRIGGER IF NOT EXISTS messages_fts_ai AFTER INSERT ON messages BEGIN
			INSERT INTO messages_fts(rowid, subject, sender, snippet)
			VALUES (new.rowid, new.subject, new.sender, new.snippet);
		END;

		CREATE TRIGGER IF NOT EXISTS messages_fts_ad AFTER DELETE ON messages BEGIN
			INSERT INTO messages_fts(messages_fts, rowid, subject, sender, snippet)
			VALUES ('delete', old.rowid, old.subject, old.sender, old.snippet);
		END;

		CREATE TRIGGER IF NOT EXISTS messages_fts_au AFTER UPDATE ON messages BEGIN
			INSERT INTO messages_fts(messages_fts, rowid, subject, sender, snippet)
			VALUES ('delete', old.rowid, old.subject, old.sender, old.snippet);
			INSERT INTO messages_fts(rowid, subject, sender, snippet)
			VALUES (new.rowid, new.subject, new.sender, new.snippet);
		END;
	`)
	if err != nil {
		s.logger.Debug("FTS5 unavailable, search will use LIKE fallback", "error", err)
		return false
	}
	return true
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func joinTags(tags []string) string { return strings.Join(tags, ",") }

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Transaction runs fn inside a single database transaction on the
// write handle, serialized against all other writes via writeMu.
// Committing or rolling back is handled automatically based on fn's
// return value.
func (s *Store) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}
