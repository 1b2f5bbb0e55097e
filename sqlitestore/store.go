// Package sqlitestore is a converge.MessageStore backed by SQLite, used to
// keep chat history and search available offline.
package sqlitestore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	converge "github.com/converge-app/converge/sdk/golang"
)

// Store persists confirmed messages in a SQLite database.
type Store struct {
	sql *sql.DB
	log zerolog.Logger
}

var _ converge.MessageStore = (*Store)(nil)

// Open opens (or creates) the database at path and runs migrations.
// Use ":memory:" for an in-memory database.
func Open(path string, log zerolog.Logger) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would get its own empty database
		sqlDB.SetMaxOpenConns(1)
	} else if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	s := &Store{sql: sqlDB, log: log.With().Str("component", "sqlitestore").Logger()}
	if err := s.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	s.log.Debug().Str("path", path).Msg("database opened")
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.sql.Close()
}

func (s *Store) migrate() error {
	if _, err := s.sql.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	for _, m := range migrations {
		var count int
		if err := s.sql.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.Version).Scan(&count); err != nil {
			return fmt.Errorf("checking migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		s.log.Debug().Int("version", m.Version).Str("name", m.Name).Msg("applying migration")

		tx, err := s.sql.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
		if m.Backfill != nil {
			if err := m.Backfill(tx); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
			}
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

const upsertMessage = `
	INSERT INTO messages (scope, id, sender_id, sender_name, content, content_fold, ts,
		parent_id, thread_id, reply_count, file_url, file_type, file_name, file_size)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (scope, id) DO UPDATE SET
		sender_id = excluded.sender_id,
		sender_name = excluded.sender_name,
		content = excluded.content,
		content_fold = excluded.content_fold,
		ts = excluded.ts,
		parent_id = excluded.parent_id,
		thread_id = excluded.thread_id,
		reply_count = excluded.reply_count,
		file_url = excluded.file_url,
		file_type = excluded.file_type,
		file_name = excluded.file_name,
		file_size = excluded.file_size
`

// PutMessages upserts msgs. Entries without a server id are skipped.
func (s *Store) PutMessages(scope converge.Scope, msgs []converge.Message) error {
	tx, err := s.sql.Begin()
	if err != nil {
		return fmt.Errorf("begin put: %w", err)
	}
	stmt, err := tx.Prepare(upsertMessage)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing upsert: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		if m.ID == "" || m.Status == converge.StatusPending {
			continue
		}
		var ts any
		if !m.Timestamp.IsZero() {
			ts = converge.FormatTimestamp(m.Timestamp)
		}
		var att converge.Attachment
		if m.Attachment != nil {
			att = *m.Attachment
		}
		if _, err := stmt.Exec(scope.String(), string(m.ID), m.Sender.ID, m.Sender.Username, m.Content, foldContent(m.Content), ts,
			string(m.ParentID), m.ThreadID, m.ReplyCount, att.URL, att.Type, att.Name, att.Size); err != nil {
			tx.Rollback()
			return fmt.Errorf("storing message %s: %w", m.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit put: %w", err)
	}
	return nil
}

const selectColumns = `id, sender_id, sender_name, content, ts, parent_id, thread_id,
	reply_count, file_url, file_type, file_name, file_size`

// Messages returns the newest limit messages of scope, oldest first.
func (s *Store) Messages(scope converge.Scope, limit int) ([]converge.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.sql.Query(`
		SELECT `+selectColumns+` FROM (
			SELECT seq, `+selectColumns+` FROM messages
			WHERE scope = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`,
		scope.String(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(scope, rows)
}

// DeleteMessage removes one message.
func (s *Store) DeleteMessage(scope converge.Scope, id converge.MessageID) error {
	if _, err := s.sql.Exec("DELETE FROM messages WHERE scope = ? AND id = ?", scope.String(), string(id)); err != nil {
		return fmt.Errorf("deleting message %s: %w", id, err)
	}
	return nil
}

// Search finds messages whose content contains query, case-insensitively.
// Matching runs on the folded copy of the content so non-ASCII letters
// compare the same way MemoryStorage does.
func (s *Store) Search(scope converge.Scope, query string, limit int) ([]converge.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.sql.Query(`
		SELECT `+selectColumns+` FROM messages
		WHERE scope = ? AND content_fold LIKE ? ESCAPE '\'
		ORDER BY seq ASC LIMIT ?`,
		scope.String(), "%"+escapeLike(foldContent(query))+"%", limit,
	)
	if err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(scope, rows)
}

// foldContent is the search key of a message body.
func foldContent(s string) string { return strings.ToLower(s) }

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func scanMessages(scope converge.Scope, rows *sql.Rows) ([]converge.Message, error) {
	var out []converge.Message
	for rows.Next() {
		var (
			m        converge.Message
			id       string
			parentID string
			ts       sql.NullString
			att      converge.Attachment
		)
		if err := rows.Scan(&id, &m.Sender.ID, &m.Sender.Username, &m.Content, &ts, &parentID,
			&m.ThreadID, &m.ReplyCount, &att.URL, &att.Type, &att.Name, &att.Size); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.ID = converge.MessageID(id)
		m.ParentID = converge.MessageID(parentID)
		m.Scope = scope
		m.Status = converge.StatusConfirmed
		if ts.Valid {
			if t, ok := converge.NormalizeTimestamp(ts.String); ok {
				m.Timestamp = t
			}
		}
		if att.URL != "" {
			a := att
			m.Attachment = &a
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
