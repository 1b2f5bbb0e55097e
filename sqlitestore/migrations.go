package sqlitestore

import (
	"database/sql"
	"fmt"
)

type migration struct {
	Version int
	Name    string
	SQL     string
	// Backfill runs after SQL in the same transaction, for data changes
	// SQLite cannot express.
	Backfill func(tx *sql.Tx) error
}

// migrations is the ordered list of schema migrations.
var migrations = []migration{
	{
		Version: 1,
		Name:    "create messages",
		SQL: `
			CREATE TABLE messages (
				seq         INTEGER PRIMARY KEY AUTOINCREMENT,
				scope       TEXT NOT NULL,
				id          TEXT NOT NULL,
				sender_id   TEXT NOT NULL DEFAULT '',
				sender_name TEXT NOT NULL DEFAULT '',
				content     TEXT NOT NULL DEFAULT '',
				ts          TEXT,
				parent_id   TEXT NOT NULL DEFAULT '',
				thread_id   TEXT NOT NULL DEFAULT '',
				reply_count INTEGER NOT NULL DEFAULT 0,
				file_url    TEXT NOT NULL DEFAULT '',
				file_type   TEXT NOT NULL DEFAULT '',
				file_name   TEXT NOT NULL DEFAULT '',
				file_size   INTEGER NOT NULL DEFAULT 0
			);

			CREATE UNIQUE INDEX idx_messages_scope_id ON messages (scope, id);
		`,
	},
	{
		Version: 2,
		Name:    "index replies by parent",
		SQL:     `CREATE INDEX idx_messages_parent ON messages (scope, parent_id);`,
	},
	{
		Version:  3,
		Name:     "add case-folded content",
		SQL:      `ALTER TABLE messages ADD COLUMN content_fold TEXT NOT NULL DEFAULT '';`,
		Backfill: backfillContentFold,
	},
}

// backfillContentFold fills content_fold in Go; SQLite's lower() only
// folds ASCII.
func backfillContentFold(tx *sql.Tx) error {
	rows, err := tx.Query("SELECT seq, content FROM messages")
	if err != nil {
		return fmt.Errorf("reading content: %w", err)
	}
	folded := make(map[int64]string)
	for rows.Next() {
		var seq int64
		var content string
		if err := rows.Scan(&seq, &content); err != nil {
			rows.Close()
			return fmt.Errorf("scanning content: %w", err)
		}
		folded[seq] = foldContent(content)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for seq, f := range folded {
		if _, err := tx.Exec("UPDATE messages SET content_fold = ? WHERE seq = ?", f, seq); err != nil {
			return fmt.Errorf("updating message %d: %w", seq, err)
		}
	}
	return nil
}
