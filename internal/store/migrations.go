package store

import (
	"database/sql"
	"fmt"
)

// migration is one versioned schema change. Migrations are embedded in
// the binary and applied in order; schema_migrations tracks what ran.
type migration struct {
	version     string
	description string
	sql         string
}

var migrations = []migration{
	{
		version:     "001_messages",
		description: "message storage with per-room sequence numbers",
		sql: `
			CREATE TABLE IF NOT EXISTS messages (
				id TEXT PRIMARY KEY,
				room_key TEXT NOT NULL,
				seq INTEGER NOT NULL,
				community_id TEXT,
				private_chat_id TEXT,
				sender TEXT NOT NULL,
				sender_role TEXT NOT NULL,
				content TEXT,
				image_url TEXT,
				timestamp DATETIME NOT NULL,
				status TEXT NOT NULL DEFAULT 'sent',
				UNIQUE (room_key, seq),
				CHECK ((community_id IS NULL) <> (private_chat_id IS NULL))
			);
			CREATE INDEX IF NOT EXISTS idx_messages_room_seq ON messages(room_key, seq);
			CREATE INDEX IF NOT EXISTS idx_messages_room_status ON messages(room_key, status);
		`,
	},
	{
		version:     "002_chat_sessions",
		description: "denormalized private chat session summaries",
		sql: `
			CREATE TABLE IF NOT EXISTS chat_sessions (
				id TEXT PRIMARY KEY,
				room_key TEXT NOT NULL UNIQUE,
				course_id TEXT NOT NULL,
				student_id TEXT NOT NULL,
				tutor_id TEXT NOT NULL,
				course_title TEXT NOT NULL DEFAULT '',
				tutor_name TEXT NOT NULL DEFAULT '',
				student_name TEXT NOT NULL DEFAULT '',
				last_activity DATETIME NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_chat_sessions_tutor ON chat_sessions(tutor_id, last_activity);
			CREATE INDEX IF NOT EXISTS idx_chat_sessions_student ON chat_sessions(student_id, last_activity);
		`,
	},
	{
		version:     "003_notifications",
		description: "per-user notification feed",
		sql: `
			CREATE TABLE IF NOT EXISTS notifications (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				type TEXT NOT NULL,
				read INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL,
				payload TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_notifications_user_time ON notifications(user_id, created_at);
			CREATE INDEX IF NOT EXISTS idx_notifications_user_read ON notifications(user_id, read);
		`,
	},
}

// applyMigrations runs all pending migrations inside transactions.
func applyMigrations(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migration table: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating migration rows: %w", err)
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", m.version, err)
		}
	}
	return nil
}

func applyMigration(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(m.sql); err != nil {
		return fmt.Errorf("migration SQL failed: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, m.version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}
