package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Connect opens the Postgres pool behind PostgresStore and applies the schema.
func Connect(ctx context.Context, dsn string, log *slog.Logger) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	log.Info("db.migrations.applied")
	return db, nil
}

// Migrate creates the messaging schema. Every statement is idempotent.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
            conversation_key TEXT PRIMARY KEY,
            participant_a TEXT NOT NULL,
            participant_b TEXT NOT NULL,
            last_message_id TEXT NOT NULL DEFAULT '',
            last_message_at TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            unread_a INT NOT NULL DEFAULT 0 CHECK (unread_a >= 0),
            unread_b INT NOT NULL DEFAULT 0 CHECK (unread_b >= 0),
            CHECK (participant_a < participant_b)
        );`,
		`CREATE INDEX IF NOT EXISTS conversations_participant_a_idx ON conversations (participant_a, updated_at DESC);`,
		`CREATE INDEX IF NOT EXISTS conversations_participant_b_idx ON conversations (participant_b, updated_at DESC);`,
		`CREATE TABLE IF NOT EXISTS messages (
            id TEXT PRIMARY KEY,
            conversation_key TEXT NOT NULL REFERENCES conversations(conversation_key) ON DELETE CASCADE,
            sender_id TEXT NOT NULL,
            receiver_id TEXT NOT NULL,
            content TEXT NOT NULL,
            type TEXT NOT NULL CHECK (type IN ('text', 'image', 'audio', 'video')),
            status TEXT NOT NULL CHECK (status IN ('sent', 'delivered', 'read')),
            created_at TIMESTAMPTZ NOT NULL,
            is_deleted BOOLEAN NOT NULL DEFAULT FALSE
        );`,
		`CREATE INDEX IF NOT EXISTS messages_page_idx ON messages (conversation_key, created_at DESC, id DESC);`,
		`CREATE TABLE IF NOT EXISTS presence (
            user_id TEXT PRIMARY KEY,
            is_online BOOLEAN NOT NULL,
            last_seen TIMESTAMPTZ NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS typing (
            conversation_key TEXT NOT NULL,
            user_id TEXT NOT NULL,
            is_typing BOOLEAN NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL,
            PRIMARY KEY (conversation_key, user_id)
        );`,
	}

	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	return nil
}
