package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// AssistantUserID is the fixed id of the AI participant. Snowflake ids are
// far larger, so it never collides with a registered user.
const AssistantUserID int64 = 1

type Database struct {
	Conn *sql.DB
}

func NewDatabase(ctx context.Context, dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn}, nil
}

func (d *Database) Close() error {
	return d.Conn.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGINT PRIMARY KEY,
		username VARCHAR(50) UNIQUE NOT NULL,
		password VARCHAR(255) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS conversations (
		id BIGINT PRIMARY KEY,
		type VARCHAR(10) NOT NULL CHECK (type IN ('private', 'group')) DEFAULT 'private',
		name VARCHAR(100) NOT NULL DEFAULT '',
		created_by BIGINT REFERENCES users(id) ON DELETE SET NULL,
		last_message_text TEXT,
		last_message_sender BIGINT,
		last_message_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS participants (
		conversation_id BIGINT REFERENCES conversations(id) ON DELETE CASCADE,
		user_id BIGINT REFERENCES users(id) ON DELETE CASCADE,
		joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_read_at TIMESTAMPTZ,
		typing BOOLEAN NOT NULL DEFAULT false,
		favorite BOOLEAN NOT NULL DEFAULT false,
		archived BOOLEAN NOT NULL DEFAULT false,
		muted BOOLEAN NOT NULL DEFAULT false,
		PRIMARY KEY (conversation_id, user_id)
	)`,
	`ALTER TABLE participants ADD COLUMN IF NOT EXISTS favorite BOOLEAN NOT NULL DEFAULT false`,
	`ALTER TABLE participants ADD COLUMN IF NOT EXISTS archived BOOLEAN NOT NULL DEFAULT false`,
	`ALTER TABLE participants ADD COLUMN IF NOT EXISTS muted BOOLEAN NOT NULL DEFAULT false`,

	`CREATE TABLE IF NOT EXISTS messages (
		id BIGINT PRIMARY KEY,
		conversation_id BIGINT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		sender_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		client_correlation_id TEXT NOT NULL,
		kind VARCHAR(10) NOT NULL DEFAULT 'text',
		content TEXT NOT NULL DEFAULT '',
		file JSONB,
		reply_to JSONB,
		status VARCHAR(10) NOT NULL DEFAULT 'sent',
		deleted BOOLEAN NOT NULL DEFAULT false,
		reactions JSONB NOT NULL DEFAULT '[]',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (conversation_id, client_correlation_id)
	)`,

	`CREATE INDEX IF NOT EXISTS messages_conversation_id_idx ON messages (conversation_id, id)`,
	`CREATE INDEX IF NOT EXISTS participants_user_idx ON participants (user_id)`,
}

// AutoMigrate creates the schema and the assistant user.
func (d *Database) AutoMigrate(ctx context.Context, assistantName string) error {
	for _, query := range schema {
		if _, err := d.Conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	// The assistant never logs in; '!' is not a valid bcrypt hash.
	_, err := d.Conn.ExecContext(ctx,
		`INSERT INTO users (id, username, password) VALUES ($1, $2, '!')
		 ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username`,
		AssistantUserID, assistantName)
	if err != nil {
		return fmt.Errorf("seed assistant user: %w", err)
	}
	return nil
}
