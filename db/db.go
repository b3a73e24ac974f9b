// Package db provides the Postgres connection, schema migration, and the
// persistence stores backing the OAuth lifecycle (channels, guilds, bot
// tokens, account links).
package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/streambridge/crypto"
)

// Connect opens a Postgres connection for the given DSN. The handle is
// constructed once in main and injected into every store.
func Connect(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty database dsn")
	}
	return sql.Open("pgx", dsn)
}

// Migrate applies idempotent schema changes for all required tables and
// indices. It is the fallback for deployments without the versioned
// migration history; see RunMigrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS oauth_states (
			value TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS channels (
			id SERIAL PRIMARY KEY,
			channel_id TEXT UNIQUE NOT NULL,
			username TEXT,
			access_token TEXT,
			refresh_token TEXT,
			expires_at TIMESTAMPTZ,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			last_refresh TIMESTAMPTZ,
			encryption_version INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS guilds (
			id SERIAL PRIMARY KEY,
			guild_id TEXT UNIQUE NOT NULL,
			access_token TEXT,
			refresh_token TEXT,
			expires_at TIMESTAMPTZ,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			last_refresh TIMESTAMPTZ,
			encryption_version INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS bot_tokens (
			platform TEXT PRIMARY KEY,
			access_token TEXT,
			expires_at TIMESTAMPTZ,
			encryption_version INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id SERIAL PRIMARY KEY,
			twitch_id TEXT UNIQUE,
			discord_id TEXT UNIQUE,
			linked_at TIMESTAMPTZ,
			registered_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS pending_account_links (
			discord_id TEXT PRIMARY KEY,
			state_value TEXT UNIQUE NOT NULL REFERENCES oauth_states(value) ON DELETE CASCADE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_channels_enabled ON channels(enabled)`,
		`CREATE INDEX IF NOT EXISTS idx_guilds_enabled ON guilds(enabled)`,
		`CREATE INDEX IF NOT EXISTS idx_oauth_states_created ON oauth_states(created_at)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// sealToken encrypts a token for storage when an encryptor is configured.
// Returns the stored form and the encryption version (0 plaintext, 1 AES-GCM).
func sealToken(enc crypto.Encryptor, s string) (string, int, error) {
	if enc == nil || s == "" {
		return s, 0, nil
	}
	out, err := crypto.EncryptString(enc, s)
	if err != nil {
		return "", 0, fmt.Errorf("encrypt token: %w", err)
	}
	return out, 1, nil
}

// openToken reverses sealToken based on the stored encryption version.
func openToken(enc crypto.Encryptor, stored string, version int) (string, error) {
	if version == 0 || stored == "" {
		return stored, nil
	}
	if enc == nil {
		return "", fmt.Errorf("token is encrypted but no encryption key is configured")
	}
	out, err := crypto.DecryptString(enc, stored)
	if err != nil {
		return "", fmt.Errorf("decrypt token: %w", err)
	}
	return out, nil
}
