package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/onnwee/streambridge/crypto"
	"github.com/onnwee/streambridge/oauth"
)

// BotTokenStore persists the platform-level client-credentials tokens.
// One row per platform; implements oauth.BotTokenStore.
type BotTokenStore struct {
	DB  *sql.DB
	Enc crypto.Encryptor
}

// UpsertBotToken stores or replaces a platform's bot token.
func (s *BotTokenStore) UpsertBotToken(ctx context.Context, platform, accessToken string, expiresAt time.Time) error {
	access, ver, err := sealToken(s.Enc, accessToken)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO bot_tokens(platform, access_token, expires_at, encryption_version, updated_at)
		 VALUES($1, $2, $3, $4, NOW())
		 ON CONFLICT(platform) DO UPDATE SET
		   access_token=EXCLUDED.access_token,
		   expires_at=EXCLUDED.expires_at,
		   encryption_version=EXCLUDED.encryption_version,
		   updated_at=NOW()`,
		platform, access, expiresAt, ver)
	if err != nil {
		return fmt.Errorf("upsert %s bot token: %w", platform, err)
	}
	return nil
}

// GetBotToken returns a platform's bot token, or oauth.ErrNotFound.
func (s *BotTokenStore) GetBotToken(ctx context.Context, platform string) (string, time.Time, error) {
	var access string
	var expiresAt sql.NullTime
	var ver int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COALESCE(access_token, ''), expires_at, encryption_version FROM bot_tokens WHERE platform=$1`,
		platform).Scan(&access, &expiresAt, &ver)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, oauth.ErrNotFound
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("get %s bot token: %w", platform, err)
	}
	access, err = openToken(s.Enc, access, ver)
	if err != nil {
		return "", time.Time{}, err
	}
	var exp time.Time
	if expiresAt.Valid {
		exp = expiresAt.Time
	}
	return access, exp, nil
}

var _ oauth.BotTokenStore = (*BotTokenStore)(nil)
