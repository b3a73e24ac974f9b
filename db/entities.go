package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/onnwee/streambridge/crypto"
	"github.com/onnwee/streambridge/oauth"
)

// entityStore implements oauth.EntityStore for one table. Channels and
// guilds share the same shape apart from the external-id column and the
// username attribute, so both stores delegate here.
type entityStore struct {
	db          *sql.DB
	enc         crypto.Encryptor
	table       string
	extCol      string
	hasUsername bool
}

// ChannelStore persists linked Twitch channels.
type ChannelStore struct{ entityStore }

// GuildStore persists linked Discord guilds.
type GuildStore struct{ entityStore }

// NewChannelStore returns a store over the channels table. enc may be nil,
// in which case tokens are stored in plaintext.
func NewChannelStore(database *sql.DB, enc crypto.Encryptor) *ChannelStore {
	return &ChannelStore{entityStore{db: database, enc: enc, table: "channels", extCol: "channel_id", hasUsername: true}}
}

// NewGuildStore returns a store over the guilds table.
func NewGuildStore(database *sql.DB, enc crypto.Encryptor) *GuildStore {
	return &GuildStore{entityStore{db: database, enc: enc, table: "guilds", extCol: "guild_id"}}
}

func (s *entityStore) selectCols() string {
	username := "''"
	if s.hasUsername {
		username = "COALESCE(username, '')"
	}
	return fmt.Sprintf(`id, %s, %s, COALESCE(access_token, ''), COALESCE(refresh_token, ''), expires_at, enabled, last_refresh, encryption_version`,
		s.extCol, username)
}

func (s *entityStore) scanEntity(row interface{ Scan(...any) error }) (*oauth.Entity, error) {
	var e oauth.Entity
	var expiresAt, lastRefresh sql.NullTime
	var encVersion int
	if err := row.Scan(&e.ID, &e.ExternalID, &e.Username, &e.AccessToken, &e.RefreshToken,
		&expiresAt, &e.Enabled, &lastRefresh, &encVersion); err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		e.ExpiresAt = expiresAt.Time
	}
	if lastRefresh.Valid {
		e.LastRefresh = lastRefresh.Time
	}
	var err error
	if e.AccessToken, err = openToken(s.enc, e.AccessToken, encVersion); err != nil {
		return nil, err
	}
	if e.RefreshToken, err = openToken(s.enc, e.RefreshToken, encVersion); err != nil {
		return nil, err
	}
	return &e, nil
}

// ListEnabled returns every enabled entity, oldest link first.
func (s *entityStore) ListEnabled(ctx context.Context) ([]oauth.Entity, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE enabled=TRUE ORDER BY id`, s.selectCols(), s.table)
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list enabled %s: %w", s.table, err)
	}
	defer rows.Close()
	var out []oauth.Entity
	for rows.Next() {
		e, err := s.scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s row: %w", s.table, err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// GetByExternalID fetches one entity regardless of its enabled flag. The
// disabled policy lives in oauth.GetUsable so a force override stays possible.
func (s *entityStore) GetByExternalID(ctx context.Context, externalID string) (*oauth.Entity, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE %s=$1`, s.selectCols(), s.table, s.extCol)
	e, err := s.scanEntity(s.db.QueryRowContext(ctx, q, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, oauth.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s %s: %w", s.table, externalID, err)
	}
	return e, nil
}

// UpdateTokens replaces the token pair atomically and stamps last_refresh.
func (s *entityStore) UpdateTokens(ctx context.Context, id int64, td oauth.TokenData) (*oauth.Entity, error) {
	access, ver, err := sealToken(s.enc, td.AccessToken)
	if err != nil {
		return nil, err
	}
	refresh, _, err := sealToken(s.enc, td.RefreshToken)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`UPDATE %s
		SET access_token=$1, refresh_token=$2, expires_at=$3, encryption_version=$4,
		    last_refresh=NOW(), updated_at=NOW()
		WHERE id=$5
		RETURNING %s`, s.table, s.selectCols())
	e, err := s.scanEntity(s.db.QueryRowContext(ctx, q, access, refresh, td.ExpiresAt, ver, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, oauth.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update %s tokens: %w", s.table, err)
	}
	return e, nil
}

// Disable flips the enabled flag off. The entity stays disabled until a
// fresh OAuth callback re-links it.
func (s *entityStore) Disable(ctx context.Context, id int64) (*oauth.Entity, error) {
	q := fmt.Sprintf(`UPDATE %s SET enabled=FALSE, updated_at=NOW() WHERE id=$1 RETURNING %s`,
		s.table, s.selectCols())
	e, err := s.scanEntity(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, oauth.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("disable %s: %w", s.table, err)
	}
	return e, nil
}

// upsertFromCallback creates the entity on first link or, for an existing
// external id, re-enables it and replaces the token pair. Attributes other
// than the tokens (e.g. username) are only written on first insert.
func (s *entityStore) upsertFromCallback(ctx context.Context, externalID, username string, td oauth.TokenData) (*oauth.Entity, error) {
	access, ver, err := sealToken(s.enc, td.AccessToken)
	if err != nil {
		return nil, err
	}
	refresh, _, err := sealToken(s.enc, td.RefreshToken)
	if err != nil {
		return nil, err
	}
	var q string
	var args []any
	if s.hasUsername {
		q = fmt.Sprintf(`INSERT INTO %s (%s, username, access_token, refresh_token, expires_at, encryption_version, enabled)
			VALUES ($1, $2, $3, $4, $5, $6, TRUE)
			ON CONFLICT (%s) DO UPDATE SET
				enabled=TRUE,
				access_token=EXCLUDED.access_token,
				refresh_token=EXCLUDED.refresh_token,
				expires_at=EXCLUDED.expires_at,
				encryption_version=EXCLUDED.encryption_version,
				updated_at=NOW()
			RETURNING %s`, s.table, s.extCol, s.extCol, s.selectCols())
		args = []any{externalID, username, access, refresh, td.ExpiresAt, ver}
	} else {
		q = fmt.Sprintf(`INSERT INTO %s (%s, access_token, refresh_token, expires_at, encryption_version, enabled)
			VALUES ($1, $2, $3, $4, $5, TRUE)
			ON CONFLICT (%s) DO UPDATE SET
				enabled=TRUE,
				access_token=EXCLUDED.access_token,
				refresh_token=EXCLUDED.refresh_token,
				expires_at=EXCLUDED.expires_at,
				encryption_version=EXCLUDED.encryption_version,
				updated_at=NOW()
			RETURNING %s`, s.table, s.extCol, s.extCol, s.selectCols())
		args = []any{externalID, access, refresh, td.ExpiresAt, ver}
	}
	e, err := s.scanEntity(s.db.QueryRowContext(ctx, q, args...))
	if err != nil {
		return nil, fmt.Errorf("upsert %s %s: %w", s.table, externalID, err)
	}
	return e, nil
}

// UpsertFromCallback registers or re-links a Twitch channel.
func (s *ChannelStore) UpsertFromCallback(ctx context.Context, channelID, username string, td oauth.TokenData) (*oauth.Entity, error) {
	return s.upsertFromCallback(ctx, channelID, username, td)
}

// UpsertFromCallback registers or re-links a Discord guild.
func (s *GuildStore) UpsertFromCallback(ctx context.Context, guildID string, td oauth.TokenData) (*oauth.Entity, error) {
	return s.upsertFromCallback(ctx, guildID, "", td)
}

var _ oauth.EntityStore = (*ChannelStore)(nil)
var _ oauth.EntityStore = (*GuildStore)(nil)

// ListEnabledUsernames returns the usernames of enabled channels, for the
// chat presence client.
func (s *ChannelStore) ListEnabledUsernames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT username FROM channels WHERE enabled=TRUE AND username IS NOT NULL AND username <> '' ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("list enabled channel usernames: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
