package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// User is a cross-platform account link between a Twitch and a Discord user.
type User struct {
	ID           int64
	TwitchID     string
	DiscordID    string
	LinkedAt     time.Time
	RegisteredAt time.Time
}

// ErrAlreadyLinked reports a Discord account that already has a Twitch link.
var ErrAlreadyLinked = errors.New("account already linked")

// ErrNoPendingLink reports a link callback with no matching pending request.
var ErrNoPendingLink = errors.New("no pending account link")

// UserStore persists account links and their transient pending requests.
type UserStore struct {
	DB *sql.DB
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var twitchID, discordID sql.NullString
	var linkedAt sql.NullTime
	if err := row.Scan(&u.ID, &twitchID, &discordID, &linkedAt, &u.RegisteredAt); err != nil {
		return nil, err
	}
	u.TwitchID = twitchID.String
	u.DiscordID = discordID.String
	if linkedAt.Valid {
		u.LinkedAt = linkedAt.Time
	}
	return &u, nil
}

// GetByDiscordID returns the user linked to a Discord account, or sql.ErrNoRows.
func (s *UserStore) GetByDiscordID(ctx context.Context, discordID string) (*User, error) {
	return scanUser(s.DB.QueryRowContext(ctx,
		`SELECT id, twitch_id, discord_id, linked_at, registered_at FROM users WHERE discord_id=$1`, discordID))
}

// EnsureUnlinked returns ErrAlreadyLinked when the Discord account already
// has a Twitch link. A missing users row is fine.
func (s *UserStore) EnsureUnlinked(ctx context.Context, discordID string) error {
	u, err := s.GetByDiscordID(ctx, discordID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup discord link: %w", err)
	}
	if u.TwitchID != "" {
		return ErrAlreadyLinked
	}
	return nil
}

// CreatePendingLink records a Discord user's intent to link, bound to a fresh
// state token. Any previous pending request from the same user is replaced.
func (s *UserStore) CreatePendingLink(ctx context.Context, discordID, stateValue string) error {
	if _, err := s.DB.ExecContext(ctx,
		`DELETE FROM pending_account_links WHERE discord_id=$1`, discordID); err != nil {
		return fmt.Errorf("clear pending links: %w", err)
	}
	if _, err := s.DB.ExecContext(ctx,
		`INSERT INTO pending_account_links(discord_id, state_value) VALUES($1, $2)`,
		discordID, stateValue); err != nil {
		return fmt.Errorf("create pending link: %w", err)
	}
	return nil
}

// CompleteLink resolves the pending request behind a state token, deletes it,
// and upserts the users row joining the two identities. Returns the Discord
// id that requested the link.
func (s *UserStore) CompleteLink(ctx context.Context, twitchID, stateValue string) (string, error) {
	var discordID string
	err := s.DB.QueryRowContext(ctx,
		`SELECT discord_id FROM pending_account_links WHERE state_value=$1`, stateValue).Scan(&discordID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoPendingLink
	}
	if err != nil {
		return "", fmt.Errorf("lookup pending link: %w", err)
	}
	if _, err := s.DB.ExecContext(ctx,
		`DELETE FROM pending_account_links WHERE discord_id=$1`, discordID); err != nil {
		return "", fmt.Errorf("consume pending link: %w", err)
	}
	if _, err := s.DB.ExecContext(ctx,
		`INSERT INTO users(twitch_id, discord_id, linked_at) VALUES($1, $2, NOW())
		 ON CONFLICT(twitch_id) DO UPDATE SET discord_id=EXCLUDED.discord_id, linked_at=NOW()`,
		twitchID, discordID); err != nil {
		return "", fmt.Errorf("link accounts: %w", err)
	}
	return discordID, nil
}
