package oauth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// StateStore issues and validates the single-use anti-CSRF tokens bound to
// OAuth redirects. Tokens are persisted so a callback can land on any
// instance, and expire after TTL even when never consumed.
type StateStore struct {
	DB  *sql.DB
	TTL time.Duration

	// Now is overridable for tests.
	Now func() time.Time
}

func (s *StateStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *StateStore) ttl() time.Duration {
	if s.TTL > 0 {
		return s.TTL
	}
	return time.Hour
}

// Create generates a 20-byte random hex token and persists it.
func (s *StateStore) Create(ctx context.Context) (string, error) {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	value := hex.EncodeToString(b)
	if _, err := s.DB.ExecContext(ctx,
		`INSERT INTO oauth_states(value, created_at) VALUES($1, $2)`, value, s.now()); err != nil {
		return "", fmt.Errorf("persist state: %w", err)
	}
	return value, nil
}

// IsValid reports whether the token exists and is within its TTL. The token
// is not consumed; use Consume on the callback path.
func (s *StateStore) IsValid(ctx context.Context, value string) (bool, error) {
	var createdAt time.Time
	err := s.DB.QueryRowContext(ctx,
		`SELECT created_at FROM oauth_states WHERE value=$1`, value).Scan(&createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup state: %w", err)
	}
	return createdAt.After(s.now().Add(-s.ttl())), nil
}

// Consume atomically validates and deletes the token, closing the
// check-then-act window between IsValid and Delete. Returns true only when
// the token existed and was within its TTL.
func (s *StateStore) Consume(ctx context.Context, value string) (bool, error) {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM oauth_states WHERE value=$1 AND created_at > $2`,
		value, s.now().Add(-s.ttl()))
	if err != nil {
		return false, fmt.Errorf("consume state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("consume state: %w", err)
	}
	return n > 0, nil
}

// Delete removes a token. A missing token is a no-op.
func (s *StateStore) Delete(ctx context.Context, value string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM oauth_states WHERE value=$1`, value)
	if err != nil {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}

// PurgeAll wipes every state token. Called at process start; abandoned flows
// do not survive a restart.
func (s *StateStore) PurgeAll(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM oauth_states`)
	if err != nil {
		return fmt.Errorf("purge states: %w", err)
	}
	return nil
}
