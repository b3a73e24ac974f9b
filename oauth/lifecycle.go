// Package oauth implements the OAuth2 token lifecycle for linked entities
// (Twitch channels, Discord guilds): single-use state tokens, refresh with
// disable-on-failure, bulk revalidation sweeps, and the bot-level
// client-credentials loop. Provider specifics are injected via small
// interfaces so the same lifecycle drives both platforms.
package oauth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/onnwee/streambridge/telemetry"
)

var (
	// ErrUnauthorized reports that a provider rejected a token as invalid or expired.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound reports a missing entity.
	ErrNotFound = errors.New("not found")
	// ErrDisabled reports an entity whose enabled flag is false.
	ErrDisabled = errors.New("entity disabled")
	// ErrMalformedResponse reports a provider token response missing required fields.
	ErrMalformedResponse = errors.New("malformed token response")
)

// TokenData is a replacement access/refresh token pair with its absolute expiry.
// The pair is always persisted together.
type TokenData struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Entity is a linked channel or guild holding OAuth credentials.
type Entity struct {
	ID           int64
	ExternalID   string
	Username     string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Enabled      bool
	LastRefresh  time.Time
}

// EntityStore persists entities. Implementations live in the db package.
type EntityStore interface {
	ListEnabled(ctx context.Context) ([]Entity, error)
	GetByExternalID(ctx context.Context, externalID string) (*Entity, error)
	// UpdateTokens replaces the token pair and stamps last_refresh.
	UpdateTokens(ctx context.Context, id int64, td TokenData) (*Entity, error)
	Disable(ctx context.Context, id int64) (*Entity, error)
}

// Exchanger performs provider-specific refresh and introspection calls.
// Validate returns nil for a live token, ErrUnauthorized (wrapped) when the
// provider rejects it, and any other error for transient failures.
type Exchanger interface {
	Refresh(ctx context.Context, refreshToken string) (TokenData, error)
	Validate(ctx context.Context, accessToken string) error
}

// Lifecycle ties an EntityStore to an Exchanger for one platform.
type Lifecycle struct {
	Platform string
	Store    EntityStore
	Exchange Exchanger

	// DevMode keeps entities enabled when a refresh fails, so development
	// databases full of expired sandbox tokens stay usable.
	DevMode bool

	// Window is the proactive refresh window: tokens expiring within it are
	// treated as needing refresh even when introspection still succeeds.
	Window time.Duration

	// Timeout bounds each provider HTTP call.
	Timeout time.Duration

	// Now is overridable for tests.
	Now func() time.Time
}

func (l *Lifecycle) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *Lifecycle) window() time.Duration {
	if l.Window > 0 {
		return l.Window
	}
	return 30 * time.Minute
}

func (l *Lifecycle) timeout() time.Duration {
	if l.Timeout > 0 {
		return l.Timeout
	}
	return 10 * time.Second
}

// GetUsable looks up an entity by external id and enforces the disabled
// policy: disabled entities come back as ErrDisabled unless force is set,
// which keeps an operator override possible.
func GetUsable(ctx context.Context, s EntityStore, externalID string, force bool) (*Entity, error) {
	e, err := s.GetByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if !e.Enabled && !force {
		return nil, ErrDisabled
	}
	return e, nil
}

// RefreshEntity exchanges the entity's refresh token for a new pair and
// persists it. Failures are not returned to the caller: the entity is
// disabled instead (unless DevMode), and the resulting entity is returned.
func (l *Lifecycle) RefreshEntity(ctx context.Context, e Entity) *Entity {
	rctx, cancel := context.WithTimeout(ctx, l.timeout())
	td, err := l.Exchange.Refresh(rctx, e.RefreshToken)
	cancel()
	if err != nil {
		telemetry.RecordRefresh(l.Platform, false)
		if l.DevMode {
			slog.Warn("token refresh failed; keeping entity enabled (dev mode)",
				slog.String("platform", l.Platform), slog.String("entity", e.ExternalID), slog.Any("err", err))
			return &e
		}
		slog.Warn("token refresh failed; disabling entity",
			slog.String("platform", l.Platform), slog.String("entity", e.ExternalID), slog.Any("err", err))
		disabled, derr := l.Store.Disable(ctx, e.ID)
		if derr != nil {
			slog.Error("failed to disable entity after refresh failure",
				slog.String("platform", l.Platform), slog.String("entity", e.ExternalID), slog.Any("err", derr))
			return &e
		}
		telemetry.RecordDisable(l.Platform)
		return disabled
	}
	if td.RefreshToken == "" {
		td.RefreshToken = e.RefreshToken
	}
	updated, uerr := l.Store.UpdateTokens(ctx, e.ID, td)
	if uerr != nil {
		slog.Error("failed to persist refreshed tokens",
			slog.String("platform", l.Platform), slog.String("entity", e.ExternalID), slog.Any("err", uerr))
		return &e
	}
	telemetry.RecordRefresh(l.Platform, true)
	slog.Info("token refreshed", slog.String("platform", l.Platform), slog.String("entity", e.ExternalID))
	return updated
}

// VerifyAllTokens checks every enabled entity against the provider, strictly
// sequentially to stay under provider rate limits, and returns the subset
// needing refresh: tokens the provider rejects plus tokens expiring within
// the proactive window. A single entity's transient failure is logged and
// skipped; it never aborts the sweep.
func (l *Lifecycle) VerifyAllTokens(ctx context.Context) ([]Entity, error) {
	entities, err := l.Store.ListEnabled(ctx)
	if err != nil {
		return nil, err
	}
	slog.Info("verifying enabled entities", slog.String("platform", l.Platform), slog.Int("count", len(entities)))

	var stale []Entity
	for _, e := range entities {
		if ctx.Err() != nil {
			return stale, ctx.Err()
		}
		vctx, cancel := context.WithTimeout(ctx, l.timeout())
		verr := l.Exchange.Validate(vctx, e.AccessToken)
		cancel()
		switch {
		case verr == nil:
			if e.ExpiresAt.Before(l.now().Add(l.window())) {
				stale = append(stale, e)
			}
		case errors.Is(verr, ErrUnauthorized):
			stale = append(stale, e)
		default:
			slog.Warn("token verification error; skipping entity this cycle",
				slog.String("platform", l.Platform), slog.String("entity", e.ExternalID), slog.Any("err", verr))
		}
	}
	telemetry.RecordSweep(l.Platform, len(entities), len(stale))
	slog.Info("sweep complete", slog.String("platform", l.Platform), slog.Int("needs_refresh", len(stale)))
	return stale, nil
}

// VerifyToken reports whether a single entity's access token is currently
// usable. Tokens inside the proactive window are reported stale without a
// network call.
func (l *Lifecycle) VerifyToken(ctx context.Context, externalID string) (bool, error) {
	e, err := l.Store.GetByExternalID(ctx, externalID)
	if err != nil {
		return false, err
	}
	if e.ExpiresAt.Before(l.now().Add(l.window())) {
		return false, nil
	}
	vctx, cancel := context.WithTimeout(ctx, l.timeout())
	defer cancel()
	verr := l.Exchange.Validate(vctx, e.AccessToken)
	if verr == nil {
		return true, nil
	}
	if errors.Is(verr, ErrUnauthorized) {
		return false, nil
	}
	return false, verr
}
