package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/onnwee/streambridge/telemetry"
)

// BotTokenStore persists the platform-level client-credentials tokens used by
// the bot itself. One row per platform.
type BotTokenStore interface {
	GetBotToken(ctx context.Context, platform string) (accessToken string, expiresAt time.Time, err error)
	UpsertBotToken(ctx context.Context, platform, accessToken string, expiresAt time.Time) error
}

// AppTokenFunc fetches a fresh client-credentials token from a provider.
type AppTokenFunc func(ctx context.Context) (accessToken string, expiresAt time.Time, err error)

// BotCredentials keeps every platform's bot token fresh. Unlike entity
// refreshes, a failure here is escalated: nothing in the platform works
// without a valid bot credential.
type BotCredentials struct {
	Store   BotTokenStore
	Sources map[string]AppTokenFunc

	// Window is the refresh-before-expiry threshold.
	Window time.Duration

	// Now is overridable for tests.
	Now func() time.Time
}

func (b *BotCredentials) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func (b *BotCredentials) window() time.Duration {
	if b.Window > 0 {
		return b.Window
	}
	return 30 * time.Minute
}

// CheckAndRefresh fetches a new token for every platform whose stored token
// is missing or expires within the window. Any error is returned to the
// caller, which treats it as fatal.
func (b *BotCredentials) CheckAndRefresh(ctx context.Context) error {
	platforms := make([]string, 0, len(b.Sources))
	for p := range b.Sources {
		platforms = append(platforms, p)
	}
	sort.Strings(platforms)

	cutoff := b.now().Add(b.window())
	for _, platform := range platforms {
		_, expiresAt, err := b.Store.GetBotToken(ctx, platform)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("get %s bot token: %w", platform, err)
		}
		if err == nil && expiresAt.After(cutoff) {
			slog.Debug("bot token still valid", slog.String("platform", platform))
			continue
		}
		token, newExpiry, ferr := b.Sources[platform](ctx)
		if ferr != nil {
			return fmt.Errorf("fetch %s bot token: %w", platform, ferr)
		}
		if token == "" {
			return fmt.Errorf("fetch %s bot token: %w", platform, ErrMalformedResponse)
		}
		if uerr := b.Store.UpsertBotToken(ctx, platform, token, newExpiry); uerr != nil {
			return fmt.Errorf("persist %s bot token: %w", platform, uerr)
		}
		telemetry.RecordBotTokenRefresh()
		slog.Info("bot token updated", slog.String("platform", platform))
	}
	return nil
}

// StartBotTokenLoop runs CheckAndRefresh once immediately and then on the
// given interval. onFatal is invoked with the first error; the caller is
// expected to terminate the process from it.
func StartBotTokenLoop(ctx context.Context, b *BotCredentials, interval time.Duration, onFatal func(error)) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		if err := b.CheckAndRefresh(ctx); err != nil {
			onFatal(err)
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if err := b.CheckAndRefresh(ctx); err != nil {
				onFatal(err)
				return
			}
		}
	}()
}
