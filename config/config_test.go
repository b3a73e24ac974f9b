package config

import (
	"testing"
	"time"
)

func clearOAuthEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"TWITCH_CLIENT_ID", "TWITCH_CLIENT_SECRET", "TWITCH_SCOPES",
		"DISCORD_CLIENT_ID", "DISCORD_CLIENT_SECRET", "DISCORD_SCOPES", "DISCORD_PERMISSIONS",
		"API_BASE_URL", "HTTP_ADDR", "DB_DSN", "DEV_MODE",
		"SWEEP_INTERVAL", "PROACTIVE_WINDOW", "BOT_TOKEN_INTERVAL", "BOT_TOKEN_WINDOW",
		"STATE_TTL", "PROVIDER_HTTP_TIMEOUT", "ADMIN_TOKEN", "TOKEN_ENCRYPTION_KEY",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearOAuthEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.APIBaseURL != "http://localhost:8080" {
		t.Errorf("APIBaseURL = %q", cfg.APIBaseURL)
	}
	if cfg.SweepInterval != time.Hour {
		t.Errorf("SweepInterval = %v", cfg.SweepInterval)
	}
	if cfg.ProactiveWindow != 30*time.Minute {
		t.Errorf("ProactiveWindow = %v", cfg.ProactiveWindow)
	}
	if cfg.StateTTL != time.Hour {
		t.Errorf("StateTTL = %v", cfg.StateTTL)
	}
	if cfg.HTTPTimeout != 10*time.Second {
		t.Errorf("HTTPTimeout = %v", cfg.HTTPTimeout)
	}
	if cfg.DevMode {
		t.Error("DevMode should default to false")
	}
}

func TestLoadOverrides(t *testing.T) {
	clearOAuthEnv(t)
	t.Setenv("API_BASE_URL", "https://api.example.com/")
	t.Setenv("SWEEP_INTERVAL", "15m")
	t.Setenv("DEV_MODE", "true")
	t.Setenv("TWITCH_SCOPES", "chat:read")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// Trailing slash is stripped so redirect URIs do not double up.
	if cfg.APIBaseURL != "https://api.example.com" {
		t.Errorf("APIBaseURL = %q", cfg.APIBaseURL)
	}
	if cfg.SweepInterval != 15*time.Minute {
		t.Errorf("SweepInterval = %v", cfg.SweepInterval)
	}
	if !cfg.DevMode {
		t.Error("DevMode = false, want true")
	}
	if cfg.TwitchScopes != "chat:read" {
		t.Errorf("TwitchScopes = %q", cfg.TwitchScopes)
	}
}

func TestLoadBadDuration(t *testing.T) {
	clearOAuthEnv(t)
	t.Setenv("SWEEP_INTERVAL", "not-a-duration")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SweepInterval != time.Hour {
		t.Errorf("SweepInterval = %v, want default 1h", cfg.SweepInterval)
	}
}

func TestRedirectURIs(t *testing.T) {
	cfg := &Config{APIBaseURL: "https://api.example.com"}
	if got := cfg.TwitchRedirectURI(); got != "https://api.example.com/auth/twitch/callback" {
		t.Errorf("TwitchRedirectURI = %q", got)
	}
	if got := cfg.DiscordRedirectURI(); got != "https://api.example.com/auth/discord/callback" {
		t.Errorf("DiscordRedirectURI = %q", got)
	}
	if got := cfg.LinkRedirectURI(); got != "https://api.example.com/oauth/v1/users/callback" {
		t.Errorf("LinkRedirectURI = %q", got)
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{
		TwitchClientID:      "a",
		TwitchClientSecret:  "b",
		DiscordClientID:     "c",
		DiscordClientSecret: "d",
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}

	cfg.DiscordClientSecret = ""
	if err := cfg.Validate(); err == nil {
		t.Error("Validate passed with missing credential")
	}
}
