// Command streambridge is the main entrypoint for the OAuth token service.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts background jobs: bot app-token keeper, per-platform token sweeps,
//     and Twitch chat presence.
//   - Exposes the HTTP API: OAuth invites/callbacks, account linking, entity
//     lookups, /healthz, /readyz, /status, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/onnwee/streambridge/chat"
	"github.com/onnwee/streambridge/config"
	"github.com/onnwee/streambridge/crypto"
	"github.com/onnwee/streambridge/db"
	"github.com/onnwee/streambridge/discordapi"
	"github.com/onnwee/streambridge/oauth"
	"github.com/onnwee/streambridge/server"
	"github.com/onnwee/streambridge/telemetry"
	"github.com/onnwee/streambridge/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "json") {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config invalid", slog.Any("err", err))
		os.Exit(1)
	}
	if cfg.DevMode {
		slog.Warn("dev mode enabled: refresh failures will NOT disable entities")
	}

	// Metrics / telemetry init
	telemetry.Init()
	shutdown, err := telemetry.InitTracing("streambridge", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// Token-at-rest encryption is optional; without a key tokens are stored
	// in plaintext and previously encrypted rows fail to decrypt.
	var enc crypto.Encryptor
	if cfg.TokenEncryptionKey != "" {
		aes, err := crypto.NewAESEncryptor(cfg.TokenEncryptionKey)
		if err != nil {
			slog.Error("invalid TOKEN_ENCRYPTION_KEY", slog.Any("err", err))
			os.Exit(1)
		}
		enc = aes
	}

	// DB
	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Run migrations: versioned (golang-migrate) first, embedded SQL as the
	// fallback for environments without the migrations directory on disk.
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, falling back to embedded SQL", slog.Any("err", err))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Stores
	channels := db.NewChannelStore(database, enc)
	guilds := db.NewGuildStore(database, enc)
	users := &db.UserStore{DB: database}
	botTokens := &db.BotTokenStore{DB: database, Enc: enc}
	states := &oauth.StateStore{DB: database, TTL: cfg.StateTTL}

	// Pending authorizations do not survive a restart.
	if err := states.PurgeAll(ctx); err != nil {
		slog.Warn("failed to purge state tokens at boot", slog.Any("err", err))
	}

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	twitchClient := &twitchapi.Client{
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
		RedirectURI:  cfg.TwitchRedirectURI(),
		Scopes:       cfg.TwitchScopes,
		HTTPClient:   httpClient,
	}
	twitchLinkClient := &twitchapi.Client{
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
		RedirectURI:  cfg.LinkRedirectURI(),
		Scopes:       "", // identity only
		ForceVerify:  true,
		HTTPClient:   httpClient,
	}
	discordClient := &discordapi.Client{
		ClientID:     cfg.DiscordClientID,
		ClientSecret: cfg.DiscordClientSecret,
		RedirectURI:  cfg.DiscordRedirectURI(),
		Scopes:       cfg.DiscordScopes,
		Permissions:  cfg.DiscordPermissions,
		HTTPClient:   httpClient,
	}

	channelLifecycle := &oauth.Lifecycle{
		Platform: "twitch",
		Store:    channels,
		Exchange: twitchClient,
		DevMode:  cfg.DevMode,
		Window:   cfg.ProactiveWindow,
		Timeout:  cfg.HTTPTimeout,
	}
	guildLifecycle := &oauth.Lifecycle{
		Platform: "discord",
		Store:    guilds,
		Exchange: discordClient,
		DevMode:  cfg.DevMode,
		Window:   cfg.ProactiveWindow,
		Timeout:  cfg.HTTPTimeout,
	}

	// The bot's own app tokens must always be valid; losing them is fatal so
	// the supervisor restarts the process into a clean retry.
	botCreds := &oauth.BotCredentials{
		Store: botTokens,
		Sources: map[string]oauth.AppTokenFunc{
			"twitch":  twitchClient.AppToken,
			"discord": discordClient.AppToken,
		},
		Window: cfg.BotWindow,
	}
	oauth.StartBotTokenLoop(ctx, botCreds, cfg.BotInterval, func(err error) {
		slog.Error("bot token refresh failed; exiting", slog.Any("err", err))
		stop()
		// Give the HTTP server a moment to drain before the hard exit.
		time.Sleep(2 * time.Second)
		os.Exit(1)
	})

	oauth.StartSweeper(ctx, channelLifecycle, cfg.SweepInterval)
	oauth.StartSweeper(ctx, guildLifecycle, cfg.SweepInterval)

	presence := &chat.Presence{
		Username: cfg.BotUsername,
		IRCToken: cfg.BotIRCToken,
		Channels: channels,
	}
	go presence.Start(ctx)

	opts := server.Options{
		Config:           cfg,
		DB:               database,
		States:           states,
		Twitch:           twitchClient,
		TwitchLink:       twitchLinkClient,
		Discord:          discordClient,
		Channels:         channels,
		Guilds:           guilds,
		Users:            users,
		ChannelLifecycle: channelLifecycle,
		GuildLifecycle:   guildLifecycle,
	}
	slog.Info("starting http server", slog.String("addr", cfg.HTTPAddr))
	if err := server.Start(ctx, opts, cfg.HTTPAddr); err != nil {
		os.Exit(1)
	}
}
