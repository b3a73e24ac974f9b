// Package server exposes the HTTP API: OAuth invite/callback endpoints,
// account linking, entity lookups, health, status, and metrics. It includes
// permissive CORS for development and injects correlation IDs into request
// contexts for consistent logging.
package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/onnwee/streambridge/config"
	"github.com/onnwee/streambridge/db"
	"github.com/onnwee/streambridge/discordapi"
	"github.com/onnwee/streambridge/oauth"
	"github.com/onnwee/streambridge/twitchapi"
)

// Options carries the dependencies for all HTTP handlers. Everything is
// constructed in main and injected; handlers own no globals.
type Options struct {
	Config  *config.Config
	DB      *sql.DB
	States  *oauth.StateStore
	Twitch  *twitchapi.Client
	// TwitchLink is a second Twitch client whose redirect URI points at the
	// account-linking callback instead of the channel-registration one.
	TwitchLink *twitchapi.Client
	Discord    *discordapi.Client

	Channels *db.ChannelStore
	Guilds   *db.GuildStore
	Users    *db.UserStore

	ChannelLifecycle *oauth.Lifecycle
	GuildLifecycle   *oauth.Lifecycle
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	opts Options
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(opts Options) *Handlers {
	return &Handlers{opts: opts}
}

// apiResponse is the JSON envelope for interactive OAuth and API endpoints.
type apiResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, apiResponse{Success: false, Message: message})
}

func respondSuccess(w http.ResponseWriter, status int, message string, data any) {
	writeJSON(w, status, apiResponse{Success: true, Message: message, Data: data})
}
