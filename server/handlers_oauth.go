package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/streambridge/db"
	"github.com/onnwee/streambridge/oauth"
	"github.com/onnwee/streambridge/telemetry"
	"github.com/onnwee/streambridge/twitchapi"
)

// TwitchInvite issues a state token and redirects the browser to the Twitch
// authorization page.
func (h *Handlers) TwitchInvite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := telemetry.LoggerWithCorr(ctx)

	state, err := h.opts.States.Create(ctx)
	if err != nil {
		log.Error("failed to create state token", slog.Any("err", err))
		respondError(w, http.StatusInternalServerError, "Failed to start authorization.")
		return
	}
	telemetry.RecordStateIssued()

	target, err := h.opts.Twitch.AuthorizeURL(state)
	if err != nil {
		log.Error("failed to build authorize URL", slog.Any("err", err))
		respondError(w, http.StatusInternalServerError, "Failed to start authorization.")
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// DiscordInvite issues a state token and redirects to the Discord bot-install
// authorization page.
func (h *Handlers) DiscordInvite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := telemetry.LoggerWithCorr(ctx)

	state, err := h.opts.States.Create(ctx)
	if err != nil {
		log.Error("failed to create state token", slog.Any("err", err))
		respondError(w, http.StatusInternalServerError, "Failed to start authorization.")
		return
	}
	telemetry.RecordStateIssued()

	target, err := h.opts.Discord.AuthorizeURL(state)
	if err != nil {
		log.Error("failed to build authorize URL", slog.Any("err", err))
		respondError(w, http.StatusInternalServerError, "Failed to start authorization.")
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// callbackParams validates the common query parameters of an OAuth callback.
// It writes the error response itself and returns ok=false when the request
// cannot proceed.
func (h *Handlers) callbackParams(w http.ResponseWriter, r *http.Request, platform string) (code, state string, ok bool) {
	q := r.URL.Query()

	if errCode := q.Get("error"); errCode != "" {
		desc := q.Get("error_description")
		if desc == "" {
			desc = errCode
		}
		telemetry.RecordCallback(platform, "denied")
		respondError(w, http.StatusUnauthorized, "Authorization was denied: "+desc)
		return "", "", false
	}

	code = q.Get("code")
	state = q.Get("state")
	if code == "" || state == "" {
		telemetry.RecordCallback(platform, "bad_request")
		respondError(w, http.StatusBadRequest, "Missing code or state parameter.")
		return "", "", false
	}
	if !h.consumeState(w, r, platform, state) {
		return "", "", false
	}
	return code, state, true
}

// consumeState burns the single-use state token, writing the error response
// itself when the token is invalid or the lookup fails.
func (h *Handlers) consumeState(w http.ResponseWriter, r *http.Request, platform, state string) bool {
	valid, err := h.opts.States.Consume(r.Context(), state)
	if err != nil {
		telemetry.RecordCallback(platform, "error")
		respondError(w, http.StatusInternalServerError, "Failed to verify state token.")
		return false
	}
	if !valid {
		telemetry.RecordCallback(platform, "bad_state")
		respondError(w, http.StatusUnauthorized, "Invalid or expired state token.")
		return false
	}
	return true
}

// TwitchCallback completes the channel-registration code grant: it exchanges
// the code, resolves the broadcaster identity, and upserts the channel row
// (re-enabling it if it was disabled).
func (h *Handlers) TwitchCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := telemetry.LoggerWithCorr(ctx)

	code, _, ok := h.callbackParams(w, r, "twitch")
	if !ok {
		return
	}

	tok, err := h.opts.Twitch.ExchangeCode(ctx, code)
	if err != nil {
		log.Error("twitch code exchange failed", slog.Any("err", err))
		telemetry.RecordCallback("twitch", "error")
		respondError(w, http.StatusInternalServerError, "Token exchange failed.")
		return
	}

	info, err := h.opts.Twitch.UserInfo(ctx, tok.AccessToken)
	if err != nil {
		log.Error("twitch identity lookup failed", slog.Any("err", err))
		telemetry.RecordCallback("twitch", "error")
		respondError(w, http.StatusInternalServerError, "Failed to resolve account identity.")
		return
	}

	td := oauth.TokenData{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    twitchapi.ComputeExpiry(tok.ExpiresIn),
	}
	if _, err := h.opts.Channels.UpsertFromCallback(ctx, info.ID, info.Login, td); err != nil {
		log.Error("failed to persist channel tokens", slog.Any("err", err))
		telemetry.RecordCallback("twitch", "error")
		respondError(w, http.StatusInternalServerError, "Failed to store channel.")
		return
	}

	log.Info("channel registered",
		slog.String("channel_id", info.ID), slog.String("username", info.Login))
	telemetry.RecordCallback("twitch", "success")
	respondSuccess(w, http.StatusCreated, "The channel was successfully registered.", nil)
}

// DiscordCallback completes the bot-install code grant for a guild. The guild
// id comes back in the callback query (guild_id) when the bot scope is used;
// it is checked before the state is consumed so a truncated redirect does not
// burn the single-use token.
func (h *Handlers) DiscordCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := telemetry.LoggerWithCorr(ctx)

	q := r.URL.Query()
	if errCode := q.Get("error"); errCode != "" {
		desc := q.Get("error_description")
		if desc == "" {
			desc = errCode
		}
		telemetry.RecordCallback("discord", "denied")
		respondError(w, http.StatusUnauthorized, "Authorization was denied: "+desc)
		return
	}
	code, state, guildID := q.Get("code"), q.Get("state"), q.Get("guild_id")
	if code == "" || state == "" {
		telemetry.RecordCallback("discord", "bad_request")
		respondError(w, http.StatusBadRequest, "Missing code or state parameter.")
		return
	}
	if guildID == "" {
		telemetry.RecordCallback("discord", "bad_request")
		respondError(w, http.StatusBadRequest, "Missing guild_id parameter.")
		return
	}
	if !h.consumeState(w, r, "discord", state) {
		return
	}

	td, err := h.opts.Discord.ExchangeCode(ctx, code)
	if err != nil {
		log.Error("discord code exchange failed", slog.Any("err", err))
		telemetry.RecordCallback("discord", "error")
		respondError(w, http.StatusInternalServerError, "Token exchange failed.")
		return
	}

	if _, err := h.opts.Guilds.UpsertFromCallback(ctx, guildID, td); err != nil {
		log.Error("failed to persist guild tokens", slog.Any("err", err))
		telemetry.RecordCallback("discord", "error")
		respondError(w, http.StatusInternalServerError, "Failed to store guild.")
		return
	}

	log.Info("guild registered", slog.String("guild_id", guildID))
	telemetry.RecordCallback("discord", "success")
	respondSuccess(w, http.StatusCreated, "The bot was successfully added to the guild.", nil)
}

// LinkStart begins an account-link flow for a Discord user. It records a
// pending link keyed by a fresh state token and returns the Twitch authorize
// URL the user should visit.
func (h *Handlers) LinkStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := telemetry.LoggerWithCorr(ctx)

	discordID := r.URL.Query().Get("discord_id")
	if discordID == "" {
		respondError(w, http.StatusBadRequest, "Missing discord_id parameter.")
		return
	}

	if err := h.opts.Users.EnsureUnlinked(ctx, discordID); err != nil {
		if errors.Is(err, db.ErrAlreadyLinked) {
			respondError(w, http.StatusConflict, "This Discord account is already linked.")
			return
		}
		log.Error("failed to check existing link", slog.Any("err", err))
		respondError(w, http.StatusInternalServerError, "Failed to start account link.")
		return
	}

	state, err := h.opts.States.Create(ctx)
	if err != nil {
		log.Error("failed to create state token", slog.Any("err", err))
		respondError(w, http.StatusInternalServerError, "Failed to start account link.")
		return
	}
	telemetry.RecordStateIssued()

	if err := h.opts.Users.CreatePendingLink(ctx, discordID, state); err != nil {
		log.Error("failed to record pending link", slog.Any("err", err))
		respondError(w, http.StatusInternalServerError, "Failed to start account link.")
		return
	}

	target, err := h.opts.TwitchLink.AuthorizeURL(state)
	if err != nil {
		log.Error("failed to build authorize URL", slog.Any("err", err))
		respondError(w, http.StatusInternalServerError, "Failed to start account link.")
		return
	}
	respondSuccess(w, http.StatusOK, "Visit the URL to link your Twitch account.",
		map[string]string{"url": target})
}

// LinkCallback completes an account-link flow: it verifies the state token,
// resolves the Twitch identity behind the code, and joins it to the pending
// Discord account. The state is consumed only after the join succeeds because
// the pending-link row is keyed by it.
func (h *Handlers) LinkCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := telemetry.LoggerWithCorr(ctx)

	q := r.URL.Query()
	if errCode := q.Get("error"); errCode != "" {
		respondError(w, http.StatusUnauthorized, "Authorization was denied.")
		return
	}
	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		respondError(w, http.StatusBadRequest, "Missing code or state parameter.")
		return
	}

	valid, err := h.opts.States.IsValid(ctx, state)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to verify state token.")
		return
	}
	if !valid {
		respondError(w, http.StatusUnauthorized, "Invalid or expired state token.")
		return
	}

	tok, err := h.opts.TwitchLink.ExchangeCode(ctx, code)
	if err != nil {
		log.Error("twitch code exchange failed", slog.Any("err", err))
		respondError(w, http.StatusInternalServerError, "Token exchange failed.")
		return
	}
	info, err := h.opts.TwitchLink.UserInfo(ctx, tok.AccessToken)
	if err != nil {
		log.Error("twitch identity lookup failed", slog.Any("err", err))
		respondError(w, http.StatusInternalServerError, "Failed to resolve account identity.")
		return
	}

	discordID, err := h.opts.Users.CompleteLink(ctx, info.ID, state)
	if err != nil {
		if errors.Is(err, db.ErrNoPendingLink) {
			respondError(w, http.StatusUnauthorized, "No pending link for this request.")
			return
		}
		log.Error("failed to complete account link", slog.Any("err", err))
		respondError(w, http.StatusInternalServerError, "Failed to complete account link.")
		return
	}
	if err := h.opts.States.Delete(ctx, state); err != nil {
		log.Warn("failed to delete consumed state token", slog.Any("err", err))
	}

	log.Info("accounts linked",
		slog.String("twitch_id", info.ID), slog.String("discord_id", discordID))
	respondSuccess(w, http.StatusOK, "Your Twitch and Discord accounts are now linked.", nil)
}
