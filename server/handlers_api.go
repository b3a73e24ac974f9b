package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/streambridge/oauth"
	"github.com/onnwee/streambridge/telemetry"
)

// entityView is the public projection of a registered entity. Tokens never
// leave the service.
type entityView struct {
	ID         int64      `json:"id"`
	ExternalID string     `json:"external_id"`
	Username   string     `json:"username,omitempty"`
	Enabled    bool       `json:"enabled"`
	ExpiresAt  time.Time  `json:"expires_at"`
	LastAction *time.Time `json:"last_refresh,omitempty"`
}

func viewOf(e *oauth.Entity) entityView {
	v := entityView{
		ID:         e.ID,
		ExternalID: e.ExternalID,
		Username:   e.Username,
		Enabled:    e.Enabled,
		ExpiresAt:  e.ExpiresAt,
	}
	if !e.LastRefresh.IsZero() {
		t := e.LastRefresh
		v.LastAction = &t
	}
	return v
}

// storeFor maps a platform path segment to its store and lifecycle.
func (h *Handlers) storeFor(platform string) (oauth.EntityStore, *oauth.Lifecycle) {
	switch platform {
	case "twitch":
		return h.opts.Channels, h.opts.ChannelLifecycle
	case "discord":
		return h.opts.Guilds, h.opts.GuildLifecycle
	}
	return nil, nil
}

// getEntity serves GET /api/channels/{id} and /api/guilds/{id}. A disabled
// entity is an error unless force=true is passed, so callers cannot silently
// act on a dead credential.
func (h *Handlers) getEntity(platform string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		store, _ := h.storeFor(platform)

		externalID := r.PathValue("id")
		if externalID == "" {
			respondError(w, http.StatusBadRequest, "Missing id.")
			return
		}
		force := r.URL.Query().Get("force") == "true" || r.URL.Query().Get("force") == "1"

		e, err := oauth.GetUsable(ctx, store, externalID, force)
		if err != nil {
			switch {
			case errors.Is(err, oauth.ErrNotFound):
				respondError(w, http.StatusNotFound, "Not registered.")
			case errors.Is(err, oauth.ErrDisabled):
				respondError(w, http.StatusForbidden, "This account is disabled. Re-authorize to enable it.")
			default:
				telemetry.LoggerWithCorr(ctx).Error("entity lookup failed", slog.Any("err", err))
				respondError(w, http.StatusInternalServerError, "Lookup failed.")
			}
			return
		}
		respondSuccess(w, http.StatusOK, "", viewOf(e))
	}
}

// GetChannel serves GET /api/channels/{id}.
func (h *Handlers) GetChannel() http.HandlerFunc { return h.getEntity("twitch") }

// GetGuild serves GET /api/guilds/{id}.
func (h *Handlers) GetGuild() http.HandlerFunc { return h.getEntity("discord") }

// AdminRefresh serves POST /admin/refresh/{platform}/{id}: an operator-driven
// refresh of one entity outside the sweep schedule. The response reflects the
// entity's state after the attempt, including a disable.
func (h *Handlers) AdminRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := telemetry.LoggerWithCorr(ctx)

	platform := r.PathValue("platform")
	store, lc := h.storeFor(platform)
	if store == nil {
		respondError(w, http.StatusNotFound, "Unknown platform.")
		return
	}

	externalID := r.PathValue("id")
	e, err := store.GetByExternalID(ctx, externalID)
	if err != nil {
		if errors.Is(err, oauth.ErrNotFound) {
			respondError(w, http.StatusNotFound, "Not registered.")
			return
		}
		log.Error("entity lookup failed", slog.Any("err", err))
		respondError(w, http.StatusInternalServerError, "Lookup failed.")
		return
	}

	after := lc.RefreshEntity(ctx, *e)
	msg := "Token refreshed."
	if !after.Enabled {
		msg = "Refresh failed; the account was disabled."
	}
	respondSuccess(w, http.StatusOK, msg, viewOf(after))
}
