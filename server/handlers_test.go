package server

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/onnwee/streambridge/config"
	"github.com/onnwee/streambridge/db"
	"github.com/onnwee/streambridge/oauth"
	"github.com/onnwee/streambridge/testutil"
	"github.com/onnwee/streambridge/twitchapi"
)

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) apiResponse {
	t.Helper()
	var body apiResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return body
}

func TestTwitchCallbackMissingParams(t *testing.T) {
	h := NewHandlers(Options{})

	tests := []struct {
		name   string
		target string
		want   int
	}{
		{name: "no params", target: "/auth/twitch/callback", want: http.StatusBadRequest},
		{name: "missing state", target: "/auth/twitch/callback?code=abc", want: http.StatusBadRequest},
		{name: "missing code", target: "/auth/twitch/callback?state=abc", want: http.StatusBadRequest},
		{name: "provider denial", target: "/auth/twitch/callback?error=access_denied&error_description=denied", want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.TwitchCallback(rec, httptest.NewRequest(http.MethodGet, tt.target, nil))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if body := decodeResponse(t, rec); body.Success {
				t.Error("success = true on a failed callback")
			}
		})
	}
}

func TestHealthz(t *testing.T) {
	h := NewHandlers(Options{})
	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

// newTestServer wires handlers against the test database and a mock Twitch
// provider. Postgres-gated.
func newTestServer(t *testing.T) (http.Handler, Options, *testutil.MockProviderServer) {
	t.Helper()
	database := testutil.SetupTestDB(t)
	provider := testutil.NewMockProviderServer(t)

	twitchClient := &twitchapi.Client{
		ClientID:     "test-id",
		ClientSecret: "test-secret",
		RedirectURI:  "http://localhost/auth/twitch/callback",
		AuthBase:     provider.URL,
		APIBase:      provider.URL,
	}
	channels := db.NewChannelStore(database, nil)
	opts := Options{
		Config:     &config.Config{AdminToken: "admin-secret"},
		DB:         database,
		States:     &oauth.StateStore{DB: database},
		Twitch:     twitchClient,
		TwitchLink: twitchClient,
		Channels:   channels,
		Guilds:     db.NewGuildStore(database, nil),
		Users:      &db.UserStore{DB: database},
		ChannelLifecycle: &oauth.Lifecycle{
			Platform: "twitch",
			Store:    channels,
			Exchange: twitchClient,
		},
	}
	return NewMux(opts), opts, provider
}

func TestTwitchCallbackRegistersChannel(t *testing.T) {
	mux, opts, provider := newTestServer(t)
	provider.MockTokenResponse("/oauth2/token", "at-1", "rt-1", 3600)
	provider.MockTwitchUser("42", "somestreamer")

	state, err := opts.States.Create(httptest.NewRequest(http.MethodGet, "/", nil).Context())
	if err != nil {
		t.Fatalf("create state: %v", err)
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/twitch/callback?code=abc&state="+state, nil))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeResponse(t, rec)
	if !body.Success {
		t.Errorf("success = false: %s", body.Message)
	}

	e, err := opts.Channels.GetByExternalID(httptest.NewRequest(http.MethodGet, "/", nil).Context(), "42")
	if err != nil {
		t.Fatalf("channel not stored: %v", err)
	}
	if e.AccessToken != "at-1" || !e.Enabled {
		t.Errorf("stored entity = %+v", e)
	}

	// The state token is single use: replaying the callback fails.
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/twitch/callback?code=abc&state="+state, nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("replayed callback status = %d, want 401", rec.Code)
	}
}

func TestTwitchCallbackUnknownState(t *testing.T) {
	mux, _, provider := newTestServer(t)
	provider.MockTokenResponse("/oauth2/token", "at-1", "rt-1", 3600)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/twitch/callback?code=abc&state=forged", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestTwitchCallbackExchangeFailure(t *testing.T) {
	mux, opts, provider := newTestServer(t)
	provider.MockTokenError("/oauth2/token", http.StatusBadRequest, "Invalid authorization code")

	state, err := opts.States.Create(httptest.NewRequest(http.MethodGet, "/", nil).Context())
	if err != nil {
		t.Fatalf("create state: %v", err)
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/twitch/callback?code=bad&state="+state, nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestDiscordCallbackMissingGuildIDKeepsState(t *testing.T) {
	mux, opts, _ := newTestServer(t)
	ctx := httptest.NewRequest(http.MethodGet, "/", nil).Context()

	state, err := opts.States.Create(ctx)
	if err != nil {
		t.Fatalf("create state: %v", err)
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/discord/callback?code=abc&state="+state, nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	// The rejected request must not burn the single-use state: the user can
	// retry the install with the same link.
	valid, err := opts.States.IsValid(ctx, state)
	if err != nil {
		t.Fatalf("is valid: %v", err)
	}
	if !valid {
		t.Error("state consumed by a rejected callback")
	}
}

func TestGetChannelDisabledAndForce(t *testing.T) {
	mux, opts, _ := newTestServer(t)
	ctx := httptest.NewRequest(http.MethodGet, "/", nil).Context()

	e, err := opts.Channels.UpsertFromCallback(ctx, "disabled-chan", "streamer", oauth.TokenData{
		AccessToken: "at", RefreshToken: "rt",
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := opts.Channels.Disable(ctx, e.ID); err != nil {
		t.Fatalf("disable: %v", err)
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/channels/disabled-chan", nil))
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/channels/disabled-chan?force=true", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("forced status = %d, want 200", rec.Code)
	}
	var forced struct {
		Data entityView `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&forced); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if forced.Data.Enabled {
		t.Error("forced read should still report enabled=false")
	}
}

func TestGetChannelNotFound(t *testing.T) {
	mux, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/channels/no-such-channel", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestAdminRefreshRequiresToken(t *testing.T) {
	mux, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/refresh/twitch/42", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status without token = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/refresh/twitch/42", nil)
	req.Header.Set("X-Admin-Token", "wrong")
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status with wrong token = %d, want 401", rec.Code)
	}
}

func TestAdminRefreshEndpoint(t *testing.T) {
	mux, opts, provider := newTestServer(t)
	provider.MockTokenResponse("/oauth2/token", "at-refreshed", "rt-refreshed", 3600)
	ctx := httptest.NewRequest(http.MethodGet, "/", nil).Context()

	if _, err := opts.Channels.UpsertFromCallback(ctx, "chan-1", "streamer", oauth.TokenData{
		AccessToken: "at-old", RefreshToken: "rt-old",
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/refresh/twitch/chan-1", nil)
	req.Header.Set("X-Admin-Token", "admin-secret")
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	e, err := opts.Channels.GetByExternalID(ctx, "chan-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.AccessToken != "at-refreshed" {
		t.Errorf("access token = %q, want at-refreshed", e.AccessToken)
	}
}

func TestAdminRefreshUnknownPlatform(t *testing.T) {
	mux, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/refresh/youtube/42", nil)
	req.Header.Set("X-Admin-Token", "admin-secret")
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestLinkStartAlreadyLinked(t *testing.T) {
	mux, opts, _ := newTestServer(t)
	ctx := httptest.NewRequest(http.MethodGet, "/", nil).Context()

	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand: %v", err)
	}
	discordID, twitchID := fmt.Sprintf("d-%x", b), fmt.Sprintf("t-%x", b)

	state, err := opts.States.Create(ctx)
	if err != nil {
		t.Fatalf("create state: %v", err)
	}
	if err := opts.Users.CreatePendingLink(ctx, discordID, state); err != nil {
		t.Fatalf("pending link: %v", err)
	}
	if _, err := opts.Users.CompleteLink(ctx, twitchID, state); err != nil {
		t.Fatalf("complete link: %v", err)
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/oauth/v1/users/link?discord_id="+discordID, nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if body := decodeResponse(t, rec); body.Success {
		t.Error("success = true for an already linked account")
	}
}
