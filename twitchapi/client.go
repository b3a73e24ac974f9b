// Package twitchapi implements the Twitch side of the OAuth lifecycle:
// authorization URL construction, code exchange, refresh, token validation,
// and Helix identity lookup.
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/onnwee/streambridge/oauth"
)

const (
	defaultAuthBase = "https://id.twitch.tv"
	defaultAPIBase  = "https://api.twitch.tv"
)

// Client talks to the Twitch identity and Helix endpoints for one
// application. Base URLs are overridable for tests.
type Client struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       string
	// ForceVerify makes Twitch re-prompt for consent even when the user has
	// already authorized the app. Used by the account-linking flow so the
	// right account gets picked.
	ForceVerify bool
	HTTPClient  *http.Client

	AuthBase string
	APIBase  string
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) authBase() string {
	if c.AuthBase != "" {
		return c.AuthBase
	}
	return defaultAuthBase
}

func (c *Client) apiBase() string {
	if c.APIBase != "" {
		return c.APIBase
	}
	return defaultAPIBase
}

// TokenResponse is the provider's answer to an authorization_code or
// refresh_token grant.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// UserInfo is the canonical identity behind an access token.
type UserInfo struct {
	ID    string `json:"id"`
	Login string `json:"login"`
}

// AuthorizeURL constructs the user authorization URL for the code grant.
func (c *Client) AuthorizeURL(state string) (string, error) {
	if c.ClientID == "" || c.RedirectURI == "" {
		return "", errors.New("missing clientID or redirectURI")
	}
	v := url.Values{}
	v.Set("response_type", "code")
	v.Set("client_id", c.ClientID)
	v.Set("redirect_uri", c.RedirectURI)
	if c.Scopes != "" {
		v.Set("scope", strings.TrimSpace(strings.ReplaceAll(c.Scopes, ",", " ")))
	}
	if state != "" {
		v.Set("state", state)
	}
	if c.ForceVerify {
		v.Set("force_verify", "true")
	}
	return c.authBase() + "/oauth2/authorize?" + v.Encode(), nil
}

func (c *Client) tokenGrant(ctx context.Context, form url.Values) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authBase()+"/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("twitch token grant failed: %s: %s", resp.Status, string(b))
	}
	var res TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decode twitch token response: %w", err)
	}
	if res.AccessToken == "" || res.RefreshToken == "" {
		return nil, fmt.Errorf("twitch token response missing fields: %w", oauth.ErrMalformedResponse)
	}
	return &res, nil
}

// ExchangeCode exchanges an authorization code for access & refresh tokens.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*TokenResponse, error) {
	if c.ClientID == "" || c.ClientSecret == "" || code == "" || c.RedirectURI == "" {
		return nil, errors.New("missing required parameter for auth code exchange")
	}
	form := url.Values{}
	form.Set("client_id", c.ClientID)
	form.Set("client_secret", c.ClientSecret)
	form.Set("code", code)
	form.Set("grant_type", "authorization_code")
	form.Set("redirect_uri", c.RedirectURI)
	return c.tokenGrant(ctx, form)
}

// Refresh exchanges a refresh token for a new token pair. Implements the
// oauth.Exchanger refresh path.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (oauth.TokenData, error) {
	if c.ClientID == "" || c.ClientSecret == "" || refreshToken == "" {
		return oauth.TokenData{}, errors.New("missing clientID/clientSecret/refreshToken")
	}
	form := url.Values{}
	form.Set("client_id", c.ClientID)
	form.Set("client_secret", c.ClientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	res, err := c.tokenGrant(ctx, form)
	if err != nil {
		return oauth.TokenData{}, err
	}
	return oauth.TokenData{
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		ExpiresAt:    ComputeExpiry(res.ExpiresIn),
	}, nil
}

// Validate introspects an access token against id.twitch.tv/oauth2/validate.
// Returns nil when live, oauth.ErrUnauthorized when rejected.
func (c *Client) Validate(ctx context.Context, accessToken string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.authBase()+"/oauth2/validate", nil)
	if err != nil {
		return err
	}
	// Twitch's validate endpoint uses the OAuth scheme, not Bearer.
	req.Header.Set("Authorization", "OAuth "+accessToken)
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("twitch validate: %w", oauth.ErrUnauthorized)
	default:
		return fmt.Errorf("twitch validate failed: %s", resp.Status)
	}
}

// UserInfo resolves the canonical user id and login behind an access token.
func (c *Client) UserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase()+"/helix/users", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Client-Id", c.ClientID)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("twitch user info failed: %s: %s", resp.Status, string(b))
	}
	var body struct {
		Data []UserInfo `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode twitch user info: %w", err)
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("twitch user info: %w", oauth.ErrMalformedResponse)
	}
	return &body.Data[0], nil
}

// AppToken fetches a client-credentials (app access) token for the bot.
func (c *Client) AppToken(ctx context.Context) (string, time.Time, error) {
	cc := &clientcredentials.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		TokenURL:     c.authBase() + "/oauth2/token",
	}
	if c.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.HTTPClient)
	}
	tok, err := cc.Token(ctx)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("twitch app token: %w", err)
	}
	return tok.AccessToken, tok.Expiry, nil
}

// ComputeExpiry returns absolute expiry time from seconds, defaulting to +60m when unknown.
func ComputeExpiry(seconds int) time.Time {
	if seconds <= 0 {
		return time.Now().Add(60 * time.Minute)
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}
