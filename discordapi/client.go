// Package discordapi implements the Discord side of the OAuth lifecycle on
// top of golang.org/x/oauth2: bot-invite authorization URLs, code exchange,
// refresh, and token validation via the users/@me endpoint.
package discordapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	oauthpkg "github.com/onnwee/streambridge/oauth"
)

const defaultAPIBase = "https://discord.com"

// Client talks to the Discord OAuth2 and REST endpoints for one application.
// The base URL is overridable for tests.
type Client struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       string
	Permissions  string
	HTTPClient   *http.Client

	APIBase string
}

func (c *Client) apiBase() string {
	if c.APIBase != "" {
		return c.APIBase
	}
	return defaultAPIBase
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURI,
		Scopes:       strings.Fields(c.Scopes),
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.apiBase() + "/api/v10/oauth2/authorize",
			TokenURL:  c.apiBase() + "/api/v10/oauth2/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// withHTTPClient threads the injected client into x/oauth2 calls.
func (c *Client) withHTTPClient(ctx context.Context) context.Context {
	if c.HTTPClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, c.HTTPClient)
	}
	return ctx
}

// AuthorizeURL constructs the bot-invite authorization URL, including the
// requested guild permissions.
func (c *Client) AuthorizeURL(state string) (string, error) {
	if c.ClientID == "" || c.RedirectURI == "" {
		return "", errors.New("missing clientID or redirectURI")
	}
	opts := []oauth2.AuthCodeOption{}
	if c.Permissions != "" {
		opts = append(opts, oauth2.SetAuthURLParam("permissions", c.Permissions))
	}
	return c.oauthConfig().AuthCodeURL(state, opts...), nil
}

func tokenData(tok *oauth2.Token, fallbackRefresh string) (oauthpkg.TokenData, error) {
	if tok.AccessToken == "" {
		return oauthpkg.TokenData{}, fmt.Errorf("discord token response missing fields: %w", oauthpkg.ErrMalformedResponse)
	}
	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = fallbackRefresh
	}
	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = time.Now().Add(60 * time.Minute)
	}
	return oauthpkg.TokenData{
		AccessToken:  tok.AccessToken,
		RefreshToken: refresh,
		ExpiresAt:    expiry,
	}, nil
}

// ExchangeCode exchanges an authorization code for access & refresh tokens.
func (c *Client) ExchangeCode(ctx context.Context, code string) (oauthpkg.TokenData, error) {
	if c.ClientID == "" || c.ClientSecret == "" || code == "" || c.RedirectURI == "" {
		return oauthpkg.TokenData{}, errors.New("missing required parameter for auth code exchange")
	}
	tok, err := c.oauthConfig().Exchange(c.withHTTPClient(ctx), code)
	if err != nil {
		return oauthpkg.TokenData{}, fmt.Errorf("discord code exchange failed: %w", err)
	}
	td, err := tokenData(tok, "")
	if err != nil {
		return oauthpkg.TokenData{}, err
	}
	if td.RefreshToken == "" {
		return oauthpkg.TokenData{}, fmt.Errorf("discord token response missing fields: %w", oauthpkg.ErrMalformedResponse)
	}
	return td, nil
}

// Refresh exchanges a refresh token for a new token pair. Implements the
// oauth.Exchanger refresh path.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (oauthpkg.TokenData, error) {
	if c.ClientID == "" || c.ClientSecret == "" || refreshToken == "" {
		return oauthpkg.TokenData{}, errors.New("missing clientID/clientSecret/refreshToken")
	}
	src := c.oauthConfig().TokenSource(c.withHTTPClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return oauthpkg.TokenData{}, fmt.Errorf("discord refresh failed: %w", err)
	}
	return tokenData(tok, refreshToken)
}

// Validate checks an access token against the users/@me identity endpoint.
// Returns nil when live, oauth.ErrUnauthorized when rejected.
func (c *Client) Validate(ctx context.Context, accessToken string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase()+"/api/v10/users/@me", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
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
		return fmt.Errorf("discord validate: %w", oauthpkg.ErrUnauthorized)
	default:
		return fmt.Errorf("discord validate failed: %s", resp.Status)
	}
}

// AppToken fetches a client-credentials token for the bot. Discord expects
// the application credentials via HTTP basic auth on this grant.
func (c *Client) AppToken(ctx context.Context) (string, time.Time, error) {
	cc := &clientcredentials.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		TokenURL:     c.apiBase() + "/api/v10/oauth2/token",
		Scopes:       []string{"identify"},
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	tok, err := cc.Token(c.withHTTPClient(ctx))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("discord app token: %w", err)
	}
	return tok.AccessToken, tok.Expiry, nil
}
