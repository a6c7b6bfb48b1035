package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// UserTokenSource holds the bot's user access token, which authorises
// IRC and the follower endpoint. When a refresh token and client secret
// are configured the access token is renewed before it expires.
type UserTokenSource struct {
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client

	mu        sync.Mutex
	access    string
	refresh   string
	expiresAt time.Time
}

// NewUserTokenSource accepts the access token with or without the IRC
// "oauth:" prefix.
func NewUserTokenSource(clientID, clientSecret, accessToken, refreshToken string) *UserTokenSource {
	return &UserTokenSource{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		access:       strings.TrimPrefix(strings.TrimSpace(accessToken), "oauth:"),
		refresh:      strings.TrimSpace(refreshToken),
	}
}

// CanRefresh reports whether the token can be renewed.
func (u *UserTokenSource) CanRefresh() bool {
	return u.refresh != "" && u.ClientID != "" && u.ClientSecret != ""
}

// Get returns the current access token, refreshing it first when it is
// missing or about to expire. A token of unknown lifetime is used as is.
func (u *UserTokenSource) Get(ctx context.Context) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	stale := u.access == "" || (!u.expiresAt.IsZero() && time.Until(u.expiresAt) < 5*time.Minute)
	if !stale {
		return u.access, nil
	}
	if !u.CanRefresh() {
		if u.access == "" {
			return "", errors.New("no twitch user token configured")
		}
		return u.access, nil
	}
	res, err := RefreshToken(ctx, u.HTTPClient, u.ClientID, u.ClientSecret, u.refresh)
	if err != nil {
		return "", err
	}
	u.access = res.AccessToken
	if res.RefreshToken != "" {
		u.refresh = res.RefreshToken
	}
	u.expiresAt = ComputeExpiry(res.ExpiresIn)
	slog.Info("twitch user token refreshed", slog.Time("expires_at", u.expiresAt), slog.String("component", "twitchapi"))
	return u.access, nil
}

// Invalidate forces a refresh on the next Get when one is possible.
func (u *UserTokenSource) Invalidate() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.refresh != "" {
		u.access = ""
	}
}

// ExpiresAt is the known expiry, zero when unknown.
func (u *UserTokenSource) ExpiresAt() time.Time {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.expiresAt
}

// RefreshResult represents the response from a refresh_token grant.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string
	Scope        []string
	ExpiresIn    int
}

// RefreshToken exchanges a refresh token for a new access token.
func RefreshToken(ctx context.Context, hc *http.Client, clientID, clientSecret, refreshToken string) (*RefreshResult, error) {
	if clientID == "" || clientSecret == "" || refreshToken == "" {
		return nil, errors.New("missing clientID/clientSecret/refreshToken")
	}
	form := url.Values{}
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	res, err := postToken(ctx, hc, form)
	if err != nil {
		return nil, fmt.Errorf("twitch refresh: %w", err)
	}
	return &RefreshResult{AccessToken: res.AccessToken, RefreshToken: res.RefreshToken, Scope: res.Scope, ExpiresIn: res.ExpiresIn}, nil
}
