// Package twitchapi contains minimal helpers for the Twitch Helix API: user
// id resolution, live stream status and viewer counts, channel followers and
// chat badge sets.
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
	"strconv"
	"time"
)

const helixBaseURL = "https://api.twitch.tv/helix"

// helixMaxRetries bounds attempts per request for 429 and 5xx replies. A
// 401 refreshes the token once and earns one extra attempt.
const helixMaxRetries = 3

var (
	helixBackoff     = 200 * time.Millisecond
	helixMaxWaitTime = 10 * time.Second
)

type tokenProvider interface {
	Get(ctx context.Context) (string, error)
	Invalidate()
}

// HelixClient calls Helix with an app access token, or with the bot's
// user token for endpoints that require one.
type HelixClient struct {
	AppTokenSource *TokenSource
	// UserTokenSource authorises the follower list. Without it only the
	// follower total is returned.
	UserTokenSource *UserTokenSource
	ClientID        string
	HTTPClient      *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

// APIError is a non-retryable Helix error reply.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("helix: %d %s: %s", e.Status, http.StatusText(e.Status), e.Body)
}

// getJSON performs a GET against path and decodes the reply into out.
func (hc *HelixClient) getJSON(ctx context.Context, tokens tokenProvider, path string, q url.Values, out any) error {
	if tokens == nil {
		return errors.New("helix: no token source configured")
	}
	u := helixBaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	maxAttempts := helixMaxRetries
	refreshed := false
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		tok, err := tokens.Get(ctx)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Client-Id", hc.ClientID)
		req.Header.Set("Authorization", "Bearer "+tok)
		resp, err := hc.http().Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := sleepCtx(ctx, helixBackoff*time.Duration(attempt)); err != nil {
				return err
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			err := json.NewDecoder(resp.Body).Decode(out)
			closeBody(resp)
			return err
		case resp.StatusCode == http.StatusUnauthorized && !refreshed:
			closeBody(resp)
			slog.Debug("helix 401; refreshing token", slog.String("path", path))
			tokens.Invalidate()
			refreshed = true
			maxAttempts++
			lastErr = &APIError{Status: resp.StatusCode}
			continue
		case resp.StatusCode == http.StatusTooManyRequests:
			wait := rateLimitWait(resp.Header)
			closeBody(resp)
			lastErr = &APIError{Status: resp.StatusCode}
			slog.Warn("helix rate limited", slog.String("path", path), slog.Duration("wait", wait))
			if err := sleepCtx(ctx, wait); err != nil {
				return err
			}
			continue
		case resp.StatusCode >= 500:
			closeBody(resp)
			lastErr = &APIError{Status: resp.StatusCode}
			if err := sleepCtx(ctx, helixBackoff*time.Duration(attempt)); err != nil {
				return err
			}
			continue
		default:
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			closeBody(resp)
			return &APIError{Status: resp.StatusCode, Body: string(b)}
		}
	}
	return fmt.Errorf("helix %s: giving up after %d attempts: %w", path, maxAttempts, lastErr)
}

// rateLimitWait honours Retry-After, then Ratelimit-Reset (unix seconds).
func rateLimitWait(h http.Header) time.Duration {
	wait := helixBackoff
	if v := h.Get("Retry-After"); v != "" {
		if s, err := strconv.Atoi(v); err == nil && s >= 0 {
			wait = time.Duration(s) * time.Second
		}
	} else if v := h.Get("Ratelimit-Reset"); v != "" {
		if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
			wait = time.Until(time.Unix(ts, 0))
		}
	}
	if wait < 0 {
		wait = 0
	}
	if wait > helixMaxWaitTime {
		wait = helixMaxWaitTime
	}
	return wait
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}

func (hc *HelixClient) app() tokenProvider {
	if hc.AppTokenSource == nil {
		return nil
	}
	return hc.AppTokenSource
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := hc.getJSON(ctx, hc.app(), "/users", url.Values{"login": {login}}, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("user not found")
	}
	return body.Data[0].ID, nil
}

// Stream is a live stream as reported by /helix/streams.
type Stream struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	UserLogin   string    `json:"user_login"`
	UserName    string    `json:"user_name"`
	GameName    string    `json:"game_name"`
	Type        string    `json:"type"`
	Title       string    `json:"title"`
	ViewerCount int       `json:"viewer_count"`
	StartedAt   time.Time `json:"started_at"`
}

// GetStreams returns the live streams among the given logins. Offline
// channels are absent from the result.
func (hc *HelixClient) GetStreams(ctx context.Context, logins ...string) ([]Stream, error) {
	if len(logins) == 0 {
		return nil, nil
	}
	q := url.Values{}
	for _, l := range logins {
		q.Add("user_login", l)
	}
	q.Set("first", strconv.Itoa(max(len(logins), 1)))
	var body struct {
		Data []Stream `json:"data"`
	}
	if err := hc.getJSON(ctx, hc.app(), "/streams", q, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// Follower is one entry of /helix/channels/followers.
type Follower struct {
	UserID     string    `json:"user_id"`
	UserLogin  string    `json:"user_login"`
	UserName   string    `json:"user_name"`
	FollowedAt time.Time `json:"followed_at"`
}

// DisplayName prefers the display name over the login.
func (f Follower) DisplayName() string {
	if f.UserName != "" {
		return f.UserName
	}
	return f.UserLogin
}

// GetFollowers returns the newest followers of a broadcaster and the total
// count. The list is only populated when a user token with the
// moderator:read:followers scope is configured.
func (hc *HelixClient) GetFollowers(ctx context.Context, broadcasterID string, first int) ([]Follower, int, error) {
	if broadcasterID == "" {
		return nil, 0, fmt.Errorf("broadcasterID empty")
	}
	if first <= 0 || first > 100 {
		first = 25
	}
	var tokens tokenProvider = hc.app()
	if hc.UserTokenSource != nil {
		tokens = hc.UserTokenSource
	}
	var body struct {
		Total int        `json:"total"`
		Data  []Follower `json:"data"`
	}
	q := url.Values{"broadcaster_id": {broadcasterID}, "first": {strconv.Itoa(first)}}
	if err := hc.getJSON(ctx, tokens, "/channels/followers", q, &body); err != nil {
		return nil, 0, err
	}
	return body.Data, body.Total, nil
}

// BadgeVersion is one image set of a chat badge.
type BadgeVersion struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	ImageURL1x string `json:"image_url_1x"`
	ImageURL2x string `json:"image_url_2x"`
	ImageURL4x string `json:"image_url_4x"`
}

// BadgeSet groups the versions of one badge, e.g. all subscriber tiers.
type BadgeSet struct {
	SetID    string         `json:"set_id"`
	Versions []BadgeVersion `json:"versions"`
}

// BadgeURLs flattens badge sets into "set/version" codes mapped to the
// largest image URL.
func BadgeURLs(sets []BadgeSet) map[string]string {
	out := map[string]string{}
	for _, s := range sets {
		for _, v := range s.Versions {
			u := v.ImageURL4x
			if u == "" {
				u = v.ImageURL2x
			}
			if u == "" {
				u = v.ImageURL1x
			}
			if u != "" {
				out[s.SetID+"/"+v.ID] = u
			}
		}
	}
	return out
}

// GetGlobalBadges lists the badge sets available in every channel.
func (hc *HelixClient) GetGlobalBadges(ctx context.Context) ([]BadgeSet, error) {
	var body struct {
		Data []BadgeSet `json:"data"`
	}
	if err := hc.getJSON(ctx, hc.app(), "/chat/badges/global", nil, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// GetChannelBadges lists a broadcaster's custom badge sets (subscriber
// and bits badges).
func (hc *HelixClient) GetChannelBadges(ctx context.Context, broadcasterID string) ([]BadgeSet, error) {
	if broadcasterID == "" {
		return nil, fmt.Errorf("broadcasterID empty")
	}
	var body struct {
		Data []BadgeSet `json:"data"`
	}
	if err := hc.getJSON(ctx, hc.app(), "/chat/badges", url.Values{"broadcaster_id": {broadcasterID}}, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}
