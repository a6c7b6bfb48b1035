package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHelixClient_GetUserID(t *testing.T) {
	tests := []struct {
		response    interface{}
		name        string
		login       string
		wantUserID  string
		errContains string
		statusCode  int
		wantErr     bool
	}{
		{
			name:  "successful user lookup",
			login: "testuser",
			response: map[string]interface{}{
				"data": []map[string]string{
					{"id": "12345", "login": "testuser"},
				},
			},
			statusCode: http.StatusOK,
			wantUserID: "12345",
			wantErr:    false,
		},
		{
			name:  "user not found",
			login: "nonexistent",
			response: map[string]interface{}{
				"data": []map[string]string{},
			},
			statusCode:  http.StatusOK,
			wantErr:     true,
			errContains: "user not found",
		},
		{
			name:        "empty login",
			login:       "",
			wantErr:     true,
			errContains: "login empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Create mock server
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				// Verify headers
				if r.Header.Get("Client-Id") != "test-client-id" {
					t.Errorf("missing or wrong Client-Id header")
				}
				if r.Header.Get("Authorization") != "Bearer test-token" {
					t.Errorf("missing or wrong Authorization header")
				}

				// Verify query params
				if tt.login != "" && r.URL.Query().Get("login") != tt.login {
					t.Errorf("login query param = %s, want %s", r.URL.Query().Get("login"), tt.login)
				}

				w.WriteHeader(tt.statusCode)
				if tt.response != nil {
					json.NewEncoder(w).Encode(tt.response)
				}
			}))
			defer server.Close()

			// Create client with mock token source
			ts := &TokenSource{
				ClientID:     "test-client-id",
				ClientSecret: "test-secret",
			}
			// Pre-seed the token to avoid OAuth calls
			ts.token = "test-token"
			ts.expiresAt = time.Now().Add(1 * time.Hour)

			client := &HelixClient{
				AppTokenSource: ts,
				ClientID:       "test-client-id",
				HTTPClient: &http.Client{
					Transport: &rewriteTransport{
						Transport: http.DefaultTransport,
						host:      server.URL,
					},
				},
			}

			userID, err := client.GetUserID(context.Background(), tt.login)

			if tt.wantErr {
				if err == nil {
					t.Errorf("GetUserID() error = nil, want error containing %q", tt.errContains)
				} else if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("GetUserID() error = %v, want error containing %q", err, tt.errContains)
				}
				return
			}

			if err != nil {
				t.Errorf("GetUserID() unexpected error = %v", err)
				return
			}

			if userID != tt.wantUserID {
				t.Errorf("GetUserID() = %s, want %s", userID, tt.wantUserID)
			}
		})
	}
}

func TestHelixClient_GetUserID401RefreshRetry(t *testing.T) {
	userAttempts := 0
	tokenRequests := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth2/token":
			tokenRequests++
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"access_token": "fresh-token",
				"token_type":   "bearer",
				"expires_in":   3600,
			})
			return
		case "/helix/users":
			userAttempts++
			if userAttempts == 1 {
				if got := r.Header.Get("Authorization"); got != "Bearer stale-token" {
					t.Fatalf("first attempt auth = %q, want stale token", got)
				}
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": "Unauthorized", "status": 401})
				return
			}
			if got := r.Header.Get("Authorization"); got != "Bearer fresh-token" {
				t.Fatalf("second attempt auth = %q, want refreshed token", got)
			}
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []map[string]string{{"id": "u-123"}},
			})
			return
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	rewrite := &http.Client{
		Transport: &rewriteTransport{
			Transport: http.DefaultTransport,
			host:      server.URL,
		},
	}

	ts := &TokenSource{
		ClientID:     "test-client-id",
		ClientSecret: "test-secret",
		HTTPClient:   rewrite,
	}
	ts.SetToken("stale-token", time.Now().Add(1*time.Hour))

	client := &HelixClient{
		AppTokenSource: ts,
		ClientID:       "test-client-id",
		HTTPClient:     rewrite,
	}

	userID, err := client.GetUserID(context.Background(), "testuser")
	if err != nil {
		t.Fatalf("GetUserID() unexpected error = %v", err)
	}
	if userID != "u-123" {
		t.Fatalf("GetUserID() = %q, want u-123", userID)
	}
	if tokenRequests != 1 {
		t.Fatalf("expected exactly one token refresh request, got %d", tokenRequests)
	}
	if userAttempts != 2 {
		t.Fatalf("expected two /helix/users attempts, got %d", userAttempts)
	}
}

func TestHelixClient_GetUserID401RefreshRetryOnFinalAttempt(t *testing.T) {
	userAttempts := 0
	tokenRequests := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth2/token":
			tokenRequests++
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"access_token": "fresh-token",
				"token_type":   "bearer",
				"expires_in":   3600,
			})
			return
		case "/helix/users":
			userAttempts++
			if userAttempts < helixMaxRetries {
				// Serve 5xx to exhaust all-but-last retry slots using the stale token.
				if got := r.Header.Get("Authorization"); got != "Bearer stale-token" {
					t.Errorf("attempt %d auth = %q, want stale token", userAttempts, got)
				}
				w.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": "temporary error", "status": 500})
				return
			} else if userAttempts == helixMaxRetries {
				// Final retry with stale token should return 401 to trigger refresh.
				if got := r.Header.Get("Authorization"); got != "Bearer stale-token" {
					t.Errorf("final stale attempt auth = %q, want stale token", got)
				}
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": "Unauthorized", "status": 401})
				return
			}
			// Post-refresh attempt must use the freshly-obtained token.
			if got := r.Header.Get("Authorization"); got != "Bearer fresh-token" {
				t.Errorf("post-refresh attempt auth = %q, want fresh token", got)
			}
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []map[string]string{{"id": "u-456"}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	rewrite := &http.Client{
		Transport: &rewriteTransport{
			Transport: http.DefaultTransport,
			host:      server.URL,
		},
	}

	ts := &TokenSource{
		ClientID:     "test-client-id",
		ClientSecret: "test-secret",
		HTTPClient:   rewrite,
	}
	ts.SetToken("stale-token", time.Now().Add(1*time.Hour))

	client := &HelixClient{
		AppTokenSource: ts,
		ClientID:       "test-client-id",
		HTTPClient:     rewrite,
	}

	userID, err := client.GetUserID(context.Background(), "testuser")
	if err != nil {
		t.Fatalf("GetUserID() unexpected error = %v", err)
	}
	if userID != "u-456" {
		t.Fatalf("GetUserID() = %q, want u-456", userID)
	}
	if tokenRequests != 1 {
		t.Fatalf("expected exactly one token refresh, got %d", tokenRequests)
	}
	// helixMaxRetries attempts with stale token (incl. the final 401) + 1 with fresh token.
	expectedAttempts := helixMaxRetries + 1
	if userAttempts != expectedAttempts {
		t.Fatalf("expected %d /helix/users attempts, got %d", expectedAttempts, userAttempts)
	}
}

func TestHelixClient_GetStreams(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/helix/streams" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if got := r.URL.Query().Get("user_login"); got != "livechannel" {
			t.Fatalf("user_login=%q want livechannel", got)
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]string{{
				"title":      "Live Now",
				"started_at": "2024-10-15T14:30:00Z",
			}},
		})
	}))
	defer server.Close()

	ts := &TokenSource{ClientID: "test-client-id", ClientSecret: "test-secret"}
	ts.SetToken("test-token", time.Now().Add(1*time.Hour))

	client := &HelixClient{
		AppTokenSource: ts,
		ClientID:       "test-client-id",
		HTTPClient: &http.Client{Transport: &rewriteTransport{
			Transport: http.DefaultTransport,
			host:      server.URL,
		}},
	}

	streams, err := client.GetStreams(context.Background(), "livechannel")
	if err != nil {
		t.Fatalf("GetStreams() error = %v", err)
	}
	if len(streams) != 1 {
		t.Fatalf("expected 1 stream, got %d", len(streams))
	}
	if streams[0].Title != "Live Now" {
		t.Fatalf("stream title=%q want Live Now", streams[0].Title)
	}
}


func newTestHelix(t *testing.T, h http.HandlerFunc) *HelixClient {
	t.Helper()
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)
	ts := &TokenSource{ClientID: "test-client-id", ClientSecret: "test-secret"}
	ts.SetToken("test-token", time.Now().Add(1*time.Hour))
	return &HelixClient{
		AppTokenSource: ts,
		ClientID:       "test-client-id",
		HTTPClient: &http.Client{Transport: &rewriteTransport{
			Transport: http.DefaultTransport,
			host:      server.URL,
		}},
	}
}

// TestHelixClient_GetStreams429RateLimiting verifies retry behavior on 429 responses.
func TestHelixClient_GetStreams429RateLimiting(t *testing.T) {
	attemptCount := 0
	client := newTestHelix(t, func(w http.ResponseWriter, r *http.Request) {
		attemptCount++
		if attemptCount == 1 {
			w.Header().Set("Retry-After", "0")
			w.Header().Set("Ratelimit-Remaining", "0")
			w.Header().Set("Ratelimit-Reset", fmt.Sprintf("%d", time.Now().Add(1*time.Second).Unix()))
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": "Too Many Requests", "status": 429})
			return
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{{"user_login": "a", "viewer_count": 7, "type": "live"}},
		})
	})

	streams, err := client.GetStreams(context.Background(), "a", "b")
	if err != nil {
		t.Fatalf("GetStreams() unexpected error after 429 retry = %v", err)
	}
	if len(streams) != 1 || streams[0].ViewerCount != 7 {
		t.Fatalf("streams = %+v, want one with 7 viewers", streams)
	}
	if attemptCount != 2 {
		t.Fatalf("expected 2 attempts (429 + success), got %d", attemptCount)
	}
}

func TestHelixClient_GetStreamsMultipleLogins(t *testing.T) {
	client := newTestHelix(t, func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query()["user_login"]
		if len(got) != 2 || got[0] != "a" || got[1] != "b" {
			t.Errorf("user_login = %v, want [a b]", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": []interface{}{}})
	})
	streams, err := client.GetStreams(context.Background(), "a", "b")
	if err != nil || len(streams) != 0 {
		t.Fatalf("GetStreams() = %v, %v; want no streams", streams, err)
	}
	if streams, err := client.GetStreams(context.Background()); err != nil || streams != nil {
		t.Fatalf("GetStreams() with no logins = %v, %v", streams, err)
	}
}

func TestHelixClient_GetFollowers5xxRetry(t *testing.T) {
	attempts := 0
	client := newTestHelix(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		if got := r.URL.Query().Get("broadcaster_id"); got != "42" {
			t.Errorf("broadcaster_id = %q, want 42", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"total": 1234,
			"data": []map[string]string{
				{"user_id": "1", "user_login": "newfan", "user_name": "NewFan", "followed_at": "2024-01-01T10:00:00Z"},
				{"user_id": "2", "user_login": "older"},
			},
		})
	})

	followers, total, err := client.GetFollowers(context.Background(), "42", 0)
	if err != nil {
		t.Fatalf("GetFollowers() unexpected error after 5xx retry = %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts (5xx + success), got %d", attempts)
	}
	if total != 1234 || len(followers) != 2 {
		t.Fatalf("GetFollowers() = %d followers, total %d", len(followers), total)
	}
	if followers[0].DisplayName() != "NewFan" || followers[1].DisplayName() != "older" {
		t.Errorf("display names = %q, %q", followers[0].DisplayName(), followers[1].DisplayName())
	}
}

func TestHelixClient_GetFollowersUsesUserToken(t *testing.T) {
	client := newTestHelix(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer bot-token" {
			t.Errorf("auth = %q, want the user token", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"total": 0, "data": []interface{}{}})
	})
	client.UserTokenSource = NewUserTokenSource("test-client-id", "", "oauth:bot-token", "")
	if _, _, err := client.GetFollowers(context.Background(), "42", 10); err != nil {
		t.Fatalf("GetFollowers() error = %v", err)
	}
}

func TestHelixClient_NonRetryableError(t *testing.T) {
	attempts := 0
	client := newTestHelix(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"bad broadcaster"}`))
	})
	_, err := client.GetChannelBadges(context.Background(), "42")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
		t.Fatalf("err = %v, want APIError 400", err)
	}
	if !strings.Contains(apiErr.Body, "bad broadcaster") {
		t.Errorf("body = %q", apiErr.Body)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestHelixClient_GivesUpAfterMaxRetries(t *testing.T) {
	old := helixBackoff
	helixBackoff = time.Millisecond
	t.Cleanup(func() { helixBackoff = old })

	attempts := 0
	client := newTestHelix(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	_, err := client.GetGlobalBadges(context.Background())
	if err == nil || !strings.Contains(err.Error(), "giving up") {
		t.Fatalf("err = %v, want giving up", err)
	}
	if attempts != helixMaxRetries {
		t.Errorf("attempts = %d, want %d", attempts, helixMaxRetries)
	}
}

func TestHelixClient_Badges(t *testing.T) {
	client := newTestHelix(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/helix/chat/badges/global":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []map[string]interface{}{{
					"set_id": "moderator",
					"versions": []map[string]string{
						{"id": "1", "image_url_1x": "https://x/mod1", "image_url_4x": "https://x/mod4"},
					},
				}},
			})
		case "/helix/chat/badges":
			if got := r.URL.Query().Get("broadcaster_id"); got != "42" {
				t.Errorf("broadcaster_id = %q", got)
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []map[string]interface{}{{
					"set_id": "subscriber",
					"versions": []map[string]string{
						{"id": "0", "image_url_1x": "https://x/sub0"},
						{"id": "12"},
					},
				}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	global, err := client.GetGlobalBadges(context.Background())
	if err != nil {
		t.Fatalf("GetGlobalBadges() error = %v", err)
	}
	channel, err := client.GetChannelBadges(context.Background(), "42")
	if err != nil {
		t.Fatalf("GetChannelBadges() error = %v", err)
	}
	urls := BadgeURLs(append(global, channel...))
	want := map[string]string{
		"moderator/1":  "https://x/mod4",
		"subscriber/0": "https://x/sub0",
	}
	if len(urls) != len(want) {
		t.Fatalf("BadgeURLs() = %v, want %v", urls, want)
	}
	for k, v := range want {
		if urls[k] != v {
			t.Errorf("BadgeURLs()[%q] = %q, want %q", k, urls[k], v)
		}
	}
	if _, err := client.GetChannelBadges(context.Background(), ""); err == nil {
		t.Error("GetChannelBadges(\"\") error = nil")
	}
}

func TestRateLimitWait(t *testing.T) {
	tests := []struct {
		name   string
		header http.Header
		min    time.Duration
		max    time.Duration
	}{
		{"retry-after", http.Header{"Retry-After": {"2"}}, 2 * time.Second, 2 * time.Second},
		{"reset in past", http.Header{"Ratelimit-Reset": {"1"}}, 0, 0},
		{"capped", http.Header{"Retry-After": {"3600"}}, helixMaxWaitTime, helixMaxWaitTime},
		{"no headers", http.Header{}, helixBackoff, helixBackoff},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := rateLimitWait(tt.header)
			if got < tt.min || got > tt.max {
				t.Errorf("rateLimitWait() = %v, want in [%v, %v]", got, tt.min, tt.max)
			}
		})
	}
}

func TestHelixClient_NoTokenSource(t *testing.T) {
	client := &HelixClient{ClientID: "x"}
	if _, err := client.GetUserID(context.Background(), "someone"); err == nil {
		t.Fatal("GetUserID() without a token source returned nil error")
	}
}

// rewriteTransport rewrites all requests to use the test server
type rewriteTransport struct {
	Transport http.RoundTripper
	host      string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Rewrite URL to point to test server
	req.URL.Scheme = "http"
	// Parse the test server URL and use its host
	if t.host != "" {
		// Strip the scheme from host
		host := t.host
		host = strings.TrimPrefix(host, "http://")
		host = strings.TrimPrefix(host, "https://")
		req.URL.Host = host
	}
	return t.Transport.RoundTrip(req)
}
