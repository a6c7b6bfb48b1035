package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// MockTwitchServer creates a test server that mocks Twitch Helix API responses
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockTwitchServer creates a new mock Twitch API server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockUserResponse adds a handler for /helix/users endpoint
func (m *MockTwitchServer) MockUserResponse(userID, login string) {
	m.Handlers["/helix/users"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"data": []map[string]string{
				{"id": userID, "login": login},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockFollowersResponse adds a handler for /helix/channels/followers endpoint
func (m *MockTwitchServer) MockFollowersResponse(total int, logins ...string) {
	m.Handlers["/helix/channels/followers"] = func(w http.ResponseWriter, r *http.Request) {
		data := make([]map[string]string, 0, len(logins))
		for _, l := range logins {
			data = append(data, map[string]string{"user_id": "id-" + l, "user_login": l, "user_name": l})
		}
		response := map[string]interface{}{
			"total": total,
			"data":  data,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockBadgesResponse adds a handler for the global or channel badge
// endpoint. urls maps "set/version" codes to image URLs.
func (m *MockTwitchServer) MockBadgesResponse(global bool, urls map[string]string) {
	path := "/helix/chat/badges"
	if global {
		path = "/helix/chat/badges/global"
	}
	m.Handlers[path] = func(w http.ResponseWriter, r *http.Request) {
		sets := map[string][]map[string]string{}
		for code, u := range urls {
			set, version, _ := strings.Cut(code, "/")
			sets[set] = append(sets[set], map[string]string{"id": version, "image_url_4x": u})
		}
		data := make([]map[string]interface{}, 0, len(sets))
		for set, versions := range sets {
			data = append(data, map[string]interface{}{"set_id": set, "versions": versions})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data}) //nolint:errcheck // test mock response
	}
}

// MockStreamsResponse adds a handler for /helix/streams endpoint
func (m *MockTwitchServer) MockStreamsResponse(streams []map[string]interface{}) {
	m.Handlers["/helix/streams"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"data": streams,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockOAuthTokenResponse adds a handler for OAuth token endpoint
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// Client returns an http.Client that sends every request, whatever its
// host, to the mock server. Use it for clients with hard-coded endpoints.
func (m *MockTwitchServer) Client() *http.Client {
	return &http.Client{Transport: &rewriteTransport{host: strings.TrimPrefix(m.URL, "http://")}}
}

type rewriteTransport struct {
	host string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	req.URL.Host = t.host
	return http.DefaultTransport.RoundTrip(req)
}
