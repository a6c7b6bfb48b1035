// Package youtubeapi wraps the YouTube Data API for the single purpose of
// reading live chat: it resolves the active live chat of a broadcast and
// pages through its messages. Requests are authorised with an API key or,
// for private broadcasts, a Google OAuth2 refresh token.
package youtubeapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"
)

var (
	// ErrVideoNotFound is returned for an unknown video id.
	ErrVideoNotFound = errors.New("youtube video not found")
	// ErrNoLiveChat is returned when a video has no active live chat,
	// e.g. the broadcast has not started or has ended.
	ErrNoLiveChat = errors.New("youtube video has no active live chat")
	// ErrChatEnded is returned by Messages once the chat is closed.
	ErrChatEnded = errors.New("youtube live chat ended")
)

// DefaultPollInterval is used when the API does not suggest one.
const DefaultPollInterval = 5 * time.Second

// Options selects the credentials. A refresh token wins over an API key.
type Options struct {
	APIKey       string
	ClientID     string
	ClientSecret string
	RefreshToken string

	HTTPClient *http.Client
	// Endpoint overrides the API base URL.
	Endpoint string
}

// Client reads YouTube live chat.
type Client struct {
	svc *yt.Service
}

// New builds a Client from opts.
func New(ctx context.Context, opts Options) (*Client, error) {
	var copts []option.ClientOption
	if opts.Endpoint != "" {
		copts = append(copts, option.WithEndpoint(opts.Endpoint))
	}
	switch {
	case opts.RefreshToken != "":
		if opts.ClientID == "" || opts.ClientSecret == "" {
			return nil, errors.New("youtube refresh token requires client id and secret")
		}
		conf := &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{yt.YoutubeReadonlyScope},
		}
		if opts.HTTPClient != nil {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, opts.HTTPClient)
		}
		ts := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: opts.RefreshToken})
		copts = append(copts, option.WithHTTPClient(oauth2.NewClient(ctx, ts)))
	case opts.APIKey != "":
		if opts.HTTPClient != nil {
			// A custom client bypasses option.WithAPIKey, so add the key here.
			copts = append(copts, option.WithHTTPClient(&http.Client{
				Transport: &apiKeyTransport{key: opts.APIKey, base: opts.HTTPClient.Transport},
				Timeout:   opts.HTTPClient.Timeout,
			}))
		} else {
			copts = append(copts, option.WithAPIKey(opts.APIKey))
		}
	default:
		return nil, errors.New("youtube: no api key or refresh token configured")
	}
	svc, err := yt.NewService(ctx, copts...)
	if err != nil {
		return nil, fmt.Errorf("youtube service: %w", err)
	}
	return &Client{svc: svc}, nil
}

type apiKeyTransport struct {
	key  string
	base http.RoundTripper
}

func (t *apiKeyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	q := r.URL.Query()
	q.Set("key", t.key)
	r.URL.RawQuery = q.Encode()
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(r)
}

// LiveChatID returns the active live chat id of a video.
func (c *Client) LiveChatID(ctx context.Context, videoID string) (string, error) {
	if videoID == "" {
		return "", fmt.Errorf("video id empty")
	}
	res, err := c.svc.Videos.List([]string{"snippet", "liveStreamingDetails"}).Id(videoID).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("youtube videos.list: %w", err)
	}
	if len(res.Items) == 0 {
		return "", ErrVideoNotFound
	}
	d := res.Items[0].LiveStreamingDetails
	if d == nil || d.ActiveLiveChatId == "" {
		return "", ErrNoLiveChat
	}
	return d.ActiveLiveChatId, nil
}

// Message is one live chat message.
type Message struct {
	ID          string
	Type        string
	AuthorID    string
	AuthorName  string
	Text        string
	PublishedAt time.Time
	Moderator   bool
	Owner       bool
	Sponsor     bool
}

// Page is one poll of a live chat.
type Page struct {
	Messages      []Message
	NextPageToken string
	// PollInterval is how long the API asks clients to wait before the
	// next request.
	PollInterval time.Duration
}

// Messages fetches the messages after pageToken. An empty token returns
// the most recent backlog.
func (c *Client) Messages(ctx context.Context, liveChatID, pageToken string) (*Page, error) {
	call := c.svc.LiveChatMessages.List(liveChatID, []string{"snippet", "authorDetails"}).Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	res, err := call.Do()
	if err != nil {
		if chatEnded(err) {
			return nil, ErrChatEnded
		}
		return nil, fmt.Errorf("youtube liveChatMessages.list: %w", err)
	}
	page := &Page{
		NextPageToken: res.NextPageToken,
		PollInterval:  time.Duration(res.PollingIntervalMillis) * time.Millisecond,
	}
	if page.PollInterval <= 0 {
		page.PollInterval = DefaultPollInterval
	}
	for _, item := range res.Items {
		page.Messages = append(page.Messages, convert(item))
	}
	if res.OfflineAt != "" {
		return page, ErrChatEnded
	}
	return page, nil
}

func convert(item *yt.LiveChatMessage) Message {
	m := Message{ID: item.Id}
	if s := item.Snippet; s != nil {
		m.Type = s.Type
		m.Text = s.DisplayMessage
		if m.Text == "" && s.TextMessageDetails != nil {
			m.Text = s.TextMessageDetails.MessageText
		}
		if t, err := time.Parse(time.RFC3339, s.PublishedAt); err == nil {
			m.PublishedAt = t
		}
	}
	if a := item.AuthorDetails; a != nil {
		m.AuthorID = a.ChannelId
		m.AuthorName = a.DisplayName
		m.Moderator = a.IsChatModerator
		m.Owner = a.IsChatOwner
		m.Sponsor = a.IsChatSponsor
	}
	return m
}

// chatEnded matches the reasons YouTube gives for a closed or missing chat.
func chatEnded(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	if gerr.Code == http.StatusNotFound {
		return true
	}
	for _, e := range gerr.Errors {
		switch e.Reason {
		case "liveChatEnded", "liveChatNotFound", "liveChatDisabled":
			return true
		}
	}
	return false
}
