package chat

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
	"github.com/google/uuid"

	"github.com/onnwee/chatscreen/overlay"
	"github.com/onnwee/chatscreen/telemetry"
)

// TokenSource supplies the bot's IRC access token.
type TokenSource interface {
	Get(ctx context.Context) (string, error)
	Invalidate()
}

// ircClient is the part of *twitch.Client the recorder uses.
type ircClient interface {
	OnConnect(func())
	OnPrivateMessage(func(twitch.PrivateMessage))
	OnUserNoticeMessage(func(twitch.UserNoticeMessage))
	Join(channels ...string)
	Connect() error
	Disconnect() error
}

// Twitch reads chat from Twitch IRC.
type Twitch struct {
	Username string
	Channels []string
	Tokens   TokenSource
	Sink     Sink
	// RetryDelay is the pause before reconnecting after a failure.
	RetryDelay time.Duration

	newClient func(username, oauth string) ircClient
	connected atomic.Bool
}

// NewTwitch returns a Twitch source for the given channels.
func NewTwitch(username string, channels []string, tokens TokenSource, sink Sink) *Twitch {
	return &Twitch{
		Username:   username,
		Channels:   channels,
		Tokens:     tokens,
		Sink:       sink,
		RetryDelay: 5 * time.Second,
		newClient: func(username, oauth string) ircClient {
			return twitch.NewClient(username, oauth)
		},
	}
}

// Run connects and forwards messages until ctx is done. Network errors
// are retried by the IRC library; a rejected login refreshes the token
// and reconnects after RetryDelay.
func (t *Twitch) Run(ctx context.Context) error {
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "chat_twitch"))
	for {
		tok, err := t.Tokens.Get(ctx)
		if err != nil {
			return err
		}
		client := t.newClient(strings.ToLower(t.Username), "oauth:"+strings.TrimPrefix(tok, "oauth:"))
		client.OnConnect(func() {
			t.connected.Store(true)
			log.Info("twitch chat connected", slog.Any("channels", t.Channels))
		})
		client.OnPrivateMessage(func(m twitch.PrivateMessage) {
			t.Sink.NewChatMessage(ctx, FromPrivateMessage(m))
		})
		client.OnUserNoticeMessage(func(m twitch.UserNoticeMessage) {
			if text := NoticeText(m); text != "" {
				t.Sink.NewUserNotice(text)
			}
			if strings.TrimSpace(m.Message) != "" {
				t.Sink.NewChatMessage(ctx, FromUserNotice(m))
			}
		})
		client.Join(t.Channels...)

		errCh := make(chan error, 1)
		go func() {
			err := client.Connect()
			t.connected.Store(false)
			errCh <- err
		}()

		select {
		case <-ctx.Done():
			if err := client.Disconnect(); err != nil {
				log.Debug("twitch disconnect", slog.Any("err", err))
			}
			<-errCh
			return nil
		case err := <-errCh:
			if errors.Is(err, twitch.ErrClientDisconnected) {
				return nil
			}
			log.Warn("twitch chat connection ended", slog.Any("err", err))
			if errors.Is(err, twitch.ErrLoginAuthenticationFailed) {
				t.Tokens.Invalidate()
			}
		}

		timer := time.NewTimer(t.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// Connected reports whether the IRC connection is up.
func (t *Twitch) Connected() bool { return t.connected.Load() }

// FromPrivateMessage maps a PRIVMSG to an overlay chat message. Badges
// and emotes come from the raw tags so their order and positions are
// preserved.
func FromPrivateMessage(m twitch.PrivateMessage) overlay.ChatMessage {
	return overlay.ChatMessage{
		Source:      "twitch",
		Username:    m.User.Name,
		DisplayName: m.User.DisplayName,
		Color:       m.User.Color,
		Badges:      badgeCodes(m.Tags, m.User.Badges),
		Emotes:      m.Tags["emotes"],
		Text:        m.Message,
		Channel:     m.Channel,
		RoomID:      m.RoomID,
	}
}

// FromUserNotice maps the user's own text attached to a USERNOTICE, such
// as a resubscription message.
func FromUserNotice(m twitch.UserNoticeMessage) overlay.ChatMessage {
	return overlay.ChatMessage{
		Source:      "twitch",
		Username:    m.User.Name,
		DisplayName: m.User.DisplayName,
		Color:       m.User.Color,
		Badges:      badgeCodes(m.Tags, m.User.Badges),
		Emotes:      m.Tags["emotes"],
		Text:        m.Message,
		Channel:     m.Channel,
		RoomID:      m.RoomID,
	}
}

// NoticeText is the system message of a USERNOTICE, e.g.
// "alice subscribed at Tier 1.".
func NoticeText(m twitch.UserNoticeMessage) string {
	return strings.TrimSpace(m.SystemMsg)
}

// badgeCodes returns "name/version" codes from the raw badges tag, or
// sorted from the parsed map when the tag is absent.
func badgeCodes(tags map[string]string, parsed map[string]int) []string {
	if raw, ok := tags["badges"]; ok {
		var out []string
		for _, b := range strings.Split(raw, ",") {
			if b = strings.TrimSpace(b); b != "" {
				out = append(out, b)
			}
		}
		return out
	}
	out := make([]string, 0, len(parsed))
	for name, v := range parsed {
		out = append(out, name+"/"+strconv.Itoa(v))
	}
	sort.Strings(out)
	return out
}
