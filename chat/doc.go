// Package chat feeds the overlay from the outside world.
//
// It provides three sources:
//   - Twitch: connects to Twitch IRC for the configured channels and turns
//     PRIVMSG and USERNOTICE messages into overlay chat lines and notices.
//   - Monitor: polls the Helix API for live status, viewer counts and new
//     followers of the same channels and reports changes as events.
//   - YouTube: polls the live chat of configured YouTube broadcasts.
//
// Credentials: the IRC client requires a bot username and a user access
// token with the chat:read scope. When a refresh token and client secret
// are configured the token is renewed and the connection re-established
// after an authentication failure.
package chat

import (
	"context"

	"github.com/onnwee/chatscreen/overlay"
)

// Sink receives chat lines.
type Sink interface {
	NewChatMessage(ctx context.Context, msg overlay.ChatMessage)
	NewUserNotice(text string)
}

// EventSink receives channel events from the Monitor.
type EventSink interface {
	NewFollowerEvent(names []string, channel string)
	NewViewerCountEvent(count int, channel string)
	NewStreamStatus(channel string, live bool)
}
