package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/chatscreen/overlay"
	"github.com/onnwee/chatscreen/telemetry"
	"github.com/onnwee/chatscreen/youtubeapi"
)

// YouTubeChat is the part of the YouTube client the poller uses.
type YouTubeChat interface {
	LiveChatID(ctx context.Context, videoID string) (string, error)
	Messages(ctx context.Context, liveChatID, pageToken string) (*youtubeapi.Page, error)
}

// YouTube polls the live chat of one or more broadcasts.
type YouTube struct {
	Client   YouTubeChat
	VideoIDs []string
	Sink     Sink
	// RetryDelay is the pause before looking for a live chat again.
	RetryDelay time.Duration
	// MinPoll bounds the polling interval the API suggests.
	MinPoll time.Duration
}

// NewYouTube returns a poller for the given video ids.
func NewYouTube(client YouTubeChat, videoIDs []string, sink Sink) *YouTube {
	return &YouTube{
		Client:     client,
		VideoIDs:   videoIDs,
		Sink:       sink,
		RetryDelay: time.Minute,
		MinPoll:    time.Second,
	}
}

// Run follows every video until ctx is done.
func (y *YouTube) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, id := range y.VideoIDs {
		wg.Add(1)
		go func(videoID string) {
			defer wg.Done()
			y.follow(ctx, videoID)
		}(id)
	}
	wg.Wait()
}

// follow resolves the live chat of a video and polls it. The backlog
// returned by the first request is skipped; only messages that arrive
// after the poller joins are shown. When the chat ends the video is
// checked again after RetryDelay.
func (y *YouTube) follow(ctx context.Context, videoID string) {
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "chat_youtube"), slog.String("video", videoID))
	for ctx.Err() == nil {
		chatID, err := y.Client.LiveChatID(ctx, videoID)
		if err != nil {
			if errors.Is(err, youtubeapi.ErrNoLiveChat) {
				log.Info("no active live chat yet")
			} else {
				log.Warn("live chat lookup failed", slog.Any("err", err))
			}
			if !sleep(ctx, y.RetryDelay) {
				return
			}
			continue
		}
		log.Info("youtube live chat joined", slog.String("live_chat_id", chatID))
		y.poll(ctx, log, videoID, chatID)
		if !sleep(ctx, y.RetryDelay) {
			return
		}
	}
}

func (y *YouTube) poll(ctx context.Context, log *slog.Logger, videoID, chatID string) {
	token := ""
	first := true
	for ctx.Err() == nil {
		page, err := y.Client.Messages(ctx, chatID, token)
		if page != nil {
			if !first {
				y.deliver(ctx, videoID, page.Messages)
			}
			first = false
			token = page.NextPageToken
		}
		switch {
		case errors.Is(err, youtubeapi.ErrChatEnded):
			log.Info("youtube live chat ended")
			return
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			log.Warn("live chat poll failed", slog.Any("err", err))
			if !sleep(ctx, y.RetryDelay) {
				return
			}
			continue
		}
		if !sleep(ctx, max(page.PollInterval, y.MinPoll)) {
			return
		}
	}
}

func (y *YouTube) deliver(ctx context.Context, videoID string, msgs []youtubeapi.Message) {
	for _, m := range msgs {
		switch m.Type {
		case "", "textMessageEvent":
			y.Sink.NewChatMessage(ctx, overlay.ChatMessage{
				Source:      "youtube",
				Username:    m.AuthorName,
				DisplayName: m.AuthorName,
				Text:        m.Text,
				Channel:     videoID,
			})
		default:
			// Super chats, memberships and similar events carry their own
			// description in the display message.
			if m.Text != "" {
				y.Sink.NewUserNotice(m.AuthorName + ": " + m.Text)
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
