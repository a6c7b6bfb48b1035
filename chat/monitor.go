package chat

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/onnwee/chatscreen/twitchapi"
)

// Helix is the part of the Helix client the Monitor polls.
type Helix interface {
	GetUserID(ctx context.Context, login string) (string, error)
	GetStreams(ctx context.Context, logins ...string) ([]twitchapi.Stream, error)
	GetFollowers(ctx context.Context, broadcasterID string, first int) ([]twitchapi.Follower, int, error)
}

// followerWindow is how many of the newest followers are compared per poll.
const followerWindow = 25

// Monitor polls Helix for live status, viewer counts and new followers.
// The first poll seeds its caches without emitting follower events.
type Monitor struct {
	helix    Helix
	channels []string
	sink     EventSink
	interval time.Duration
	log      *slog.Logger

	ids       map[string]string
	live      map[string]bool
	viewers   map[string]int
	followers map[string]map[string]struct{}
}

// NewMonitor returns a Monitor for channels (login names).
func NewMonitor(helix Helix, channels []string, sink EventSink, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = time.Minute
	}
	norm := make([]string, 0, len(channels))
	for _, c := range channels {
		norm = append(norm, strings.ToLower(c))
	}
	return &Monitor{
		helix:     helix,
		channels:  norm,
		sink:      sink,
		interval:  interval,
		log:       slog.Default().With(slog.String("component", "monitor")),
		ids:       map[string]string{},
		live:      map[string]bool{},
		viewers:   map[string]int{},
		followers: map[string]map[string]struct{}{},
	}
}

// ChannelID returns the broadcaster id of a channel once resolved.
func (m *Monitor) ChannelID(channel string) string { return m.ids[strings.ToLower(channel)] }

// Seed records the current live state and followers without emitting
// stream or follower events.
func (m *Monitor) Seed(ctx context.Context) {
	m.resolveIDs(ctx)
	if streams, err := m.helix.GetStreams(ctx, m.channels...); err != nil {
		m.log.Warn("initial stream status failed", slog.Any("err", err))
	} else {
		byLogin := indexStreams(streams)
		for _, ch := range m.channels {
			_, m.live[ch] = byLogin[ch]
		}
	}
	for _, ch := range m.channels {
		if _, err := m.newFollowers(ctx, ch); err != nil {
			m.log.Warn("initial followers failed", slog.String("channel", ch), slog.Any("err", err))
		}
	}
	m.log.Info("monitor seeded", slog.Int("channels", len(m.channels)))
}

// Poll runs one round of checks.
func (m *Monitor) Poll(ctx context.Context) {
	m.resolveIDs(ctx)
	streams, err := m.helix.GetStreams(ctx, m.channels...)
	if err != nil {
		m.log.Warn("stream status failed", slog.Any("err", err))
	} else {
		byLogin := indexStreams(streams)
		for _, ch := range m.channels {
			s, live := byLogin[ch]
			m.checkStreaming(ch, live)
			if live {
				m.checkViewers(ch, s.ViewerCount)
			}
		}
	}
	for _, ch := range m.channels {
		names, err := m.newFollowers(ctx, ch)
		if err != nil {
			m.log.Warn("followers failed", slog.String("channel", ch), slog.Any("err", err))
			continue
		}
		if len(names) > 0 {
			m.sink.NewFollowerEvent(names, ch)
		}
	}
}

// Run seeds, then polls every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.Seed(ctx)
	t := time.NewTicker(m.interval)
	defer t.Stop()
	m.log.Info("monitor started", slog.Duration("interval", m.interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Poll(ctx)
		}
	}
}

func (m *Monitor) checkStreaming(ch string, live bool) {
	was, known := m.live[ch]
	m.live[ch] = live
	if known && was == live {
		return
	}
	if !known && !live {
		return
	}
	if !live {
		delete(m.viewers, ch)
	}
	m.sink.NewStreamStatus(ch, live)
}

func (m *Monitor) checkViewers(ch string, n int) {
	if prev, ok := m.viewers[ch]; ok && prev == n {
		return
	}
	m.viewers[ch] = n
	m.sink.NewViewerCountEvent(n, ch)
}

// newFollowers returns followers not seen before, newest first, and adds
// them to the cache.
func (m *Monitor) newFollowers(ctx context.Context, ch string) ([]string, error) {
	id, ok := m.ids[ch]
	if !ok {
		return nil, nil
	}
	list, _, err := m.helix.GetFollowers(ctx, id, followerWindow)
	if err != nil {
		return nil, err
	}
	seen, seeded := m.followers[ch]
	if !seeded {
		seen = map[string]struct{}{}
		m.followers[ch] = seen
	}
	var fresh []string
	for _, f := range list {
		name := f.DisplayName()
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		fresh = append(fresh, name)
	}
	if !seeded {
		return nil, nil
	}
	return fresh, nil
}

func (m *Monitor) resolveIDs(ctx context.Context) {
	for _, ch := range m.channels {
		if _, ok := m.ids[ch]; ok {
			continue
		}
		id, err := m.helix.GetUserID(ctx, ch)
		if err != nil {
			m.log.Warn("channel id lookup failed", slog.String("channel", ch), slog.Any("err", err))
			continue
		}
		m.ids[ch] = id
	}
}

func indexStreams(streams []twitchapi.Stream) map[string]twitchapi.Stream {
	out := make(map[string]twitchapi.Stream, len(streams))
	for _, s := range streams {
		out[strings.ToLower(s.UserLogin)] = s
	}
	return out
}
