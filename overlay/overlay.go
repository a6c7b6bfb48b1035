// Package overlay is the application shell of the chat screen. It turns
// chat messages and channel events into wrapped lines (badges, coloured
// display name, message text with inline emotes) and hands them to the
// screen scheduler.
package overlay

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/chatscreen/fonts"
	"github.com/onnwee/chatscreen/layout"
	"github.com/onnwee/chatscreen/telemetry"
)

// ReadyText is appended to the buffer once the display starts.
const ReadyText = "Loading complete. Waiting for messages.."

// ChatMessage is one chat line from an ingestion source.
type ChatMessage struct {
	Source      string // twitch or youtube
	Username    string
	DisplayName string
	// Color is the sender's "#RRGGBB" name colour, empty when unset.
	Color string
	// Badges are "name/version" codes in display order.
	Badges []string
	// Emotes is the raw Twitch emotes tag. EmoteIndex, when set, wins.
	Emotes     string
	EmoteIndex layout.EmoteIndex
	Text       string
	Channel    string
	RoomID     string
}

// Screen is the part of the scheduler the display drives.
type Screen interface {
	Start(ctx context.Context)
	Stop()
	Append(lines ...layout.Line)
	QuickText(text string) error
	SetFooter(text string)
	Width() int
}

// Images resolves emote and badge images already scaled to the line height.
type Images interface {
	Emote(id string) (image.Image, bool)
	Badge(channelID, code string) (image.Image, bool)
}

// Options configures a Display.
type Options struct {
	TextColor color.RGBA
	Ignored   []string
	// Seed picks palette colours; zero seeds from the clock.
	Seed int64
}

// Display lays out incoming events and appends them to the screen.
type Display struct {
	chain     *fonts.Chain
	scr       Screen
	images    Images
	textColor color.RGBA

	mu          sync.Mutex
	ignored     map[string]struct{}
	colors      map[string]color.RGBA
	rng         *rand.Rand
	viewers     map[string]int
	viewerOrder []string
	footer      string
}

// New returns a Display. images may be nil, in which case badges are
// skipped and emotes render as text.
func New(chain *fonts.Chain, scr Screen, images Images, opts Options) *Display {
	if opts.TextColor == (color.RGBA{}) {
		opts.TextColor = color.RGBA{0xFF, 0xFF, 0xFF, 0xFF}
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	d := &Display{
		chain:     chain,
		scr:       scr,
		images:    images,
		textColor: opts.TextColor,
		ignored:   map[string]struct{}{},
		colors:    map[string]color.RGBA{},
		rng:       rand.New(rand.NewSource(seed)),
		viewers:   map[string]int{},
	}
	d.SetIgnored(opts.Ignored)
	return d
}

// Start starts the screen and shows the ready line.
func (d *Display) Start(ctx context.Context) {
	d.scr.Start(ctx)
	d.appendText(ReadyText)
}

// Stop stops the screen.
func (d *Display) Stop() { d.scr.Stop() }

// DisplayMessage shows a centred status message immediately.
func (d *Display) DisplayMessage(text string) {
	if err := d.scr.QuickText(text); err != nil {
		slog.Warn("status message not shown", slog.String("text", text), slog.Any("err", err), slog.String("component", "overlay"))
	}
}

// IgnoreUser drops all further messages from username.
func (d *Display) IgnoreUser(username string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ignored[strings.ToLower(username)] = struct{}{}
}

// SetIgnored replaces the ignore list.
func (d *Display) SetIgnored(usernames []string) {
	m := make(map[string]struct{}, len(usernames))
	for _, u := range usernames {
		if u = strings.TrimSpace(u); u != "" {
			m[strings.ToLower(u)] = struct{}{}
		}
	}
	d.mu.Lock()
	d.ignored = m
	d.mu.Unlock()
}

// Ignored reports whether messages from username are dropped.
func (d *Display) Ignored(username string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.ignored[strings.ToLower(username)]
	return ok
}

// UserColor returns the name colour for a user: the hex colour when it
// parses, otherwise a palette colour chosen once per user.
func (d *Display) UserColor(username, hex string) color.RGBA {
	if c, ok := ParseHexColor(hex); ok {
		return c
	}
	key := strings.ToLower(username)
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.colors[key]; ok {
		return c
	}
	c := twitchPalette[d.rng.Intn(len(twitchPalette))]
	d.colors[key] = c
	return c
}

// NewChatMessage lays out msg and appends the wrapped lines, unless the
// sender is ignored.
func (d *Display) NewChatMessage(ctx context.Context, msg ChatMessage) {
	if d.Ignored(msg.Username) {
		telemetry.IncIgnored()
		slog.Debug("ignored message", slog.String("user", msg.Username), slog.String("component", "overlay"))
		return
	}
	source := msg.Source
	if source == "" {
		source = "twitch"
	}
	telemetry.IncMessage(source)

	_, span := telemetry.StartSpan(ctx, "overlay.layout", telemetry.ChannelAttr(msg.Channel), attribute.String("chat.source", source))
	defer span.End()

	var lines []layout.Line
	telemetry.TimeFunc(telemetry.LayoutDuration, func() {
		lines = d.layoutMessage(msg)
	})
	span.SetAttributes(attribute.Int("layout.lines", len(lines)))
	d.scr.Append(lines...)
}

// NewUserNotice shows a system notice such as a subscription message.
func (d *Display) NewUserNotice(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	telemetry.IncMessage("notice")
	d.appendText(text)
}

// NewFollowerEvent shows one line per new follower.
func (d *Display) NewFollowerEvent(names []string, channel string) {
	var lines []layout.Line
	for _, name := range names {
		lines = append(lines, d.textLines(fmt.Sprintf("%s followed %s!", name, channel))...)
	}
	if len(lines) == 0 {
		return
	}
	telemetry.IncMessage("follower")
	d.scr.Append(lines...)
}

// NewStreamStatus announces a channel going live or offline. An offline
// channel drops out of the viewer footer.
func (d *Display) NewStreamStatus(channel string, live bool) {
	if live {
		d.appendText(channel + " is now live!")
		return
	}
	d.appendText(channel + " went offline")
	d.NewViewerCountEvent(0, channel)
}

// NewViewerCountEvent updates the viewer footer. Channels with no viewers
// are hidden.
func (d *Display) NewViewerCountEvent(count int, channel string) {
	d.mu.Lock()
	if _, ok := d.viewers[channel]; !ok {
		d.viewerOrder = append(d.viewerOrder, channel)
	}
	d.viewers[channel] = count
	var b strings.Builder
	for _, name := range d.viewerOrder {
		if n := d.viewers[name]; n > 0 {
			fmt.Fprintf(&b, " %s : %d", name, n)
		}
	}
	d.footer = b.String()
	footer := d.footer
	d.mu.Unlock()
	d.scr.SetFooter(footer)
}

// Footer returns the current viewer footer text.
func (d *Display) Footer() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.footer
}

func (d *Display) layoutMessage(msg ChatMessage) []layout.Line {
	items := d.badges(msg)

	name := msg.DisplayName
	if name == "" {
		name = msg.Username
	}
	nameStyle := layout.Style{Color: d.UserColor(msg.Username, msg.Color), Bold: true}
	items = append(items, layout.SplitRuns(d.chain, name, nameStyle)...)
	items = append(items, layout.SplitRuns(d.chain, " : ", layout.Style{Color: d.textColor})...)

	idx := msg.EmoteIndex
	if idx == nil {
		idx = layout.ParseEmotes(msg.Emotes)
	}
	var emotes layout.EmoteSource
	if d.images != nil {
		emotes = d.images
	}
	items = append(items, layout.Tokenize(msg.Text, idx, emotes, layout.Style{Color: d.textColor})...)
	return d.wrap(items)
}

// badges resolves the sender's badges. Badges without an image are left out.
func (d *Display) badges(msg ChatMessage) []layout.Item {
	if d.images == nil || len(msg.Badges) == 0 {
		return nil
	}
	items := make([]layout.Item, 0, len(msg.Badges))
	for _, code := range msg.Badges {
		img, ok := d.images.Badge(msg.RoomID, code)
		if !ok {
			slog.Debug("badge unavailable", slog.String("badge", code), slog.String("channel", msg.Channel), slog.String("component", "overlay"))
			continue
		}
		items = append(items, layout.NewImageRef(code, img))
	}
	return items
}

func (d *Display) textLines(text string) []layout.Line {
	return d.wrap(layout.Tokenize(text, nil, nil, layout.Style{Color: d.textColor}))
}

func (d *Display) appendText(text string) {
	d.scr.Append(d.textLines(text)...)
}

func (d *Display) wrap(items []layout.Item) []layout.Line {
	lines := layout.Wrap(items, d.scr.Width(), d.chain)
	for i := range lines {
		lines[i] = layout.Compact(d.chain, lines[i])
	}
	return lines
}
