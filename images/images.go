// Package images downloads, caches and scales the emote and badge images
// shown inline in chat lines.
package images

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/onnwee/chatscreen/telemetry"
	"github.com/onnwee/chatscreen/twitchapi"
)

// DefaultEmoteURL is the Twitch CDN template for emote images.
const DefaultEmoteURL = "https://static-cdn.jtvnw.net/emoticons/v2/%s/default/dark/3.0"

const maxImageBytes = 4 << 20

// BadgeLister lists chat badge sets.
type BadgeLister interface {
	GetGlobalBadges(ctx context.Context) ([]twitchapi.BadgeSet, error)
	GetChannelBadges(ctx context.Context, broadcasterID string) ([]twitchapi.BadgeSet, error)
}

// Options configures a Service.
type Options struct {
	// LineHeight is the target image height in pixels.
	LineHeight int
	HTTPClient *http.Client
	// Badges resolves badge codes to URLs. Nil disables badges.
	Badges BadgeLister
	// Cache persists raw downloads. Nil keeps images in memory only.
	Cache *Cache
	// EmoteURL is a fmt template taking the emote id.
	EmoteURL string
	// Rate and Burst bound downloads per second.
	Rate    float64
	Burst   int
	Timeout time.Duration
	// RetryAfter is how long a failed image stays failed.
	RetryAfter time.Duration
}

// Service resolves emote and badge images, scaled to the line height.
// It is safe for concurrent use.
type Service struct {
	opts    Options
	client  *http.Client
	limiter *rate.Limiter
	group   singleflight.Group

	mu       sync.RWMutex
	byURL    map[string]image.Image
	failed   map[string]time.Time
	global   map[string]string
	channels map[string]map[string]string
}

// New returns a Service with defaults applied.
func New(opts Options) *Service {
	if opts.LineHeight <= 0 {
		opts.LineHeight = 28
	}
	if opts.EmoteURL == "" {
		opts.EmoteURL = DefaultEmoteURL
	}
	if opts.Rate <= 0 {
		opts.Rate = 10
	}
	if opts.Burst <= 0 {
		opts.Burst = 20
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = 5 * time.Minute
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &Service{
		opts:     opts,
		client:   client,
		limiter:  rate.NewLimiter(rate.Limit(opts.Rate), opts.Burst),
		byURL:    map[string]image.Image{},
		failed:   map[string]time.Time{},
		channels: map[string]map[string]string{},
	}
}

// Emote returns the image of a Twitch emote.
func (s *Service) Emote(id string) (image.Image, bool) {
	if id == "" {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.Timeout)
	defer cancel()
	img, err := s.fetch(ctx, fmt.Sprintf(s.opts.EmoteURL, id))
	if err != nil {
		telemetry.IncImageFetchFailed("emote")
		slog.Debug("emote unavailable", slog.String("emote", id), slog.Any("err", err), slog.String("component", "images"))
		return nil, false
	}
	return img, true
}

// Badge returns the image for a "set/version" badge code in a channel.
// Channel badge sets override the global ones.
func (s *Service) Badge(channelID, code string) (image.Image, bool) {
	if s.opts.Badges == nil || code == "" {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.Timeout)
	defer cancel()
	url, ok := s.badgeURL(ctx, channelID, code)
	if !ok {
		return nil, false
	}
	img, err := s.fetch(ctx, url)
	if err != nil {
		telemetry.IncImageFetchFailed("badge")
		slog.Debug("badge unavailable", slog.String("badge", code), slog.Any("err", err), slog.String("component", "images"))
		return nil, false
	}
	return img, true
}

// LoadBadges fetches the global badge sets and those of the given
// channels. Later lookups load missing channels on demand.
func (s *Service) LoadBadges(ctx context.Context, channelIDs ...string) error {
	if s.opts.Badges == nil {
		return nil
	}
	if err := s.loadGlobal(ctx); err != nil {
		return err
	}
	for _, id := range channelIDs {
		if err := s.loadChannel(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) badgeURL(ctx context.Context, channelID, code string) (string, bool) {
	if channelID != "" {
		if err := s.loadChannel(ctx, channelID); err != nil {
			slog.Warn("channel badges unavailable", slog.String("channel_id", channelID), slog.Any("err", err), slog.String("component", "images"))
		}
	}
	if err := s.loadGlobal(ctx); err != nil {
		slog.Warn("global badges unavailable", slog.Any("err", err), slog.String("component", "images"))
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if u, ok := s.channels[channelID][code]; ok {
		return u, true
	}
	u, ok := s.global[code]
	return u, ok
}

func (s *Service) loadGlobal(ctx context.Context) error {
	s.mu.RLock()
	loaded := s.global != nil
	s.mu.RUnlock()
	if loaded {
		return nil
	}
	_, err, _ := s.group.Do("badges:global", func() (any, error) {
		sets, err := s.opts.Badges.GetGlobalBadges(ctx)
		if err != nil {
			return nil, err
		}
		urls := twitchapi.BadgeURLs(sets)
		s.mu.Lock()
		s.global = urls
		s.mu.Unlock()
		slog.Info("global badges loaded", slog.Int("count", len(urls)), slog.String("component", "images"))
		return nil, nil
	})
	return err
}

func (s *Service) loadChannel(ctx context.Context, channelID string) error {
	s.mu.RLock()
	_, loaded := s.channels[channelID]
	s.mu.RUnlock()
	if loaded {
		return nil
	}
	_, err, _ := s.group.Do("badges:"+channelID, func() (any, error) {
		sets, err := s.opts.Badges.GetChannelBadges(ctx, channelID)
		if err != nil {
			return nil, err
		}
		urls := twitchapi.BadgeURLs(sets)
		s.mu.Lock()
		s.channels[channelID] = urls
		s.mu.Unlock()
		slog.Info("channel badges loaded", slog.String("channel_id", channelID), slog.Int("count", len(urls)), slog.String("component", "images"))
		return nil, nil
	})
	return err
}

// fetch returns the scaled image at url from memory, the disk cache or
// the network, in that order.
func (s *Service) fetch(ctx context.Context, url string) (image.Image, error) {
	s.mu.RLock()
	img, ok := s.byURL[url]
	failedAt, failed := s.failed[url]
	s.mu.RUnlock()
	if ok {
		return img, nil
	}
	if failed && time.Since(failedAt) < s.opts.RetryAfter {
		return nil, fmt.Errorf("recently failed: %s", url)
	}

	v, err, _ := s.group.Do(url, func() (any, error) {
		img, err := s.load(ctx, url)
		s.mu.Lock()
		defer s.mu.Unlock()
		if err != nil {
			s.failed[url] = time.Now()
			return nil, err
		}
		delete(s.failed, url)
		s.byURL[url] = img
		return img, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(image.Image), nil
}

func (s *Service) load(ctx context.Context, url string) (image.Image, error) {
	if s.opts.Cache != nil {
		data, ok, err := s.opts.Cache.Get(ctx, url)
		if err != nil {
			slog.Warn("image cache read failed", slog.String("url", url), slog.Any("err", err), slog.String("component", "images"))
		} else if ok {
			if img, err := s.decode(data); err == nil {
				return img, nil
			}
		}
	}
	data, err := s.download(ctx, url)
	if err != nil {
		return nil, err
	}
	img, err := s.decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", url, err)
	}
	if s.opts.Cache != nil {
		if err := s.opts.Cache.Put(ctx, url, data); err != nil {
			slog.Warn("image cache write failed", slog.String("url", url), slog.Any("err", err), slog.String("component", "images"))
		}
	}
	return img, nil
}

func (s *Service) download(ctx context.Context, url string) ([]byte, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get %s: %s", url, resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
}

// decode reads a png, gif (first frame) or jpeg and scales it to the
// line height, keeping the aspect ratio.
func (s *Service) decode(data []byte) (image.Image, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return Scale(src, s.opts.LineHeight), nil
}

// Scale resizes img to height h with CatmullRom resampling.
func Scale(img image.Image, h int) *image.RGBA {
	b := img.Bounds()
	w := 1
	if b.Dy() > 0 {
		w = max(b.Dx()*h/b.Dy(), 1)
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, b, xdraw.Over, nil)
	return dst
}
