// Command chatscreen shows Twitch and YouTube live chat on a dedicated
// display. It:
//   - Loads configuration (config.yaml, .env and the environment) and
//     initializes structured logging, metrics and optional tracing.
//   - Builds the font fallback chain and opens the output surface
//     (Linux framebuffer, terminal preview or PNG file).
//   - Starts the display scheduler, which powers the screen down after a
//     period without chat and back up on the next message.
//   - Starts the chat sources: Twitch IRC, the Helix monitor for live
//     status, viewers and followers, and YouTube live chat polling.
//   - Exposes /healthz, /readyz, /status, /lines, /metrics and a small
//     admin API over HTTP.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/image/font/basicfont"

	"github.com/onnwee/chatscreen/chat"
	"github.com/onnwee/chatscreen/config"
	"github.com/onnwee/chatscreen/fonts"
	"github.com/onnwee/chatscreen/images"
	"github.com/onnwee/chatscreen/overlay"
	"github.com/onnwee/chatscreen/screen"
	"github.com/onnwee/chatscreen/server"
	"github.com/onnwee/chatscreen/telemetry"
	"github.com/onnwee/chatscreen/twitchapi"
	"github.com/onnwee/chatscreen/youtubeapi"
)

// imageCacheMaxAge is how long downloaded emotes and badges are reused.
const imageCacheMaxAge = 7 * 24 * time.Hour

const builtinFontName = "basic7x13"

func main() {
	slog.SetDefault(newLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT")))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if cfg.File != "" {
		slog.Info("config file loaded", slog.String("file", cfg.File))
	}

	telemetry.Init()
	shutdown, err := telemetry.InitTracing("chatscreen", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, stop, cfg); err != nil {
		slog.Error("chatscreen failed", slog.Any("err", err))
		stop()
		shutdown()
		os.Exit(1)
	}
	slog.Info("shutting down")
}

// newLogger builds the default logger. level is debug, info, warn or
// error; format is text or json.
func newLogger(level, format string) *slog.Logger {
	lvl := slog.LevelInfo
	unknown := false
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		unknown = true
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	if unknown {
		logger.Warn("unknown LOG_LEVEL, using info", slog.String("value", level))
	}
	return logger
}

func run(ctx context.Context, quit func(), cfg *config.Config) error {
	chain, err := loadFonts(cfg)
	if err != nil {
		return err
	}
	defer chain.Close()

	var power screen.PowerSwitch = screen.NopPower{}
	if cfg.PowerControl {
		power = screen.NewCommandPower(cfg.PowerOnCmd, cfg.PowerOffCmd)
	}
	sched, err := screen.NewScheduler(chain, openerFor(cfg, quit), screen.Options{
		StandbyDelay:   cfg.StandbyDelay,
		RedrawInterval: cfg.RedrawInterval,
		Power:          power,
	})
	if err != nil {
		return fmt.Errorf("display: %w", err)
	}

	var helix *twitchapi.HelixClient
	userTokens := twitchapi.NewUserTokenSource(cfg.ClientID, cfg.ClientSecret, cfg.TwitchOAuth, cfg.TwitchRefreshToken)
	if cfg.HelixEnabled() {
		helix = &twitchapi.HelixClient{
			AppTokenSource: &twitchapi.TokenSource{ClientID: cfg.ClientID, ClientSecret: cfg.ClientSecret},
			ClientID:       cfg.ClientID,
		}
		if cfg.TwitchOAuth != "" {
			helix.UserTokenSource = userTokens
		}
	} else {
		slog.Info("helix disabled (client_id/client_secret not set): no badges, viewer counts or follower alerts")
	}

	imgOpts := images.Options{LineHeight: chain.LineHeight()}
	if helix != nil {
		imgOpts.Badges = helix
	}
	if cache, err := images.OpenCache(cfg.ImageCachePath, imageCacheMaxAge); err != nil {
		slog.Warn("image cache unavailable, images are kept in memory only", slog.String("path", cfg.ImageCachePath), slog.Any("err", err))
	} else {
		imgOpts.Cache = cache
		defer func() {
			if err := cache.Close(); err != nil {
				slog.Error("failed to close image cache", slog.Any("err", err))
			}
		}()
	}
	imgs := images.New(imgOpts)

	display := overlay.New(chain, sched, imgs, overlay.Options{Ignored: cfg.IgnoredUsers})
	display.Start(ctx)
	defer display.Stop()
	display.DisplayMessage(bootStatus(chain))

	if cfg.File != "" {
		if err := cfg.Watch(ctx, display.SetIgnored); err != nil {
			slog.Warn("config watch disabled", slog.Any("err", err))
		}
	}

	var checks []server.Check
	if err := cfg.ValidateChatReady(); err != nil {
		slog.Info("twitch chat disabled", slog.Any("reason", err))
	} else {
		tw := chat.NewTwitch(cfg.TwitchUsername, cfg.TwitchChannels, userTokens, display)
		checks = append(checks, server.Check{Name: "twitch_chat", Fn: func(context.Context) error {
			if !tw.Connected() {
				return errors.New("not connected")
			}
			return nil
		}})
		go func() {
			if err := tw.Run(ctx); err != nil {
				slog.Error("twitch chat stopped", slog.Any("err", err))
				display.DisplayMessage("Twitch chat unavailable")
			}
		}()
	}

	if helix != nil && len(cfg.TwitchChannels) > 0 {
		go preloadBadges(ctx, helix, imgs, cfg.TwitchChannels)
		go chat.NewMonitor(helix, cfg.TwitchChannels, display, cfg.MonitorInterval).Run(ctx)
	}

	if cfg.YouTubeEnabled() {
		yc, err := youtubeapi.New(ctx, youtubeapi.Options{
			APIKey:       cfg.YouTubeAPIKey,
			ClientID:     cfg.YouTubeClientID,
			ClientSecret: cfg.YouTubeClientSecret,
			RefreshToken: cfg.YouTubeRefreshToken,
		})
		if err != nil {
			slog.Error("youtube client", slog.Any("err", err))
		} else {
			go chat.NewYouTube(yc, cfg.YouTubeVideoIDs, display).Run(ctx)
		}
	}

	go func() {
		deps := server.Deps{Screen: sched, Overlay: display, Checks: checks}
		if err := server.Start(ctx, deps, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	return nil
}

// loadFonts builds the fallback chain from the configured font files.
// Files that fail to load are skipped; with none left the built-in
// bitmap face is used so the screen still comes up.
func loadFonts(cfg *config.Config) (*fonts.Chain, error) {
	chain := fonts.NewChain(cfg.FontSize)
	for _, p := range cfg.Fonts {
		if err := chain.Load(p, false); err != nil {
			slog.Warn("font skipped", slog.String("path", p), slog.Any("err", err), slog.String("component", "fonts"))
		}
	}
	for _, p := range cfg.BoldFonts {
		if err := chain.Load(p, true); err != nil {
			slog.Warn("bold font skipped", slog.String("path", p), slog.Any("err", err), slog.String("component", "fonts"))
		}
	}
	if len(chain.Fonts(false)) == 0 {
		slog.Warn("no usable fonts configured, falling back to the built-in 7x13 face", slog.String("component", "fonts"))
		chain.Add(fonts.NewBasicFont(builtinFontName, basicfont.Face7x13, false))
	}
	return chain, chain.Validate()
}

// bootStatus is shown on screen until the first chat line arrives.
func bootStatus(chain *fonts.Chain) string {
	regular := chain.Fonts(false)
	if len(regular) == 1 && regular[0].Name == builtinFontName {
		return "No fonts loaded, using the built-in font. Waiting for chat..."
	}
	bold := 0
	if b := chain.Fonts(true); len(b) > 0 && b[0].Bold {
		bold = len(b)
	}
	return fmt.Sprintf("Loaded %d fonts (%d bold). Waiting for chat...", len(regular), bold)
}

// openerFor picks the output surface. The terminal preview quits the
// program on q/Esc.
func openerFor(cfg *config.Config, quit func()) screen.Opener {
	switch cfg.Output {
	case config.OutputTerminal:
		return screen.OpenTerminal(cfg.ScreenWidth, cfg.ScreenHeight, quit)
	case config.OutputPNG:
		return screen.OpenPNG(cfg.PNGPath, cfg.ScreenWidth, cfg.ScreenHeight)
	default:
		return screen.OpenFramebuffer(cfg.FramebufferDevice)
	}
}

// preloadBadges resolves the broadcaster ids of channels and warms the
// badge cache so the first messages render with badges.
func preloadBadges(ctx context.Context, helix *twitchapi.HelixClient, imgs *images.Service, channels []string) {
	var ids []string
	for _, ch := range channels {
		id, err := helix.GetUserID(ctx, ch)
		if err != nil {
			slog.Warn("channel id lookup failed", slog.String("channel", ch), slog.Any("err", err), slog.String("component", "images"))
			continue
		}
		ids = append(ids, id)
	}
	if err := imgs.LoadBadges(ctx, ids...); err != nil {
		slog.Warn("badge preload failed", slog.Any("err", err), slog.String("component", "images"))
	}
}
