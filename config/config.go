// Package config loads the chat screen configuration from an optional YAML
// file and environment variables, and provides a typed Config used across
// the service. Environment variables override file values. Defaults let
// the binary run locally with only Twitch credentials set.
// For required credentials (e.g., Twitch chat), use ValidateChatReady.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultFile is read when CONFIG_FILE is unset.
const DefaultFile = "config.yaml"

// Output backends for the rendered screen.
const (
	OutputFramebuffer = "framebuffer"
	OutputTerminal    = "terminal"
	OutputPNG         = "png"
)

type Config struct {
	// Twitch
	TwitchUsername     string   `yaml:"twitch_username"`
	TwitchOAuth        string   `yaml:"twitch_oauth"`
	TwitchRefreshToken string   `yaml:"twitch_refresh_token"`
	TwitchChannels     []string `yaml:"twitch_channels"`
	ClientID           string   `yaml:"client_id"`
	ClientSecret       string   `yaml:"client_secret"`

	// YouTube live chat
	YouTubeAPIKey       string   `yaml:"youtube_api_key"`
	YouTubeClientID     string   `yaml:"youtube_client_id"`
	YouTubeClientSecret string   `yaml:"youtube_client_secret"`
	YouTubeRefreshToken string   `yaml:"youtube_refresh_token"`
	YouTubeVideoIDs     []string `yaml:"youtube_video_ids"`

	// Screen
	ScreenWidth       int           `yaml:"screen_width"`
	ScreenHeight      int           `yaml:"screen_height"`
	Output            string        `yaml:"output"`
	FramebufferDevice string        `yaml:"framebuffer_device"`
	PNGPath           string        `yaml:"png_path"`
	Fonts             []string      `yaml:"fonts"`
	BoldFonts         []string      `yaml:"bold_fonts"`
	FontSize          float64       `yaml:"font_size"`
	StandbyDelay      time.Duration `yaml:"standby_delay"`
	RedrawInterval    time.Duration `yaml:"redraw_interval"`
	PowerControl      bool          `yaml:"power_control"`
	PowerOnCmd        string        `yaml:"power_on_cmd"`
	PowerOffCmd       string        `yaml:"power_off_cmd"`

	// Behaviour
	IgnoredUsers    []string      `yaml:"ignored_users"`
	MonitorInterval time.Duration `yaml:"monitor_interval"`
	ImageCachePath  string        `yaml:"image_cache_path"`

	// Service
	HTTPAddr string `yaml:"http_addr"`

	// File is the YAML file that was read, empty when none exists.
	File string `yaml:"-"`
}

// Load reads .env (if present), the YAML config file and the environment,
// then applies defaults. It doesn't fail if Twitch creds are missing; use
// ValidateChatReady() when you require chat.
func Load() (*Config, error) {
	// Local dev convenience only; production relies on real env.
	_ = godotenv.Load()

	path := os.Getenv("CONFIG_FILE")
	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	cfg, err := readFile(path)
	switch {
	case err == nil:
		cfg.File = path
	case errors.Is(err, fs.ErrNotExist) && !explicit:
		cfg = &Config{}
	default:
		return nil, err
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.TwitchUsername, "TWITCH_USERNAME", "TWITCH_BOT_USERNAME")
	setString(&c.TwitchOAuth, "TWITCH_OAUTH_TOKEN")
	setString(&c.TwitchRefreshToken, "TWITCH_REFRESH_TOKEN")
	setList(&c.TwitchChannels, "TWITCH_CHANNELS", "TWITCH_CHANNEL")
	setString(&c.ClientID, "TWITCH_CLIENT_ID")
	setString(&c.ClientSecret, "TWITCH_CLIENT_SECRET")

	setString(&c.YouTubeAPIKey, "YT_API_KEY")
	setString(&c.YouTubeClientID, "YT_CLIENT_ID")
	setString(&c.YouTubeClientSecret, "YT_CLIENT_SECRET")
	setString(&c.YouTubeRefreshToken, "YT_REFRESH_TOKEN")
	setList(&c.YouTubeVideoIDs, "YT_VIDEO_IDS")

	setString(&c.Output, "SCREEN_OUTPUT")
	setString(&c.FramebufferDevice, "FRAMEBUFFER_DEVICE")
	setString(&c.PNGPath, "PNG_PATH")
	setList(&c.Fonts, "FONT_PATHS")
	setList(&c.BoldFonts, "BOLD_FONT_PATHS")
	setString(&c.PowerOnCmd, "POWER_ON_CMD")
	setString(&c.PowerOffCmd, "POWER_OFF_CMD")
	setList(&c.IgnoredUsers, "IGNORED_USERS")
	setString(&c.ImageCachePath, "IMAGE_CACHE_PATH")
	setString(&c.HTTPAddr, "HTTP_ADDR")

	var errs []error
	errs = append(errs,
		setInt(&c.ScreenWidth, "SCREEN_WIDTH"),
		setInt(&c.ScreenHeight, "SCREEN_HEIGHT"),
		setFloat(&c.FontSize, "FONT_SIZE"),
		setDuration(&c.StandbyDelay, "STANDBY_DELAY"),
		setDuration(&c.RedrawInterval, "REDRAW_INTERVAL"),
		setDuration(&c.MonitorInterval, "MONITOR_INTERVAL"),
		setBool(&c.PowerControl, "POWER_CONTROL"),
	)
	return errors.Join(errs...)
}

func (c *Config) applyDefaults() {
	if c.ScreenWidth == 0 {
		c.ScreenWidth = 1920
	}
	if c.ScreenHeight == 0 {
		c.ScreenHeight = 1080
	}
	if c.Output == "" {
		c.Output = OutputFramebuffer
	}
	if c.FramebufferDevice == "" {
		c.FramebufferDevice = "/dev/fb0"
	}
	if c.PNGPath == "" {
		c.PNGPath = "data/screen.png"
	}
	if c.FontSize == 0 {
		c.FontSize = 28
	}
	if c.StandbyDelay == 0 {
		c.StandbyDelay = 10 * time.Minute
	}
	if c.RedrawInterval == 0 {
		c.RedrawInterval = 100 * time.Millisecond
	}
	if c.MonitorInterval == 0 {
		c.MonitorInterval = 60 * time.Second
	}
	if c.ImageCachePath == "" {
		c.ImageCachePath = "data/images.db"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	for i, ch := range c.TwitchChannels {
		c.TwitchChannels[i] = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ch), "#"))
	}
}

func (c *Config) validate() error {
	switch c.Output {
	case OutputFramebuffer, OutputTerminal, OutputPNG:
	default:
		return fmt.Errorf("invalid output %q: want framebuffer, terminal or png", c.Output)
	}
	if c.ScreenWidth < 0 || c.ScreenHeight < 0 {
		return fmt.Errorf("invalid screen size %dx%d", c.ScreenWidth, c.ScreenHeight)
	}
	if c.FontSize < 0 {
		return fmt.Errorf("invalid font size %v", c.FontSize)
	}
	return nil
}

// ValidateChatReady checks the fields required to join Twitch chat.
func (c *Config) ValidateChatReady() error {
	if len(c.TwitchChannels) == 0 || c.TwitchUsername == "" || c.TwitchOAuth == "" {
		return fmt.Errorf("missing twitch config: require twitch_channels, twitch_username, twitch_oauth (or TWITCH_CHANNELS, TWITCH_USERNAME, TWITCH_OAUTH_TOKEN)")
	}
	return nil
}

// HelixEnabled reports whether Helix calls (badges, viewers, followers)
// are possible.
func (c *Config) HelixEnabled() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// YouTubeEnabled reports whether YouTube live chat can be polled.
func (c *Config) YouTubeEnabled() bool {
	if len(c.YouTubeVideoIDs) == 0 {
		return false
	}
	return c.YouTubeAPIKey != "" || (c.YouTubeClientID != "" && c.YouTubeClientSecret != "" && c.YouTubeRefreshToken != "")
}

func lookup(keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

func setString(dst *string, keys ...string) {
	if v, ok := lookup(keys...); ok {
		*dst = v
	}
}

// setList splits a comma separated variable.
func setList(dst *[]string, keys ...string) {
	v, ok := lookup(keys...)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func setInt(dst *int, key string) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, key string) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = f
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}

func setBool(dst *bool, key string) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = b
	return nil
}
