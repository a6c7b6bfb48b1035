package images

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onnwee/chatscreen/twitchapi"
)

func pngBytes(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type imageServer struct {
	*httptest.Server
	hits  atomic.Int32
	delay time.Duration
}

func newImageServer(t *testing.T, body []byte) *imageServer {
	t.Helper()
	s := &imageServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		if s.delay > 0 {
			time.Sleep(s.delay)
		}
		if strings.Contains(r.URL.Path, "missing") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(body)
	}))
	t.Cleanup(s.Close)
	return s
}

type fakeBadges struct {
	global   []twitchapi.BadgeSet
	channel  map[string][]twitchapi.BadgeSet
	channels atomic.Int32
}

func (f *fakeBadges) GetGlobalBadges(context.Context) ([]twitchapi.BadgeSet, error) {
	return f.global, nil
}

func (f *fakeBadges) GetChannelBadges(_ context.Context, id string) ([]twitchapi.BadgeSet, error) {
	f.channels.Add(1)
	if sets, ok := f.channel[id]; ok {
		return sets, nil
	}
	return nil, fmt.Errorf("no such channel %s", id)
}

func set(id, version, url string) twitchapi.BadgeSet {
	return twitchapi.BadgeSet{SetID: id, Versions: []twitchapi.BadgeVersion{{ID: version, ImageURL4x: url}}}
}

func TestEmoteScaledToLineHeight(t *testing.T) {
	srv := newImageServer(t, pngBytes(t, 112, 56, color.RGBA{0xFF, 0, 0, 0xFF}))
	s := New(Options{LineHeight: 20, EmoteURL: srv.URL + "/emote/%s"})

	img, ok := s.Emote("25")
	if !ok {
		t.Fatal("Emote() not found")
	}
	if b := img.Bounds(); b.Dx() != 40 || b.Dy() != 20 {
		t.Errorf("bounds = %v, want 40x20", b)
	}
	r, _, _, _ := img.At(20, 10).RGBA()
	if r>>8 != 0xFF {
		t.Errorf("centre pixel red = %#x, want 0xff", r>>8)
	}

	if _, ok := s.Emote("25"); !ok {
		t.Fatal("second Emote() not found")
	}
	if n := srv.hits.Load(); n != 1 {
		t.Errorf("server hits = %d, want 1", n)
	}
}

func TestConcurrentFetchesAreShared(t *testing.T) {
	srv := newImageServer(t, pngBytes(t, 8, 8, color.White))
	srv.delay = 50 * time.Millisecond
	s := New(Options{LineHeight: 8, EmoteURL: srv.URL + "/emote/%s"})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := s.Emote("1"); !ok {
				t.Error("Emote() not found")
			}
		}()
	}
	wg.Wait()
	if n := srv.hits.Load(); n != 1 {
		t.Errorf("server hits = %d, want 1", n)
	}
}

func TestFailuresAreRemembered(t *testing.T) {
	srv := newImageServer(t, nil)
	s := New(Options{LineHeight: 8, EmoteURL: srv.URL + "/missing/%s"})
	for i := 0; i < 3; i++ {
		if _, ok := s.Emote("404"); ok {
			t.Fatal("Emote() found a missing image")
		}
	}
	if n := srv.hits.Load(); n != 1 {
		t.Errorf("server hits = %d, want 1", n)
	}
}

func TestUndecodableImage(t *testing.T) {
	srv := newImageServer(t, []byte("not an image"))
	s := New(Options{LineHeight: 8, EmoteURL: srv.URL + "/emote/%s"})
	if _, ok := s.Emote("1"); ok {
		t.Fatal("Emote() decoded garbage")
	}
}

func TestBadgeChannelOverridesGlobal(t *testing.T) {
	red := newImageServer(t, pngBytes(t, 18, 18, color.RGBA{0xFF, 0, 0, 0xFF}))
	blue := newImageServer(t, pngBytes(t, 18, 18, color.RGBA{0, 0, 0xFF, 0xFF}))
	badges := &fakeBadges{
		global: []twitchapi.BadgeSet{
			set("subscriber", "0", red.URL+"/sub"),
			set("moderator", "1", red.URL+"/mod"),
		},
		channel: map[string][]twitchapi.BadgeSet{
			"42": {set("subscriber", "0", blue.URL+"/sub")},
		},
	}
	s := New(Options{LineHeight: 18, Badges: badges})

	img, ok := s.Badge("42", "subscriber/0")
	if !ok {
		t.Fatal("Badge(subscriber/0) not found")
	}
	if _, _, b, _ := img.At(9, 9).RGBA(); b>>8 != 0xFF {
		t.Errorf("channel badge not preferred over global")
	}
	if _, ok := s.Badge("42", "moderator/1"); !ok {
		t.Error("Badge(moderator/1) did not fall back to global")
	}
	if _, ok := s.Badge("42", "vip/1"); ok {
		t.Error("Badge(vip/1) found an unknown badge")
	}
	if n := badges.channels.Load(); n != 1 {
		t.Errorf("channel badge requests = %d, want 1", n)
	}
	// An unknown channel still gets global badges.
	if _, ok := s.Badge("7", "moderator/1"); !ok {
		t.Error("Badge() in unknown channel did not use global badges")
	}
}

func TestBadgesDisabled(t *testing.T) {
	s := New(Options{})
	if _, ok := s.Badge("42", "moderator/1"); ok {
		t.Error("Badge() without a lister returned an image")
	}
	if err := s.LoadBadges(context.Background(), "42"); err != nil {
		t.Errorf("LoadBadges() = %v", err)
	}
}

func TestDiskCacheSurvivesRestart(t *testing.T) {
	srv := newImageServer(t, pngBytes(t, 10, 10, color.White))
	path := filepath.Join(t.TempDir(), "cache", "images.db")

	cache, err := OpenCache(path, 0)
	if err != nil {
		t.Fatalf("OpenCache() error = %v", err)
	}
	s := New(Options{LineHeight: 10, EmoteURL: srv.URL + "/emote/%s", Cache: cache})
	if _, ok := s.Emote("1"); !ok {
		t.Fatal("Emote() not found")
	}
	if n, err := cache.Len(context.Background()); err != nil || n != 1 {
		t.Fatalf("cache Len() = %d, %v; want 1", n, err)
	}
	if err := cache.Close(); err != nil {
		t.Fatal(err)
	}

	cache, err = OpenCache(path, 0)
	if err != nil {
		t.Fatalf("reopen cache: %v", err)
	}
	t.Cleanup(func() { cache.Close() })
	s = New(Options{LineHeight: 10, EmoteURL: srv.URL + "/emote/%s", Cache: cache})
	if _, ok := s.Emote("1"); !ok {
		t.Fatal("Emote() after restart not found")
	}
	if n := srv.hits.Load(); n != 1 {
		t.Errorf("server hits = %d, want 1", n)
	}
}

func TestCacheMaxAge(t *testing.T) {
	cache, err := OpenCache(filepath.Join(t.TempDir(), "images.db"), time.Nanosecond)
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close()
	ctx := context.Background()
	if err := cache.Put(ctx, "u", []byte{1}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Millisecond)
	if _, ok, err := cache.Get(ctx, "u"); err != nil || ok {
		t.Errorf("Get() = %v, %v; want expired", ok, err)
	}
}

func TestScaleKeepsAspect(t *testing.T) {
	tests := []struct {
		w, h, target, wantW int
	}{
		{28, 28, 14, 14},
		{100, 25, 10, 40},
		{1, 100, 10, 1},
	}
	for _, tt := range tests {
		got := Scale(image.NewRGBA(image.Rect(0, 0, tt.w, tt.h)), tt.target)
		if b := got.Bounds(); b.Dx() != tt.wantW || b.Dy() != tt.target {
			t.Errorf("Scale(%dx%d, %d) = %v, want %dx%d", tt.w, tt.h, tt.target, b, tt.wantW, tt.target)
		}
	}
}
