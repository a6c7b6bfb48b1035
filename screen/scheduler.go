// Package screen owns the physical display: the bounded chat buffer, the
// background redraw loop and the idle timer that powers the display off
// after a period without activity.
package screen

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/image/draw"

	"github.com/onnwee/chatscreen/fonts"
	"github.com/onnwee/chatscreen/layout"
	"github.com/onnwee/chatscreen/telemetry"
)

// State is the power state of the display.
type State int

const (
	Idle State = iota
	Active
)

func (s State) String() string {
	if s == Active {
		return "active"
	}
	return "idle"
}

const (
	DefaultStandbyDelay   = 600 * time.Second
	DefaultRedrawInterval = 100 * time.Millisecond
)

var (
	DefaultBackground = color.RGBA{0x28, 0x25, 0x38, 0xFF}
	DefaultForeground = color.RGBA{0xFF, 0xFF, 0xFF, 0xFF}
)

var errNoSurface = errors.New("screen: no surface open")

// Options tunes a Scheduler. Zero values take the defaults.
type Options struct {
	StandbyDelay   time.Duration
	RedrawInterval time.Duration
	Background     color.RGBA
	Foreground     color.RGBA
	// StatusFont draws QuickText. Defaults to the chain's primary font.
	StatusFont *fonts.Font
	Power      PowerSwitch
}

// Status is a point-in-time snapshot for health endpoints.
type Status struct {
	State        string  `json:"state"`
	Lines        int     `json:"lines"`
	Capacity     int     `json:"capacity"`
	Appended     int     `json:"appended"`
	StandbyDelay float64 `json:"standby_delay_seconds"`
	Running      bool    `json:"running"`
}

// Scheduler renders the chat buffer to a Surface. One mutex guards the
// buffer, the dirty flag, the standby timer and the state, and the redraw
// pass holds it for the whole frame so a half-applied append is never drawn.
type Scheduler struct {
	chain *fonts.Chain
	open  Opener
	opts  Options

	mu      sync.Mutex
	buf     *ChatBuffer
	state   State
	dirty   bool
	surface Surface
	back    *image.RGBA
	footer  string
	timer   *time.Timer
	gen     uint64
	running bool
	stopped bool
	cancel  context.CancelFunc
	// reopenFailing mutes repeat reopen errors until one succeeds.
	reopenFailing bool
	powerSeq      uint64

	wg sync.WaitGroup

	// powerMu orders power commands, which run off mu. powerOn is the last
	// state applied and is guarded by powerMu.
	powerMu sync.Mutex
	powerOn bool
	powerWG sync.WaitGroup
}

// NewScheduler opens the surface and sizes the buffer from its height and
// the chain's line height. It fails with ErrNoUsableLines when not even one
// chat row fits, and with fonts.ErrNoFonts when the chain is empty.
func NewScheduler(chain *fonts.Chain, open Opener, opts Options) (*Scheduler, error) {
	if err := chain.Validate(); err != nil {
		return nil, err
	}
	if opts.StandbyDelay <= 0 {
		opts.StandbyDelay = DefaultStandbyDelay
	}
	if opts.RedrawInterval <= 0 {
		opts.RedrawInterval = DefaultRedrawInterval
	}
	if opts.Background == (color.RGBA{}) {
		opts.Background = DefaultBackground
	}
	if opts.Foreground == (color.RGBA{}) {
		opts.Foreground = DefaultForeground
	}
	if opts.StatusFont == nil {
		opts.StatusFont = chain.Fonts(false)[0]
	}
	if opts.Power == nil {
		opts.Power = NopPower{}
	}

	surf, err := open()
	if err != nil {
		return nil, fmt.Errorf("open surface: %w", err)
	}
	b := surf.Bounds()
	capacity := CapacityFor(b.Dy(), chain.LineHeight())
	if capacity < 1 {
		_ = surf.Close()
		return nil, fmt.Errorf("%w: screen height %d, line height %d", ErrNoUsableLines, b.Dy(), chain.LineHeight())
	}
	slog.Info("screen ready",
		slog.Int("width", b.Dx()), slog.Int("height", b.Dy()),
		slog.Int("line_height", chain.LineHeight()), slog.Int("capacity", capacity),
		slog.Duration("standby_delay", opts.StandbyDelay), slog.String("component", "screen"))

	telemetry.SetDisplayActive(true)
	return &Scheduler{
		chain:   chain,
		open:    open,
		opts:    opts,
		buf:     NewChatBuffer(capacity),
		state:   Active,
		dirty:   true,
		surface: surf,
		back:    image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy())),
		powerOn: true,
	}, nil
}

// Start arms the standby timer and launches the redraw loop. It is a no-op
// when already started or stopped.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.stopped {
		return
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.recordActivityLocked(true)
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop cancels the standby timer, joins the redraw loop, powers the display
// back on if it was idle and releases the surface. Nothing is drawn once
// Stop has begun.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
	}
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	s.running = false
	surf := s.surface
	s.surface = nil
	s.mu.Unlock()

	s.powerWG.Wait()
	s.powerMu.Lock()
	if !s.powerOn {
		if err := s.opts.Power.On(context.Background()); err != nil {
			slog.Warn("display power on at shutdown", slog.Any("err", err), slog.String("component", "screen"))
		}
		s.powerOn = true
	}
	s.powerMu.Unlock()

	if surf != nil {
		if err := surf.Close(); err != nil {
			slog.Warn("close surface", slog.Any("err", err), slog.String("component", "screen"))
		}
	}
}

// RecordActivity keeps the display on for another standby period, waking
// it first when it is idle, and marks the frame dirty.
func (s *Scheduler) RecordActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordActivityLocked(true)
}

// Append adds lines to the buffer, trimming it to capacity, and records
// activity in the same critical section.
func (s *Scheduler) Append(lines ...layout.Line) {
	if len(lines) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.buf.Append(lines...)
	telemetry.AddLines(len(lines))
	telemetry.SetBufferLines(s.buf.Len())
	s.recordActivityLocked(true)
}

// SetFooter replaces the text drawn on the reserved bottom row.
func (s *Scheduler) SetFooter(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.footer == text {
		return
	}
	s.footer = text
	s.dirty = true
}

// QuickText shows a single centred status string straight away, bypassing
// the chat buffer. It stays up until the next Append or footer change.
func (s *Scheduler) QuickText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.recordActivityLocked(false)
	if !s.reopenLocked() {
		return errNoSurface
	}
	b := s.back.Bounds()
	draw.Draw(s.back, b, image.NewUniform(s.opts.Background), image.Point{}, draw.Src)
	f := s.opts.StatusFont
	pt := image.Pt((b.Dx()-f.MeasureString(text))/2, (b.Dy()-f.LineHeight)/2)
	f.DrawString(s.back, pt, text, s.opts.Foreground)
	if err := s.surface.Present(s.back); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

// State returns the current display state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Lines returns the visible lines, oldest first.
func (s *Scheduler) Lines() []layout.Line {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Lines()
}

// Capacity is the number of chat rows on screen.
func (s *Scheduler) Capacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Cap()
}

// Width is the pixel width lines are wrapped to.
func (s *Scheduler) Width() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.back.Bounds().Dx()
}

// Status snapshots the scheduler for the status endpoint.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:        s.state.String(),
		Lines:        s.buf.Len(),
		Capacity:     s.buf.Cap(),
		Appended:     s.buf.Appended(),
		StandbyDelay: s.opts.StandbyDelay.Seconds(),
		Running:      s.running,
	}
}

func (s *Scheduler) recordActivityLocked(markDirty bool) {
	if s.stopped {
		return
	}
	if s.state == Idle {
		s.wakeLocked()
	}
	s.reopenLocked()
	if markDirty {
		s.dirty = true
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = time.AfterFunc(s.opts.StandbyDelay, func() { s.standby(gen) })
}

func (s *Scheduler) wakeLocked() {
	s.requestPowerLocked(true)
	s.state = Active
	s.dirty = true
	telemetry.SetDisplayActive(true)
	slog.Info("display active", slog.String("component", "screen"))
}

// reopenLocked brings the surface back after standby. On failure the
// surface stays nil and the next activity or redraw tick tries again.
func (s *Scheduler) reopenLocked() bool {
	if s.surface != nil {
		return true
	}
	surf, err := s.open()
	if err != nil {
		if !s.reopenFailing {
			slog.Error("reopen surface", slog.Any("err", err), slog.String("component", "screen"))
		}
		s.reopenFailing = true
		return false
	}
	if s.reopenFailing {
		slog.Info("surface reopened", slog.String("component", "screen"))
	}
	s.reopenFailing = false
	s.surface = surf
	s.dirty = true
	s.resizeLocked(surf.Bounds())
	return true
}

// requestPowerLocked switches the display power on a separate goroutine so
// a slow command never holds mu. A request superseded before it runs is
// skipped; the newer one carries the wanted state.
func (s *Scheduler) requestPowerLocked(on bool) {
	s.powerSeq++
	seq := s.powerSeq
	s.powerWG.Add(1)
	go s.applyPower(seq, on)
}

func (s *Scheduler) applyPower(seq uint64, on bool) {
	defer s.powerWG.Done()
	s.powerMu.Lock()
	defer s.powerMu.Unlock()

	s.mu.Lock()
	stale := seq != s.powerSeq
	s.mu.Unlock()
	if stale || s.powerOn == on {
		return
	}
	var err error
	if on {
		err = s.opts.Power.On(context.Background())
	} else {
		err = s.opts.Power.Off(context.Background())
	}
	if err != nil {
		slog.Warn("display power", slog.Bool("on", on), slog.Any("err", err), slog.String("component", "screen"))
	}
	s.powerOn = on
}

// resizeLocked follows a surface that came back with a different size.
func (s *Scheduler) resizeLocked(b image.Rectangle) {
	if b.Size() == s.back.Bounds().Size() {
		return
	}
	s.back = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	if c := CapacityFor(b.Dy(), s.chain.LineHeight()); c > 0 {
		s.buf.SetCapacity(c)
		telemetry.SetBufferLines(s.buf.Len())
	}
}

// standby runs on the timer goroutine. A stale generation means activity
// re-armed the timer after this one fired.
func (s *Scheduler) standby(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.stopped || s.state == Idle {
		return
	}
	s.state = Idle
	telemetry.SetDisplayActive(false)
	if s.surface != nil {
		if err := s.surface.Close(); err != nil {
			slog.Warn("close surface", slog.Any("err", err), slog.String("component", "screen"))
		}
		s.surface = nil
	}
	s.requestPowerLocked(false)
	slog.Info("display idle", slog.Duration("after", s.opts.StandbyDelay), slog.String("component", "screen"))
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	t := time.NewTicker(s.opts.RedrawInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.redraw()
		}
	}
}

// redraw draws and presents one frame when the buffer changed. A present
// error is logged and the frame dropped; it is not retried.
func (s *Scheduler) redraw() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty || s.stopped || s.state != Active || !s.reopenLocked() {
		return
	}
	var err error
	telemetry.TimeFunc(telemetry.RedrawDuration, func() {
		s.renderLocked()
		err = s.surface.Present(s.back)
	})
	s.dirty = false
	if err != nil {
		slog.Error("present frame", slog.Any("err", err), slog.String("component", "screen"))
		return
	}
	telemetry.IncRedraw()
}

// renderLocked clears the back buffer and draws the lines bottom-anchored
// above the footer row, newest lowest.
func (s *Scheduler) renderLocked() {
	b := s.back.Bounds()
	draw.Draw(s.back, b, image.NewUniform(s.opts.Background), image.Point{}, draw.Src)
	lh := s.chain.LineHeight()
	y := b.Max.Y - lh*(len(s.buf.lines)+1)
	for _, ln := range s.buf.lines {
		s.drawLine(ln, y)
		y += lh
	}
	if s.footer != "" {
		s.drawText(image.Pt(0, b.Max.Y-lh), s.footer, false, s.opts.Foreground)
	}
}

func (s *Scheduler) drawLine(ln layout.Line, y int) {
	x := 0
	for _, it := range ln.Items {
		switch v := it.(type) {
		case layout.TextRun:
			pt := image.Pt(x, y)
			if v.Font != nil {
				x += v.Font.DrawString(s.back, pt, v.Text, v.Color)
			} else {
				x += s.drawText(pt, v.Text, v.Bold, v.Color)
			}
		case layout.ImageRef:
			if v.Image != nil {
				r := image.Rect(x, y, x+v.W, y+v.H)
				draw.Draw(s.back, r, v.Image, v.Image.Bounds().Min, draw.Over)
			}
			x += v.W
		}
	}
}

func (s *Scheduler) drawText(pt image.Point, text string, bold bool, c color.Color) int {
	x := pt.X
	for _, seg := range s.chain.Split(text, bold) {
		x += seg.Font.DrawString(s.back, image.Pt(x, pt.Y), seg.Text, c)
	}
	return x - pt.X
}
