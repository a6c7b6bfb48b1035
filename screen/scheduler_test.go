package screen

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/chatscreen/fonts"
	"github.com/onnwee/chatscreen/layout"
	"github.com/onnwee/chatscreen/testutil"
)

type fakePower struct {
	mu      sync.Mutex
	on, off int
}

func (p *fakePower) On(context.Context) error {
	p.mu.Lock()
	p.on++
	p.mu.Unlock()
	return nil
}

func (p *fakePower) Off(context.Context) error {
	p.mu.Lock()
	p.off++
	p.mu.Unlock()
	return nil
}

func (p *fakePower) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.on, p.off
}

// blockingPower parks Off until release is closed.
type blockingPower struct {
	fakePower
	entered chan struct{}
	release chan struct{}
}

func (p *blockingPower) Off(ctx context.Context) error {
	close(p.entered)
	<-p.release
	return p.fakePower.Off(ctx)
}

// surfaces hands out a fresh MemorySurface on every open. The open call
// numbered failCall (1-based) fails.
type surfaces struct {
	mu       sync.Mutex
	w, h     int
	opened   []*MemorySurface
	calls    int
	failCall int
}

func (s *surfaces) open() (Surface, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls == s.failCall {
		return nil, errors.New("device busy")
	}
	m := NewMemorySurface(s.w, s.h)
	s.opened = append(s.opened, m)
	return m, nil
}

func (s *surfaces) current() *MemorySurface {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened[len(s.opened)-1]
}

func (s *surfaces) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.opened)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestScheduler(t *testing.T, rows int, opts Options) (*Scheduler, *surfaces) {
	t.Helper()
	surf := &surfaces{w: 200, h: rows * testutil.FixtureLineHigh}
	if opts.RedrawInterval == 0 {
		opts.RedrawInterval = 5 * time.Millisecond
	}
	s, err := NewScheduler(testutil.NewChain(), surf.open, opts)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	t.Cleanup(s.Stop)
	return s, surf
}

func TestNewScheduler_Geometry(t *testing.T) {
	surf := &surfaces{w: 200, h: 20}
	_, err := NewScheduler(testutil.NewChain(), surf.open, Options{})
	if !errors.Is(err, ErrNoUsableLines) {
		t.Fatalf("err = %v, want ErrNoUsableLines", err)
	}
	if !surf.current().Closed() {
		t.Error("surface left open after geometry error")
	}

	_, err = NewScheduler(fonts.NewChain(fonts.DefaultSize), surf.open, Options{})
	if !errors.Is(err, fonts.ErrNoFonts) {
		t.Fatalf("err = %v, want ErrNoFonts", err)
	}

	s, _ := newTestScheduler(t, 5, Options{})
	if s.Capacity() != 4 {
		t.Errorf("Capacity() = %d, want 4", s.Capacity())
	}
}

func TestScheduler_AppendTrims(t *testing.T) {
	s, _ := newTestScheduler(t, 4, Options{})
	for _, l := range []string{"A", "B", "C", "D"} {
		s.Append(textLine(l))
	}
	if got := lineStrings(s.Lines()); len(got) != 3 || got[0] != "B" || got[2] != "D" {
		t.Errorf("lines = %v, want [B C D]", got)
	}
}

func TestScheduler_StandbyAndWake(t *testing.T) {
	power := &fakePower{}
	s, surf := newTestScheduler(t, 4, Options{StandbyDelay: 150 * time.Millisecond, Power: power})
	s.Start(context.Background())

	s.RecordActivity()
	time.Sleep(30 * time.Millisecond)
	if s.State() != Active {
		t.Fatal("display went idle before the standby delay")
	}

	waitFor(t, "idle", func() bool { return s.State() == Idle })
	waitFor(t, "power off", func() bool { _, off := power.counts(); return off == 1 })
	if !surf.current().Closed() {
		t.Error("surface not released when idle")
	}

	s.Append(textLine("wake"))
	if s.State() != Active {
		t.Fatal("append did not wake the display")
	}
	waitFor(t, "power on", func() bool { on, _ := power.counts(); return on == 1 })
	if surf.count() != 2 {
		t.Errorf("surface opened %d times, want 2", surf.count())
	}
	waitFor(t, "redraw after wake", func() bool { return surf.current().Presents() > 0 })
}

func TestScheduler_ReopenFailureRetried(t *testing.T) {
	surf := &surfaces{w: 200, h: 4 * testutil.FixtureLineHigh, failCall: 2}
	s, err := NewScheduler(testutil.NewChain(), surf.open, Options{
		StandbyDelay:   60 * time.Millisecond,
		RedrawInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	t.Cleanup(s.Stop)
	s.Start(context.Background())
	waitFor(t, "idle", func() bool { return s.State() == Idle })

	// The wake reopen fails; the redraw loop retries without more activity.
	s.Append(textLine("wake"))
	if s.State() != Active {
		t.Fatal("append did not wake the display")
	}
	waitFor(t, "surface reopened", func() bool { return surf.count() == 2 })
	waitFor(t, "frame on reopened surface", func() bool { return surf.current().Presents() > 0 })
	if got := lineStrings(s.Lines()); len(got) != 1 || got[0] != "wake" {
		t.Errorf("lines = %v, want [wake]", got)
	}
}

func TestScheduler_SlowPowerDoesNotBlockAppend(t *testing.T) {
	power := &blockingPower{entered: make(chan struct{}), release: make(chan struct{})}
	var release sync.Once
	unblock := func() { release.Do(func() { close(power.release) }) }
	s, _ := newTestScheduler(t, 4, Options{StandbyDelay: 20 * time.Millisecond, Power: power})
	t.Cleanup(unblock)
	s.Start(context.Background())
	waitFor(t, "idle", func() bool { return s.State() == Idle })
	<-power.entered

	done := make(chan struct{})
	go func() {
		s.Append(textLine("while powering off"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Append blocked behind the power command")
	}
	if s.State() != Active {
		t.Error("append did not wake the display")
	}

	unblock()
	waitFor(t, "power on after off", func() bool { on, off := power.counts(); return off == 1 && on == 1 })
}

func TestScheduler_ActivityPostponesStandby(t *testing.T) {
	s, _ := newTestScheduler(t, 4, Options{StandbyDelay: 120 * time.Millisecond})
	s.Start(context.Background())
	for i := 0; i < 6; i++ {
		time.Sleep(40 * time.Millisecond)
		s.RecordActivity()
		if s.State() != Active {
			t.Fatalf("idle after %d re-arms", i)
		}
	}
}

func TestScheduler_RedrawDrawsLinesBottomAnchored(t *testing.T) {
	s, surf := newTestScheduler(t, 5, Options{})

	red := color.RGBA{0xFF, 0, 0, 0xFF}
	img := image.NewRGBA(image.Rect(0, 0, 5, testutil.FixtureLineHigh))
	for i := 0; i < len(img.Pix); i += 4 {
		copy(img.Pix[i:], []byte{0xFF, 0, 0, 0xFF})
	}
	s.Append(layout.Line{Items: []layout.Item{layout.NewImageRef("badge", img), layout.TextRun{Text: "hi", Color: DefaultForeground}}})
	s.Start(context.Background())

	waitFor(t, "first frame", func() bool { return surf.current().Presents() > 0 })
	frame := surf.current().Last()
	lh := testutil.FixtureLineHigh
	// One line sits directly above the footer row.
	y := frame.Bounds().Max.Y - 2*lh
	if got := frame.RGBAAt(2, y+2); got != red {
		t.Errorf("image pixel = %v, want red", got)
	}
	if got := frame.RGBAAt(2, 2); got != DefaultBackground {
		t.Errorf("top-left pixel = %v, want background", got)
	}
	if !rowHasInk(frame, y, y+lh, 5) {
		t.Error("no text drawn on the line row")
	}
}

func TestScheduler_Footer(t *testing.T) {
	s, surf := newTestScheduler(t, 3, Options{})
	s.Start(context.Background())
	s.SetFooter(" chan : 42")
	waitFor(t, "footer frame", func() bool { return surf.current().Presents() > 0 })
	waitFor(t, "footer ink", func() bool {
		f := surf.current().Last()
		return f != nil && rowHasInk(f, f.Bounds().Max.Y-testutil.FixtureLineHigh, f.Bounds().Max.Y, 0)
	})
}

func TestScheduler_QuickText(t *testing.T) {
	s, surf := newTestScheduler(t, 5, Options{})
	if err := s.QuickText("Loading"); err != nil {
		t.Fatalf("QuickText: %v", err)
	}
	if surf.current().Presents() != 1 {
		t.Fatalf("presents = %d, want 1", surf.current().Presents())
	}
	f := surf.current().Last()
	mid := f.Bounds().Dy() / 2
	if !rowHasInk(f, mid-6, mid+6, 0) {
		t.Error("status text not drawn in the middle of the screen")
	}
	if s.State() != Active {
		t.Error("QuickText did not record activity")
	}
}

func TestScheduler_QuickTextStaysUntilAppend(t *testing.T) {
	s, surf := newTestScheduler(t, 5, Options{})
	s.Start(context.Background())
	waitFor(t, "first frame", func() bool { return surf.current().Presents() > 0 })

	if err := s.QuickText("Loaded 2 fonts"); err != nil {
		t.Fatalf("QuickText: %v", err)
	}
	n := surf.current().Presents()
	time.Sleep(30 * time.Millisecond)
	if got := surf.current().Presents(); got != n {
		t.Fatalf("status frame replaced by a redraw: presents %d -> %d", n, got)
	}

	s.Append(textLine("first chat"))
	waitFor(t, "chat frame", func() bool { return surf.current().Presents() > n })
}

func TestScheduler_NoRedrawAfterStop(t *testing.T) {
	power := &fakePower{}
	surf := &surfaces{w: 200, h: 4 * testutil.FixtureLineHigh}
	s, err := NewScheduler(testutil.NewChain(), surf.open, Options{RedrawInterval: time.Millisecond, Power: power})
	if err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	for i := 0; i < 50; i++ {
		s.Append(textLine("x"))
	}
	s.Stop()
	n := surf.current().Presents()
	s.Append(textLine("after"))
	s.RecordActivity()
	time.Sleep(20 * time.Millisecond)
	if got := surf.current().Presents(); got != n {
		t.Errorf("presents went from %d to %d after Stop", n, got)
	}
	if !surf.current().Closed() {
		t.Error("surface not closed by Stop")
	}
	if err := s.QuickText("bye"); err != nil {
		t.Errorf("QuickText after Stop: %v", err)
	}
	s.Stop()
}

func TestScheduler_StopWakesIdleDisplay(t *testing.T) {
	power := &fakePower{}
	s, _ := newTestScheduler(t, 4, Options{StandbyDelay: 20 * time.Millisecond, Power: power})
	s.Start(context.Background())
	waitFor(t, "idle", func() bool { return s.State() == Idle })
	s.Stop()
	if on, _ := power.counts(); on != 1 {
		t.Errorf("power on at stop = %d, want 1", on)
	}
}

func TestScheduler_ConcurrentAppends(t *testing.T) {
	s, _ := newTestScheduler(t, 6, Options{RedrawInterval: time.Millisecond})
	s.Start(context.Background())
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				s.Append(textLine("m"), textLine("n"))
			}
		}()
	}
	wg.Wait()
	st := s.Status()
	if st.Lines != st.Capacity || st.Appended != 1600 {
		t.Errorf("status = %+v, want full buffer and 1600 appended", st)
	}
}

// rowHasInk reports whether any pixel in rows [y0,y1) right of x0 differs
// from the background.
func rowHasInk(f *image.RGBA, y0, y1, x0 int) bool {
	for y := y0; y < y1; y++ {
		for x := x0; x < f.Bounds().Max.X; x++ {
			if f.RGBAAt(x, y) != DefaultBackground {
				return true
			}
		}
	}
	return false
}
