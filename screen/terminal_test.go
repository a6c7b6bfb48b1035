package screen

import (
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gdamore/tcell/v2"
)

type stubDriver struct {
	mu     sync.Mutex
	w, h   int
	cells  map[[2]int]tcell.Style
	runes  map[[2]int]rune
	shows  int
	events chan tcell.Event
}

func newStubDriver(w, h int) *stubDriver {
	return &stubDriver{w: w, h: h, cells: map[[2]int]tcell.Style{}, runes: map[[2]int]rune{}, events: make(chan tcell.Event, 4)}
}

func (d *stubDriver) Init() error      { return nil }
func (d *stubDriver) Fini()            { close(d.events) }
func (d *stubDriver) Size() (int, int) { return d.w, d.h }
func (d *stubDriver) Sync()            {}

func (d *stubDriver) Show() {
	d.mu.Lock()
	d.shows++
	d.mu.Unlock()
}

func (d *stubDriver) PollEvent() tcell.Event {
	ev, ok := <-d.events
	if !ok {
		return nil
	}
	return ev
}

func (d *stubDriver) SetContent(x, y int, mainc rune, _ []rune, style tcell.Style) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cells[[2]int{x, y}] = style
	d.runes[[2]int{x, y}] = mainc
}

func TestTerminal_PresentHalfBlocks(t *testing.T) {
	drv := newStubDriver(2, 1)
	term, err := NewTerminal(drv, 4, 4, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer term.Close()

	frame := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			c := color.RGBA{0, 0, 0xFF, 0xFF}
			if y < 2 {
				c = color.RGBA{0xFF, 0, 0, 0xFF}
			}
			frame.SetRGBA(x, y, c)
		}
	}
	if err := term.Present(frame); err != nil {
		t.Fatal(err)
	}
	want := tcell.StyleDefault.Foreground(tcell.NewRGBColor(0xFF, 0, 0)).Background(tcell.NewRGBColor(0, 0, 0xFF))
	for x := 0; x < 2; x++ {
		if drv.runes[[2]int{x, 0}] != '▀' {
			t.Errorf("cell %d rune = %q, want upper half block", x, drv.runes[[2]int{x, 0}])
		}
		if drv.cells[[2]int{x, 0}] != want {
			t.Errorf("cell %d style mismatch", x)
		}
	}
	if drv.shows != 1 {
		t.Errorf("Show called %d times, want 1", drv.shows)
	}
}

func TestTerminal_QuitKey(t *testing.T) {
	drv := newStubDriver(10, 5)
	quit := make(chan struct{}, 1)
	term, err := NewTerminal(drv, 100, 100, func() { quit <- struct{}{} })
	if err != nil {
		t.Fatal(err)
	}
	drv.events <- tcell.NewEventKey(tcell.KeyRune, 'x', 0)
	drv.events <- tcell.NewEventKey(tcell.KeyRune, 'q', 0)
	<-quit
	if err := term.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestPNGSurface(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "frame.png")
	surf, err := OpenPNG(path, 8, 8)()
	if err != nil {
		t.Fatal(err)
	}
	if err := surf.Present(image.NewRGBA(surf.Bounds())); err != nil {
		t.Fatal(err)
	}
	if fi, err := os.Stat(path); err != nil || fi.Size() == 0 {
		t.Fatalf("frame not written: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temporary file left behind")
	}
}

func TestCommandPower(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "on")
	p := NewCommandPower("touch "+marker, "false")
	if err := p.On(context.Background()); err != nil {
		t.Fatalf("On: %v", err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Errorf("on command did not run: %v", err)
	}
	if err := p.Off(context.Background()); err == nil {
		t.Error("Off: expected error from failing command")
	}

	d := NewCommandPower("", "")
	if d.OnCmd != DefaultPowerOnCmd || d.OffCmd != DefaultPowerOffCmd {
		t.Errorf("defaults not applied: %+v", d)
	}
}
