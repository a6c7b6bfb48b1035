package screen

import (
	"fmt"
	"image"
	"log/slog"

	"github.com/gdamore/tcell/v2"
)

// TerminalDriver is the subset of tcell.Screen the terminal preview uses.
type TerminalDriver interface {
	Init() error
	Fini()
	Size() (int, int)
	Show()
	Sync()
	PollEvent() tcell.Event
	SetContent(x, y int, mainc rune, combc []rune, style tcell.Style)
}

// Terminal previews frames in a terminal. Every cell shows two vertically
// stacked pixels using the upper half block with foreground and
// background colours, so the logical screen is downsampled to fit.
type Terminal struct {
	drv    TerminalDriver
	bounds image.Rectangle
	done   chan struct{}
}

// OpenTerminal returns an Opener for a terminal preview of a w×h screen.
// onQuit is called when the user presses q, Esc or Ctrl-C, since the
// terminal swallows the interrupt key while in raw mode.
func OpenTerminal(w, h int, onQuit func()) Opener {
	return func() (Surface, error) {
		s, err := tcell.NewScreen()
		if err != nil {
			return nil, fmt.Errorf("terminal: %w", err)
		}
		return NewTerminal(s, w, h, onQuit)
	}
}

// NewTerminal initialises drv and starts its event pump.
func NewTerminal(drv TerminalDriver, w, h int, onQuit func()) (*Terminal, error) {
	if err := drv.Init(); err != nil {
		return nil, fmt.Errorf("terminal init: %w", err)
	}
	t := &Terminal{drv: drv, bounds: image.Rect(0, 0, w, h), done: make(chan struct{})}
	go t.pump(onQuit)
	return t, nil
}

func (t *Terminal) pump(onQuit func()) {
	defer close(t.done)
	for {
		ev := t.drv.PollEvent()
		switch ev := ev.(type) {
		case nil:
			return
		case *tcell.EventResize:
			t.drv.Sync()
		case *tcell.EventKey:
			if ev.Key() == tcell.KeyCtrlC || ev.Key() == tcell.KeyEscape || (ev.Key() == tcell.KeyRune && ev.Rune() == 'q') {
				slog.Info("terminal quit requested", slog.String("component", "screen"))
				if onQuit != nil {
					onQuit()
				}
			}
		}
	}
}

func (t *Terminal) Bounds() image.Rectangle { return t.bounds }

// Present samples the frame once per half cell.
func (t *Terminal) Present(frame *image.RGBA) error {
	cols, rows := t.drv.Size()
	if cols <= 0 || rows <= 0 {
		return nil
	}
	b := frame.Bounds()
	for cy := 0; cy < rows; cy++ {
		for cx := 0; cx < cols; cx++ {
			px := b.Min.X + (2*cx+1)*b.Dx()/(2*cols)
			top := b.Min.Y + (4*cy+1)*b.Dy()/(4*rows)
			bottom := b.Min.Y + (4*cy+3)*b.Dy()/(4*rows)
			style := tcell.StyleDefault.
				Foreground(cellColor(frame, px, top)).
				Background(cellColor(frame, px, bottom))
			t.drv.SetContent(cx, cy, '▀', nil, style)
		}
	}
	t.drv.Show()
	return nil
}

func cellColor(frame *image.RGBA, x, y int) tcell.Color {
	c := frame.RGBAAt(x, y)
	return tcell.NewRGBColor(int32(c.R), int32(c.G), int32(c.B))
}

// Close restores the terminal and waits for the event pump to finish.
func (t *Terminal) Close() error {
	t.drv.Fini()
	<-t.done
	return nil
}
