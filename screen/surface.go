package screen

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"
)

// Surface is a render target the scheduler presents finished frames to.
// Present receives the scheduler's back buffer, which is only valid for the
// duration of the call.
type Surface interface {
	Bounds() image.Rectangle
	Present(frame *image.RGBA) error
	Close() error
}

// Opener (re)opens the surface after the display has been idle.
type Opener func() (Surface, error)

// MemorySurface keeps a copy of the last presented frame.
type MemorySurface struct {
	mu       sync.Mutex
	bounds   image.Rectangle
	last     *image.RGBA
	presents int
	closed   bool
}

// NewMemorySurface returns an in-memory surface of the given size.
func NewMemorySurface(w, h int) *MemorySurface {
	return &MemorySurface{bounds: image.Rect(0, 0, w, h)}
}

func (m *MemorySurface) Bounds() image.Rectangle { return m.bounds }

func (m *MemorySurface) Present(frame *image.RGBA) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("memory surface: present after close")
	}
	cp := image.NewRGBA(frame.Bounds())
	copy(cp.Pix, frame.Pix)
	m.last = cp
	m.presents++
	return nil
}

func (m *MemorySurface) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Last returns the most recent frame, or nil.
func (m *MemorySurface) Last() *image.RGBA {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Presents counts presented frames.
func (m *MemorySurface) Presents() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.presents
}

// Closed reports whether Close was called.
func (m *MemorySurface) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// PNGSurface writes every presented frame to a PNG file, replacing it
// atomically so viewers never see a partial image.
type PNGSurface struct {
	path   string
	bounds image.Rectangle
}

// OpenPNG returns an Opener for a PNG surface of the given size.
func OpenPNG(path string, w, h int) Opener {
	return func() (Surface, error) {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("png surface: %w", err)
			}
		}
		return &PNGSurface{path: path, bounds: image.Rect(0, 0, w, h)}, nil
	}
}

func (p *PNGSurface) Bounds() image.Rectangle { return p.bounds }

func (p *PNGSurface) Present(frame *image.RGBA) error {
	tmp := p.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("png surface: %w", err)
	}
	if err := png.Encode(f, frame); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("png surface encode: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("png surface: %w", err)
	}
	return os.Rename(tmp, p.path)
}

func (p *PNGSurface) Close() error { return nil }
