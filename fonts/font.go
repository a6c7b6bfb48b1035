// Package fonts loads TrueType/OpenType fonts, records which code points each
// one covers, and resolves characters through an ordered fallback chain so
// that emoji and non-Latin text find a font that can draw them.
package fonts

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

// DefaultSize is the pixel size used for chat text.
const DefaultSize = 48

// ErrUnrenderable is returned by Renderable for text the rasterizer cannot draw.
var ErrUnrenderable = errors.New("fonts: unrenderable code point")

// Font is one loaded face together with its glyph coverage. Everything but
// the face is immutable after construction; the face is used under mu
// because opentype faces keep per-face scratch buffers.
type Font struct {
	Name       string
	Size       float64
	Bold       bool
	LineHeight int
	Ascent     int

	coverage *Coverage

	mu   sync.Mutex
	face font.Face
}

// NewFont wraps an existing face. Metrics are taken from the face.
func NewFont(name string, face font.Face, cov *Coverage, bold bool) *Font {
	m := face.Metrics()
	lh := m.Height.Ceil()
	if h := (m.Ascent + m.Descent).Ceil(); h > lh {
		lh = h
	}
	return &Font{
		Name:       name,
		Size:       float64(lh),
		Bold:       bold,
		LineHeight: lh,
		Ascent:     m.Ascent.Ceil(),
		coverage:   cov,
		face:       face,
	}
}

// NewBasicFont wraps a fixed-cell bitmap face; coverage comes from its ranges.
func NewBasicFont(name string, face *basicfont.Face, bold bool) *Font {
	return NewFont(name, face, basicCoverage(face), bold)
}

// Open parses the font file at path and builds a face of the given pixel size.
func Open(path string, size float64, bold bool) (*Font, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read font: %w", err)
	}
	sf, err := opentype.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse font %s: %w", path, err)
	}
	face, err := opentype.NewFace(sf, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("face %s: %w", path, err)
	}
	cov, err := ScanCoverage(sf)
	if err != nil {
		_ = face.Close()
		return nil, fmt.Errorf("coverage %s: %w", path, err)
	}
	f := NewFont(filepath.Base(path), face, cov, bold)
	f.Size = size
	return f, nil
}

// Covers reports whether the font has a glyph for r.
func (f *Font) Covers(r rune) bool { return f.coverage.Contains(r) }

// Coverage returns the font's coverage set.
func (f *Font) Coverage() *Coverage { return f.coverage }

// MeasureString returns the advance width of s in pixels.
func (f *Font) MeasureString(s string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return font.MeasureString(f.face, s).Ceil()
}

// DrawString draws s with its top-left corner at pt and returns the
// advance in pixels.
func (f *Font) DrawString(dst draw.Image, pt image.Point, s string, c color.Color) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: f.face,
		Dot:  fixed.P(pt.X, pt.Y+f.Ascent),
	}
	start := d.Dot.X
	d.DrawString(s)
	return (d.Dot.X - start).Ceil()
}

// Close releases the face.
func (f *Font) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.face.Close()
}

func (f *Font) String() string { return f.Name }

// Renderable reports ErrUnrenderable when s holds bytes that are not valid
// UTF-8, or control characters that would be drawn as tofu boxes. A U+FFFD
// written into the text itself is valid and drawn.
func Renderable(s string) error {
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if !RenderableRune(r, size) {
			if r == utf8.RuneError {
				return fmt.Errorf("%w: invalid byte at %d", ErrUnrenderable, i)
			}
			return fmt.Errorf("%w: %U", ErrUnrenderable, r)
		}
		i += size
	}
	return nil
}

// RenderableRune reports whether r, decoded from size bytes, can be drawn.
// An undecodable byte decodes as utf8.RuneError with size 1.
func RenderableRune(r rune, size int) bool {
	if r == utf8.RuneError && size <= 1 {
		return false
	}
	return !unicode.IsControl(r)
}

// StripUnrenderable removes the code points Renderable rejects and reports
// how many were removed.
func StripUnrenderable(s string) (string, int) {
	if Renderable(s) == nil {
		return s, 0
	}
	var b strings.Builder
	b.Grow(len(s))
	dropped := 0
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if RenderableRune(r, size) {
			b.WriteString(s[i : i+size])
		} else {
			dropped++
		}
		i += size
	}
	return b.String(), dropped
}
