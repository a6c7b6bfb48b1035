package fonts

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/onnwee/chatscreen/telemetry"
)

// ErrNoFonts is returned by Validate when no regular font has been loaded.
var ErrNoFonts = errors.New("fonts: no regular font loaded")

// asciiMax is the highest code point that always resolves to the primary
// font without consulting coverage.
const asciiMax = 128

// Chain is the ordered fallback chain. Fonts are consulted in the order they
// were added; the first font of a weight is that weight's primary font.
// A Chain is populated once at startup and is read-only afterwards, so
// lookups need no locking.
type Chain struct {
	Size float64

	regular    []*Font
	bold       []*Font
	lineHeight int
}

// NewChain returns an empty chain whose Load calls build faces of size px.
func NewChain(size float64) *Chain {
	if size <= 0 {
		size = DefaultSize
	}
	return &Chain{Size: size}
}

// Load opens the font file at path and appends it to the chain.
func (c *Chain) Load(path string, bold bool) error {
	slog.Info("loading font", slog.String("path", path), slog.Bool("bold", bold), slog.String("component", "fonts"))
	f, err := Open(path, c.Size, bold)
	if err != nil {
		return err
	}
	c.Add(f)
	slog.Info("loaded font", slog.String("path", path), slog.Int("glyphs", f.Coverage().Len()), slog.Int("line_height", f.LineHeight), slog.String("component", "fonts"))
	return nil
}

// Add appends an already-built font and updates the chain line height.
func (c *Chain) Add(f *Font) {
	if f.Bold {
		c.bold = append(c.bold, f)
	} else {
		c.regular = append(c.regular, f)
	}
	if f.LineHeight > c.lineHeight {
		c.lineHeight = f.LineHeight
	}
}

// Fonts returns the fonts of one weight in priority order.
func (c *Chain) Fonts(bold bool) []*Font {
	if bold && len(c.bold) > 0 {
		return c.bold
	}
	return c.regular
}

// LineHeight is the tallest line height of any loaded font.
func (c *Chain) LineHeight() int { return c.lineHeight }

// Validate reports a configuration error when the chain cannot render text.
func (c *Chain) Validate() error {
	if len(c.regular) == 0 {
		return ErrNoFonts
	}
	return nil
}

// RequiredFont returns the font that should draw r. When no bold font was
// loaded bold lookups use the regular fonts. Code points nobody covers are
// logged and resolve to the primary font so they render as a missing-glyph box.
func (c *Chain) RequiredFont(r rune, bold bool) *Font {
	list := c.Fonts(bold)
	if len(list) == 0 {
		return nil
	}
	if r <= asciiMax {
		return list[0]
	}
	for _, f := range list {
		if f.Covers(r) {
			return f
		}
	}
	slog.Error("no font covers character", slog.String("char", string(r)), slog.String("codepoint", fmt.Sprintf("%U", r)), slog.Bool("bold", bold), slog.String("component", "fonts"))
	telemetry.IncCoverageMiss()
	return list[0]
}

// Segment is a stretch of text that resolves to a single font.
type Segment struct {
	Font *Font
	Text string
}

// Split groups consecutive characters of text by resolved font.
func (c *Chain) Split(text string, bold bool) []Segment {
	var (
		segs  []Segment
		cur   *Font
		start int
	)
	for i, r := range text {
		f := c.RequiredFont(r, bold)
		if f != cur {
			if cur != nil && i > start {
				segs = append(segs, Segment{Font: cur, Text: text[start:i]})
			}
			cur, start = f, i
		}
	}
	if cur != nil && start < len(text) {
		segs = append(segs, Segment{Font: cur, Text: text[start:]})
	}
	return segs
}

// TextWidth measures text by summing the widths of its font segments.
func (c *Chain) TextWidth(text string, bold bool) int {
	w := 0
	for _, s := range c.Split(text, bold) {
		w += s.Font.MeasureString(s.Text)
	}
	return w
}

// Close releases every face in the chain.
func (c *Chain) Close() {
	for _, f := range append(append([]*Font(nil), c.regular...), c.bold...) {
		if err := f.Close(); err != nil {
			slog.Warn("failed to close font", slog.String("font", f.Name), slog.Any("err", err))
		}
	}
}
