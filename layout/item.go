// Package layout turns chat text and inline images into lines that fit the
// screen. A message becomes a sequence of Items (text runs and image
// references); Wrap packs them greedily into Lines no wider than the screen,
// and Compact merges each line's characters back into per-font runs.
package layout

import (
	"image"
	"image/color"
	"strings"

	"github.com/onnwee/chatscreen/fonts"
)

// Measurer reports the pixel width of text in a given weight.
// *fonts.Chain implements it.
type Measurer interface {
	TextWidth(text string, bold bool) int
}

// Style is the colour and weight applied to text runs.
type Style struct {
	Color color.RGBA
	Bold  bool
}

// Item is one atomic piece of line content. The concrete types are
// TextRun and ImageRef.
type Item interface {
	Width(m Measurer) int
	item()
}

// TextRun is a stretch of text in one colour and weight. Font is set once
// the run has been split by font (see SplitRuns and Compact); before that
// the run is measured through the fallback chain.
type TextRun struct {
	Text  string
	Font  *fonts.Font
	Color color.RGBA
	Bold  bool
}

// Width returns the rendered width of the run.
func (t TextRun) Width(m Measurer) int {
	if t.Font != nil {
		return t.Font.MeasureString(t.Text)
	}
	if m == nil {
		return 0
	}
	return m.TextWidth(t.Text, t.Bold)
}

func (TextRun) item() {}

// ImageRef is an inline emote or badge, already scaled to the line height.
type ImageRef struct {
	ID    string
	Image image.Image
	W, H  int
}

// NewImageRef takes the size from the image bounds.
func NewImageRef(id string, img image.Image) ImageRef {
	b := img.Bounds()
	return ImageRef{ID: id, Image: img, W: b.Dx(), H: b.Dy()}
}

// Width returns the fixed pixel width of the image.
func (i ImageRef) Width(Measurer) int { return i.W }

func (ImageRef) item() {}

// Line is an ordered run of items drawn left to right on one screen row.
type Line struct {
	Items []Item
}

// Width is the sum of the item widths.
func (l Line) Width(m Measurer) int {
	w := 0
	for _, it := range l.Items {
		w += it.Width(m)
	}
	return w
}

// String renders the line as plain text with images shown as [id].
func (l Line) String() string {
	var b strings.Builder
	for _, it := range l.Items {
		switch v := it.(type) {
		case TextRun:
			b.WriteString(v.Text)
		case ImageRef:
			b.WriteString("[" + v.ID + "]")
		}
	}
	return b.String()
}
