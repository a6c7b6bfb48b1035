package testutil

import (
	"image"

	"golang.org/x/image/font/basicfont"

	"github.com/onnwee/chatscreen/fonts"
)

// Advances of the fixture fonts, in pixels per character.
const (
	PrimaryAdvance  = 7
	EuroAdvance     = 9
	BoldAdvance     = 8
	FixtureLineHigh = 13
)

// PrimaryFont is a 7x13 bitmap font covering ASCII and Latin-1.
func PrimaryFont() *fonts.Font {
	return fonts.NewBasicFont("primary", basicfont.Face7x13, false)
}

// EuroFont covers only the euro sign, with a 9 pixel advance.
func EuroFont() *fonts.Font {
	face := &basicfont.Face{
		Advance: EuroAdvance,
		Width:   EuroAdvance,
		Height:  FixtureLineHigh,
		Ascent:  11,
		Descent: 2,
		Mask:    image.NewAlpha(image.Rect(0, 0, EuroAdvance, FixtureLineHigh)),
		Ranges:  []basicfont.Range{{Low: '€', High: '€' + 1, Offset: 0}},
	}
	return fonts.NewBasicFont("euro", face, false)
}

// BoldFont reuses the 7x13 glyphs with an 8 pixel advance.
func BoldFont() *fonts.Font {
	src := basicfont.Face7x13
	face := &basicfont.Face{
		Advance: BoldAdvance,
		Width:   src.Width,
		Height:  src.Height,
		Ascent:  src.Ascent,
		Descent: src.Descent,
		Left:    src.Left,
		Mask:    src.Mask,
		Ranges:  src.Ranges,
	}
	return fonts.NewBasicFont("bold", face, true)
}

// NewChain returns a chain of [primary, euro] regular fonts and one bold font.
func NewChain() *fonts.Chain {
	c := fonts.NewChain(FixtureLineHigh)
	c.Add(PrimaryFont())
	c.Add(EuroFont())
	c.Add(BoldFont())
	return c
}
