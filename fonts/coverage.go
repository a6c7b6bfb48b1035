package fonts

import (
	"fmt"
	"sort"
	"unicode"

	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/sfnt"
)

type runeRange struct {
	lo, hi rune // inclusive
}

// Coverage is the set of code points a font can render. It is built once
// when the font is loaded and never modified afterwards.
type Coverage struct {
	ranges []runeRange
	n      int
}

// NewCoverage builds a Coverage holding exactly the given runes.
func NewCoverage(runes ...rune) *Coverage {
	rs := append([]rune(nil), runes...)
	sort.Slice(rs, func(i, j int) bool { return rs[i] < rs[j] })
	c := &Coverage{}
	for _, r := range rs {
		c.extend(r)
	}
	return c
}

// CoverageFromRanges builds a Coverage from inclusive [lo, hi] pairs. The
// pairs may arrive in any order and may overlap.
func CoverageFromRanges(pairs ...[2]rune) *Coverage {
	ps := append([][2]rune(nil), pairs...)
	sort.Slice(ps, func(i, j int) bool { return ps[i][0] < ps[j][0] })
	c := &Coverage{}
	for _, p := range ps {
		if p[1] < p[0] {
			continue
		}
		if n := len(c.ranges); n > 0 && p[0] <= c.ranges[n-1].hi+1 {
			last := &c.ranges[n-1]
			if p[1] > last.hi {
				c.n += int(p[1] - last.hi)
				last.hi = p[1]
			}
			continue
		}
		c.ranges = append(c.ranges, runeRange{lo: p[0], hi: p[1]})
		c.n += int(p[1]-p[0]) + 1
	}
	return c
}

// extend adds r, which must be >= every rune already present.
func (c *Coverage) extend(r rune) {
	if n := len(c.ranges); n > 0 {
		last := &c.ranges[n-1]
		if r <= last.hi {
			return
		}
		if r == last.hi+1 {
			last.hi = r
			c.n++
			return
		}
	}
	c.ranges = append(c.ranges, runeRange{lo: r, hi: r})
	c.n++
}

// Contains reports whether r is covered.
func (c *Coverage) Contains(r rune) bool {
	if c == nil {
		return false
	}
	i := sort.Search(len(c.ranges), func(i int) bool { return c.ranges[i].hi >= r })
	return i < len(c.ranges) && c.ranges[i].lo <= r
}

// Len returns the number of covered code points.
func (c *Coverage) Len() int {
	if c == nil {
		return 0
	}
	return c.n
}

// ScanCoverage asks the font's cmap about every assigned Unicode plane and
// records the code points that map to a real glyph.
func ScanCoverage(f *sfnt.Font) (*Coverage, error) {
	var buf sfnt.Buffer
	c := &Coverage{}
	for r := rune(0); r <= unicode.MaxRune; r++ {
		switch {
		case r == 0xD800:
			r = 0xDFFF // surrogates
			continue
		case r == 0x40000:
			r = 0xDFFFF // planes 4-13 are unassigned
			continue
		}
		gi, err := f.GlyphIndex(&buf, r)
		if err != nil {
			return nil, fmt.Errorf("glyph index %U: %w", r, err)
		}
		if gi != 0 {
			c.extend(r)
		}
	}
	return c, nil
}

func basicCoverage(face *basicfont.Face) *Coverage {
	pairs := make([][2]rune, 0, len(face.Ranges))
	for _, rg := range face.Ranges {
		pairs = append(pairs, [2]rune{rg.Low, rg.High - 1})
	}
	return CoverageFromRanges(pairs...)
}
