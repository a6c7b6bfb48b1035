package layout

import (
	"image"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/onnwee/chatscreen/fonts"
	"github.com/onnwee/chatscreen/telemetry"
)

// Tokenize walks text by code point. An index that starts an emote range
// becomes one ImageRef and the walk resumes after the range; when the
// emote has no image the literal span is kept as a single TextRun. Every
// other code point becomes its own single-character TextRun so the wrapper
// can break anywhere; font runs are rebuilt later by Compact.
//
// Ranges that start inside an earlier range are never reached and so are
// ignored; an end index past the text is clamped to the last code point.
// Code points the rasterizer cannot draw (control characters and bytes that
// are not UTF-8) are dropped one by one before wrapping; they still count
// for emote indices.
func Tokenize(text string, idx EmoteIndex, emotes EmoteSource, style Style) []Item {
	runes, drawable := decode(text)
	items := make([]Item, 0, len(runes))
	dropped := 0
	for i := 0; i < len(runes); {
		if span, ok := idx[i]; ok {
			end := span.End
			if end >= len(runes) {
				end = len(runes) - 1
			}
			if end < i {
				end = i
			}
			if img, ok := lookupEmote(emotes, span.ID); ok {
				items = append(items, NewImageRef(span.ID, img))
			} else {
				var lit []rune
				for j := i; j <= end; j++ {
					if drawable[j] {
						lit = append(lit, runes[j])
					} else {
						dropped++
					}
				}
				if len(lit) > 0 {
					items = append(items, TextRun{Text: string(lit), Color: style.Color, Bold: style.Bold})
				}
			}
			i = end + 1
			continue
		}
		if drawable[i] {
			items = append(items, TextRun{Text: string(runes[i]), Color: style.Color, Bold: style.Bold})
		} else {
			dropped++
		}
		i++
	}
	if dropped > 0 {
		slog.Debug("dropped unrenderable code points", slog.Int("count", dropped), slog.String("component", "layout"))
		telemetry.IncUnrenderable()
	}
	return items
}

// decode splits text into code points the way a []rune conversion does,
// one per undecodable byte, and marks which of them can be drawn.
func decode(text string) ([]rune, []bool) {
	runes := make([]rune, 0, len(text))
	ok := make([]bool, 0, len(text))
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		runes = append(runes, r)
		ok = append(ok, fonts.RenderableRune(r, size))
		i += size
	}
	return runes, ok
}

func lookupEmote(src EmoteSource, id string) (image.Image, bool) {
	if src == nil {
		return nil, false
	}
	img, ok := src.Emote(id)
	if !ok || img == nil {
		return nil, false
	}
	return img, true
}

// SplitRuns splits text into runs at font-fallback boundaries. Code points
// the rasterizer cannot draw are removed from their run; a run left empty
// is omitted instead of failing the whole message.
func SplitRuns(chain *fonts.Chain, text string, style Style) []Item {
	segs := chain.Split(text, style.Bold)
	items := make([]Item, 0, len(segs))
	for _, s := range segs {
		txt, dropped := fonts.StripUnrenderable(s.Text)
		if dropped > 0 {
			slog.Warn("dropping unrenderable code points", slog.String("font", s.Font.Name), slog.Int("count", dropped), slog.String("component", "layout"))
			telemetry.IncUnrenderable()
		}
		if txt == "" {
			continue
		}
		items = append(items, TextRun{Text: txt, Font: s.Font, Color: style.Color, Bold: style.Bold})
	}
	return items
}

// Compact merges neighbouring text runs of the same style and re-splits
// them by font, so a wrapped line of single characters turns into as few
// runs as the fallback chain allows. Images are kept in place.
func Compact(chain *fonts.Chain, line Line) Line {
	out := Line{Items: make([]Item, 0, len(line.Items))}
	var (
		pending strings.Builder
		style   Style
		open    bool
	)
	flush := func() {
		if open && pending.Len() > 0 {
			out.Items = append(out.Items, SplitRuns(chain, pending.String(), style)...)
		}
		pending.Reset()
		open = false
	}
	for _, it := range line.Items {
		run, ok := it.(TextRun)
		if !ok {
			flush()
			out.Items = append(out.Items, it)
			continue
		}
		st := Style{Color: run.Color, Bold: run.Bold}
		if open && st != style {
			flush()
		}
		style, open = st, true
		pending.WriteString(run.Text)
	}
	flush()
	return out
}
