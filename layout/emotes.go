package layout

import (
	"image"
	"log/slog"
	"strconv"
	"strings"
)

// EmoteSpan is the inclusive end index and image id of an emote range.
type EmoteSpan struct {
	End int
	ID  string
}

// EmoteIndex maps the code point index where an emote starts to its span.
type EmoteIndex map[int]EmoteSpan

// EmoteSource looks up a ready-to-draw emote image by id.
type EmoteSource interface {
	Emote(id string) (image.Image, bool)
}

// ParseEmotes parses a Twitch emotes tag such as
// "25:0-4,12-16/1902:6-10". Ranges whose bounds do not parse, are negative
// or end before they start are skipped. When two ranges share a start index
// the later one wins.
func ParseEmotes(raw string) EmoteIndex {
	idx := EmoteIndex{}
	if raw == "" {
		return idx
	}
	for _, entry := range strings.Split(raw, "/") {
		id, ranges, ok := strings.Cut(entry, ":")
		if !ok || id == "" {
			continue
		}
		for _, rg := range strings.Split(ranges, ",") {
			s, e, ok := strings.Cut(rg, "-")
			if !ok {
				continue
			}
			start, err1 := strconv.Atoi(s)
			end, err2 := strconv.Atoi(e)
			if err1 != nil || err2 != nil || start < 0 || end < start {
				slog.Debug("skipping malformed emote range", slog.String("range", rg), slog.String("emote", id), slog.String("component", "layout"))
				continue
			}
			idx[start] = EmoteSpan{End: end, ID: id}
		}
	}
	return idx
}
