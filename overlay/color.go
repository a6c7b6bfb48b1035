package overlay

import (
	"image/color"
	"strconv"
	"strings"
)

// twitchPalette holds the default Twitch name colours assigned to users
// who never picked one.
var twitchPalette = []color.RGBA{
	{0x00, 0x00, 0xFF, 0xFF}, // Blue
	{0xFF, 0x7F, 0x50, 0xFF}, // Coral
	{0x1E, 0x90, 0xFF, 0xFF}, // DodgerBlue
	{0x00, 0xFF, 0x7F, 0xFF}, // SpringGreen
	{0x9A, 0xCD, 0x32, 0xFF}, // YellowGreen
	{0x00, 0x80, 0x00, 0xFF}, // Green
	{0xFF, 0x45, 0x00, 0xFF}, // OrangeRed
	{0xFF, 0x00, 0x00, 0xFF}, // Red
	{0xDA, 0xA5, 0x20, 0xFF}, // GoldenRod
	{0xFF, 0x69, 0xB4, 0xFF}, // HotPink
	{0x5F, 0x9E, 0xA0, 0xFF}, // CadetBlue
	{0x2E, 0x8B, 0x57, 0xFF}, // SeaGreen
	{0xD2, 0x69, 0x1E, 0xFF}, // Chocolate
	{0x8A, 0x2B, 0xE2, 0xFF}, // BlueViolet
	{0xB2, 0x22, 0x22, 0xFF}, // Firebrick
}

// ParseHexColor parses "#RRGGBB" (the leading # is optional).
func ParseHexColor(s string) (color.RGBA, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 {
		return color.RGBA{}, false
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return color.RGBA{}, false
	}
	return color.RGBA{uint8(v >> 16), uint8(v >> 8), uint8(v), 0xFF}, true
}
