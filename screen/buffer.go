package screen

import (
	"errors"

	"github.com/onnwee/chatscreen/layout"
)

// ErrNoUsableLines is returned when the line height leaves no room for chat
// rows on the screen.
var ErrNoUsableLines = errors.New("screen: line height leaves no usable chat rows")

// CapacityFor returns how many chat lines fit on a screen of the given
// height. The last row is reserved for the footer strip.
func CapacityFor(screenHeight, lineHeight int) int {
	if lineHeight <= 0 {
		return 0
	}
	n := screenHeight/lineHeight - 1
	if n < 0 {
		return 0
	}
	return n
}

// ChatBuffer is a bounded FIFO of rendered lines, oldest first. It has no
// lock of its own; the Scheduler guards it.
type ChatBuffer struct {
	lines    []layout.Line
	capacity int
	appended int
}

// NewChatBuffer returns an empty buffer holding at most capacity lines.
func NewChatBuffer(capacity int) *ChatBuffer {
	if capacity < 0 {
		capacity = 0
	}
	return &ChatBuffer{capacity: capacity, lines: make([]layout.Line, 0, capacity)}
}

// Append adds lines at the bottom and evicts the oldest ones beyond capacity.
func (b *ChatBuffer) Append(lines ...layout.Line) {
	b.lines = append(b.lines, lines...)
	b.appended += len(lines)
	b.trim()
}

// SetCapacity changes the bound and trims immediately.
func (b *ChatBuffer) SetCapacity(n int) {
	if n < 0 {
		n = 0
	}
	b.capacity = n
	b.trim()
}

func (b *ChatBuffer) trim() {
	excess := len(b.lines) - b.capacity
	if excess <= 0 {
		return
	}
	n := copy(b.lines, b.lines[excess:])
	clear(b.lines[n:])
	b.lines = b.lines[:n]
}

// Lines returns a copy of the visible lines, oldest first.
func (b *ChatBuffer) Lines() []layout.Line {
	out := make([]layout.Line, len(b.lines))
	copy(out, b.lines)
	return out
}

// Len is the number of visible lines.
func (b *ChatBuffer) Len() int { return len(b.lines) }

// Cap is the configured capacity.
func (b *ChatBuffer) Cap() int { return b.capacity }

// Appended is the total number of lines ever appended.
func (b *ChatBuffer) Appended() int { return b.appended }
