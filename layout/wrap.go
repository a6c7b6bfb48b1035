package layout

// Wrap packs items into lines no wider than maxWidth. For each line it
// starts from the whole remaining sequence and drops one trailing item at a
// time until the candidate fits. A single item wider than maxWidth still
// gets a line of its own, so the loop always makes progress.
//
// Item widths are measured once up front; every shrink step then costs one
// subtraction instead of re-walking the fallback chain for the candidate.
func Wrap(items []Item, maxWidth int, m Measurer) []Line {
	if len(items) == 0 {
		return nil
	}
	widths := make([]int, len(items))
	total := 0
	for i, it := range items {
		widths[i] = it.Width(m)
		total += widths[i]
	}

	var lines []Line
	for start := 0; start < len(items); {
		end := len(items)
		w := total
		for w > maxWidth && end-start > 1 {
			end--
			w -= widths[end]
		}
		lines = append(lines, Line{Items: items[start:end:end]})
		total -= w
		start = end
	}
	return lines
}
