// Package realign rebuilds text lines from word-level OCR output by
// repeatedly merging words that sit next to each other on the same page.
package realign

import "github.com/adverant/nexus/textrealign-worker/internal/tabular"

// TopIsClose reports whether the top edges of a and b are within distance
func TopIsClose(a, b tabular.Record, distance int) bool {
	return abs(a.Top-b.Top) <= distance
}

// LeftIsClose reports whether the rightward record starts within distance
// of the leftward record's right edge. Overlap counts as a negative gap.
func LeftIsClose(a, b tabular.Record, distance int) bool {
	if a.Left < b.Left {
		return abs(a.Right()-b.Left) <= distance
	}
	return abs(b.Right()-a.Left) <= distance
}

// IsClose reports whether a and b may be merged into one line
func IsClose(a, b tabular.Record, leftDistance, topDistance int) bool {
	return a.Page == b.Page &&
		TopIsClose(a, b, topDistance) &&
		LeftIsClose(a, b, leftDistance)
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
