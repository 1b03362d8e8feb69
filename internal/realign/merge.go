package realign

import (
	"math"

	"github.com/adverant/nexus/textrealign-worker/internal/tabular"
)

// Merge combines two records on the same page into one line. The box spans
// both inputs horizontally; Height is the larger of the two heights, which
// under-covers words whose tops differ. Confidence is the floored mean and
// text is joined left to right. Passthrough attributes come from a.
// Neither input is modified.
func Merge(a, b tabular.Record) tabular.Record {
	leftward, rightward := a, b
	if b.Left < a.Left {
		leftward, rightward = b, a
	}

	left := min(a.Left, b.Left)
	rightMost := max(a.Right(), b.Right())

	merged := a.Clone()
	merged.Left = left
	merged.Top = min(a.Top, b.Top)
	merged.Width = rightMost - left
	merged.Height = max(a.Height, b.Height)
	merged.Conf = math.Floor((a.Conf + b.Conf) / 2)
	merged.Text = leftward.Text + " " + rightward.Text
	return merged
}
