package transcript

import "time"

// IsHighlighted reports whether text attributed to r should be highlighted at
// playback position t. Both bounds are exclusive.
func IsHighlighted(r TimeRange, t time.Duration) bool {
	return r.Start < t && t < r.End
}

// HighlightedRuns returns the indexes of runs that are highlighted at t.
// Runs without a time range are never highlighted.
func HighlightedRuns(text RichText, t time.Duration) []int {
	var out []int
	for i, run := range text.Runs {
		if run.Range != nil && IsHighlighted(*run.Range, t) {
			out = append(out, i)
		}
	}
	return out
}
