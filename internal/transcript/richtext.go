package transcript

import (
	"strings"
	"time"
)

// TimeRange is a span of audio measured from the start of the recording
type TimeRange struct {
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
}

// Duration returns the length of the range
func (r TimeRange) Duration() time.Duration {
	return r.End - r.Start
}

// Overlaps reports whether two ranges share any audio
func (r TimeRange) Overlaps(other TimeRange) bool {
	return r.Start < other.End && other.Start < r.End
}

// Run is a piece of text with uniform attributes
type Run struct {
	Text string `json:"text"`
	// Range is the audio the text was recognized from, when the engine reports it
	Range *TimeRange `json:"range,omitempty"`
	// Volatile marks in-progress text that may still be replaced
	Volatile bool `json:"volatile,omitempty"`
}

// RichText is text made of attributed runs
type RichText struct {
	Runs []Run `json:"runs"`
}

// Plain returns rich text with a single unattributed run
func Plain(text string) RichText {
	if text == "" {
		return RichText{}
	}
	return RichText{Runs: []Run{{Text: text}}}
}

// Timed returns rich text with a single run attributed to r
func Timed(text string, r TimeRange) RichText {
	return RichText{Runs: []Run{{Text: text, Range: &r}}}
}

// String returns the plain characters of the text
func (t RichText) String() string {
	switch len(t.Runs) {
	case 0:
		return ""
	case 1:
		return t.Runs[0].Text
	}
	var b strings.Builder
	for _, run := range t.Runs {
		b.WriteString(run.Text)
	}
	return b.String()
}

// IsEmpty reports whether the text has no characters
func (t RichText) IsEmpty() bool {
	for _, run := range t.Runs {
		if run.Text != "" {
			return false
		}
	}
	return true
}

// Append returns t followed by other. Neither operand is modified.
func (t RichText) Append(other RichText) RichText {
	runs := make([]Run, 0, len(t.Runs)+len(other.Runs))
	runs = append(runs, t.Runs...)
	runs = append(runs, other.Runs...)
	return RichText{Runs: runs}
}

// WithVolatile returns a copy with every run's Volatile flag set to v
func (t RichText) WithVolatile(v bool) RichText {
	runs := make([]Run, len(t.Runs))
	for i, run := range t.Runs {
		run.Volatile = v
		runs[i] = run
	}
	return RichText{Runs: runs}
}

// Span returns the smallest range covering every attributed run
func (t RichText) Span() (TimeRange, bool) {
	var span TimeRange
	found := false
	for _, run := range t.Runs {
		if run.Range == nil {
			continue
		}
		if !found {
			span = *run.Range
			found = true
			continue
		}
		if run.Range.Start < span.Start {
			span.Start = run.Range.Start
		}
		if run.Range.End > span.End {
			span.End = run.Range.End
		}
	}
	return span, found
}
