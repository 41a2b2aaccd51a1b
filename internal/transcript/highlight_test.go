package transcript

import (
	"testing"
	"time"
)

func TestIsHighlighted(t *testing.T) {
	r := TimeRange{Start: time.Second, End: 2 * time.Second}
	tests := []struct {
		name string
		at   time.Duration
		want bool
	}{
		{"before", 500 * time.Millisecond, false},
		{"at start", time.Second, false},
		{"inside", 1500 * time.Millisecond, true},
		{"at end", 2 * time.Second, false},
		{"after", 3 * time.Second, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsHighlighted(r, tt.at); got != tt.want {
				t.Errorf("IsHighlighted(%v) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}

func TestHighlightedRuns(t *testing.T) {
	text := Timed("one ", TimeRange{Start: 0, End: time.Second}).
		Append(Plain("untimed ")).
		Append(Timed("two", TimeRange{Start: time.Second, End: 2 * time.Second}))

	got := HighlightedRuns(text, 1500*time.Millisecond)
	if len(got) != 1 || got[0] != 2 {
		t.Errorf("Expected run 2 highlighted, got %v", got)
	}
}

func TestSplitSentences(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"Hello world.", []string{"Hello world."}},
		{"Hello world. How are you? Fine!", []string{"Hello world.", "How are you?", "Fine!"}},
		{"Version 1.5 shipped. Then", []string{"Version 1.5 shipped.", "Then"}},
		{"  trailing fragment  ", []string{"trailing fragment"}},
	}

	for _, tt := range tests {
		got := SplitSentences(tt.in)
		if len(got) != len(tt.want) {
			t.Errorf("SplitSentences(%q) = %q, want %q", tt.in, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("SplitSentences(%q)[%d] = %q, want %q", tt.in, i, got[i], tt.want[i])
			}
		}
	}
}
