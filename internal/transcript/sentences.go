package transcript

import (
	"strings"
	"unicode"
)

// SplitSentences breaks a transcript into trimmed sentences. A sentence ends
// at '.', '!' or '?' followed by whitespace or the end of the text; a trailing
// fragment without terminal punctuation is kept as the last sentence.
func SplitSentences(text string) []string {
	var sentences []string
	runes := []rune(text)
	start := 0
	for i, r := range runes {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
			sentences = append(sentences, s)
		}
		start = i + 1
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}
