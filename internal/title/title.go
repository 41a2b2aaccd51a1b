// Package title suggests recording titles from their transcripts
package title

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"

	"github.com/lexiqai/transcriber/internal/config"
	"github.com/lexiqai/transcriber/internal/observability"
)

const prompt = "Here is an audio transcript. Suggest a concise, descriptive title for it " +
	"that highlights the key subject. Reply with the title only, no other text."

// maxTranscriptRunes bounds what is sent for long recordings
const maxTranscriptRunes = 8000

const maxTitleRunes = 120

// ErrEmptyTranscript is returned when there is nothing to summarize
var ErrEmptyTranscript = errors.New("transcript is empty")

// Suggester proposes a title for a transcript
type Suggester interface {
	Suggest(ctx context.Context, transcript string) (string, error)
}

// OpenAISuggester asks a chat completion model for a title
type OpenAISuggester struct {
	client *openai.Client
	model  string
	logger zerolog.Logger
}

// NewOpenAISuggester creates a suggester. baseURL overrides the API
// endpoint when non-empty.
func NewOpenAISuggester(apiKey, model, baseURL string) *OpenAISuggester {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAISuggester{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		logger: observability.Component("title"),
	}
}

// FromConfig returns nil when title suggestions are disabled
func FromConfig(cfg *config.Config) Suggester {
	if !cfg.TitleSuggestionsEnabled() {
		return nil
	}
	return NewOpenAISuggester(cfg.OpenAIAPIKey, cfg.OpenAIModel, "")
}

// Suggest returns a cleaned-up title
func (s *OpenAISuggester) Suggest(ctx context.Context, transcript string) (string, error) {
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return "", ErrEmptyTranscript
	}
	if utf8.RuneCountInString(transcript) > maxTranscriptRunes {
		transcript = string([]rune(transcript)[:maxTranscriptRunes])
	}

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt},
			{Role: openai.ChatMessageRoleUser, Content: transcript},
		},
		MaxTokens:   32,
		Temperature: 0.2,
	})
	if err != nil {
		return "", fmt.Errorf("title completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("title completion returned no choices")
	}

	title := Clean(resp.Choices[0].Message.Content)
	if title == "" {
		return "", errors.New("title completion returned an empty title")
	}
	s.logger.Debug().Str("title", title).Msg("Suggested title")
	return title, nil
}

// Clean strips quotes, a "Title:" prefix and trailing punctuation, and keeps
// the first line
func Clean(raw string) string {
	title := strings.TrimSpace(raw)
	if i := strings.IndexAny(title, "\r\n"); i >= 0 {
		title = title[:i]
	}
	if len(title) >= 6 && strings.EqualFold(title[:6], "title:") {
		title = title[6:]
	}
	title = strings.Trim(title, " \t\"'“”‘’*#")
	title = strings.TrimRight(title, ".!?,;: ")
	if utf8.RuneCountInString(title) > maxTitleRunes {
		title = strings.TrimSpace(string([]rune(title)[:maxTitleRunes]))
	}
	return title
}

// SuggestOrKeep returns the suggestion, or current when the suggester is
// missing or fails
func SuggestOrKeep(ctx context.Context, s Suggester, transcript, current string, logger zerolog.Logger) string {
	if s == nil {
		return current
	}
	suggested, err := s.Suggest(ctx, transcript)
	if err != nil {
		if !errors.Is(err, ErrEmptyTranscript) {
			logger.Warn().Err(err).Msg("Title suggestion failed, keeping current title")
		}
		return current
	}
	return suggested
}
