package stt

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/lexiqai/transcriber/internal/audio"
	"github.com/lexiqai/transcriber/internal/transcript"
)

var (
	// ErrStreamClosed is returned when writing to a finished or closed stream
	ErrStreamClosed = errors.New("recognition stream closed")
	// ErrDownloadUnavailable is returned by engines that cannot fetch models
	ErrDownloadUnavailable = errors.New("model download not available")
)

// Result is one recognition result. Volatile results supersede the previous
// volatile result; final results are irrevocable.
type Result struct {
	Text       transcript.RichText
	Final      bool
	Confidence float64
}

// ProgressFunc receives download progress in [0, 1]
type ProgressFunc func(fraction float64)

// Engine is a speech recognizer the transcription session drives
type Engine interface {
	// Name identifies the engine in logs and health checks
	Name() string
	// SupportedLocales lists the locales the engine can recognize
	SupportedLocales(ctx context.Context) ([]string, error)
	// InstalledLocales lists the locales whose models are ready to use
	InstalledLocales(ctx context.Context) ([]string, error)
	// Download installs the model for locale, reporting progress as it goes
	Download(ctx context.Context, locale string, progress ProgressFunc) error
	// InputFormat is the audio format Open's stream expects for locale
	InputFormat(locale string) audio.Format
	// Open starts a recognition stream
	Open(ctx context.Context, locale string) (Stream, error)
}

// Stream is one live recognition session. Results are delivered in emission
// order and the channel is closed once the engine has flushed everything
// after Finish, or after Close.
type Stream interface {
	Write(ctx context.Context, frame audio.Frame) error
	Finish(ctx context.Context) error
	Results() <-chan Result
	Close() error
}

// NormalizeLocale returns a BCP 47 style identifier for comparison
func NormalizeLocale(locale string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(locale), "_", "-"))
}

// ContainsLocale reports whether locales includes locale, ignoring case and separators
func ContainsLocale(locales []string, locale string) bool {
	want := NormalizeLocale(locale)
	for _, l := range locales {
		if NormalizeLocale(l) == want {
			return true
		}
	}
	return false
}

// Handle owns an engine and the locales reserved on it. Sessions reserve the
// locale they recognize and release it when they close.
type Handle struct {
	engine Engine

	mu       sync.Mutex
	reserved map[string]int
}

// NewHandle wraps an engine
func NewHandle(engine Engine) *Handle {
	return &Handle{
		engine:   engine,
		reserved: make(map[string]int),
	}
}

// Engine returns the wrapped engine
func (h *Handle) Engine() Engine {
	return h.engine
}

// Reserve marks locale as in use
func (h *Handle) Reserve(locale string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reserved[NormalizeLocale(locale)]++
}

// Release drops one reservation of locale
func (h *Handle) Release(locale string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := NormalizeLocale(locale)
	if h.reserved[key] <= 1 {
		delete(h.reserved, key)
		return
	}
	h.reserved[key]--
}

// ReleaseAll drops every reservation
func (h *Handle) ReleaseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reserved = make(map[string]int)
}

// Reserved returns the reserved locales in sorted order
func (h *Handle) Reserved() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]string, 0, len(h.reserved))
	for locale := range h.reserved {
		out = append(out, locale)
	}
	sort.Strings(out)
	return out
}

// IsReserved reports whether locale has at least one reservation
func (h *Handle) IsReserved(locale string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reserved[NormalizeLocale(locale)] > 0
}
