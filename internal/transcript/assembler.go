package transcript

import (
	"sync"

	"github.com/rs/zerolog"
)

// State is a snapshot of the transcript. Finalized only grows; Volatile is
// replaced wholesale by every in-progress result.
type State struct {
	Finalized RichText `json:"finalized"`
	Volatile  RichText `json:"volatile"`
}

// Display returns finalized followed by volatile
func (s State) Display() RichText {
	return s.Finalized.Append(s.Volatile)
}

// DisplayText returns the plain characters of Display
func (s State) DisplayText() string {
	return s.Finalized.String() + s.Volatile.String()
}

// Update describes the effect of one applied result
type Update struct {
	State State
	Final bool
	// Segment is the text appended to the finalized transcript, empty for
	// volatile results
	Segment RichText
}

// Assembler folds recognition results into a transcript. Apply must be called
// from a single goroutine; Snapshot may be called from any goroutine.
type Assembler struct {
	mu           sync.RWMutex
	finalized    RichText
	volatile     RichText
	lastFinal    TimeRange
	hasLastFinal bool
	markVolatile bool
	logger       zerolog.Logger
}

// AssemblerOption configures an Assembler
type AssemblerOption func(*Assembler)

// WithVolatileMarker flags volatile runs so renderers can style in-progress text
func WithVolatileMarker() AssemblerOption {
	return func(a *Assembler) { a.markVolatile = true }
}

// WithLogger sets the logger used to report upstream contract violations
func WithLogger(logger zerolog.Logger) AssemblerOption {
	return func(a *Assembler) { a.logger = logger }
}

// NewAssembler creates an empty assembler
func NewAssembler(opts ...AssemblerOption) *Assembler {
	a := &Assembler{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Resume creates an assembler whose finalized transcript starts at finalized,
// for recordings that continue an earlier capture.
func Resume(finalized RichText, opts ...AssemblerOption) *Assembler {
	a := NewAssembler(opts...)
	a.finalized = finalized
	if span, ok := finalized.Span(); ok {
		a.lastFinal = span
		a.hasLastFinal = true
	}
	return a
}

// Apply folds one result into the transcript
func (a *Assembler) Apply(text RichText, final bool) Update {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !final {
		if a.markVolatile {
			text = text.WithVolatile(true)
		}
		a.volatile = text
		return Update{State: a.stateLocked()}
	}

	if span, ok := text.Span(); ok {
		if a.hasLastFinal && span.Start < a.lastFinal.End {
			a.logger.Warn().
				Dur("previous_end", a.lastFinal.End).
				Dur("start", span.Start).
				Dur("end", span.End).
				Msg("Final result overlaps audio already finalized")
		}
		if !a.hasLastFinal || span.End > a.lastFinal.End {
			a.lastFinal = span
			a.hasLastFinal = true
		}
	}

	text = text.WithVolatile(false)
	a.finalized = a.finalized.Append(text)
	a.volatile = RichText{}
	return Update{State: a.stateLocked(), Final: true, Segment: text}
}

// Snapshot returns the current transcript
func (a *Assembler) Snapshot() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.stateLocked()
}

func (a *Assembler) stateLocked() State {
	return State{Finalized: a.finalized, Volatile: a.volatile}
}
