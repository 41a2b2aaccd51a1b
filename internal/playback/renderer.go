package playback

import (
	"context"
	"time"

	"github.com/lexiqai/transcriber/internal/audio"
)

// Renderer is the output node. Render returns once the frame has been
// consumed by the output, so frames rendered is the playback clock.
type Renderer interface {
	Render(ctx context.Context, frame audio.Frame) error
}

// RendererFunc adapts a function to Renderer
type RendererFunc func(ctx context.Context, frame audio.Frame) error

func (f RendererFunc) Render(ctx context.Context, frame audio.Frame) error {
	return f(ctx, frame)
}

// PacedRenderer hands frames to a sink no faster than real time. The
// schedule is anchored to the first frame, so a slow sink does not
// accumulate drift.
type PacedRenderer struct {
	sink  func(frame audio.Frame) error
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	started time.Time
	played  time.Duration
}

// NewPacedRenderer creates a renderer writing to sink
func NewPacedRenderer(sink func(frame audio.Frame) error) *PacedRenderer {
	return &PacedRenderer{sink: sink, now: time.Now, sleep: sleepContext}
}

// Render sends the frame and waits until its playing time has elapsed
func (p *PacedRenderer) Render(ctx context.Context, frame audio.Frame) error {
	if p.started.IsZero() {
		p.started = p.now()
	}
	if err := p.sink(frame); err != nil {
		return err
	}
	p.played += frame.Duration()

	wait := p.started.Add(p.played).Sub(p.now())
	if wait <= 0 {
		return nil
	}
	return p.sleep(ctx, wait)
}

// Reset restarts the schedule for a new playback
func (p *PacedRenderer) Reset() {
	p.started = time.Time{}
	p.played = 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
