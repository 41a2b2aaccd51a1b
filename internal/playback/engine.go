// Package playback plays finished recordings from local files or from the
// blob store.
package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/transcriber/internal/blobstore"
	"github.com/lexiqai/transcriber/internal/observability"
)

const defaultChunk = 100 * time.Millisecond

var (
	// ErrNotPrepared is returned by Play without a prepared source
	ErrNotPrepared = errors.New("playback not prepared")
	// ErrAlreadyPlaying is returned by Play while playing
	ErrAlreadyPlaying = errors.New("playback already running")
	// ErrRemoteUnavailable is returned for remote sources when no blob store
	// or media player is configured
	ErrRemoteUnavailable = errors.New("remote playback unavailable")
)

// State of the engine
type State int

const (
	StateIdle State = iota
	StatePrepared
	StatePlaying
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePrepared:
		return "prepared"
	case StatePlaying:
		return "playing"
	default:
		return "unknown"
	}
}

// Option configures an Engine
type Option func(*Engine)

// WithRemote enables remote sources through a blob store and media player
func WithRemote(blobs blobstore.BlobStore, player MediaPlayer) Option {
	return func(e *Engine) {
		e.blobs = blobs
		e.player = player
	}
}

// WithChunk sets the length of each rendered frame
func WithChunk(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.chunk = d
		}
	}
}

// WithOnFinish registers a callback run when playback ends on its own or
// fails. It is not called after Stop.
func WithOnFinish(fn func(err error)) Option {
	return func(e *Engine) { e.onFinish = fn }
}

// WithLogger overrides the component logger
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// Engine plays one source at a time. CurrentTime follows the render clock:
// the audio actually consumed by the output, not the time since Play.
type Engine struct {
	renderer Renderer
	blobs    blobstore.BlobStore
	player   MediaPlayer
	chunk    time.Duration
	onFinish func(err error)
	logger   zerolog.Logger

	mu       sync.Mutex
	state    State
	source   Source
	file     *os.File
	reader   *wavReader
	remote   bool
	cancel   context.CancelFunc
	done     chan struct{}
	rate     atomic.Int64
	rendered atomic.Int64
}

// NewEngine creates an engine rendering local audio to renderer
func NewEngine(renderer Renderer, opts ...Option) *Engine {
	e := &Engine{
		renderer: renderer,
		chunk:    defaultChunk,
		logger:   observability.Component("playback"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns the current state
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Duration returns the length of a prepared local source, 0 otherwise
func (e *Engine) Duration() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reader == nil {
		return 0
	}
	return e.reader.duration
}

// Prepare loads a source, stopping anything already playing
func (e *Engine) Prepare(ctx context.Context, src Source) error {
	if err := e.Stop(); err != nil {
		return err
	}

	if src.IsRemote() {
		return e.prepareRemote(ctx, src)
	}
	if src.Path == "" {
		return ErrNotPlayable
	}

	file, err := os.Open(src.Path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src.Path, err)
	}
	reader, err := newWAVReader(file, e.chunk)
	if err != nil {
		file.Close()
		return err
	}

	e.mu.Lock()
	e.closeFileLocked()
	e.file = file
	e.reader = reader
	e.remote = false
	e.source = src
	e.state = StatePrepared
	e.mu.Unlock()

	e.rate.Store(int64(reader.format.SampleRate))
	e.rendered.Store(0)

	e.logger.Debug().
		Str("source", src.String()).
		Str("format", reader.format.String()).
		Dur("duration", reader.duration).
		Msg("Prepared local playback")
	return nil
}

func (e *Engine) prepareRemote(ctx context.Context, src Source) error {
	if e.blobs == nil || e.player == nil {
		return ErrRemoteUnavailable
	}

	url, err := e.blobs.StreamingURL(ctx, src.RemoteHandle)
	if err != nil {
		return fmt.Errorf("failed to resolve streaming URL: %w", err)
	}
	if err := e.player.Load(ctx, url); err != nil {
		return fmt.Errorf("failed to load remote audio: %w", err)
	}

	e.mu.Lock()
	e.closeFileLocked()
	e.reader = nil
	e.remote = true
	e.source = src
	e.state = StatePrepared
	e.mu.Unlock()

	e.logger.Debug().Str("source", src.String()).Msg("Prepared remote playback")
	return nil
}

// Play starts the prepared source and returns immediately
func (e *Engine) Play(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StatePlaying:
		return ErrAlreadyPlaying
	case StateIdle:
		return ErrNotPrepared
	}

	playCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	e.cancel = cancel
	e.done = done
	e.state = StatePlaying
	if p, ok := e.renderer.(*PacedRenderer); ok && !e.remote {
		p.Reset()
	}

	observability.RecordPlaybackStart()
	go e.run(playCtx, e.remote, e.reader, done)
	return nil
}

func (e *Engine) run(ctx context.Context, remote bool, reader *wavReader, done chan struct{}) {
	defer close(done)
	defer observability.RecordPlaybackEnd()

	var err error
	if remote {
		err = e.player.Play(ctx)
	} else {
		err = render(ctx, reader, e.renderer, &e.rendered)
	}

	stopped := ctx.Err() != nil
	e.mu.Lock()
	if e.done == done {
		e.state = StateIdle
		e.reader = nil
		e.closeFileLocked()
	}
	e.mu.Unlock()

	if stopped {
		return
	}
	if err != nil {
		e.logger.Error().Err(err).Msg("Playback failed")
		observability.RecordError("playback_failed", "playback")
	} else {
		e.logger.Debug().Dur("position", e.CurrentTime()).Msg("Playback finished")
	}
	if e.onFinish != nil {
		e.onFinish(err)
	}
}

// Stop halts playback and waits for the output to let go of the source.
// Stopping an idle engine is a no-op.
func (e *Engine) Stop() error {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	if done == nil {
		e.closeFileLocked()
		e.reader = nil
		e.state = StateIdle
	}
	e.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	e.mu.Lock()
	e.closeFileLocked()
	e.reader = nil
	e.state = StateIdle
	e.mu.Unlock()
	return nil
}

// Done is closed when the current playback ends. It returns nil when
// nothing is playing.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// CurrentTime returns the playback position of the current or last source
func (e *Engine) CurrentTime() time.Duration {
	e.mu.Lock()
	remote := e.remote
	e.mu.Unlock()

	if remote && e.player != nil {
		return e.player.CurrentTime()
	}
	return clockTime(e.rendered.Load(), e.rate.Load())
}

func (e *Engine) closeFileLocked() {
	if e.file != nil {
		e.file.Close()
		e.file = nil
	}
}

func render(ctx context.Context, reader *wavReader, renderer Renderer, rendered *atomic.Int64) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame, err := reader.next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := renderer.Render(ctx, frame); err != nil {
			return err
		}
		rendered.Add(int64(frame.SampleCount()))
	}
}

func clockTime(frames, rate int64) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(frames * int64(time.Second) / rate)
}
