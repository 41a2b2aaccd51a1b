package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/transcriber/internal/audio"
	"github.com/lexiqai/transcriber/internal/observability"
)

var (
	// ErrPermissionDenied is returned by Start when microphone access was refused
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrAlreadyRunning is returned by Start while a capture is in progress
	ErrAlreadyRunning = errors.New("capture already running")
	// ErrNotRunning is returned by Pause, Resume and Stop without a capture
	ErrNotRunning = errors.New("capture not running")
)

// Engine owns a device connection for one capture at a time. Every buffer the
// device delivers is timestamped on the source sample clock, written to the
// destination file and queued for downstream consumers.
type Engine struct {
	device     Device
	authorizer Authorizer
	logger     zerolog.Logger

	authOnce   sync.Once
	authorized bool
	authErr    error

	mu          sync.Mutex
	running     bool
	paused      bool
	queue       *audio.FrameQueue
	writer      *WAVWriter
	destination string
	position    int64 // sample frames delivered since Start
}

// NewEngine creates a capture engine. A nil authorizer allows every start.
func NewEngine(device Device, authorizer Authorizer) *Engine {
	if authorizer == nil {
		authorizer = AllowAll
	}
	return &Engine{
		device:     device,
		authorizer: authorizer,
		logger:     observability.Component("capture"),
	}
}

// SetLogger replaces the engine logger
func (e *Engine) SetLogger(logger zerolog.Logger) {
	e.logger = logger
}

// authorize asks the authorizer once per engine; the answer is remembered
func (e *Engine) authorize(ctx context.Context) error {
	e.authOnce.Do(func() {
		e.authorized, e.authErr = e.authorizer.Authorize(ctx)
	})
	if e.authErr != nil {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, e.authErr)
	}
	if !e.authorized {
		return ErrPermissionDenied
	}
	return nil
}

// Start opens the device and begins writing to destination, replacing any
// existing file there. The returned channel yields every captured frame in
// order and closes after Stop once everything queued has been read, or when
// ctx is done.
func (e *Engine) Start(ctx context.Context, destination string) (<-chan audio.Frame, error) {
	if err := e.authorize(ctx); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil, ErrAlreadyRunning
	}

	format := e.device.Format()
	writer, err := CreateWAV(destination, format)
	if err != nil {
		return nil, err
	}

	e.queue = audio.NewFrameQueue()
	e.writer = writer
	e.destination = destination
	e.position = 0
	e.paused = false

	if err := e.device.Open(ctx, e.deliver); err != nil {
		writer.Close()
		e.writer = nil
		e.queue = nil
		return nil, fmt.Errorf("failed to open capture device: %w", err)
	}
	e.running = true

	observability.RecordCaptureStart()
	e.logger.Info().Str("destination", destination).Str("format", format.String()).Msg("Capture started")
	return e.queue.Stream(ctx), nil
}

// deliver runs on the device's goroutine. It copies the buffer, queues it and
// writes it to disk; it never waits on downstream consumers.
func (e *Engine) deliver(frame audio.Frame) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running || e.paused {
		return
	}

	data := make([]byte, len(frame.Data))
	copy(data, frame.Data)
	frame.Data = data
	frame.Timestamp = frame.Format.Duration(int(e.position))
	e.position += int64(frame.SampleCount())

	e.queue.Push(frame)
	observability.RecordFrameCaptured(audio.CalculateRMS(frame))

	if err := e.writer.Write(frame); err != nil {
		observability.RecordCaptureWriteError()
		e.logger.Warn().Err(err).Dur("timestamp", frame.Timestamp).Msg("Failed to write frame to recording file")
	}
}

// Pause suspends frame production without closing the device or the file
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return ErrNotRunning
	}
	if e.paused {
		return nil
	}
	if p, ok := e.device.(Pauser); ok {
		if err := p.Pause(); err != nil {
			return fmt.Errorf("failed to pause capture device: %w", err)
		}
	}
	e.paused = true
	e.logger.Debug().Msg("Capture paused")
	return nil
}

// Resume continues a paused capture
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return ErrNotRunning
	}
	if !e.paused {
		return nil
	}
	if p, ok := e.device.(Pauser); ok {
		if err := p.Resume(); err != nil {
			return fmt.Errorf("failed to resume capture device: %w", err)
		}
	}
	e.paused = false
	e.logger.Debug().Msg("Capture resumed")
	return nil
}

// IsRunning reports whether a capture is in progress
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Stop closes the device and the file and returns the recorded duration,
// read back from the file so that pauses are not counted. Frames already
// queued stay readable from the channel returned by Start.
func (e *Engine) Stop() (time.Duration, error) {
	if err := e.device.Close(); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to close capture device")
	}

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return 0, ErrNotRunning
	}
	e.running = false
	queue := e.queue
	writer := e.writer
	destination := e.destination
	e.writer = nil
	e.mu.Unlock()

	queue.Close()
	observability.RecordCaptureEnd()

	written := writer.format.Duration(int(writer.Frames()))
	if err := writer.Close(); err != nil {
		e.logger.Error().Err(err).Msg("Failed to finalize recording file")
		return written, err
	}

	duration, err := WAVDuration(destination)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Falling back to written sample count for duration")
		duration = written
	}

	e.logger.Info().Dur("duration", duration).Str("destination", destination).Msg("Capture stopped")
	return duration, nil
}
