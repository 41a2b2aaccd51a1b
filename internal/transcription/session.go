package transcription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/transcriber/internal/audio"
	"github.com/lexiqai/transcriber/internal/observability"
	"github.com/lexiqai/transcriber/internal/stt"
	"github.com/lexiqai/transcriber/internal/transcript"
)

const defaultFinalizeTimeout = 10 * time.Second

// Options configures a Session
type Options struct {
	Locale string
	// FinalizeTimeout bounds how long Finish waits for the engine to flush
	FinalizeTimeout time.Duration
	// OnStateChange is called after every transition
	OnStateChange func(State)
	// OnDownloadProgress receives model download progress in [0, 1], and nil
	// once the download has ended either way
	OnDownloadProgress func(progress *float64)
	// OnUpdate is called after every result has been applied to the assembler
	OnUpdate func(transcript.Update)
	Logger   *zerolog.Logger
}

// Session drives one recognizer stream for one capture. It converts incoming
// frames to the engine's format, feeds them in order and folds the engine's
// results into the assembler in emission order.
type Session struct {
	handle    *stt.Handle
	assembler *transcript.Assembler
	converter *audio.Converter
	opts      Options
	logger    zerolog.Logger

	mu       sync.Mutex
	state    State
	failure  error
	format   audio.Format
	stream   stt.Stream
	reserved bool
	cancel   context.CancelFunc
	ingested chan struct{}
	consumed chan struct{}
}

// NewSession creates a session on the engine behind handle. Results are applied
// to assembler, which the session becomes the only writer of.
func NewSession(handle *stt.Handle, assembler *transcript.Assembler, opts Options) *Session {
	if opts.FinalizeTimeout <= 0 {
		opts.FinalizeTimeout = defaultFinalizeTimeout
	}
	logger := observability.Component("transcription")
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &Session{
		handle:    handle,
		assembler: assembler,
		converter: audio.NewConverter(),
		opts:      opts,
		logger:    logger.With().Str("locale", opts.Locale).Logger(),
		state:     StateUninitialized,
	}
}

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the failure of a failed session, or nil
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// InputFormat returns the format frames are converted to. It is only
// meaningful from Ready on.
func (s *Session) InputFormat() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

// Assembler returns the transcript the session writes to
func (s *Session) Assembler() *transcript.Assembler {
	return s.assembler
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	from := s.state
	if !canTransition(from, to) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, from, to)
	}
	s.state = to
	s.mu.Unlock()

	s.notify(from, to)
	return nil
}

// fail moves the session to Failed unless it already reached a terminal state
func (s *Session) fail(reason, cause error) error {
	failure := &FailureError{Reason: reason, Err: cause}

	s.mu.Lock()
	from := s.state
	if from.IsTerminal() {
		s.mu.Unlock()
		return failure
	}
	s.state = StateFailed
	s.failure = failure
	s.mu.Unlock()

	s.logger.Error().Err(failure).Str("from", from.String()).Msg("Transcription session failed")
	observability.RecordError("session_failed", "transcription")
	s.notify(from, StateFailed)
	s.releaseLocale()
	return failure
}

func (s *Session) notify(from, to State) {
	observability.RecordSessionState(to.String())
	s.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("Session state changed")
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(to)
	}
}

// Setup checks the locale, installs its model if needed and reserves it on
// the engine. On success the session is Ready.
func (s *Session) Setup(ctx context.Context) error {
	if err := s.transition(StateModelChecking); err != nil {
		return err
	}

	engine := s.handle.Engine()
	locale := s.opts.Locale

	supported, err := engine.SupportedLocales(ctx)
	if err != nil {
		return s.fail(ErrEngineUnavailable, err)
	}
	if !stt.ContainsLocale(supported, locale) {
		return s.fail(ErrLocaleNotSupported, fmt.Errorf("%q", locale))
	}

	installed, err := engine.InstalledLocales(ctx)
	if err != nil {
		return s.fail(ErrEngineUnavailable, err)
	}
	if !stt.ContainsLocale(installed, locale) {
		if err := s.transition(StateModelDownloading); err != nil {
			return err
		}
		if err := s.download(ctx, engine, locale); err != nil {
			return s.fail(ErrModelDownloadFailed, err)
		}
	}

	if err := s.ready(engine.InputFormat(locale)); err != nil {
		return err
	}

	s.logger.Info().Str("engine", engine.Name()).Str("format", s.InputFormat().String()).Msg("Transcription session ready")
	return nil
}

// ready moves to Ready and reserves the locale under the same lock that
// Abort reads the reservation with
func (s *Session) ready(format audio.Format) error {
	s.mu.Lock()
	from := s.state
	if !canTransition(from, StateReady) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, from, StateReady)
	}
	s.state = StateReady
	s.format = format
	s.reserved = true
	s.handle.Reserve(s.opts.Locale)
	s.mu.Unlock()

	s.notify(from, StateReady)
	return nil
}

func (s *Session) download(ctx context.Context, engine stt.Engine, locale string) error {
	s.logger.Info().Msg("Downloading recognizer model")
	defer func() {
		observability.RecordModelDownloadProgress(locale, 0)
		if s.opts.OnDownloadProgress != nil {
			s.opts.OnDownloadProgress(nil)
		}
	}()

	return engine.Download(ctx, locale, func(fraction float64) {
		observability.RecordModelDownloadProgress(locale, fraction)
		if s.opts.OnDownloadProgress != nil {
			f := fraction
			s.opts.OnDownloadProgress(&f)
		}
	})
}

// Stream opens the engine stream and starts feeding it frames. It returns
// once the stream is running. frames must be closed by the producer when
// capture stops; everything queued before that is still recognized.
func (s *Session) Stream(ctx context.Context, frames <-chan audio.Frame) error {
	if state := s.State(); state != StateReady {
		return fmt.Errorf("%w: cannot stream from %s", ErrInvalidState, state)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := s.handle.Engine().Open(runCtx, s.opts.Locale)
	if err != nil {
		cancel()
		return s.fail(ErrEngineUnavailable, err)
	}

	ingested := make(chan struct{})
	consumed := make(chan struct{})
	s.mu.Lock()
	s.stream = stream
	s.cancel = cancel
	s.ingested = ingested
	s.consumed = consumed
	s.mu.Unlock()

	if err := s.transition(StateStreaming); err != nil {
		cancel()
		stream.Close()
		return err
	}

	go s.ingest(runCtx, stream, frames, ingested)
	go s.consume(stream, consumed)
	return nil
}

// ingest converts and writes frames until the producer closes the channel.
// Per-frame failures are logged and skipped.
func (s *Session) ingest(ctx context.Context, stream stt.Stream, frames <-chan audio.Frame, done chan<- struct{}) {
	defer close(done)

	target := s.InputFormat()
	for {
		var frame audio.Frame
		var ok bool
		select {
		case frame, ok = <-frames:
		case <-ctx.Done():
			return
		}
		if !ok {
			return
		}
		if s.State() == StateFailed {
			continue
		}

		converted, err := s.converter.Convert(frame, target)
		if err != nil {
			observability.RecordConversion("error")
			s.logger.Warn().Err(err).Dur("timestamp", frame.Timestamp).Msg("Dropping frame that failed conversion")
			continue
		}
		if frame.Format == target {
			observability.RecordConversion("passthrough")
		} else {
			observability.RecordConversion("converted")
		}

		if err := stream.Write(ctx, converted); err != nil {
			observability.RecordError("engine_write", "transcription")
			s.logger.Warn().Err(err).Dur("timestamp", frame.Timestamp).Msg("Failed to write frame to recognizer")
		}
	}
}

// consume applies results in emission order until the engine closes the sequence
func (s *Session) consume(stream stt.Stream, done chan<- struct{}) {
	defer close(done)

	for result := range stream.Results() {
		observability.RecordRecognitionResult(result.Final)
		update := s.assembler.Apply(result.Text, result.Final)
		if s.opts.OnUpdate != nil {
			s.opts.OnUpdate(update)
		}
	}

	if s.State() == StateStreaming {
		s.fail(ErrStreamInterrupted, nil)
	}
}

// Finish stops accepting input, waits for queued frames to drain, asks the
// engine to flush its in-flight result and waits for the result sequence to
// end. The wait is bounded by ctx and the finalize timeout; when either runs
// out the stream is abandoned. Finish on a session that never streamed just
// closes it; a second Finish while the first is draining is rejected.
func (s *Session) Finish(ctx context.Context) error {
	switch state := s.State(); state {
	case StateClosed:
		return nil
	case StateFailed:
		s.shutdown()
		return s.Err()
	case StateStreaming:
	case StateFinalizing:
		return fmt.Errorf("%w: finish already in progress", ErrInvalidState)
	default:
		if err := s.transition(StateClosed); err != nil {
			return err
		}
		s.releaseLocale()
		return nil
	}

	if err := s.transition(StateFinalizing); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.FinalizeTimeout)
	defer cancel()

	s.mu.Lock()
	stream := s.stream
	ingested := s.ingested
	consumed := s.consumed
	s.mu.Unlock()

	var finishErr error
	select {
	case <-ingested:
		if err := stream.Finish(ctx); err != nil {
			finishErr = fmt.Errorf("failed to finalize recognition: %w", err)
		}
	case <-ctx.Done():
		finishErr = fmt.Errorf("timed out draining frames: %w", ctx.Err())
	}

	if finishErr == nil {
		select {
		case <-consumed:
		case <-ctx.Done():
			finishErr = fmt.Errorf("timed out waiting for final results: %w", ctx.Err())
		}
	}

	if finishErr != nil {
		s.logger.Warn().Err(finishErr).Msg("Abandoning recognition stream")
	}
	s.shutdown()

	if err := s.transition(StateClosed); err != nil && !errors.Is(err, ErrInvalidState) {
		return err
	}
	s.releaseLocale()
	s.logger.Info().Int("finalized_chars", len(s.assembler.Snapshot().Finalized.String())).Msg("Transcription session closed")
	return finishErr
}

// Abort closes the session immediately, discarding in-flight results
func (s *Session) Abort() {
	if err := s.transition(StateClosed); err == nil {
		s.logger.Info().Msg("Transcription session aborted")
	}
	s.shutdown()
	s.releaseLocale()
}

func (s *Session) shutdown() {
	s.mu.Lock()
	cancel := s.cancel
	stream := s.stream
	s.cancel = nil
	s.stream = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stream != nil {
		if err := stream.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to close recognition stream")
		}
	}
}

func (s *Session) releaseLocale() {
	s.mu.Lock()
	reserved := s.reserved
	s.reserved = false
	s.mu.Unlock()

	if reserved {
		s.handle.Release(s.opts.Locale)
	}
}
