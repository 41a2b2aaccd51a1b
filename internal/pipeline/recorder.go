package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/transcriber/internal/capture"
	"github.com/lexiqai/transcriber/internal/events"
	"github.com/lexiqai/transcriber/internal/observability"
	"github.com/lexiqai/transcriber/internal/recording"
	"github.com/lexiqai/transcriber/internal/transcript"
	"github.com/lexiqai/transcriber/internal/transcription"
)

// RecordOptions configures one capture. Callbacks run on pipeline goroutines
// and must not block.
type RecordOptions struct {
	// ID continues an existing recording; empty creates a new one
	ID string
	// Locale overrides the configured transcription locale
	Locale            string
	Device            capture.Device
	Authorizer        capture.Authorizer
	VolatileMarker    bool
	OnState           func(transcription.State)
	OnDownload        func(progress *float64)
	OnTranscript      func(transcript.Update)
	OnRecordingUpdate func(recording.Recording)
}

// Recorder is one live capture→convert→recognize→assemble→sync run
type Recorder struct {
	m         *Manager
	id        string
	opts      RecordOptions
	session   *transcription.Session
	assembler *transcript.Assembler
	logger    zerolog.Logger

	// setupDone is closed when start returns; setupErr is its result and
	// capture and cancel are only valid after a nil setupErr
	setupCancel context.CancelFunc
	setupDone   chan struct{}
	setupErr    error
	capture     *capture.Engine
	cancel      context.CancelFunc

	stopOnce sync.Once
	result   recording.Recording
	stopErr  error
}

// StartRecording sets up transcription, opens the device and starts the
// pipeline. Setup may download a model; ctx bounds it, and so does a Stop,
// Abort, Delete or Shutdown that arrives meanwhile. The capture itself runs
// until Stop or Abort.
func (m *Manager) StartRecording(ctx context.Context, opts RecordOptions) (*Recorder, error) {
	if opts.Device == nil {
		return nil, errors.New("no capture device")
	}
	locale := opts.Locale
	if locale == "" {
		locale = m.cfg.Locale
	}

	rec, err := m.loadOrCreate(ctx, opts.ID)
	if err != nil {
		return nil, err
	}
	id := rec.ID

	setupCtx, setupCancel := context.WithCancel(ctx)
	defer setupCancel()
	r := m.newRecorder(id, locale, opts)
	r.setupCancel = setupCancel

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.discardNew(ctx, opts, id)
		return nil, ErrShuttingDown
	}
	if _, busy := m.recorders[id]; busy {
		m.mu.Unlock()
		return nil, ErrAlreadyRecording
	}
	// Capture and playback of one recording never overlap
	player := m.players[id]
	delete(m.players, id)
	m.recorders[id] = r
	m.mu.Unlock()

	if player != nil {
		if err := player.Stop(); err != nil {
			r.logger.Warn().Err(err).Msg("Playback stopped with error before capture")
		}
	}

	if err := r.start(setupCtx, locale); err != nil {
		m.unregister(r)
		m.discardNew(ctx, opts, id)
		r.setupErr = err
		close(r.setupDone)
		return nil, err
	}
	close(r.setupDone)
	return r, nil
}

func (m *Manager) newRecorder(id, locale string, opts RecordOptions) *Recorder {
	r := &Recorder{
		m:         m,
		id:        id,
		opts:      opts,
		logger:    observability.WithRecording(observability.Component("pipeline"), id),
		setupDone: make(chan struct{}),
	}

	assemblerOpts := []transcript.AssemblerOption{transcript.WithLogger(r.logger)}
	if opts.VolatileMarker {
		assemblerOpts = append(assemblerOpts, transcript.WithVolatileMarker())
	}
	r.assembler = transcript.NewAssembler(assemblerOpts...)

	sessionLogger := observability.WithRecording(observability.Component("transcription"), id)
	r.session = transcription.NewSession(m.cfg.Handle, r.assembler, transcription.Options{
		Locale:             locale,
		FinalizeTimeout:    m.cfg.FinalizeTimeout,
		OnStateChange:      r.onState,
		OnDownloadProgress: opts.OnDownload,
		OnUpdate:           r.onUpdate,
		Logger:             &sessionLogger,
	})
	return r
}

func (m *Manager) unregister(r *Recorder) {
	m.mu.Lock()
	if m.recorders[r.id] == r {
		delete(m.recorders, r.id)
	}
	m.mu.Unlock()
}

// discardNew removes a recording created for a capture that never started
func (m *Manager) discardNew(ctx context.Context, opts RecordOptions, id string) {
	if opts.ID != "" {
		return
	}
	if err := m.cfg.Store.Delete(context.WithoutCancel(ctx), id); err != nil {
		m.logger.Warn().Err(err).Str("recording_id", id).Msg("Failed to remove unused recording")
	}
}

func (m *Manager) loadOrCreate(ctx context.Context, id string) (recording.Recording, error) {
	if id != "" {
		return m.cfg.Store.Get(ctx, id)
	}
	rec := recording.New(m.cfg.Now())
	if err := m.cfg.Store.Put(ctx, rec); err != nil {
		return recording.Recording{}, err
	}
	return rec, nil
}

func (r *Recorder) start(ctx context.Context, locale string) error {
	m := r.m
	if err := r.session.Setup(ctx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		r.session.Abort()
		return err
	}

	r.capture = capture.NewEngine(r.opts.Device, r.opts.Authorizer)
	r.capture.SetLogger(observability.WithRecording(observability.Component("capture"), r.id))

	// The capture outlives the request that started it, but not a stop
	// that lands before start returns
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	detach := context.AfterFunc(ctx, cancel)
	r.cancel = cancel

	fileName := recording.AudioFileName(r.id)
	frames, err := r.capture.Start(runCtx, m.cfg.Files.Path(fileName))
	if err != nil {
		detach()
		cancel()
		r.session.Abort()
		return err
	}
	if err := r.session.Stream(runCtx, frames); err != nil {
		detach()
		r.abortStart()
		return err
	}

	// A new capture overwrites the audio, so the transcript starts over too
	now := m.cfg.Now()
	updated, err := m.cfg.Store.Update(ctx, r.id, func(rec *recording.Recording) error {
		rec.FileName = fileName
		rec.Transcript = transcript.RichText{}
		rec.IsComplete = false
		rec.IsOffloaded = false
		rec.RemoteHandle = ""
		rec.Duration = 0
		rec.FileSize = 0
		rec.UpdatedAt = now
		return nil
	})
	if err != nil {
		detach()
		r.abortStart()
		return fmt.Errorf("failed to save recording: %w", err)
	}
	if !detach() {
		r.abortStart()
		return ctx.Err()
	}
	r.publishRecording(updated)

	r.logger.Info().Str("locale", locale).Msg("Recording started")
	return nil
}

func (r *Recorder) abortStart() {
	r.capture.Stop()
	r.cancel()
	r.session.Abort()
}

// awaitSetup cancels a start that is still in progress, waits for it and
// reports whether the capture is running
func (r *Recorder) awaitSetup() bool {
	select {
	case <-r.setupDone:
	default:
		r.logger.Info().Msg("Cancelling recording setup")
		r.setupCancel()
		<-r.setupDone
	}
	return r.setupErr == nil
}

func (r *Recorder) running() bool {
	select {
	case <-r.setupDone:
		return r.setupErr == nil
	default:
		return false
	}
}

// ID returns the recording id
func (r *Recorder) ID() string {
	return r.id
}

// Session returns the transcription session
func (r *Recorder) Session() *transcription.Session {
	return r.session
}

// Transcript returns the current transcript state
func (r *Recorder) Transcript() transcript.State {
	return r.assembler.Snapshot()
}

// Pause suspends capture without closing the file or the recognizer
func (r *Recorder) Pause() error {
	if !r.running() {
		return ErrNotRecording
	}
	return r.capture.Pause()
}

// Resume continues a paused capture
func (r *Recorder) Resume() error {
	if !r.running() {
		return ErrNotRecording
	}
	return r.capture.Resume()
}

func (r *Recorder) onState(state transcription.State) {
	evt := events.SessionEvent{RecordingID: r.id, State: state.String(), At: r.m.cfg.Now()}
	if state == transcription.StateFailed {
		if err := r.session.Err(); err != nil {
			evt.Error = err.Error()
		}
	}
	r.m.cfg.Events.PublishSession(evt)
	if r.opts.OnState != nil {
		r.opts.OnState(state)
	}
}

// onUpdate runs on the session's result goroutine, the only writer of the
// recording's transcript while capturing
func (r *Recorder) onUpdate(update transcript.Update) {
	if r.opts.OnTranscript != nil {
		r.opts.OnTranscript(update)
	}
	if !update.Final || update.Segment.IsEmpty() {
		return
	}

	m := r.m
	now := m.cfg.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snapshot, err := m.cfg.Store.Update(ctx, r.id, func(rec *recording.Recording) error {
		rec.Transcript = update.State.Finalized
		rec.UpdatedAt = now
		return nil
	})
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to save finalized transcript")
		observability.RecordError("transcript_save", "pipeline")
		return
	}

	segment := update.Segment.String()
	evt := events.SegmentEvent{RecordingID: r.id, Text: segment, At: now}
	if span, ok := update.Segment.Span(); ok {
		start, end := span.Start.Milliseconds(), span.End.Milliseconds()
		evt.StartMs, evt.EndMs = &start, &end
	}
	m.cfg.Events.PublishSegment(evt)

	if m.cfg.Sync != nil {
		m.cfg.Sync.OnFinalSegment(segment, snapshot)
	}
	r.publishRecording(snapshot)
}

func (r *Recorder) publishRecording(rec recording.Recording) {
	if r.opts.OnRecordingUpdate != nil {
		r.opts.OnRecordingUpdate(rec)
	}
}

// Stop ends the capture, lets the recognizer flush its last result and
// saves the finished recording. Stopping during setup cancels it and returns
// ErrNotRecording. It is safe to call more than once.
func (r *Recorder) Stop(ctx context.Context) (recording.Recording, error) {
	r.stopOnce.Do(func() {
		if !r.awaitSetup() {
			r.stopErr = ErrNotRecording
			return
		}
		r.result, r.stopErr = r.stop(ctx)
	})
	return r.result, r.stopErr
}

func (r *Recorder) stop(ctx context.Context) (recording.Recording, error) {
	m := r.m
	defer m.unregister(r)

	duration, captureErr := r.capture.Stop()
	if captureErr != nil && !errors.Is(captureErr, capture.ErrNotRunning) {
		r.logger.Warn().Err(captureErr).Msg("Capture stopped with error")
	}

	// Frames already queued are still transcribed before the session closes
	sessionErr := r.session.Finish(ctx)
	r.cancel()
	if sessionErr != nil {
		r.logger.Warn().Err(sessionErr).Msg("Transcription did not finish cleanly")
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	fileName := recording.AudioFileName(r.id)
	size, sizeErr := m.cfg.Files.Size(fileName)
	if sizeErr != nil {
		r.logger.Warn().Err(sizeErr).Msg("Failed to stat recording file")
	}
	final := r.assembler.Snapshot().Finalized
	now := m.cfg.Now()

	rec, err := m.cfg.Store.Update(saveCtx, r.id, func(rec *recording.Recording) error {
		rec.Transcript = final
		rec.Duration = duration
		rec.FileSize = size
		rec.IsComplete = true
		rec.UpdatedAt = now
		return nil
	})
	if err != nil {
		return recording.Recording{}, fmt.Errorf("failed to save finished recording: %w", err)
	}
	r.publishRecording(rec)

	r.logger.Info().
		Dur("duration", duration).
		Int64("file_size", size).
		Int("transcript_chars", len(rec.TranscriptText())).
		Msg("Recording stopped")

	m.suggestTitle(rec)
	return rec, sessionErr
}

// Abort drops the capture without waiting for the recognizer. Audio written
// so far is kept.
func (r *Recorder) Abort() {
	r.stopOnce.Do(func() {
		r.stopErr = ErrNotRecording
		if !r.awaitSetup() {
			return
		}
		r.session.Abort()
		if _, err := r.capture.Stop(); err != nil && !errors.Is(err, capture.ErrNotRunning) {
			r.logger.Warn().Err(err).Msg("Capture stopped with error")
		}
		r.cancel()
		r.m.unregister(r)

		r.logger.Info().Msg("Recording aborted")
	})
}
