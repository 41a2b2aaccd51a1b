// Package pipeline wires capture, transcription, sync and playback together
// per recording.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/transcriber/internal/blobstore"
	"github.com/lexiqai/transcriber/internal/events"
	"github.com/lexiqai/transcriber/internal/observability"
	"github.com/lexiqai/transcriber/internal/playback"
	"github.com/lexiqai/transcriber/internal/recording"
	"github.com/lexiqai/transcriber/internal/resilience"
	"github.com/lexiqai/transcriber/internal/stt"
	"github.com/lexiqai/transcriber/internal/title"
)

var (
	// ErrAlreadyRecording is returned when a recording is already being captured
	ErrAlreadyRecording = errors.New("recording already in progress")
	// ErrNotRecording is returned for recordings without an active capture
	ErrNotRecording = errors.New("recording not in progress")
	// ErrNoLocalAudio is returned when offloading a recording without a local file
	ErrNoLocalAudio = errors.New("recording has no local audio")
	// ErrOffloadUnavailable is returned when no blob store is configured
	ErrOffloadUnavailable = errors.New("offload unavailable")
	// ErrShuttingDown is returned once Shutdown has started
	ErrShuttingDown = errors.New("pipeline shutting down")
)

// SegmentSink receives every finalized segment with the recording it was
// appended to
type SegmentSink interface {
	OnFinalSegment(segment string, snapshot recording.Recording)
}

// Config holds the collaborators of a Manager. Sync, Blobs and Titles are
// optional.
type Config struct {
	Store           recording.Store
	Files           *recording.Files
	Handle          *stt.Handle
	Locale          string
	FinalizeTimeout time.Duration

	Sync   SegmentSink
	Blobs  blobstore.BlobStore
	Titles title.Suggester
	Events events.Publisher
	// Retry bounds offload upload attempts
	Retry *resilience.RetryConfig
	// OnChange is called with recordings changed outside a capture: renames,
	// offloads and suggested titles
	OnChange func(recording.Recording)
	Now      func() time.Time
}

// Manager owns the live activity of every recording. A recording is either
// being captured or being played back, never both: starting one stops the
// other.
type Manager struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.Mutex
	recorders map[string]*Recorder
	players   map[string]*playback.Engine
	closed    bool
	bg        sync.WaitGroup
}

// NewManager creates a manager
func NewManager(cfg Config) *Manager {
	if cfg.Events == nil {
		cfg.Events = events.Nop{}
	}
	if cfg.Retry == nil {
		cfg.Retry = resilience.DefaultRetryConfig()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		cfg:       cfg,
		logger:    observability.Component("pipeline"),
		recorders: make(map[string]*Recorder),
		players:   make(map[string]*playback.Engine),
	}
}

// Store returns the recording store
func (m *Manager) Store() recording.Store {
	return m.cfg.Store
}

// Files returns the recording file layout
func (m *Manager) Files() *recording.Files {
	return m.cfg.Files
}

// IsRecording reports whether id is being captured
func (m *Manager) IsRecording(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.recorders[id]
	return ok
}

// IsPlaying reports whether id is being played back
func (m *Manager) IsPlaying(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.players[id]
	return ok
}

// Recorder returns the active recorder for id
func (m *Manager) Recorder(id string) (*Recorder, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recorders[id]
	return r, ok
}

// StopPlayback stops playback of id if it is playing
func (m *Manager) StopPlayback(id string) error {
	m.mu.Lock()
	player, ok := m.players[id]
	delete(m.players, id)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return player.Stop()
}

// StartPlayback plays id through renderer, stopping its capture first.
// onFinish runs when playback ends on its own.
func (m *Manager) StartPlayback(ctx context.Context, id string, renderer playback.Renderer, onFinish func(error)) (*playback.Engine, error) {
	rec, err := m.cfg.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r, ok := m.Recorder(id); ok {
		if _, err := r.Stop(ctx); err != nil && !errors.Is(err, ErrNotRecording) {
			m.logger.Warn().Err(err).Str("recording_id", id).Msg("Capture stopped with error before playback")
		}
	}
	if err := m.StopPlayback(id); err != nil {
		return nil, err
	}

	src, err := playback.SourceFor(rec, m.cfg.Files)
	if err != nil {
		return nil, err
	}

	var engine *playback.Engine
	opts := []playback.Option{
		playback.WithLogger(observability.WithRecording(observability.Component("playback"), id)),
		playback.WithOnFinish(func(err error) {
			m.mu.Lock()
			if m.players[id] == engine {
				delete(m.players, id)
			}
			m.mu.Unlock()
			if onFinish != nil {
				onFinish(err)
			}
		}),
	}
	if m.cfg.Blobs != nil {
		opts = append(opts, playback.WithRemote(m.cfg.Blobs, playback.NewHTTPPlayer(nil, renderer)))
	}
	engine = playback.NewEngine(renderer, opts...)

	if err := engine.Prepare(ctx, src); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		engine.Stop()
		return nil, ErrShuttingDown
	}
	if _, busy := m.recorders[id]; busy {
		m.mu.Unlock()
		engine.Stop()
		return nil, ErrAlreadyRecording
	}
	previous := m.players[id]
	m.players[id] = engine
	m.mu.Unlock()

	if previous != nil {
		previous.Stop()
	}

	if err := engine.Play(ctx); err != nil {
		m.mu.Lock()
		delete(m.players, id)
		m.mu.Unlock()
		return nil, err
	}
	m.logger.Info().Str("recording_id", id).Str("source", src.String()).Msg("Playback started")
	return engine, nil
}

// Delete stops all activity for id and removes its audio and record
func (m *Manager) Delete(ctx context.Context, id string) error {
	r, capturing := m.Recorder(id)
	if capturing {
		r.Abort()
	}
	if err := m.StopPlayback(id); err != nil {
		return err
	}

	rec, err := m.cfg.Store.Get(ctx, id)
	if err != nil {
		// A capture aborted during setup removes the recording it created
		if capturing && errors.Is(err, recording.ErrNotFound) {
			return nil
		}
		return err
	}
	if rec.FileName != "" {
		if err := m.cfg.Files.DeleteIfExists(rec.FileName); err != nil {
			return err
		}
	}
	return m.cfg.Store.Delete(ctx, id)
}

// Rename sets a recording's title
func (m *Manager) Rename(ctx context.Context, id, newTitle string) (recording.Recording, error) {
	rec, err := m.cfg.Store.Update(ctx, id, func(rec *recording.Recording) error {
		rec.Title = newTitle
		rec.UpdatedAt = m.cfg.Now()
		return nil
	})
	if err != nil {
		return recording.Recording{}, err
	}
	m.changed(rec)
	return rec, nil
}

func (m *Manager) changed(rec recording.Recording) {
	if m.cfg.OnChange != nil {
		m.cfg.OnChange(rec)
	}
}

// Offload uploads the local audio of a finished recording to the blob store,
// then deletes the local file. Uploads are retried on transient failures.
func (m *Manager) Offload(ctx context.Context, id string) (recording.Recording, error) {
	if m.cfg.Blobs == nil {
		return recording.Recording{}, ErrOffloadUnavailable
	}
	if m.IsRecording(id) {
		return recording.Recording{}, ErrAlreadyRecording
	}

	rec, err := m.cfg.Store.Get(ctx, id)
	if err != nil {
		return recording.Recording{}, err
	}
	if rec.FileName == "" || !m.cfg.Files.Exists(rec.FileName) {
		return recording.Recording{}, ErrNoLocalAudio
	}
	if err := m.StopPlayback(id); err != nil {
		return recording.Recording{}, err
	}

	logger := observability.WithRecording(m.logger, id)
	var result blobstore.UploadResult
	upload := func(ctx context.Context) error {
		var err error
		result, err = m.cfg.Blobs.Upload(ctx, m.cfg.Files.Path(rec.FileName), rec.FileName)
		if err != nil {
			logger.Warn().Err(err).Msg("Upload attempt failed")
		}
		return err
	}
	if err := resilience.Retry(ctx, upload, m.cfg.Retry, resilience.IsRetryableNetworkError); err != nil {
		observability.RecordError("offload_failed", "pipeline")
		return recording.Recording{}, fmt.Errorf("offload %s: %w", id, err)
	}

	updated, err := m.cfg.Store.Update(ctx, id, func(r *recording.Recording) error {
		r.IsOffloaded = true
		r.RemoteHandle = result.Handle
		if result.Size > 0 {
			r.FileSize = result.Size
		}
		r.UpdatedAt = m.cfg.Now()
		return nil
	})
	if err != nil {
		return recording.Recording{}, err
	}

	if err := m.cfg.Files.DeleteIfExists(rec.FileName); err != nil {
		logger.Warn().Err(err).Msg("Failed to delete local audio after offload")
	}
	m.changed(updated)
	logger.Info().Str("handle", result.Handle).Msg("Recording offloaded")
	return updated, nil
}

// suggestTitle replaces the default title of a finished recording in the
// background
func (m *Manager) suggestTitle(rec recording.Recording) {
	if m.cfg.Titles == nil || rec.Title != recording.DefaultTitle || rec.TranscriptText() == "" {
		return
	}

	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		logger := observability.WithRecording(m.logger, rec.ID)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		suggested := title.SuggestOrKeep(ctx, m.cfg.Titles, rec.TranscriptText(), rec.Title, logger)
		if suggested == rec.Title {
			return
		}
		applied := false
		updated, err := m.cfg.Store.Update(ctx, rec.ID, func(r *recording.Recording) error {
			// The user may have renamed it meanwhile
			if r.Title == recording.DefaultTitle {
				r.Title = suggested
				r.UpdatedAt = m.cfg.Now()
				applied = true
			}
			return nil
		})
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to save suggested title")
			return
		}
		if !applied {
			return
		}
		m.changed(updated)
		logger.Info().Str("title", suggested).Msg("Applied suggested title")
	}()
}

// Shutdown aborts active captures, stops playback and waits for background
// work
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	recorders := make([]*Recorder, 0, len(m.recorders))
	for _, r := range m.recorders {
		recorders = append(recorders, r)
	}
	players := m.players
	m.players = make(map[string]*playback.Engine)
	m.mu.Unlock()

	for _, r := range recorders {
		if _, err := r.Stop(ctx); err != nil && !errors.Is(err, ErrNotRecording) {
			m.logger.Warn().Err(err).Str("recording_id", r.ID()).Msg("Capture stopped with error during shutdown")
		}
	}
	for _, p := range players {
		p.Stop()
	}

	done := make(chan struct{})
	go func() {
		m.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
