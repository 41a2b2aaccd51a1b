package stt

import (
	"context"
	"fmt"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/transcriber/internal/audio"
	"github.com/lexiqai/transcriber/internal/config"
	"github.com/lexiqai/transcriber/internal/observability"
	"github.com/lexiqai/transcriber/internal/resilience"
	"github.com/lexiqai/transcriber/internal/transcript"
)

// messageCallbackHandler implements the LiveMessageCallback interface
// It embeds the default handler and overrides only the methods we need to customize
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler // Embed default handler for methods we don't override
	handler                                func(*msginterfaces.MessageResponse)
	errorHandler                           func(*msginterfaces.ErrorResponse)
	closeHandler                           func()
}

// Message overrides the default handler to forward transcriptions to the stream
func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.handler(message)
	return nil
}

// Error overrides the default handler to use our custom error handling
func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	m.errorHandler(errorResponse)
	return nil
}

// Close ends the result sequence when Deepgram closes the socket
func (m *messageCallbackHandler) Close(closeResponse *msginterfaces.CloseResponse) error {
	m.closeHandler()
	return nil
}

// DeepgramEngine implements Engine using Deepgram's streaming API. Models are
// hosted, so every supported locale counts as installed.
type DeepgramEngine struct {
	apiKey         string
	model          string
	locales        []string
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewDeepgramEngine creates a Deepgram engine from configuration
func NewDeepgramEngine(cfg *config.Config) *DeepgramEngine {
	circuitBreaker := resilience.NewCircuitBreaker(
		"deepgram",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	circuitBreaker.OnStateChange(func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
	})

	return &DeepgramEngine{
		apiKey:         cfg.DeepgramAPIKey,
		model:          cfg.DeepgramModel,
		locales:        cfg.DeepgramLocales,
		circuitBreaker: circuitBreaker,
		logger:         observability.Component("stt").With().Str("engine", "deepgram").Logger(),
	}
}

func (d *DeepgramEngine) Name() string { return "deepgram" }

func (d *DeepgramEngine) SupportedLocales(ctx context.Context) ([]string, error) {
	return d.locales, nil
}

func (d *DeepgramEngine) InstalledLocales(ctx context.Context) ([]string, error) {
	return d.locales, nil
}

// Download is a no-op: hosted models never need installing
func (d *DeepgramEngine) Download(ctx context.Context, locale string, progress ProgressFunc) error {
	if progress != nil {
		progress(1)
	}
	return nil
}

// InputFormat returns 16 kHz mono linear16, which Deepgram accepts for every model
func (d *DeepgramEngine) InputFormat(locale string) audio.Format {
	return audio.Mono16k
}

// Open starts a Deepgram streaming transcription session
func (d *DeepgramEngine) Open(ctx context.Context, locale string) (Stream, error) {
	format := d.InputFormat(locale)
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.model,
		Language:       locale,
		Punctuate:      true,
		InterimResults: true,
		UtteranceEndMs: "1000", // End utterance after 1 second of silence (string in v3)
		VadEvents:      true,
		Encoding:       "linear16",
		Channels:       format.Channels,
		SampleRate:     format.SampleRate,
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s := &deepgramStream{
		engine:  d,
		results: make(chan Result, 256),
		cancel:  cancel,
		logger:  d.logger.With().Str("locale", locale).Logger(),
	}

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		handler:                s.handleMessage,
		errorHandler:           s.handleError,
		closeHandler:           s.closeResults,
	}

	var client *listenClient.WSCallback
	err := d.circuitBreaker.Call(func() error {
		var err error
		client, err = listenClient.NewWSUsingCallback(streamCtx, d.apiKey, nil, tOptions, callback)
		if err != nil {
			return fmt.Errorf("failed to create Deepgram client: %w", err)
		}
		if !client.Connect() {
			return fmt.Errorf("failed to connect to Deepgram")
		}
		return nil
	})
	if err != nil {
		cancel()
		observability.IncrementCircuitBreakerFailures("deepgram")
		return nil, err
	}

	s.client = client
	s.logger.Info().Str("model", d.model).Msg("Deepgram streaming session started")
	return s, nil
}

func (d *DeepgramEngine) recordFailure() {
	d.circuitBreaker.RecordResult(false)
	observability.IncrementCircuitBreakerFailures("deepgram")
}

type deepgramStream struct {
	engine *DeepgramEngine
	client *listenClient.WSCallback
	cancel context.CancelFunc
	logger zerolog.Logger

	mu       sync.Mutex
	results  chan Result
	closed   bool
	finished bool
}

func (s *deepgramStream) handleMessage(msg *msginterfaces.MessageResponse) {
	result, ok := resultFromMessage(msg)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.results <- result:
	default:
		// The session drains results continuously; a full buffer means it is stuck
		s.logger.Warn().Bool("final", result.Final).Msg("Result buffer full, dropping result")
		observability.RecordError("result_dropped", "stt")
	}
}

func (s *deepgramStream) handleError(errorResponse *msginterfaces.ErrorResponse) {
	s.logger.Error().Interface("error", errorResponse).Msg("Deepgram error")
	s.engine.recordFailure()
	s.closeResults()
}

// resultFromMessage converts a Deepgram transcript message into a Result
func resultFromMessage(msg *msginterfaces.MessageResponse) (Result, bool) {
	if msg == nil {
		return Result{}, false
	}
	if msg.Type != "Results" && msg.Type != "Message" {
		return Result{}, false
	}
	if len(msg.Channel.Alternatives) == 0 {
		return Result{}, false
	}

	alt := msg.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return Result{}, false
	}

	startTime := msg.Start
	duration := msg.Duration
	if len(alt.Words) > 0 && duration == 0 {
		// Fallback: calculate duration from words if not provided
		startTime = alt.Words[0].Start
		duration = alt.Words[len(alt.Words)-1].End - startTime
	}

	text := alt.Transcript
	if msg.IsFinal {
		// Finals are appended back to back
		text += " "
	}
	r := transcript.TimeRange{
		Start: secondsToDuration(startTime),
		End:   secondsToDuration(startTime + duration),
	}

	return Result{
		Text:       transcript.Timed(text, r),
		Final:      msg.IsFinal,
		Confidence: alt.Confidence,
	}, true
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Write sends one frame of linear16 audio to Deepgram
func (s *deepgramStream) Write(ctx context.Context, frame audio.Frame) error {
	s.mu.Lock()
	done := s.closed || s.finished
	s.mu.Unlock()
	if done {
		return ErrStreamClosed
	}

	err := s.engine.circuitBreaker.Call(func() error {
		_, err := s.client.Write(frame.Data)
		return err
	})
	if err != nil {
		observability.IncrementCircuitBreakerFailures("deepgram")
		return fmt.Errorf("failed to send audio to Deepgram: %w", err)
	}
	return nil
}

// Finish asks Deepgram to flush pending results and closes the result channel
func (s *deepgramStream) Finish(ctx context.Context) error {
	s.mu.Lock()
	if s.finished || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.finished = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		// WSCallback Finish() flushes and closes the socket; it doesn't return an error
		s.client.Finish()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.Close()
		return ctx.Err()
	}

	s.closeResults()
	s.logger.Info().Msg("Deepgram streaming session finished")
	return nil
}

func (s *deepgramStream) Results() <-chan Result {
	return s.results
}

// Close abandons the session without waiting for pending results
func (s *deepgramStream) Close() error {
	s.cancel()
	s.closeResults()
	return nil
}

func (s *deepgramStream) closeResults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.results)
}
