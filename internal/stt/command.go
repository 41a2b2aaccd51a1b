package stt

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
	"github.com/rs/zerolog"

	"github.com/lexiqai/transcriber/internal/audio"
	"github.com/lexiqai/transcriber/internal/config"
	"github.com/lexiqai/transcriber/internal/observability"
	"github.com/lexiqai/transcriber/internal/transcript"
)

// CommandConfig describes a local recognizer process. Command may reference
// {model}, {locale}, {rate} and {channels}; each is substituted per argument.
// The process reads raw PCM on stdin and writes one JSON object per line on
// stdout: {"text": "...", "final": true, "start": 0.0, "end": 1.2}.
type CommandConfig struct {
	Command  string
	ModelDir string
	// ModelURL is a download URL template containing {locale}. When empty,
	// models are not managed and every supported locale counts as installed.
	ModelURL   string
	Locales    []string
	Format     audio.Format
	HTTPClient *http.Client
}

// CommandConfigFromConfig builds a CommandConfig from service configuration
func CommandConfigFromConfig(cfg *config.Config) CommandConfig {
	return CommandConfig{
		Command:  cfg.RecognizerCommand,
		ModelDir: cfg.RecognizerModelDir,
		ModelURL: cfg.RecognizerModelURL,
		Locales:  cfg.RecognizerLocales,
		Format: audio.Format{
			SampleRate:  cfg.RecognizerSampleRate,
			Channels:    cfg.RecognizerChannels,
			Sample:      audio.SampleInt16,
			Interleaved: true,
		},
	}
}

// CommandEngine drives a recognizer running as a child process
type CommandEngine struct {
	cfg    CommandConfig
	client *http.Client
	logger zerolog.Logger
}

// NewCommandEngine validates the command line and creates the engine
func NewCommandEngine(cfg CommandConfig) (*CommandEngine, error) {
	args, err := shellwords.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("invalid recognizer command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("recognizer command is empty")
	}
	if err := cfg.Format.Validate(); err != nil {
		return nil, fmt.Errorf("invalid recognizer format: %w", err)
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Minute}
	}

	return &CommandEngine{
		cfg:    cfg,
		client: client,
		logger: observability.Component("stt").With().Str("engine", "command").Logger(),
	}, nil
}

func (c *CommandEngine) Name() string { return "command" }

func (c *CommandEngine) SupportedLocales(ctx context.Context) ([]string, error) {
	return c.cfg.Locales, nil
}

// InstalledLocales returns the supported locales whose model file exists
func (c *CommandEngine) InstalledLocales(ctx context.Context) ([]string, error) {
	if c.cfg.ModelURL == "" {
		return c.cfg.Locales, nil
	}

	var installed []string
	for _, locale := range c.cfg.Locales {
		info, err := os.Stat(c.ModelPath(locale))
		if err == nil && !info.IsDir() {
			installed = append(installed, locale)
			continue
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to check model for %s: %w", locale, err)
		}
	}
	return installed, nil
}

// ModelPath returns where the model for locale is stored
func (c *CommandEngine) ModelPath(locale string) string {
	return filepath.Join(c.cfg.ModelDir, NormalizeLocale(locale)+".bin")
}

// Download fetches the model for locale into ModelDir. The file only appears
// under its final name once it is complete.
func (c *CommandEngine) Download(ctx context.Context, locale string, progress ProgressFunc) error {
	if c.cfg.ModelURL == "" {
		return ErrDownloadUnavailable
	}

	url := strings.ReplaceAll(c.cfg.ModelURL, "{locale}", NormalizeLocale(locale))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download model: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download model: unexpected status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(c.cfg.ModelDir, 0o755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}
	tmp, err := os.CreateTemp(c.cfg.ModelDir, ".download-*")
	if err != nil {
		return fmt.Errorf("failed to create model file: %w", err)
	}
	defer os.Remove(tmp.Name())

	body := io.Reader(resp.Body)
	if progress != nil {
		body = &progressReader{r: resp.Body, total: resp.ContentLength, report: progress}
	}
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write model: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write model: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.ModelPath(locale)); err != nil {
		return fmt.Errorf("failed to install model: %w", err)
	}
	if progress != nil {
		progress(1)
	}

	c.logger.Info().Str("locale", locale).Str("path", c.ModelPath(locale)).Msg("Model installed")
	return nil
}

type progressReader struct {
	r      io.Reader
	total  int64
	read   int64
	report ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.total > 0 && n > 0 {
		fraction := float64(p.read) / float64(p.total)
		if fraction > 1 {
			fraction = 1
		}
		p.report(fraction)
	}
	return n, err
}

func (c *CommandEngine) InputFormat(locale string) audio.Format {
	return c.cfg.Format
}

// Args returns the command line for locale with placeholders substituted
func (c *CommandEngine) Args(locale string) ([]string, error) {
	args, err := shellwords.Parse(c.cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("invalid recognizer command: %w", err)
	}
	r := strings.NewReplacer(
		"{model}", c.ModelPath(locale),
		"{locale}", locale,
		"{rate}", strconv.Itoa(c.cfg.Format.SampleRate),
		"{channels}", strconv.Itoa(c.cfg.Format.Channels),
	)
	for i, arg := range args {
		args[i] = r.Replace(arg)
	}
	return args, nil
}

// Open starts the recognizer process
func (c *CommandEngine) Open(ctx context.Context, locale string) (Stream, error) {
	args, err := c.Args(locale)
	if err != nil {
		return nil, err
	}

	procCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(procCtx, args[0], args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open recognizer stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open recognizer stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start recognizer: %w", err)
	}

	s := &commandStream{
		cmd:     cmd,
		stdin:   stdin,
		ctx:     procCtx,
		cancel:  cancel,
		results: make(chan Result, 256),
		done:    make(chan struct{}),
		logger:  c.logger.With().Str("locale", locale).Int("pid", cmd.Process.Pid).Logger(),
	}
	go s.readResults(stdout)

	s.logger.Info().Strs("args", args).Msg("Recognizer process started")
	return s, nil
}

type commandLine struct {
	Text       string   `json:"text"`
	Final      bool     `json:"final"`
	Start      *float64 `json:"start,omitempty"`
	End        *float64 `json:"end,omitempty"`
	Confidence float64  `json:"confidence,omitempty"`
}

// parseCommandLine converts one line of recognizer output into a Result
func parseCommandLine(line []byte) (Result, error) {
	var msg commandLine
	if err := json.Unmarshal(line, &msg); err != nil {
		return Result{}, err
	}

	text := transcript.Plain(msg.Text)
	if msg.Start != nil && msg.End != nil {
		text = transcript.Timed(msg.Text, transcript.TimeRange{
			Start: secondsToDuration(*msg.Start),
			End:   secondsToDuration(*msg.End),
		})
	}
	return Result{Text: text, Final: msg.Final, Confidence: msg.Confidence}, nil
}

type commandStream struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	ctx     context.Context
	cancel  context.CancelFunc
	results chan Result
	done    chan struct{}
	logger  zerolog.Logger

	mu       sync.Mutex
	finished bool
	waitErr  error
}

func (s *commandStream) readResults(stdout io.Reader) {
	defer close(s.done)
	defer close(s.results)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		result, err := parseCommandLine(line)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Ignoring malformed recognizer output")
			continue
		}
		select {
		case s.results <- result:
		case <-s.ctx.Done():
			// Nobody is reading anymore; keep draining so the process can exit
		}
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn().Err(err).Msg("Recognizer output ended with error")
	}

	err := s.cmd.Wait()
	s.mu.Lock()
	s.waitErr = err
	s.mu.Unlock()
}

func (s *commandStream) Write(ctx context.Context, frame audio.Frame) error {
	s.mu.Lock()
	finished := s.finished
	s.mu.Unlock()
	if finished {
		return ErrStreamClosed
	}

	if _, err := s.stdin.Write(frame.Data); err != nil {
		return fmt.Errorf("failed to write audio to recognizer: %w", err)
	}
	return nil
}

// Finish closes stdin so the recognizer flushes, then waits for it to exit
func (s *commandStream) Finish(ctx context.Context) error {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return nil
	}
	s.finished = true
	s.mu.Unlock()

	if err := s.stdin.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to close recognizer stdin")
	}

	select {
	case <-s.done:
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waitErr != nil {
		return fmt.Errorf("recognizer exited: %w", s.waitErr)
	}
	return nil
}

func (s *commandStream) Results() <-chan Result {
	return s.results
}

// Close kills the process. Results already emitted stay readable.
func (s *commandStream) Close() error {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()

	s.cancel()
	s.stdin.Close()
	return nil
}
