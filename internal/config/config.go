package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Recognizer engine names accepted by RECOGNIZER_ENGINE
const (
	EngineDeepgram = "deepgram"
	EngineCommand  = "command"
)

// Config holds all configuration for the transcriber service
type Config struct {
	// Server configuration
	Port           string `envconfig:"PORT" default:"8080"`
	GRPCHealthPort string `envconfig:"GRPC_HEALTH_PORT" default:"9090"`

	// Public base URL for this service, used only when logging stream endpoints.
	// Optional; if unset, logs ws://localhost:PORT.
	PublicURL string `envconfig:"PUBLIC_URL" default:""`

	// Local storage
	RecordingsDir string `envconfig:"RECORDINGS_DIR" default:"./data/recordings"`
	StorePath     string `envconfig:"STORE_PATH" default:"./data/recordings.db"`

	// Transcription
	TranscriptionLocale string `envconfig:"TRANSCRIPTION_LOCALE" default:"en-US"`
	RecognizerEngine    string `envconfig:"RECOGNIZER_ENGINE" default:"deepgram"` // deepgram, command
	FinalizeTimeout     int    `envconfig:"FINALIZE_TIMEOUT" default:"10"`        // seconds

	// Ask stream clients for microphone permission before capturing
	RequireCapturePermission bool `envconfig:"REQUIRE_CAPTURE_PERMISSION" default:"false"`

	// Deepgram STT API configuration
	DeepgramAPIKey  string   `envconfig:"DEEPGRAM_API_KEY"`
	DeepgramModel   string   `envconfig:"DEEPGRAM_MODEL" default:"nova-2"` // nova-2, enhanced, base
	DeepgramLocales []string `envconfig:"DEEPGRAM_LOCALES" default:"en-US,en-GB,es,fr,de"`

	// Local recognizer process
	RecognizerCommand    string   `envconfig:"RECOGNIZER_COMMAND" default:""`
	RecognizerModelDir   string   `envconfig:"RECOGNIZER_MODEL_DIR" default:"./data/models"`
	RecognizerModelURL   string   `envconfig:"RECOGNIZER_MODEL_URL" default:""` // may contain {locale}
	RecognizerLocales    []string `envconfig:"RECOGNIZER_LOCALES" default:"en-US"`
	RecognizerSampleRate int      `envconfig:"RECOGNIZER_SAMPLE_RATE" default:"16000"`
	RecognizerChannels   int      `envconfig:"RECOGNIZER_CHANNELS" default:"1"`

	// Knowledge base API
	KBBaseURL         string            `envconfig:"KB_API_BASE_URL" default:""`
	KBAPIKey          string            `envconfig:"KB_API_KEY" default:""`
	KBUserID          string            `envconfig:"KB_USER_ID" default:""`
	KBTranscriptsPath string            `envconfig:"KB_API_TRANSCRIPTS_PATH" default:"/transcripts"`
	KBExtraHeaders    map[string]string `envconfig:"KB_API_EXTRA_HEADERS"`
	KBTimeout         int               `envconfig:"KB_TIMEOUT" default:"15"` // seconds

	// Remote blob storage (optional)
	BlobBaseURL string `envconfig:"BLOB_BASE_URL" default:""`
	BlobAPIKey  string `envconfig:"BLOB_API_KEY" default:""`

	// Event fan-out (optional)
	NATSURL           string `envconfig:"NATS_URL" default:""`
	NATSSubjectPrefix string `envconfig:"NATS_SUBJECT_PREFIX" default:"transcriber"`

	// Title suggestions (optional)
	OpenAIAPIKey string `envconfig:"OPENAI_API_KEY" default:""`
	OpenAIModel  string `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Offload upload attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the fields that depend on each other
func (c *Config) Validate() error {
	switch c.RecognizerEngine {
	case EngineDeepgram:
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required when RECOGNIZER_ENGINE=%s", EngineDeepgram)
		}
	case EngineCommand:
		if strings.TrimSpace(c.RecognizerCommand) == "" {
			return fmt.Errorf("RECOGNIZER_COMMAND is required when RECOGNIZER_ENGINE=%s", EngineCommand)
		}
		if c.RecognizerSampleRate <= 0 || c.RecognizerChannels <= 0 {
			return fmt.Errorf("RECOGNIZER_SAMPLE_RATE and RECOGNIZER_CHANNELS must be positive")
		}
	default:
		return fmt.Errorf("unknown RECOGNIZER_ENGINE %q", c.RecognizerEngine)
	}

	if c.TranscriptionLocale == "" {
		return fmt.Errorf("TRANSCRIPTION_LOCALE is required")
	}
	if c.KBBaseURL != "" && c.KBAPIKey == "" {
		return fmt.Errorf("KB_API_KEY is required when KB_API_BASE_URL is set")
	}

	return nil
}

// KnowledgeBaseEnabled reports whether finalized segments are synced
func (c *Config) KnowledgeBaseEnabled() bool {
	return c.KBBaseURL != ""
}

// BlobStoreEnabled reports whether recordings can be offloaded and streamed remotely
func (c *Config) BlobStoreEnabled() bool {
	return c.BlobBaseURL != ""
}

// EventsEnabled reports whether events are published to NATS
func (c *Config) EventsEnabled() bool {
	return c.NATSURL != ""
}

// TitleSuggestionsEnabled reports whether stopped recordings get a suggested title
func (c *Config) TitleSuggestionsEnabled() bool {
	return c.OpenAIAPIKey != ""
}

// FinalizeTimeoutDuration returns FINALIZE_TIMEOUT as a duration
func (c *Config) FinalizeTimeoutDuration() time.Duration {
	return time.Duration(c.FinalizeTimeout) * time.Second
}

// KBTimeoutDuration returns KB_TIMEOUT as a duration
func (c *Config) KBTimeoutDuration() time.Duration {
	return time.Duration(c.KBTimeout) * time.Second
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
