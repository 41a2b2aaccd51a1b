package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	// Set required environment variables
	t.Setenv("DEEPGRAM_API_KEY", "test-deepgram-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.DeepgramAPIKey != "test-deepgram-key" {
		t.Errorf("Expected DeepgramAPIKey 'test-deepgram-key', got '%s'", cfg.DeepgramAPIKey)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	os.Unsetenv("DEEPGRAM_API_KEY")
	os.Unsetenv("RECOGNIZER_ENGINE")

	_, err := Load()
	if err == nil {
		t.Error("Expected error when DEEPGRAM_API_KEY is missing for the deepgram engine")
	}
}

func TestLoad_CommandEngine(t *testing.T) {
	os.Unsetenv("DEEPGRAM_API_KEY")
	t.Setenv("RECOGNIZER_ENGINE", "command")

	if _, err := LoadFromEnv(); err == nil {
		t.Error("Expected error when RECOGNIZER_COMMAND is missing")
	}

	t.Setenv("RECOGNIZER_COMMAND", "whisper-stream --model {model}")
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}
	if cfg.RecognizerSampleRate != 16000 || cfg.RecognizerChannels != 1 {
		t.Errorf("Unexpected recognizer format defaults: %d Hz, %d ch", cfg.RecognizerSampleRate, cfg.RecognizerChannels)
	}
	if len(cfg.RecognizerLocales) != 1 || cfg.RecognizerLocales[0] != "en-US" {
		t.Errorf("Expected default RecognizerLocales [en-US], got %v", cfg.RecognizerLocales)
	}
}

func TestLoad_UnknownEngine(t *testing.T) {
	t.Setenv("RECOGNIZER_ENGINE", "carrier-pigeon")

	if _, err := LoadFromEnv(); err == nil {
		t.Error("Expected error for unknown RECOGNIZER_ENGINE")
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DEEPGRAM_API_KEY", "test-deepgram-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	// Check defaults
	if cfg.Port != "8080" {
		t.Errorf("Expected default Port '8080', got '%s'", cfg.Port)
	}

	if cfg.GRPCHealthPort != "9090" {
		t.Errorf("Expected default GRPCHealthPort '9090', got '%s'", cfg.GRPCHealthPort)
	}

	if cfg.DeepgramModel != "nova-2" {
		t.Errorf("Expected default DeepgramModel 'nova-2', got '%s'", cfg.DeepgramModel)
	}

	if cfg.TranscriptionLocale != "en-US" {
		t.Errorf("Expected default TranscriptionLocale 'en-US', got '%s'", cfg.TranscriptionLocale)
	}

	if len(cfg.DeepgramLocales) != 5 {
		t.Errorf("Expected 5 default DeepgramLocales, got %v", cfg.DeepgramLocales)
	}

	if cfg.KBTranscriptsPath != "/transcripts" {
		t.Errorf("Expected default KBTranscriptsPath '/transcripts', got '%s'", cfg.KBTranscriptsPath)
	}

	if cfg.FinalizeTimeoutDuration() != 10*time.Second {
		t.Errorf("Expected default finalize timeout 10s, got %v", cfg.FinalizeTimeoutDuration())
	}

	if cfg.KBTimeoutDuration() != 15*time.Second {
		t.Errorf("Expected default KB timeout 15s, got %v", cfg.KBTimeoutDuration())
	}

	if cfg.NATSSubjectPrefix != "transcriber" {
		t.Errorf("Expected default NATSSubjectPrefix 'transcriber', got '%s'", cfg.NATSSubjectPrefix)
	}
}

func TestConfig_Capabilities(t *testing.T) {
	t.Setenv("DEEPGRAM_API_KEY", "test-deepgram-key")
	os.Unsetenv("KB_API_BASE_URL")
	os.Unsetenv("BLOB_BASE_URL")
	os.Unsetenv("NATS_URL")
	os.Unsetenv("OPENAI_API_KEY")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}
	if cfg.KnowledgeBaseEnabled() || cfg.BlobStoreEnabled() || cfg.EventsEnabled() || cfg.TitleSuggestionsEnabled() {
		t.Error("Expected every optional capability to be disabled by default")
	}

	t.Setenv("KB_API_BASE_URL", "https://kb.example.com/api")
	if _, err := LoadFromEnv(); err == nil {
		t.Error("Expected error when KB_API_KEY is missing")
	}

	t.Setenv("KB_API_KEY", "secret")
	t.Setenv("KB_API_EXTRA_HEADERS", "X-Tenant:acme,X-Source:transcriber")
	t.Setenv("BLOB_BASE_URL", "https://blobs.example.com")
	cfg, err = LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}
	if !cfg.KnowledgeBaseEnabled() || !cfg.BlobStoreEnabled() {
		t.Error("Expected knowledge base and blob store to be enabled")
	}
	if cfg.KBExtraHeaders["X-Tenant"] != "acme" || cfg.KBExtraHeaders["X-Source"] != "transcriber" {
		t.Errorf("Unexpected extra headers: %v", cfg.KBExtraHeaders)
	}
}

func TestGetEnv(t *testing.T) {
	t.Setenv("TEST_KEY", "test-value")

	value := GetEnv("TEST_KEY", "default")
	if value != "test-value" {
		t.Errorf("Expected 'test-value', got '%s'", value)
	}

	value = GetEnv("NON_EXISTENT_KEY", "default")
	if value != "default" {
		t.Errorf("Expected 'default', got '%s'", value)
	}
}

func TestConfig_ResilienceDefaults(t *testing.T) {
	t.Setenv("DEEPGRAM_API_KEY", "test-deepgram-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	// Check resilience defaults
	if cfg.CircuitBreakerMaxFailures != 5 {
		t.Errorf("Expected default CircuitBreakerMaxFailures 5, got %d", cfg.CircuitBreakerMaxFailures)
	}

	if cfg.CircuitBreakerResetTimeout != 30 {
		t.Errorf("Expected default CircuitBreakerResetTimeout 30, got %d", cfg.CircuitBreakerResetTimeout)
	}

	if cfg.RetryMaxAttempts != 3 {
		t.Errorf("Expected default RetryMaxAttempts 3, got %d", cfg.RetryMaxAttempts)
	}

	if cfg.RetryInitialBackoff != 100 {
		t.Errorf("Expected default RetryInitialBackoff 100, got %d", cfg.RetryInitialBackoff)
	}
}

func TestConfig_ObservabilityDefaults(t *testing.T) {
	t.Setenv("DEEPGRAM_API_KEY", "test-deepgram-key")
	// Clear LOG_LEVEL to ensure we get the default
	os.Unsetenv("LOG_LEVEL")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("Expected default LogLevel 'info', got '%s'", cfg.LogLevel)
	}

	if cfg.LogPretty {
		t.Error("Expected default LogPretty false, got true")
	}

	if !cfg.MetricsEnabled {
		t.Error("Expected default MetricsEnabled true, got false")
	}
}
