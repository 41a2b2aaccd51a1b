package kb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/transcriber/internal/config"
	"github.com/lexiqai/transcriber/internal/observability"
	"github.com/lexiqai/transcriber/internal/resilience"
)

var (
	// ErrUnauthorized is returned when the knowledge base rejects the credentials
	ErrUnauthorized = errors.New("knowledge base API rejected the request")
	// ErrNotConfigured is returned by NewClient without a base URL or API key
	ErrNotConfigured = errors.New("knowledge base API not configured")
)

// ServerError is a non-2xx response other than 401/403
type ServerError struct {
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("knowledge base API error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("knowledge base API error (status code %d)", e.StatusCode)
}

// Config holds the knowledge base API settings
type Config struct {
	BaseURL         string
	APIKey          string
	UserID          string
	TranscriptsPath string
	ExtraHeaders    map[string]string
	Timeout         time.Duration
}

// ConfigFromConfig extracts the knowledge base settings from service configuration
func ConfigFromConfig(cfg *config.Config) Config {
	return Config{
		BaseURL:         cfg.KBBaseURL,
		APIKey:          cfg.KBAPIKey,
		UserID:          cfg.KBUserID,
		TranscriptsPath: cfg.KBTranscriptsPath,
		ExtraHeaders:    cfg.KBExtraHeaders,
		Timeout:         cfg.KBTimeoutDuration(),
	}
}

// Submitter sends transcript submissions to the knowledge base
type Submitter interface {
	Submit(ctx context.Context, submission Submission) (Result, error)
}

// Client is the knowledge base HTTP client. Calls go through a circuit
// breaker; an open circuit fails the call immediately.
type Client struct {
	cfg            Config
	endpoint       string
	httpClient     *http.Client
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewClient creates a client. breaker may be nil.
func NewClient(cfg Config, breaker *resilience.CircuitBreaker) (*Client, error) {
	if cfg.BaseURL == "" || cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}
	if cfg.TranscriptsPath == "" {
		cfg.TranscriptsPath = "/transcripts"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	endpoint, err := url.JoinPath(cfg.BaseURL, strings.TrimPrefix(cfg.TranscriptsPath, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid knowledge base URL: %w", err)
	}

	return &Client{
		cfg:            cfg,
		endpoint:       endpoint,
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		circuitBreaker: breaker,
		logger:         observability.Component("kb"),
	}, nil
}

// Endpoint returns the URL submissions are posted to
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Submit posts a transcript submission. The configured user id is filled in
// when the submission has none.
func (c *Client) Submit(ctx context.Context, submission Submission) (Result, error) {
	if submission.UserID == nil && c.cfg.UserID != "" {
		userID := c.cfg.UserID
		submission.UserID = &userID
	}

	body, err := json.Marshal(submission)
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode submission: %w", err)
	}

	var result Result
	call := func() error {
		result, err = c.post(ctx, body)
		return err
	}
	if c.circuitBreaker != nil {
		err = c.circuitBreaker.Call(call)
		if errors.Is(err, resilience.ErrCircuitOpen) {
			observability.IncrementCircuitBreakerFailures(c.circuitBreaker.Name())
		}
	} else {
		err = call()
	}
	return result, err
}

func (c *Client) post(ctx context.Context, body []byte) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("failed to construct knowledge base request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	for key, value := range c.cfg.ExtraHeaders {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("knowledge base request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("failed to read knowledge base response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return ParseResult(data), nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Result{}, ErrUnauthorized
	default:
		return Result{}, &ServerError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
}
