// Package blobstore talks to the remote object store that finished recordings
// are offloaded to.
package blobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/transcriber/internal/config"
	"github.com/lexiqai/transcriber/internal/observability"
	"github.com/lexiqai/transcriber/internal/resilience"
)

var (
	// ErrNotConfigured is returned by NewClient without a base URL
	ErrNotConfigured = errors.New("blob store not configured")
	// ErrStreamingLinkUnavailable is returned when the store has no link for a handle
	ErrStreamingLinkUnavailable = errors.New("streaming link unavailable")
	// ErrInvalidStreamingURL is returned when the store hands back something that is not a URL
	ErrInvalidStreamingURL = errors.New("invalid streaming URL")
)

// StatusError is a non-2xx response from the store
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("blob store error (%d): %s", e.StatusCode, e.Message)
}

// UploadResult identifies an uploaded object
type UploadResult struct {
	Handle string `json:"handle"`
	Size   int64  `json:"size"`
}

// BlobStore is the optional offload capability. Without one, recordings stay
// local and play from disk.
type BlobStore interface {
	Upload(ctx context.Context, path, name string) (UploadResult, error)
	StreamingURL(ctx context.Context, handle string) (string, error)
}

// Client is a BlobStore over a small HTTP API:
//
//	PUT {base}/objects/{name}        body: file bytes  -> {"handle", "size"}
//	GET {base}/objects/{handle}/link                   -> {"url"}
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a client for the store at baseURL
func NewClient(baseURL, apiKey string, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		return nil, ErrNotConfigured
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid blob store URL: %w", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     observability.Component("blobstore"),
	}, nil
}

// NewClientFromConfig returns nil when offload is not configured
func NewClientFromConfig(cfg *config.Config) (*Client, error) {
	if !cfg.BlobStoreEnabled() {
		return nil, nil
	}
	return NewClient(cfg.BlobBaseURL, cfg.BlobAPIKey, 0)
}

// Upload sends the file at path under name. Transient failures are returned
// as retryable errors; callers decide whether to retry.
func (c *Client) Upload(ctx context.Context, path, name string) (UploadResult, error) {
	file, err := os.Open(path)
	if err != nil {
		return UploadResult{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return UploadResult{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if name == "" {
		name = filepath.Base(path)
	}

	endpoint, err := url.JoinPath(c.baseURL, "objects", name)
	if err != nil {
		return UploadResult{}, fmt.Errorf("invalid object name %q: %w", name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, file)
	if err != nil {
		return UploadResult{}, fmt.Errorf("failed to construct upload request: %w", err)
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "audio/wav")
	c.authorize(req)

	var result UploadResult
	if err := c.do(req, &result); err != nil {
		return UploadResult{}, fmt.Errorf("upload %s: %w", name, err)
	}
	if result.Handle == "" {
		return UploadResult{}, fmt.Errorf("upload %s: response carried no handle", name)
	}
	if result.Size == 0 {
		result.Size = info.Size()
	}

	c.logger.Info().
		Str("handle", result.Handle).
		Int64("size", result.Size).
		Msg("Uploaded recording audio")
	return result, nil
}

// StreamingURL resolves a handle to a URL a media player can open
func (c *Client) StreamingURL(ctx context.Context, handle string) (string, error) {
	endpoint, err := url.JoinPath(c.baseURL, "objects", handle, "link")
	if err != nil {
		return "", fmt.Errorf("invalid handle %q: %w", handle, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to construct link request: %w", err)
	}
	c.authorize(req)

	var body struct {
		URL string `json:"url"`
	}
	if err := c.do(req, &body); err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return "", ErrStreamingLinkUnavailable
		}
		return "", err
	}
	if body.URL == "" {
		return "", ErrStreamingLinkUnavailable
	}
	parsed, err := url.Parse(body.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("%w: %s", ErrInvalidStreamingURL, body.URL)
	}
	return body.URL, nil
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return resilience.NewRetryableError(fmt.Errorf("blob store request failed: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read blob store response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := &StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return resilience.NewRetryableError(err)
		}
		return err
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode blob store response: %w", err)
	}
	return nil
}
