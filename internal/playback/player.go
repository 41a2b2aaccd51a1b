package playback

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// MediaPlayer plays audio from a URL. Play blocks until the audio ends or
// ctx is cancelled.
type MediaPlayer interface {
	Load(ctx context.Context, url string) error
	Play(ctx context.Context) error
	CurrentTime() time.Duration
}

// HTTPPlayer fetches a remote wave file and renders it like a local one
type HTTPPlayer struct {
	client   *http.Client
	renderer Renderer
	chunk    time.Duration
	maxBytes int64

	mu       sync.Mutex
	data     []byte
	rate     atomic.Int64
	rendered atomic.Int64
}

// NewHTTPPlayer creates a player rendering to renderer
func NewHTTPPlayer(client *http.Client, renderer Renderer) *HTTPPlayer {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return &HTTPPlayer{client: client, renderer: renderer, chunk: defaultChunk, maxBytes: 512 << 20}
}

// Load downloads the audio at url
func (p *HTTPPlayer) Load(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to construct media request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("media request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("media request failed with status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBytes))
	if err != nil {
		return fmt.Errorf("failed to read media: %w", err)
	}

	p.mu.Lock()
	p.data = data
	p.mu.Unlock()
	p.rendered.Store(0)
	return nil
}

// Play renders the loaded audio
func (p *HTTPPlayer) Play(ctx context.Context) error {
	p.mu.Lock()
	data := p.data
	p.mu.Unlock()
	if data == nil {
		return ErrNotPrepared
	}

	reader, err := newWAVReader(bytes.NewReader(data), p.chunk)
	if err != nil {
		return err
	}
	p.rate.Store(int64(reader.format.SampleRate))
	p.rendered.Store(0)
	return render(ctx, reader, p.renderer, &p.rendered)
}

// CurrentTime is the playing time of the frames rendered so far
func (p *HTTPPlayer) CurrentTime() time.Duration {
	return clockTime(p.rendered.Load(), p.rate.Load())
}
