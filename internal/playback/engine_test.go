package playback

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lexiqai/transcriber/internal/audio"
	"github.com/lexiqai/transcriber/internal/blobstore"
	"github.com/lexiqai/transcriber/internal/capture"
	"github.com/lexiqai/transcriber/internal/recording"
)

func writeTestWAV(t *testing.T, path string, format audio.Format, d time.Duration) {
	t.Helper()
	w, err := capture.CreateWAV(path, format)
	if err != nil {
		t.Fatalf("CreateWAV() failed: %v", err)
	}
	n := int(int64(format.SampleRate) * int64(d) / int64(time.Second))
	data := make([]byte, n*format.FrameBytes())
	for i := range data {
		data[i] = byte(i)
	}
	if err := w.Write(audio.Frame{Format: format, Data: data}); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
}

type collectingRenderer struct {
	mu     sync.Mutex
	frames []audio.Frame
	block  bool
}

func (r *collectingRenderer) Render(ctx context.Context, frame audio.Frame) error {
	r.mu.Lock()
	r.frames = append(r.frames, frame)
	block := r.block && len(r.frames) > 2
	r.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (r *collectingRenderer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func waitDone(t *testing.T, e *Engine) {
	t.Helper()
	done := e.Done()
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for playback to finish")
	}
}

func TestEngine_PlayLocal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec.wav")
	writeTestWAV(t, path, audio.Mono16k, 1500*time.Millisecond)

	finished := make(chan error, 1)
	renderer := &collectingRenderer{}
	engine := NewEngine(renderer, WithOnFinish(func(err error) { finished <- err }))

	if err := engine.Prepare(context.Background(), LocalFile(path)); err != nil {
		t.Fatalf("Prepare() failed: %v", err)
	}
	if engine.State() != StatePrepared || engine.Duration() != 1500*time.Millisecond {
		t.Fatalf("Unexpected state %s duration %v", engine.State(), engine.Duration())
	}
	if err := engine.Play(context.Background()); err != nil {
		t.Fatalf("Play() failed: %v", err)
	}
	if err := engine.Play(context.Background()); err != nil && !errors.Is(err, ErrAlreadyPlaying) && !errors.Is(err, ErrNotPrepared) {
		t.Errorf("Unexpected second Play() error %v", err)
	}

	select {
	case err := <-finished:
		if err != nil {
			t.Fatalf("Playback failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for playback to finish")
	}
	waitDone(t, engine)

	if got := renderer.count(); got != 15 {
		t.Errorf("Expected 15 frames of 100ms, got %d", got)
	}
	if got := engine.CurrentTime(); got != 1500*time.Millisecond {
		t.Errorf("Expected position 1.5s, got %v", got)
	}
	if engine.State() != StateIdle {
		t.Errorf("Expected idle after playback, got %s", engine.State())
	}
	if renderer.frames[0].Format != audio.Mono16k {
		t.Errorf("Unexpected frame format %s", renderer.frames[0].Format)
	}
}

func TestEngine_Stop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec.wav")
	writeTestWAV(t, path, audio.Mono16k, time.Second)

	finished := false
	renderer := &collectingRenderer{block: true}
	engine := NewEngine(renderer, WithOnFinish(func(error) { finished = true }))

	if err := engine.Prepare(context.Background(), LocalFile(path)); err != nil {
		t.Fatalf("Prepare() failed: %v", err)
	}
	if err := engine.Play(context.Background()); err != nil {
		t.Fatalf("Play() failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for renderer.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := engine.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}

	// The blocked third frame was never consumed
	if got := engine.CurrentTime(); got != 200*time.Millisecond {
		t.Errorf("Expected position 200ms, got %v", got)
	}
	if engine.State() != StateIdle {
		t.Errorf("Expected idle after Stop, got %s", engine.State())
	}
	if finished {
		t.Error("Expected no finish callback after Stop")
	}
	if err := engine.Stop(); err != nil {
		t.Errorf("Expected second Stop() to be a no-op, got %v", err)
	}
}

func TestEngine_Errors(t *testing.T) {
	engine := NewEngine(&collectingRenderer{})

	if err := engine.Play(context.Background()); !errors.Is(err, ErrNotPrepared) {
		t.Errorf("Expected ErrNotPrepared, got %v", err)
	}
	if err := engine.Prepare(context.Background(), Remote("h-1")); !errors.Is(err, ErrRemoteUnavailable) {
		t.Errorf("Expected ErrRemoteUnavailable, got %v", err)
	}

	bogus := filepath.Join(t.TempDir(), "bogus.wav")
	os.WriteFile(bogus, []byte("not a wave file at all"), 0o644)
	if err := engine.Prepare(context.Background(), LocalFile(bogus)); !errors.Is(err, ErrInvalidAudio) {
		t.Errorf("Expected ErrInvalidAudio, got %v", err)
	}
	if err := engine.Prepare(context.Background(), Source{}); !errors.Is(err, ErrNotPlayable) {
		t.Errorf("Expected ErrNotPlayable, got %v", err)
	}
}

type fakeBlobStore struct {
	url string
	err error
}

func (f *fakeBlobStore) Upload(ctx context.Context, path, name string) (blobstore.UploadResult, error) {
	return blobstore.UploadResult{}, errors.New("not implemented")
}

func (f *fakeBlobStore) StreamingURL(ctx context.Context, handle string) (string, error) {
	return f.url + "/" + handle, f.err
}

func TestEngine_PlayRemote(t *testing.T) {
	format := audio.Format{SampleRate: 8000, Channels: 2, Sample: audio.SampleInt16, Interleaved: true}
	path := filepath.Join(t.TempDir(), "remote.wav")
	writeTestWAV(t, path, format, 500*time.Millisecond)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/h-1" {
			http.NotFound(w, r)
			return
		}
		http.ServeFile(w, r, path)
	}))
	defer server.Close()

	renderer := &collectingRenderer{}
	player := NewHTTPPlayer(server.Client(), renderer)
	engine := NewEngine(&collectingRenderer{}, WithRemote(&fakeBlobStore{url: server.URL}, player))

	if err := engine.Prepare(context.Background(), Remote("h-1")); err != nil {
		t.Fatalf("Prepare() failed: %v", err)
	}
	if err := engine.Play(context.Background()); err != nil {
		t.Fatalf("Play() failed: %v", err)
	}
	waitDone(t, engine)

	if got := engine.CurrentTime(); got != 500*time.Millisecond {
		t.Errorf("Expected position 500ms, got %v", got)
	}
	if renderer.count() != 5 || renderer.frames[0].Format != format {
		t.Errorf("Unexpected rendered frames %d", renderer.count())
	}
}

func TestEngine_PrepareRemoteFailure(t *testing.T) {
	engine := NewEngine(&collectingRenderer{}, WithRemote(&fakeBlobStore{err: blobstore.ErrStreamingLinkUnavailable}, NewHTTPPlayer(nil, &collectingRenderer{})))
	err := engine.Prepare(context.Background(), Remote("h-1"))
	if !errors.Is(err, blobstore.ErrStreamingLinkUnavailable) {
		t.Errorf("Expected ErrStreamingLinkUnavailable, got %v", err)
	}
	if engine.State() != StateIdle {
		t.Errorf("Expected idle, got %s", engine.State())
	}
}

func TestSourceFor(t *testing.T) {
	files, err := recording.NewFiles(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	rec := recording.New(time.Now())

	if _, err := SourceFor(rec, files); !errors.Is(err, ErrNotPlayable) {
		t.Errorf("Expected ErrNotPlayable, got %v", err)
	}

	rec.IsOffloaded = true
	rec.RemoteHandle = "h-9"
	if src, err := SourceFor(rec, files); err != nil || !src.IsRemote() || src.RemoteHandle != "h-9" {
		t.Errorf("Expected remote source, got %+v (%v)", src, err)
	}

	rec.FileName = recording.AudioFileName(rec.ID)
	os.WriteFile(files.Path(rec.FileName), []byte("x"), 0o644)
	if src, err := SourceFor(rec, files); err != nil || src.IsRemote() || src.Path != files.AudioPath(rec.ID) {
		t.Errorf("Expected local source, got %+v (%v)", src, err)
	}
}

func TestPacedRenderer(t *testing.T) {
	now := time.Unix(0, 0)
	var slept []time.Duration
	var sent int

	p := NewPacedRenderer(func(audio.Frame) error {
		sent++
		return nil
	})
	p.now = func() time.Time { return now }
	p.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		now = now.Add(d)
		return nil
	}

	frame := audio.Frame{Format: audio.Mono16k, Data: make([]byte, 3200)} // 100ms
	for i := 0; i < 3; i++ {
		if err := p.Render(context.Background(), frame); err != nil {
			t.Fatal(err)
		}
	}
	// A slow sink eats into the next wait
	now = now.Add(150 * time.Millisecond)
	p.Render(context.Background(), frame)

	want := []time.Duration{100 * time.Millisecond, 100 * time.Millisecond, 100 * time.Millisecond}
	if sent != 4 || len(slept) != 3 {
		t.Fatalf("Expected 4 sends and 3 sleeps, got %d and %v", sent, slept)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Errorf("Unexpected sleeps %v", slept)
		}
	}
}
