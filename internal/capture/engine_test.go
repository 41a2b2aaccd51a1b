package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lexiqai/transcriber/internal/audio"
)

func oneSecond(format audio.Format) []byte {
	return make([]byte, format.SampleRate*format.FrameBytes())
}

func collect(frames <-chan audio.Frame) <-chan []audio.Frame {
	out := make(chan []audio.Frame, 1)
	go func() {
		var all []audio.Frame
		for f := range frames {
			all = append(all, f)
		}
		out <- all
	}()
	return out
}

func TestEngine_PermissionDenied(t *testing.T) {
	device, _ := NewPushDevice(audio.Mono16k)
	asked := 0
	engine := NewEngine(device, AuthorizerFunc(func(context.Context) (bool, error) {
		asked++
		return false, nil
	}))

	dest := filepath.Join(t.TempDir(), "rec.wav")
	for i := 0; i < 2; i++ {
		if _, err := engine.Start(context.Background(), dest); !errors.Is(err, ErrPermissionDenied) {
			t.Fatalf("Expected ErrPermissionDenied, got %v", err)
		}
	}
	if asked != 1 {
		t.Errorf("Expected authorization to be requested once, got %d", asked)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("Expected no file to be created without permission")
	}
}

func TestEngine_CaptureAndStop(t *testing.T) {
	device, _ := NewPushDevice(audio.Mono16k)
	asked := 0
	engine := NewEngine(device, AuthorizerFunc(func(context.Context) (bool, error) {
		asked++
		return true, nil
	}))

	dest := filepath.Join(t.TempDir(), "rec.wav")
	if err := os.WriteFile(dest, []byte("stale contents from an earlier take"), 0o644); err != nil {
		t.Fatal(err)
	}

	frames, err := engine.Start(context.Background(), dest)
	if err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	got := collect(frames)

	for i := 0; i < 3; i++ {
		if err := device.Push(oneSecond(audio.Mono16k)); err != nil {
			t.Fatalf("Push() failed: %v", err)
		}
	}

	duration, err := engine.Stop()
	if err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if duration != 3*time.Second {
		t.Errorf("Expected 3s, got %v", duration)
	}

	all := <-got
	if len(all) != 3 {
		t.Fatalf("Expected 3 frames, got %d", len(all))
	}
	for i, f := range all {
		if f.Timestamp != time.Duration(i)*time.Second {
			t.Errorf("Frame %d: expected timestamp %v, got %v", i, time.Duration(i)*time.Second, f.Timestamp)
		}
	}

	if d, err := WAVDuration(dest); err != nil || d != 3*time.Second {
		t.Errorf("Expected file to replace the stale one with 3s of audio, got %v (%v)", d, err)
	}

	if _, err := engine.Start(context.Background(), filepath.Join(t.TempDir(), "again.wav")); err != nil {
		t.Fatalf("Second Start() failed: %v", err)
	}
	if _, err := engine.Stop(); err != nil {
		t.Fatalf("Second Stop() failed: %v", err)
	}
	if asked != 1 {
		t.Errorf("Expected authorization to be requested once, got %d", asked)
	}
}

func TestEngine_PauseResume(t *testing.T) {
	device, _ := NewPushDevice(audio.Mono16k)
	engine := NewEngine(device, nil)

	dest := filepath.Join(t.TempDir(), "rec.wav")
	frames, err := engine.Start(context.Background(), dest)
	if err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	got := collect(frames)

	device.Push(oneSecond(audio.Mono16k))
	if err := engine.Pause(); err != nil {
		t.Fatalf("Pause() failed: %v", err)
	}
	device.Push(oneSecond(audio.Mono16k))
	if err := engine.Resume(); err != nil {
		t.Fatalf("Resume() failed: %v", err)
	}
	device.Push(oneSecond(audio.Mono16k))

	duration, err := engine.Stop()
	if err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if duration != 2*time.Second {
		t.Errorf("Expected paused audio to be excluded, got %v", duration)
	}

	all := <-got
	if len(all) != 2 || all[1].Timestamp != time.Second {
		t.Errorf("Expected 2 contiguous frames, got %d", len(all))
	}
}

func TestEngine_States(t *testing.T) {
	device, _ := NewPushDevice(audio.Mono16k)
	engine := NewEngine(device, nil)

	if _, err := engine.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Expected ErrNotRunning, got %v", err)
	}
	if err := engine.Pause(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Expected ErrNotRunning, got %v", err)
	}

	dest := filepath.Join(t.TempDir(), "rec.wav")
	if _, err := engine.Start(context.Background(), dest); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if _, err := engine.Start(context.Background(), dest); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Expected ErrAlreadyRunning, got %v", err)
	}
	if _, err := engine.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if err := device.Push(oneSecond(audio.Mono16k)); !errors.Is(err, ErrDeviceClosed) {
		t.Errorf("Expected ErrDeviceClosed after Stop, got %v", err)
	}
}

func TestEngine_CopiesDeviceBuffers(t *testing.T) {
	device, _ := NewPushDevice(audio.Mono16k)
	engine := NewEngine(device, nil)

	frames, err := engine.Start(context.Background(), filepath.Join(t.TempDir(), "rec.wav"))
	if err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	got := collect(frames)

	buf := []byte{1, 0, 2, 0}
	device.Push(buf)
	buf[0] = 99
	engine.Stop()

	all := <-got
	if len(all) != 1 || all[0].Data[0] != 1 {
		t.Errorf("Expected queued frame to be independent of the device buffer")
	}
}

func TestWAVWriter_RejectsOtherFormats(t *testing.T) {
	w, err := CreateWAV(filepath.Join(t.TempDir(), "rec.wav"), audio.Mono16k)
	if err != nil {
		t.Fatalf("CreateWAV() failed: %v", err)
	}
	defer w.Close()

	stereo := audio.Format{SampleRate: 16000, Channels: 2, Sample: audio.SampleInt16, Interleaved: true}
	if err := w.Write(audio.Frame{Format: stereo, Data: make([]byte, 8)}); err == nil {
		t.Error("Expected error for mismatched channel count")
	}
	if w.Frames() != 0 {
		t.Errorf("Expected no frames written, got %d", w.Frames())
	}
}

func TestWAVWriter_FloatInput(t *testing.T) {
	format := audio.Format{SampleRate: 8000, Channels: 2, Sample: audio.SampleFloat32, Interleaved: true}
	path := filepath.Join(t.TempDir(), "rec.wav")
	w, err := CreateWAV(path, format)
	if err != nil {
		t.Fatalf("CreateWAV() failed: %v", err)
	}

	half := make([]byte, 4000*format.FrameBytes())
	if err := w.Write(audio.Frame{Format: format, Data: half}); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	if d, err := WAVDuration(path); err != nil || d != 500*time.Millisecond {
		t.Errorf("Expected 500ms, got %v (%v)", d, err)
	}
}
