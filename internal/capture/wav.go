package capture

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/lexiqai/transcriber/internal/audio"
)

// WAVWriter writes frames to a 16-bit PCM wave file as they arrive
type WAVWriter struct {
	file    *os.File
	encoder *wav.Encoder
	format  audio.Format
	frames  int64
	buf     goaudio.IntBuffer
}

// CreateWAV creates (or truncates) the file at path for audio in format.
// Samples are stored as 16-bit integers at the format's rate and channel count.
func CreateWAV(path string, format audio.Format) (*WAVWriter, error) {
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("invalid wav format: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create recording directory: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording file: %w", err)
	}

	return &WAVWriter{
		file:    file,
		encoder: wav.NewEncoder(file, format.SampleRate, 16, format.Channels, 1),
		format:  format,
		buf: goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
			SourceBitDepth: 16,
		},
	}, nil
}

// Write appends one frame. The frame must be in the writer's format.
func (w *WAVWriter) Write(frame audio.Frame) error {
	if frame.Format.SampleRate != w.format.SampleRate || frame.Format.Channels != w.format.Channels {
		return fmt.Errorf("frame format %s does not match file format %s", frame.Format, w.format)
	}

	samples := frame.Int16Samples()
	if cap(w.buf.Data) < len(samples) {
		w.buf.Data = make([]int, len(samples))
	}
	w.buf.Data = w.buf.Data[:len(samples)]
	for i, s := range samples {
		w.buf.Data[i] = int(s)
	}

	if err := w.encoder.Write(&w.buf); err != nil {
		return fmt.Errorf("failed to write wav samples: %w", err)
	}
	w.frames += int64(frame.SampleCount())
	return nil
}

// Frames returns the number of sample frames written so far
func (w *WAVWriter) Frames() int64 {
	return w.frames
}

// Close finalizes the wave header and closes the file
func (w *WAVWriter) Close() error {
	encErr := w.encoder.Close()
	fileErr := w.file.Close()
	if encErr != nil {
		return fmt.Errorf("failed to finalize wav file: %w", encErr)
	}
	if fileErr != nil {
		return fmt.Errorf("failed to close wav file: %w", fileErr)
	}
	return nil
}

// WAVDuration reads the playing time of a finished wave file from its header
// and data chunk size
func WAVDuration(path string) (time.Duration, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open recording: %w", err)
	}
	defer file.Close()

	decoder := wav.NewDecoder(file)
	if err := decoder.FwdToPCM(); err != nil {
		return 0, fmt.Errorf("failed to read wav header: %w", err)
	}
	bytesPerFrame := int(decoder.NumChans) * int(decoder.BitDepth) / 8
	if decoder.SampleRate == 0 || bytesPerFrame == 0 {
		return 0, fmt.Errorf("%s is not a valid wav file", path)
	}

	frames := int64(decoder.PCMSize / bytesPerFrame)
	return time.Duration(frames * int64(time.Second) / int64(decoder.SampleRate)), nil
}
