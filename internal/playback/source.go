package playback

import (
	"errors"
	"fmt"
	"io"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/lexiqai/transcriber/internal/audio"
	"github.com/lexiqai/transcriber/internal/recording"
)

var (
	// ErrNotPlayable is returned for recordings with neither local nor remote audio
	ErrNotPlayable = errors.New("recording has no playable audio")
	// ErrInvalidAudio is returned for files that are not 16-bit PCM wave
	ErrInvalidAudio = errors.New("audio is not 16-bit PCM wave")
)

// Source is either a local file or a remote object handle
type Source struct {
	Path         string
	RemoteHandle string
}

// LocalFile plays the wave file at path
func LocalFile(path string) Source {
	return Source{Path: path}
}

// Remote plays an object from the blob store
func Remote(handle string) Source {
	return Source{RemoteHandle: handle}
}

// IsRemote reports whether the source needs the blob store
func (s Source) IsRemote() bool {
	return s.Path == "" && s.RemoteHandle != ""
}

func (s Source) String() string {
	if s.IsRemote() {
		return "remote:" + s.RemoteHandle
	}
	return s.Path
}

// SourceFor picks the source for a recording, preferring local audio
func SourceFor(rec recording.Recording, files *recording.Files) (Source, error) {
	if rec.FileName != "" && files != nil {
		path := files.Path(rec.FileName)
		if files.Exists(rec.FileName) {
			return LocalFile(path), nil
		}
	}
	if rec.CanStreamRemotely() {
		return Remote(rec.RemoteHandle), nil
	}
	return Source{}, ErrNotPlayable
}

// wavReader yields fixed-size frames from a 16-bit wave stream
type wavReader struct {
	decoder  *wav.Decoder
	format   audio.Format
	duration time.Duration
	buf      goaudio.IntBuffer
}

func newWAVReader(rs io.ReadSeeker, chunk time.Duration) (*wavReader, error) {
	decoder := wav.NewDecoder(rs)
	if err := decoder.FwdToPCM(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAudio, err)
	}
	if decoder.BitDepth != 16 || decoder.NumChans == 0 || decoder.SampleRate == 0 {
		return nil, fmt.Errorf("%w: %d-bit %d channel %d Hz", ErrInvalidAudio, decoder.BitDepth, decoder.NumChans, decoder.SampleRate)
	}

	format := audio.Format{
		SampleRate:  int(decoder.SampleRate),
		Channels:    int(decoder.NumChans),
		Sample:      audio.SampleInt16,
		Interleaved: true,
	}
	frames := int(int64(format.SampleRate) * int64(chunk) / int64(time.Second))
	if frames <= 0 {
		frames = 1
	}
	total := decoder.PCMSize / format.FrameBytes()

	return &wavReader{
		decoder:  decoder,
		format:   format,
		duration: format.Duration(total),
		buf: goaudio.IntBuffer{
			Format: &goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
			Data:   make([]int, frames*format.Channels),
		},
	}, nil
}

// next returns io.EOF once the data chunk is exhausted
func (r *wavReader) next() (audio.Frame, error) {
	n, err := r.decoder.PCMBuffer(&r.buf)
	if err != nil {
		return audio.Frame{}, fmt.Errorf("failed to decode wav samples: %w", err)
	}
	// Drop a trailing partial sample frame
	n -= n % r.format.Channels
	if n == 0 {
		return audio.Frame{}, io.EOF
	}

	data := make([]byte, n*2)
	for i, s := range r.buf.Data[:n] {
		v := uint16(int16(s))
		data[2*i] = byte(v)
		data[2*i+1] = byte(v >> 8)
	}
	return audio.Frame{Format: r.format, Data: data}, nil
}
