package audio

import (
	"fmt"
	"time"
)

// SampleType describes how a single PCM sample is represented
type SampleType int

const (
	SampleInt16   SampleType = iota // 16-bit signed little-endian
	SampleFloat32                   // 32-bit IEEE float little-endian
)

// String returns the wire name of the sample type
func (s SampleType) String() string {
	switch s {
	case SampleInt16:
		return "s16le"
	case SampleFloat32:
		return "f32le"
	default:
		return fmt.Sprintf("sample(%d)", int(s))
	}
}

// BytesPerSample returns the storage size of one sample, or 0 when unknown
func (s SampleType) BytesPerSample() int {
	switch s {
	case SampleInt16:
		return 2
	case SampleFloat32:
		return 4
	default:
		return 0
	}
}

// ParseSampleType maps a wire name back to a SampleType
func ParseSampleType(name string) (SampleType, error) {
	switch name {
	case "s16le", "int16", "linear16", "":
		return SampleInt16, nil
	case "f32le", "float32":
		return SampleFloat32, nil
	default:
		return 0, fmt.Errorf("unknown sample type %q", name)
	}
}

// Format describes a PCM stream. Two formats are equal iff all fields match.
type Format struct {
	SampleRate  int
	Channels    int
	Sample      SampleType
	Interleaved bool
}

// Mono16k is the format most recognizers ask for
var Mono16k = Format{SampleRate: 16000, Channels: 1, Sample: SampleInt16, Interleaved: true}

// Validate reports whether the format can carry audio at all
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("channel count must be positive, got %d", f.Channels)
	}
	if f.Sample.BytesPerSample() == 0 {
		return fmt.Errorf("unsupported sample type %s", f.Sample)
	}
	return nil
}

// FrameBytes is the size of one sample frame (one sample per channel)
func (f Format) FrameBytes() int {
	return f.Sample.BytesPerSample() * f.Channels
}

// Duration returns the playing time of n sample frames
func (f Format) Duration(frames int) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(frames) * int64(time.Second) / int64(f.SampleRate))
}

func (f Format) String() string {
	layout := "interleaved"
	if !f.Interleaved {
		layout = "planar"
	}
	return fmt.Sprintf("%dHz/%dch/%s/%s", f.SampleRate, f.Channels, f.Sample, layout)
}
