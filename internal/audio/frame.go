package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// Frame is a buffer of PCM audio in a known format. Frames are immutable once
// emitted; consumers must copy Data before modifying it.
type Frame struct {
	Format Format
	// Data holds little-endian PCM. Interleaved formats store sample frames
	// back to back; planar formats store one contiguous block per channel.
	Data []byte
	// Timestamp is the capture offset of the first sample, measured from the
	// start of the capture session in the source sample clock.
	Timestamp time.Duration
}

// SampleCount returns the number of sample frames (samples per channel)
func (f Frame) SampleCount() int {
	size := f.Format.FrameBytes()
	if size == 0 {
		return 0
	}
	return len(f.Data) / size
}

// Duration returns the playing time of the frame
func (f Frame) Duration() time.Duration {
	return f.Format.Duration(f.SampleCount())
}

// Channels decodes the frame into one float64 slice per channel in [-1, 1]
func (f Frame) Channels() [][]float64 {
	n := f.SampleCount()
	ch := f.Format.Channels
	bps := f.Format.Sample.BytesPerSample()
	out := make([][]float64, ch)
	for c := range out {
		out[c] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for c := 0; c < ch; c++ {
			var off int
			if f.Format.Interleaved {
				off = (i*ch + c) * bps
			} else {
				off = (c*n + i) * bps
			}
			out[c][i] = decodeSample(f.Data[off:off+bps], f.Format.Sample)
		}
	}
	return out
}

// EncodeChannels packs per-channel samples into PCM bytes for the format.
// Every channel slice must have the same length.
func EncodeChannels(channels [][]float64, format Format) []byte {
	if len(channels) == 0 {
		return nil
	}
	n := len(channels[0])
	bps := format.Sample.BytesPerSample()
	out := make([]byte, n*len(channels)*bps)
	for c, samples := range channels {
		for i, v := range samples {
			var off int
			if format.Interleaved {
				off = (i*len(channels) + c) * bps
			} else {
				off = (c*n + i) * bps
			}
			encodeSample(out[off:off+bps], v, format.Sample)
		}
	}
	return out
}

// Int16Samples returns the frame as interleaved 16-bit samples
func (f Frame) Int16Samples() []int16 {
	channels := f.Channels()
	if len(channels) == 0 {
		return nil
	}
	n := len(channels[0])
	out := make([]int16, 0, n*len(channels))
	for i := 0; i < n; i++ {
		for c := range channels {
			out = append(out, floatToInt16(channels[c][i]))
		}
	}
	return out
}

func decodeSample(b []byte, t SampleType) float64 {
	switch t {
	case SampleInt16:
		return float64(int16(binary.LittleEndian.Uint16(b))) / 32768.0
	case SampleFloat32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	}
	return 0
}

func encodeSample(b []byte, v float64, t SampleType) {
	switch t {
	case SampleInt16:
		binary.LittleEndian.PutUint16(b, uint16(floatToInt16(v)))
	case SampleFloat32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	}
}

func floatToInt16(v float64) int16 {
	s := math.Round(v * 32768.0)
	if s > math.MaxInt16 {
		return math.MaxInt16
	}
	if s < math.MinInt16 {
		return math.MinInt16
	}
	return int16(s)
}
