package audio

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrConversionUnavailable means no resampler path exists between two formats
	ErrConversionUnavailable = errors.New("audio: no conversion path between formats")
	// ErrBufferAllocationFailed means the output buffer could not be sized
	ErrBufferAllocationFailed = errors.New("audio: failed to allocate conversion buffer")
)

// DefaultMaxFrameBytes caps a single converted frame
const DefaultMaxFrameBytes = 64 << 20

// ConversionError reports a failure inside the resample step
type ConversionError struct {
	Detail string
}

func (e *ConversionError) Error() string {
	return "audio: conversion failed: " + e.Detail
}

// Converter adapts frames to a target format. It keeps one resampler and
// rebuilds it only when the input or target format changes between calls.
// A Converter is not safe for concurrent use; give each pipeline its own.
type Converter struct {
	resampler     *resampler
	maxFrameBytes int
	builds        int
}

// NewConverter creates a converter with the default output size cap
func NewConverter() *Converter {
	return &Converter{maxFrameBytes: DefaultMaxFrameBytes}
}

// SetMaxFrameBytes changes the largest output buffer the converter will allocate
func (c *Converter) SetMaxFrameBytes(n int) {
	c.maxFrameBytes = n
}

// Builds returns how many resamplers have been constructed so far
func (c *Converter) Builds() int {
	return c.builds
}

// Convert adapts frame to target. When the formats already match the frame is
// returned unchanged. The whole frame is consumed in a single call; callers must
// not assume one output frame per input frame in sample terms.
func (c *Converter) Convert(frame Frame, target Format) (Frame, error) {
	if frame.Format == target {
		return frame, nil
	}

	if c.resampler == nil || c.resampler.in != frame.Format || c.resampler.out != target {
		r, err := newResampler(frame.Format, target)
		if err != nil {
			return Frame{}, err
		}
		c.resampler = r
		c.builds++
	}

	if size := frame.Format.FrameBytes(); len(frame.Data)%size != 0 {
		return Frame{}, &ConversionError{Detail: fmt.Sprintf("input holds a partial sample frame (%d bytes, frame size %d)", len(frame.Data), size)}
	}

	n := frame.SampleCount()
	outLen, err := c.outputLength(n)
	if err != nil {
		return Frame{}, err
	}

	channels, err := c.resampler.process(frame.Channels(), outLen)
	if err != nil {
		return Frame{}, err
	}

	return Frame{
		Format:    target,
		Data:      EncodeChannels(channels, target),
		Timestamp: frame.Timestamp,
	}, nil
}

// outputLength sizes the output as ceil(n * outRate / inRate) sample frames
func (c *Converter) outputLength(n int) (int, error) {
	in := int64(c.resampler.in.SampleRate)
	out := int64(c.resampler.out.SampleRate)
	length := (int64(n)*out + in - 1) / in
	if length < 0 || length > math.MaxInt32 {
		return 0, ErrBufferAllocationFailed
	}
	if c.maxFrameBytes > 0 && length*int64(c.resampler.out.FrameBytes()) > int64(c.maxFrameBytes) {
		return 0, fmt.Errorf("%w: %d sample frames exceed %d bytes", ErrBufferAllocationFailed, length, c.maxFrameBytes)
	}
	return int(length), nil
}

// resampler maps channels and performs linear interpolation resampling.
// There is no priming: output sample 0 lines up with input sample 0, trading
// fidelity of the first few samples for zero timestamp drift.
type resampler struct {
	in  Format
	out Format
}

func newResampler(in, out Format) (*resampler, error) {
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("%w: input %v", ErrConversionUnavailable, err)
	}
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("%w: output %v", ErrConversionUnavailable, err)
	}
	if in.Channels != out.Channels && in.Channels != 1 && out.Channels != 1 {
		return nil, fmt.Errorf("%w: cannot map %d channels to %d", ErrConversionUnavailable, in.Channels, out.Channels)
	}
	return &resampler{in: in, out: out}, nil
}

func (r *resampler) process(channels [][]float64, outLen int) ([][]float64, error) {
	mapped := mapChannels(channels, r.out.Channels)
	result := make([][]float64, len(mapped))
	for c, samples := range mapped {
		resampled, err := resample(samples, r.in.SampleRate, r.out.SampleRate, outLen)
		if err != nil {
			return nil, err
		}
		result[c] = resampled
	}
	return result, nil
}

// mapChannels duplicates mono to every output channel or downmixes to mono by averaging
func mapChannels(channels [][]float64, outChannels int) [][]float64 {
	if len(channels) == outChannels {
		return channels
	}
	if len(channels) == 1 {
		out := make([][]float64, outChannels)
		for c := range out {
			out[c] = channels[0]
		}
		return out
	}
	n := len(channels[0])
	mono := make([]float64, n)
	for i := 0; i < n; i++ {
		sum := 0.0
		for c := range channels {
			sum += channels[c][i]
		}
		mono[i] = sum / float64(len(channels))
	}
	return [][]float64{mono}
}

// resample performs linear interpolation resampling into exactly outLen samples
func resample(samples []float64, inputRate, outputRate, outLen int) ([]float64, error) {
	output := make([]float64, outLen)
	if len(samples) == 0 {
		if outLen != 0 {
			return nil, &ConversionError{Detail: "empty input cannot produce output samples"}
		}
		return output, nil
	}
	if inputRate == outputRate {
		copy(output, samples)
		return output, nil
	}

	step := float64(inputRate) / float64(outputRate)
	last := len(samples) - 1
	for i := 0; i < outLen; i++ {
		srcPos := float64(i) * step
		idx0 := int(srcPos)
		if idx0 > last {
			idx0 = last
		}
		idx1 := idx0 + 1
		if idx1 > last {
			idx1 = last
		}
		fraction := srcPos - float64(idx0)
		if fraction > 1 {
			fraction = 1
		}
		v := samples[idx0]*(1.0-fraction) + samples[idx1]*fraction
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, &ConversionError{Detail: fmt.Sprintf("non-finite sample at output index %d", i)}
		}
		output[i] = v
	}
	return output, nil
}
