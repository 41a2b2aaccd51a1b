package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lexiqai/transcriber/internal/audio"
)

// ErrDeviceClosed is returned when pushing audio into a closed device
var ErrDeviceClosed = errors.New("capture device closed")

// Device is an audio input. Once opened it calls deliver for every buffer it
// captures, from its own goroutine, until it is closed. deliver must not block.
type Device interface {
	// Format is the device's native format
	Format() audio.Format
	Open(ctx context.Context, deliver func(audio.Frame)) error
	Close() error
}

// Pauser is implemented by devices that can stop producing audio without
// being closed. Devices without it keep running while the engine discards
// their buffers.
type Pauser interface {
	Pause() error
	Resume() error
}

// Authorizer grants access to the microphone
type Authorizer interface {
	Authorize(ctx context.Context) (bool, error)
}

// AuthorizerFunc adapts a function to Authorizer
type AuthorizerFunc func(ctx context.Context) (bool, error)

func (f AuthorizerFunc) Authorize(ctx context.Context) (bool, error) {
	return f(ctx)
}

// AllowAll grants access without asking
var AllowAll Authorizer = AuthorizerFunc(func(context.Context) (bool, error) { return true, nil })

// PushDevice is a Device fed by an external source, such as a network client
// streaming raw PCM. Push delivers one buffer synchronously.
type PushDevice struct {
	format audio.Format

	mu      sync.Mutex
	deliver func(audio.Frame)
}

// NewPushDevice creates a device that produces audio in format
func NewPushDevice(format audio.Format) (*PushDevice, error) {
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("invalid device format: %w", err)
	}
	return &PushDevice{format: format}, nil
}

func (d *PushDevice) Format() audio.Format { return d.format }

func (d *PushDevice) Open(ctx context.Context, deliver func(audio.Frame)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.deliver != nil {
		return fmt.Errorf("capture device already open")
	}
	d.deliver = deliver
	return nil
}

// Push hands one buffer of PCM in the device format to the engine. The
// engine copies the data, so callers may reuse the slice.
func (d *PushDevice) Push(data []byte) error {
	d.mu.Lock()
	deliver := d.deliver
	d.mu.Unlock()

	if deliver == nil {
		return ErrDeviceClosed
	}
	deliver(audio.Frame{Format: d.format, Data: data})
	return nil
}

func (d *PushDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deliver = nil
	return nil
}
