package server

import (
	"fmt"

	"github.com/lexiqai/transcriber/internal/audio"
	"github.com/lexiqai/transcriber/internal/recording"
)

// Client events on /streams/record
const (
	EventStart      = "start"
	EventMedia      = "media"
	EventPause      = "pause"
	EventResume     = "resume"
	EventStop       = "stop"
	EventPermission = "permission"
)

// Server events
const (
	EventStarted           = "started"
	EventState             = "state"
	EventDownload          = "download"
	EventTranscript        = "transcript"
	EventRecording         = "recording"
	EventStopped           = "stopped"
	EventError             = "error"
	EventPermissionRequest = "permission_request"
	EventPosition          = "position"
	EventFinished          = "finished"
)

// ClientMessage is a JSON message from a streaming client. Raw PCM may also
// arrive as binary messages, which are treated like media payloads.
type ClientMessage struct {
	Event      string            `json:"event"`
	Start      *StartPayload     `json:"start,omitempty"`
	Media      *MediaPayload     `json:"media,omitempty"`
	Permission *PermissionAnswer `json:"permission,omitempty"`
}

// StartPayload opens a capture
type StartPayload struct {
	RecordingID    string        `json:"recording_id,omitempty"`
	Locale         string        `json:"locale,omitempty"`
	Format         FormatPayload `json:"format"`
	VolatileMarker bool          `json:"volatile_marker,omitempty"`
}

// FormatPayload describes the PCM the client sends
type FormatPayload struct {
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Sample     string `json:"sample"`
	Planar     bool   `json:"planar,omitempty"`
}

// Format converts the payload, defaulting to 16 kHz mono s16le
func (f FormatPayload) Format() (audio.Format, error) {
	sample, err := audio.ParseSampleType(f.Sample)
	if err != nil {
		return audio.Format{}, err
	}
	format := audio.Format{
		SampleRate:  f.SampleRate,
		Channels:    f.Channels,
		Sample:      sample,
		Interleaved: !f.Planar,
	}
	if format.SampleRate == 0 {
		format.SampleRate = audio.Mono16k.SampleRate
	}
	if format.Channels == 0 {
		format.Channels = 1
	}
	if err := format.Validate(); err != nil {
		return audio.Format{}, fmt.Errorf("invalid format: %w", err)
	}
	return format, nil
}

func formatPayload(f audio.Format) *FormatPayload {
	return &FormatPayload{
		SampleRate: f.SampleRate,
		Channels:   f.Channels,
		Sample:     f.Sample.String(),
		Planar:     !f.Interleaved,
	}
}

// MediaPayload carries base64 PCM in the started format
type MediaPayload struct {
	Payload string `json:"payload"`
}

// PermissionAnswer answers a permission_request
type PermissionAnswer struct {
	Granted bool `json:"granted"`
}

// ServerMessage is a JSON message to a streaming client
type ServerMessage struct {
	Event       string               `json:"event"`
	RecordingID string               `json:"recording_id,omitempty"`
	State       string               `json:"state,omitempty"`
	Progress    *float64             `json:"progress,omitempty"`
	Finalized   string               `json:"finalized,omitempty"`
	Volatile    string               `json:"volatile,omitempty"`
	Segment     string               `json:"segment,omitempty"`
	Final       bool                 `json:"final,omitempty"`
	Recording   *recording.Recording `json:"recording,omitempty"`
	Format      *FormatPayload       `json:"format,omitempty"`
	PositionMs  *int64               `json:"position_ms,omitempty"`
	Highlighted []int                `json:"highlighted,omitempty"`
	Error       string               `json:"error,omitempty"`
}
