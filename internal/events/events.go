// Package events fans pipeline activity out over NATS so other services can
// follow recordings live.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/lexiqai/transcriber/internal/config"
	"github.com/lexiqai/transcriber/internal/observability"
	"github.com/lexiqai/transcriber/internal/recording"
)

// Event kinds, used as the second subject token
const (
	KindSegment = "segment"
	KindSync    = "sync"
	KindSession = "session"
)

// SegmentEvent is published for every finalized segment
type SegmentEvent struct {
	RecordingID string    `json:"recording_id"`
	Text        string    `json:"text"`
	StartMs     *int64    `json:"start_ms,omitempty"`
	EndMs       *int64    `json:"end_ms,omitempty"`
	At          time.Time `json:"at"`
}

// SyncEvent is published whenever a recording's sync status changes
type SyncEvent struct {
	RecordingID string               `json:"recording_id"`
	Status      recording.SyncStatus `json:"status"`
	At          time.Time            `json:"at"`
}

// SessionEvent is published on transcription session state changes
type SessionEvent struct {
	RecordingID string    `json:"recording_id"`
	State       string    `json:"state"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}

// Publisher sends events. Publishing is best-effort: failures are logged
// and never reach the pipeline.
type Publisher interface {
	PublishSegment(evt SegmentEvent)
	PublishSync(evt SyncEvent)
	PublishSession(evt SessionEvent)
	Close()
}

// Nop discards every event
type Nop struct{}

func (Nop) PublishSegment(SegmentEvent) {}
func (Nop) PublishSync(SyncEvent)       {}
func (Nop) PublishSession(SessionEvent) {}
func (Nop) Close()                      {}

// NATSPublisher publishes JSON events on {prefix}.{kind}.{recording_id}
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger zerolog.Logger
}

// Connect dials the NATS server at url
func Connect(url, prefix string) (*NATSPublisher, error) {
	if url == "" {
		return nil, errors.New("no NATS server configured")
	}
	if prefix == "" {
		prefix = "transcriber"
	}

	logger := observability.Component("events")
	conn, err := nats.Connect(url,
		nats.Name("transcriber"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("Disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	logger.Info().Str("url", url).Str("prefix", prefix).Msg("Connected to NATS")
	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger}, nil
}

// FromConfig returns Nop when events are not configured
func FromConfig(cfg *config.Config) (Publisher, error) {
	if !cfg.EventsEnabled() {
		return Nop{}, nil
	}
	return Connect(cfg.NATSURL, cfg.NATSSubjectPrefix)
}

// Subject returns the subject an event of kind for a recording is sent on
func (p *NATSPublisher) Subject(kind, recordingID string) string {
	return Subject(p.prefix, kind, recordingID)
}

// Subject builds {prefix}.{kind}.{recordingID}
func Subject(prefix, kind, recordingID string) string {
	return prefix + "." + kind + "." + recordingID
}

func (p *NATSPublisher) PublishSegment(evt SegmentEvent) {
	p.publish(KindSegment, evt.RecordingID, evt)
}

func (p *NATSPublisher) PublishSync(evt SyncEvent) {
	p.publish(KindSync, evt.RecordingID, evt)
}

func (p *NATSPublisher) PublishSession(evt SessionEvent) {
	p.publish(KindSession, evt.RecordingID, evt)
}

func (p *NATSPublisher) publish(kind, recordingID string, evt any) {
	data, err := json.Marshal(evt)
	if err != nil {
		p.logger.Error().Err(err).Str("kind", kind).Msg("Failed to encode event")
		return
	}
	subject := p.Subject(kind, recordingID)
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn().Err(err).Str("subject", subject).Msg("Failed to publish event")
		observability.RecordError("publish_failed", "events")
	}
}

// Healthy reports whether the connection is up
func (p *NATSPublisher) Healthy() bool {
	return p.conn != nil && p.conn.Status() == nats.CONNECTED
}

// Flush waits until published events have reached the server
func (p *NATSPublisher) Flush(timeout time.Duration) error {
	return p.conn.FlushTimeout(timeout)
}

// Close drains pending events and closes the connection
func (p *NATSPublisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to drain NATS connection")
		p.conn.Close()
	}
}
