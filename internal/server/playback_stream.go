package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lexiqai/transcriber/internal/audio"
	"github.com/lexiqai/transcriber/internal/observability"
	"github.com/lexiqai/transcriber/internal/playback"
	"github.com/lexiqai/transcriber/internal/recording"
	"github.com/lexiqai/transcriber/internal/transcript"
)

// handlePlaybackStream plays /streams/playback?id= as binary PCM paced in
// real time. A started event carries the format before the first frame and
// whenever it changes; each frame is followed by a position event with the
// transcript runs to highlight. The client may send stop at any time.
func (s *Server) handlePlaybackStream(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}
	rec, err := s.manager.Store().Get(r.Context(), id)
	if errors.Is(err, recording.ErrNotFound) {
		http.Error(w, "recording not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("recording_id", id).Msg("Failed to load recording")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
		return
	}
	defer ws.Close()

	logger := observability.WithRecording(streamLogger("playback"), id)
	c := newConn(ws, logger)
	defer c.close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		sent     audio.Format
		position time.Duration
	)
	// Runs on the playback goroutine only
	sink := func(frame audio.Frame) error {
		if frame.Format != sent {
			sent = frame.Format
			c.send(ServerMessage{Event: EventStarted, RecordingID: id, Format: formatPayload(sent)})
		}
		if err := c.sendBinary(ctx, frame.Data); err != nil {
			return err
		}
		position += frame.Duration()
		ms := position.Milliseconds()
		c.send(ServerMessage{
			Event:       EventPosition,
			RecordingID: id,
			PositionMs:  &ms,
			Highlighted: transcript.HighlightedRuns(rec.Transcript, position),
		})
		return nil
	}

	finished := make(chan error, 1)
	_, err = s.manager.StartPlayback(ctx, id, playback.NewPacedRenderer(sink), func(err error) {
		finished <- err
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to start playback")
		c.sendError(err)
		return
	}

	go func() {
		defer cancel()
		for {
			messageType, data, err := ws.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Warn().Err(err).Msg("WebSocket read error")
				}
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			var msg ClientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				logger.Debug().Err(err).Msg("Ignoring unparsable client message")
				continue
			}
			if msg.Event == EventStop {
				return
			}
		}
	}()

	select {
	case err := <-finished:
		msg := ServerMessage{Event: EventFinished, RecordingID: id}
		if err != nil {
			msg.Error = err.Error()
		}
		c.send(msg)
	case <-ctx.Done():
		if err := s.manager.StopPlayback(id); err != nil {
			logger.Warn().Err(err).Msg("Failed to stop playback")
		}
		c.send(ServerMessage{Event: EventFinished, RecordingID: id})
	}
	logger.Info().Msg("Playback stream closed")
}
