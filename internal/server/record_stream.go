package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/transcriber/internal/capture"
	"github.com/lexiqai/transcriber/internal/pipeline"
	"github.com/lexiqai/transcriber/internal/recording"
	"github.com/lexiqai/transcriber/internal/transcript"
	"github.com/lexiqai/transcriber/internal/transcription"
)

const permissionTimeout = time.Minute

var (
	errNotStarted     = errors.New("recording not started")
	errAlreadyStarted = errors.New("recording already started")
)

// recordStream is one client capturing audio over a websocket
type recordStream struct {
	server      *Server
	conn        *conn
	logger      zerolog.Logger
	permissions chan bool

	mu         sync.Mutex
	starting   bool
	device     *capture.PushDevice
	frameBytes int
	recorder   *pipeline.Recorder
	followed   string
	gone       bool
}

// handleRecordStream accepts a capture stream. The client sends a start
// event with its PCM format and, once answered with started, audio as binary
// messages or media events, and finally stop. The connection stays open after stop so the client can
// follow the sync status of the recording.
func (s *Server) handleRecordStream(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
		return
	}
	defer ws.Close()

	logger := streamLogger("record")
	c := newConn(ws, logger)
	defer c.close()

	rs := &recordStream{
		server:      s,
		conn:        c,
		logger:      logger,
		permissions: make(chan bool, 1),
	}
	logger.Info().Str("remote", r.RemoteAddr).Msg("Record stream connected")

	rs.readLoop(r.Context(), ws)
	rs.finish()
	logger.Info().Msg("Record stream closed")
}

func (rs *recordStream) readLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				rs.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		if messageType == websocket.BinaryMessage {
			rs.push(data)
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			rs.logger.Warn().Err(err).Msg("Failed to parse client message")
			rs.conn.sendError(fmt.Errorf("invalid message: %w", err))
			continue
		}

		switch msg.Event {
		case EventStart:
			rs.start(ctx, msg.Start)

		case EventMedia:
			if msg.Media == nil {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				rs.logger.Warn().Err(err).Msg("Failed to decode media payload")
				continue
			}
			rs.push(pcm)

		case EventPause, EventResume:
			rs.pauseResume(msg.Event == EventPause)

		case EventStop:
			rs.stop(ctx)

		case EventPermission:
			granted := msg.Permission != nil && msg.Permission.Granted
			select {
			case rs.permissions <- granted:
			default:
			}

		default:
			rs.logger.Debug().Str("event", msg.Event).Msg("Unknown client event")
		}
	}
}

func (rs *recordStream) start(ctx context.Context, payload *StartPayload) {
	if payload == nil {
		payload = &StartPayload{}
	}
	format, err := payload.Format.Format()
	if err != nil {
		rs.conn.sendError(err)
		return
	}

	rs.mu.Lock()
	if rs.starting || rs.recorder != nil {
		rs.mu.Unlock()
		rs.conn.sendError(errAlreadyStarted)
		return
	}
	device, err := capture.NewPushDevice(format)
	if err != nil {
		rs.mu.Unlock()
		rs.conn.sendError(err)
		return
	}
	rs.starting = true
	rs.device = device
	rs.frameBytes = format.FrameBytes()
	rs.mu.Unlock()

	var authorizer capture.Authorizer = capture.AllowAll
	if rs.server.opts.RequirePermission {
		authorizer = capture.AuthorizerFunc(rs.askPermission)
	}

	// Setup can download a model and asks the client for permission, so it
	// must not hold up the read loop
	go func() {
		recorder, err := rs.server.manager.StartRecording(ctx, pipeline.RecordOptions{
			ID:                payload.RecordingID,
			Locale:            payload.Locale,
			Device:            device,
			Authorizer:        authorizer,
			VolatileMarker:    payload.VolatileMarker,
			OnState:           rs.onState,
			OnDownload:        rs.onDownload,
			OnTranscript:      rs.onTranscript,
			OnRecordingUpdate: rs.onRecording,
		})

		rs.mu.Lock()
		rs.starting = false
		if err != nil {
			rs.device = nil
			rs.mu.Unlock()
			rs.logger.Warn().Err(err).Msg("Failed to start recording")
			rs.conn.sendError(err)
			return
		}
		if rs.gone {
			rs.mu.Unlock()
			rs.stopOrphan(recorder)
			return
		}
		rs.recorder = recorder
		rs.follow(recorder.ID())
		rs.mu.Unlock()

		rs.logger.Info().Str("recording_id", recorder.ID()).Str("format", format.String()).Msg("Recording stream started")
		rs.conn.send(ServerMessage{Event: EventStarted, RecordingID: recorder.ID()})
	}()
}

// follow subscribes to hub updates for id; rs.mu must be held
func (rs *recordStream) follow(id string) {
	if rs.followed == id {
		return
	}
	if rs.followed != "" {
		rs.server.hub.unsubscribe(rs.followed, rs.conn)
	}
	rs.followed = id
	rs.server.hub.subscribe(id, rs.conn)
}

func (rs *recordStream) askPermission(ctx context.Context) (bool, error) {
	rs.conn.send(ServerMessage{Event: EventPermissionRequest})

	timer := time.NewTimer(permissionTimeout)
	defer timer.Stop()
	select {
	case granted := <-rs.permissions:
		return granted, nil
	case <-timer.C:
		return false, errors.New("permission request timed out")
	case <-rs.conn.closed():
		return false, errConnClosed
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (rs *recordStream) push(data []byte) {
	rs.mu.Lock()
	device, frameBytes, live := rs.device, rs.frameBytes, rs.recorder != nil
	rs.mu.Unlock()

	if device == nil || !live {
		rs.logger.Debug().Int("bytes", len(data)).Msg("Dropping audio received outside a recording")
		return
	}
	if len(data)%frameBytes != 0 {
		rs.logger.Warn().Int("bytes", len(data)).Int("frame_bytes", frameBytes).Msg("Dropping misaligned audio buffer")
		return
	}
	if err := device.Push(data); err != nil {
		rs.logger.Debug().Err(err).Msg("Audio arrived after the device closed")
	}
}

func (rs *recordStream) pauseResume(pause bool) {
	rs.mu.Lock()
	recorder := rs.recorder
	rs.mu.Unlock()
	if recorder == nil {
		rs.conn.sendError(errNotStarted)
		return
	}

	var err error
	if pause {
		err = recorder.Pause()
	} else {
		err = recorder.Resume()
	}
	if err != nil {
		rs.conn.sendError(err)
	}
}

func (rs *recordStream) stop(ctx context.Context) {
	rs.mu.Lock()
	recorder := rs.recorder
	rs.recorder = nil
	rs.device = nil
	rs.mu.Unlock()

	if recorder == nil {
		rs.conn.sendError(errNotStarted)
		return
	}

	rec, err := recorder.Stop(ctx)
	msg := ServerMessage{Event: EventStopped, RecordingID: recorder.ID()}
	if rec.ID != "" {
		msg.Recording = &rec
	}
	if err != nil {
		msg.Error = err.Error()
	}
	rs.conn.send(msg)
}

// finish runs after the client went away. An unfinished capture is stopped
// and saved.
func (rs *recordStream) finish() {
	rs.mu.Lock()
	recorder := rs.recorder
	rs.recorder = nil
	rs.gone = true
	followed := rs.followed
	rs.mu.Unlock()

	if followed != "" {
		rs.server.hub.unsubscribe(followed, rs.conn)
	}
	if recorder != nil {
		rs.stopOrphan(recorder)
	}
}

// stopOrphan saves a capture nobody is streaming to anymore
func (rs *recordStream) stopOrphan(recorder *pipeline.Recorder) {
	ctx, cancel := context.WithTimeout(context.Background(), rs.server.opts.StopTimeout)
	defer cancel()
	if _, err := recorder.Stop(ctx); err != nil {
		rs.logger.Warn().Err(err).Str("recording_id", recorder.ID()).Msg("Recording stopped with error after disconnect")
	}
}

func (rs *recordStream) onState(state transcription.State) {
	rs.conn.send(ServerMessage{Event: EventState, State: state.String()})
}

func (rs *recordStream) onDownload(progress *float64) {
	rs.conn.send(ServerMessage{Event: EventDownload, Progress: progress})
}

func (rs *recordStream) onTranscript(update transcript.Update) {
	rs.conn.send(ServerMessage{
		Event:     EventTranscript,
		Finalized: update.State.Finalized.String(),
		Volatile:  update.State.Volatile.String(),
		Segment:   update.Segment.String(),
		Final:     update.Final,
	})
}

func (rs *recordStream) onRecording(rec recording.Recording) {
	rs.conn.send(ServerMessage{Event: EventRecording, RecordingID: rec.ID, Recording: &rec})
}
