package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/transcriber/internal/observability"
)

const writeTimeout = 10 * time.Second

var errConnClosed = errors.New("connection closed")

var upgrader = websocket.Upgrader{
	// Browser clients are served from other origins; access control belongs
	// in front of this service
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
}

// streamLogger tags one websocket stream with a fresh correlation id
func streamLogger(stream string) zerolog.Logger {
	return observability.WithContext(map[string]interface{}{
		"component":      "server",
		"stream":         stream,
		"correlation_id": observability.NewCorrelationID(),
	})
}

type outgoing struct {
	msg    *ServerMessage
	binary []byte
	sent   chan error
}

// conn serializes writes to a websocket through a single writer goroutine
type conn struct {
	ws     *websocket.Conn
	out    chan outgoing
	done   chan struct{}
	once   sync.Once
	logger zerolog.Logger
}

func newConn(ws *websocket.Conn, logger zerolog.Logger) *conn {
	c := &conn{
		ws:     ws,
		out:    make(chan outgoing, 256),
		done:   make(chan struct{}),
		logger: logger,
	}
	go c.writeLoop()
	return c
}

func (c *conn) writeLoop() {
	for {
		select {
		case o := <-c.out:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			var err error
			if o.msg != nil {
				err = c.ws.WriteJSON(o.msg)
			} else {
				err = c.ws.WriteMessage(websocket.BinaryMessage, o.binary)
			}
			if o.sent != nil {
				o.sent <- err
			}
			if err != nil {
				c.logger.Warn().Err(err).Msg("WebSocket write failed")
				c.close()
				return
			}
		case <-c.done:
			c.drain()
			c.ws.SetWriteDeadline(time.Now().Add(time.Second))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// drain flushes JSON messages queued before close
func (c *conn) drain() {
	for {
		select {
		case o := <-c.out:
			if o.sent != nil {
				o.sent <- errConnClosed
				continue
			}
			c.ws.SetWriteDeadline(time.Now().Add(time.Second))
			if err := c.ws.WriteJSON(o.msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

// send queues a message without blocking. A full queue drops the message.
func (c *conn) send(msg ServerMessage) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.out <- outgoing{msg: &msg}:
	default:
		c.logger.Warn().Str("event", msg.Event).Msg("Outgoing queue full, dropping message")
	}
}

// sendBinary blocks until the data has been written, so callers are paced
// by the network
func (c *conn) sendBinary(ctx context.Context, data []byte) error {
	sent := make(chan error, 1)
	select {
	case c.out <- outgoing{binary: data, sent: sent}:
	case <-c.done:
		return errConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-sent:
		return err
	case <-c.done:
		return errConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *conn) sendError(err error) {
	c.send(ServerMessage{Event: EventError, Error: err.Error()})
}

// close stops the writer after it flushes a close frame. It does not close
// the socket; the read loop owns that.
func (c *conn) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *conn) closed() <-chan struct{} {
	return c.done
}
