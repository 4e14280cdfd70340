// Package gorillaws serves routed connections over gorilla/websocket with a
// counted write queue backing the router's backpressure query.
package gorillaws

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wirefold/wsrouter/transport"
)

var (
	// ErrConnClosed rejects sends on a closed connection.
	ErrConnClosed = errors.New("websocket connection closed")
	// ErrWriteQueueFull rejects sends past the queue byte cap. The router's
	// backpressure policy normally fires first; this is the hard backstop.
	ErrWriteQueueFull = errors.New("websocket write queue full")
)

const controlWriteTimeout = 2 * time.Second

// Conn is one accepted websocket connection. Send enqueues onto a write pump
// so the read path never blocks on slow peers; queued bytes are what
// BufferedBytes reports.
type Conn struct {
	id string
	ws *websocket.Conn

	writeTimeout  time.Duration
	maxQueueBytes int64

	writeCh  chan []byte
	buffered atomic.Int64
	state    atomic.Int32

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(id string, ws *websocket.Conn, writeTimeout time.Duration, maxQueueBytes int64) *Conn {
	c := &Conn{
		id:            id,
		ws:            ws,
		writeTimeout:  writeTimeout,
		maxQueueBytes: maxQueueBytes,
		writeCh:       make(chan []byte, 256),
		done:          make(chan struct{}),
	}
	c.state.Store(int32(transport.StateOpen))
	return c
}

func (c *Conn) ClientID() string { return c.id }

func (c *Conn) ReadyState() transport.ReadyState {
	return transport.ReadyState(c.state.Load())
}

func (c *Conn) BufferedBytes() int64 { return c.buffered.Load() }

// Send enqueues one text frame. It fails fast when the connection is closed,
// the queue byte cap is exceeded, or ctx ends before the frame is accepted.
func (c *Conn) Send(ctx context.Context, frame []byte) error {
	if c.ReadyState() != transport.StateOpen {
		return ErrConnClosed
	}
	if c.maxQueueBytes > 0 && c.buffered.Load()+int64(len(frame)) > c.maxQueueBytes {
		return ErrWriteQueueFull
	}
	c.buffered.Add(int64(len(frame)))
	select {
	case c.writeCh <- frame:
		return nil
	case <-c.done:
		c.buffered.Add(-int64(len(frame)))
		return ErrConnClosed
	case <-ctx.Done():
		c.buffered.Add(-int64(len(frame)))
		return ctx.Err()
	}
}

// Ping sends a websocket ping control frame. Safe concurrently with the
// write pump (gorilla permits concurrent WriteControl).
func (c *Conn) Ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWriteTimeout))
}

// Close sends a close control frame and tears the socket down. Idempotent.
func (c *Conn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(transport.StateClosing))
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(controlWriteTimeout))
		close(c.done)
		_ = c.ws.Close()
		c.state.Store(int32(transport.StateClosed))
	})
	return nil
}

// writePump drains the queue. A write failure closes the connection; the
// read loop then observes the error and reports the close upstream.
func (c *Conn) writePump() {
	for {
		select {
		case frame := <-c.writeCh:
			if c.writeTimeout > 0 {
				_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			}
			err := c.ws.WriteMessage(websocket.TextMessage, frame)
			c.buffered.Add(-int64(len(frame)))
			if err != nil {
				_ = c.Close(websocket.CloseAbnormalClosure, "write_error")
				return
			}
		case <-c.done:
			return
		}
	}
}
