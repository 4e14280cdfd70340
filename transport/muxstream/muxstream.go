package muxstream

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/yamux"

	"github.com/wirefold/wsrouter/internal/connid"
	"github.com/wirefold/wsrouter/transport"
)

// ErrConnClosed rejects sends on a closed stream connection.
var ErrConnClosed = errors.New("stream connection closed")

// NewClientSession wraps a raw conn as the dialing side of a yamux session,
// applying defaults when cfg is nil.
func NewClientSession(conn net.Conn, cfg *yamux.Config) (*yamux.Session, error) {
	if cfg == nil {
		cfg = yamux.DefaultConfig()
	}
	return yamux.Client(conn, cfg)
}

// NewServerSession wraps a raw conn as the accepting side of a yamux session,
// applying defaults when cfg is nil.
func NewServerSession(conn net.Conn, cfg *yamux.Config) (*yamux.Session, error) {
	if cfg == nil {
		cfg = yamux.DefaultConfig()
	}
	return yamux.Server(conn, cfg)
}

// Server accepts yamux streams and drives a transport.Handler, treating each
// stream as one routed connection.
type Server struct {
	handler       transport.Handler
	maxFrameBytes int
}

func NewServer(handler transport.Handler, maxFrameBytes int) *Server {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	return &Server{handler: handler, maxFrameBytes: maxFrameBytes}
}

// ServeSession accepts streams until ctx ends or the session fails.
func (s *Server) ServeSession(ctx context.Context, sess *yamux.Session) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = sess.Close()
		case <-done:
		}
	}()

	for {
		stream, err := sess.AcceptStream()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go s.serveStream(sess, stream)
	}
}

func (s *Server) serveStream(sess *yamux.Session, stream *yamux.Stream) {
	conn := &Conn{id: connid.New(), sess: sess, stream: stream, done: make(chan struct{})}
	conn.state.Store(int32(transport.StateOpen))

	s.handler.HandleOpen(conn)
	code, reason := 1000, ""
	for {
		frame, err := ReadFrame(stream, s.maxFrameBytes)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				code, reason = 1006, err.Error()
			}
			break
		}
		s.handler.HandleMessage(conn, frame)
	}
	_ = conn.Close(1000, "")
	s.handler.HandleClose(conn, code, reason)
}

// Conn is one yamux stream carrying length-prefixed JSON frames. The stream
// has no outbound buffer query, so BufferedBytes reports unknown and the
// router's backpressure policy stays inert.
type Conn struct {
	id     string
	sess   *yamux.Session
	stream *yamux.Stream

	writeMu   sync.Mutex
	state     atomic.Int32
	closeOnce sync.Once
	done      chan struct{}
}

func (c *Conn) ClientID() string { return c.id }

func (c *Conn) ReadyState() transport.ReadyState {
	return transport.ReadyState(c.state.Load())
}

func (c *Conn) BufferedBytes() int64 { return transport.BufferedUnknown }

func (c *Conn) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.ReadyState() != transport.StateOpen {
		return ErrConnClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteFrame(c.stream, frame)
}

// Ping probes the whole session round-trip; yamux has no per-stream ping.
func (c *Conn) Ping() error {
	_, err := c.sess.Ping()
	return err
}

// Close tears the stream down. Status code and reason have no wire mapping
// on a yamux stream and are dropped.
func (c *Conn) Close(int, string) error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(transport.StateClosed))
		close(c.done)
		_ = c.stream.Close()
	})
	return nil
}
