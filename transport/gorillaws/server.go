package gorillaws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wirefold/wsrouter/internal/connid"
	"github.com/wirefold/wsrouter/transport"
)

// Options exposes the websocket upgrader and per-connection write controls.
type Options struct {
	ReadBufferSize  int
	WriteBufferSize int
	// CheckOrigin is passed to the upgrader. Nil keeps gorilla's same-origin
	// default.
	CheckOrigin func(r *http.Request) bool

	// MaxPayloadBytes should match the router's size gate. The websocket
	// read limit is set with slack above it so the router can still answer
	// oversize RPC frames instead of the socket dropping them.
	MaxPayloadBytes int64

	WriteTimeout  time.Duration
	MaxQueueBytes int64
}

// readLimitFor leaves room above the router's gate for envelope overhead and
// for oversize frames the router wants to see (to extract a correlation id)
// before rejecting.
func readLimitFor(maxPayloadBytes int64) int64 {
	if maxPayloadBytes <= 0 {
		return 0
	}
	return 2 * maxPayloadBytes
}

// Server upgrades HTTP requests and drives a transport.Handler with the
// resulting connections.
type Server struct {
	handler transport.Handler
	opts    Options
}

func NewServer(handler transport.Handler, opts Options) *Server {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &Server{handler: handler, opts: opts}
}

// ServeHTTP upgrades the request and blocks on the connection's read loop.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{
		ReadBufferSize:  s.opts.ReadBufferSize,
		WriteBufferSize: s.opts.WriteBufferSize,
		CheckOrigin:     s.opts.CheckOrigin,
	}
	ws, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.serveConn(ws)
}

func (s *Server) serveConn(ws *websocket.Conn) {
	conn := newConn(connid.New(), ws, s.opts.WriteTimeout, s.opts.MaxQueueBytes)
	if limit := readLimitFor(s.opts.MaxPayloadBytes); limit > 0 {
		ws.SetReadLimit(limit)
	}
	ws.SetPongHandler(func(string) error {
		s.handler.HandlePong(conn)
		return nil
	})

	go conn.writePump()
	s.handler.HandleOpen(conn)

	code, reason := websocket.CloseNormalClosure, ""
	for {
		mt, frame, err := ws.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				code, reason = ce.Code, ce.Text
			} else {
				code, reason = websocket.CloseAbnormalClosure, err.Error()
			}
			break
		}
		if mt != websocket.TextMessage {
			// The wire protocol is UTF-8 JSON text frames; anything else is
			// dropped.
			continue
		}
		s.handler.HandleMessage(conn, frame)
	}

	_ = conn.Close(websocket.CloseNormalClosure, "")
	s.handler.HandleClose(conn, code, reason)
}
