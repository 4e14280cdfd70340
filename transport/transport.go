// Package transport defines the platform adapter ports between the router
// core and concrete socket implementations.
package transport

import "context"

// ReadyState mirrors the connection lifecycle the router cares about.
type ReadyState int32

const (
	StateOpen ReadyState = iota
	StateClosing
	StateClosed
)

// BufferedUnknown is returned by BufferedBytes when the implementation
// cannot report its outbound buffer, disabling backpressure policy.
const BufferedUnknown int64 = -1

// Conn is one routed connection as seen by the core. Implementations must be
// safe for concurrent Send/Close.
type Conn interface {
	// ClientID is the stable id assigned at accept time.
	ClientID() string
	// Send enqueues one UTF-8 JSON text frame.
	Send(ctx context.Context, frame []byte) error
	// Close closes with a transport-mapped status code and reason.
	Close(code int, reason string) error
	// BufferedBytes reports outbound bytes not yet flushed, or
	// BufferedUnknown.
	BufferedBytes() int64
	ReadyState() ReadyState
	// Ping sends a transport-level liveness probe if the platform has one.
	Ping() error
}

// Handler is the router-side callback surface a transport drives.
type Handler interface {
	HandleOpen(conn Conn)
	HandleMessage(conn Conn, frame []byte)
	// HandlePong reports a transport-level pong control frame.
	HandlePong(conn Conn)
	HandleClose(conn Conn, code int, reason string)
}
