package router

import (
	"io"
	"log/slog"
	"time"

	"github.com/wirefold/wsrouter/observability"
	"github.com/wirefold/wsrouter/pubsub"
	"github.com/wirefold/wsrouter/schema"
)

// OnExceededPolicy selects the reaction to an oversize inbound frame.
type OnExceededPolicy string

const (
	// ExceededSend answers with a RESOURCE_EXHAUSTED envelope.
	ExceededSend OnExceededPolicy = "send"
	// ExceededClose answers and then closes with Config.CloseCode.
	ExceededClose OnExceededPolicy = "close"
	// ExceededCustom only invokes OnLimitExceeded handlers.
	ExceededCustom OnExceededPolicy = "custom"
)

// AuthConfig controls connection closing on authorization failures raised by
// handlers outside handshake scope. Handshake-scope failures always close.
type AuthConfig struct {
	CloseOnUnauthenticated  bool
	CloseOnPermissionDenied bool
}

// HeartbeatConfig opts into liveness pings. A zero Interval disables them.
type HeartbeatConfig struct {
	Interval time.Duration
	Timeout  time.Duration
	OnStale  func(clientID string)
}

// Config tunes a Router. Start from DefaultConfig; New clamps out-of-range
// values back to their defaults.
type Config struct {
	// MaxPayloadBytes gates inbound frame size.
	MaxPayloadBytes int
	OnExceeded      OnExceededPolicy
	// CloseCode is used when OnExceeded is ExceededClose.
	CloseCode int

	// SocketBufferLimitBytes is the buffered-bytes threshold above which the
	// backpressure policy applies. Negative disables the policy.
	SocketBufferLimitBytes int64

	RPCTimeout         time.Duration
	RPCTimeoutCeiling  time.Duration
	RPCIdleTimeout     time.Duration
	RPCCleanupInterval time.Duration
	// RPCDedupWindow suppresses duplicate correlation ids after terminal
	// delivery. Zero means RPCIdleTimeout.
	RPCDedupWindow          time.Duration
	RPCMaxInflightPerSocket int

	// KeepProgressOnBackpressure sends progress frames even when the socket
	// is over its buffer limit; by default they are dropped.
	KeepProgressOnBackpressure bool
	// DisableAutoSendErrorOnThrow stops the automatic error envelope for
	// handler errors the OnError chain did not suppress.
	DisableAutoSendErrorOnThrow bool
	// ExposeErrorDetails forwards handler error text in INTERNAL envelopes.
	ExposeErrorDetails bool
	// DisableIncompleteRPCWarn silences the warning for RPC handlers that
	// return without a terminal frame.
	DisableIncompleteRPCWarn bool

	Auth      AuthConfig
	Heartbeat HeartbeatConfig

	Logger   *slog.Logger
	Observer observability.RouterObserver

	// Validator binds the router to one adapter family for its lifetime.
	Validator schema.Validator
	// PubSub defaults to the in-process implementation.
	PubSub pubsub.PubSub
}

// DefaultConfig returns the documented defaults. Validator must still be set
// by the caller. Behavior flags are phrased so the zero value is the default:
// a Config built from scratch behaves the same as this one.
func DefaultConfig() Config {
	return Config{
		MaxPayloadBytes:         1_000_000,
		OnExceeded:              ExceededSend,
		CloseCode:               1009,
		SocketBufferLimitBytes:  1_000_000,
		RPCTimeout:              30 * time.Second,
		RPCTimeoutCeiling:       5 * time.Minute,
		RPCIdleTimeout:          40 * time.Second,
		RPCCleanupInterval:      5 * time.Second,
		RPCMaxInflightPerSocket: 1000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = d.MaxPayloadBytes
	}
	switch c.OnExceeded {
	case ExceededSend, ExceededClose, ExceededCustom:
	default:
		c.OnExceeded = ExceededSend
	}
	if c.CloseCode <= 0 {
		c.CloseCode = d.CloseCode
	}
	if c.SocketBufferLimitBytes == 0 {
		c.SocketBufferLimitBytes = d.SocketBufferLimitBytes
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = d.RPCTimeout
	}
	if c.RPCTimeoutCeiling <= 0 {
		c.RPCTimeoutCeiling = d.RPCTimeoutCeiling
	}
	if c.RPCIdleTimeout <= 0 {
		c.RPCIdleTimeout = c.RPCTimeout + 10*time.Second
	}
	if c.RPCCleanupInterval <= 0 {
		c.RPCCleanupInterval = d.RPCCleanupInterval
	}
	if c.RPCDedupWindow <= 0 {
		c.RPCDedupWindow = c.RPCIdleTimeout
	}
	if c.RPCMaxInflightPerSocket <= 0 {
		c.RPCMaxInflightPerSocket = d.RPCMaxInflightPerSocket
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.Observer == nil {
		c.Observer = observability.NoopRouterObserver
	}
	if c.PubSub == nil {
		c.PubSub = pubsub.NewMemory()
	}
	return c
}
