// Package heartbeat schedules liveness pings per connection and closes
// connections whose pong deadline lapses.
package heartbeat

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/wirefold/wsrouter/observability"
)

// Close code and reason used for stale connections.
const (
	CloseCode   = 4000
	CloseReason = "HEARTBEAT_TIMEOUT"
)

// Conn is the slice of a transport connection the controller needs. Ping is
// best effort; transports without a ping control frame may no-op and rely on
// inbound frames as proof of life.
type Conn interface {
	Ping() error
	Close(code int, reason string) error
}

// Config enables the controller. A non-positive Interval disables it.
type Config struct {
	Interval time.Duration
	// Timeout is the grace period past the ping interval before a silent
	// connection is considered stale.
	Timeout time.Duration
	// OnStale runs before the stale connection is closed.
	OnStale func(clientID string)

	Log      *slog.Logger
	Observer observability.RouterObserver
}

type connState struct {
	conn       Conn
	lastSeenAt time.Time
	pingTimer  *time.Timer
	pongTimer  *time.Timer
	stopped    bool
}

// Controller tracks one heartbeat record per connection. Safe for concurrent
// use; all timers are cleared on Stop.
type Controller struct {
	cfg Config

	mu    sync.Mutex
	conns map[string]*connState
}

// New builds a controller. Returns nil when the config disables heartbeats;
// a nil *Controller is safe to call.
func New(cfg Config) *Controller {
	if cfg.Interval <= 0 {
		return nil
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Interval
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Observer == nil {
		cfg.Observer = observability.NoopRouterObserver
	}
	return &Controller{cfg: cfg, conns: make(map[string]*connState)}
}

// Start arms heartbeat timers for a newly opened connection.
func (c *Controller) Start(clientID string, conn Conn) {
	if c == nil || conn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.conns[clientID]; ok {
		stopLocked(prev)
	}
	st := &connState{conn: conn, lastSeenAt: time.Now()}
	st.pingTimer = time.AfterFunc(c.cfg.Interval, func() { c.ping(clientID) })
	st.pongTimer = time.AfterFunc(c.cfg.Interval+c.cfg.Timeout, func() { c.stale(clientID) })
	c.conns[clientID] = st
}

// Activity records proof of life (any inbound frame or a pong) and pushes the
// stale deadline out.
func (c *Controller) Activity(clientID string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.conns[clientID]
	if !ok || st.stopped {
		return
	}
	st.lastSeenAt = time.Now()
	st.pongTimer.Reset(c.cfg.Interval + c.cfg.Timeout)
}

// Stop clears the connection's timers. Idempotent.
func (c *Controller) Stop(clientID string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.conns[clientID]; ok {
		stopLocked(st)
		delete(c.conns, clientID)
	}
}

func stopLocked(st *connState) {
	st.stopped = true
	st.pingTimer.Stop()
	st.pongTimer.Stop()
}

func (c *Controller) ping(clientID string) {
	c.mu.Lock()
	st, ok := c.conns[clientID]
	if !ok || st.stopped {
		c.mu.Unlock()
		return
	}
	conn := st.conn
	st.pingTimer.Reset(c.cfg.Interval)
	c.mu.Unlock()

	if err := conn.Ping(); err != nil {
		// A failed ping is not fatal by itself; the pong deadline decides.
		c.cfg.Log.Debug("heartbeat ping failed", "client_id", clientID, "err", err)
	}
}

func (c *Controller) stale(clientID string) {
	c.mu.Lock()
	st, ok := c.conns[clientID]
	if !ok || st.stopped {
		c.mu.Unlock()
		return
	}
	stopLocked(st)
	delete(c.conns, clientID)
	conn := st.conn
	last := st.lastSeenAt
	c.mu.Unlock()

	c.cfg.Log.Warn("closing stale connection", "client_id", clientID, "last_seen", last)
	c.cfg.Observer.HeartbeatStale()
	if c.cfg.OnStale != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.cfg.Log.Error("onStale panic", "client_id", clientID, "panic", r)
				}
			}()
			c.cfg.OnStale(clientID)
		}()
	}
	_ = conn.Close(CloseCode, CloseReason)
}
