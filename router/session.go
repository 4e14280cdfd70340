package router

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/wirefold/wsrouter/internal/contextutil"
	"github.com/wirefold/wsrouter/transport"
)

// deliverTimeout bounds how long a publish delivery may block on one slow
// connection's write queue.
const deliverTimeout = 5 * time.Second

// dispatchQueueDepth bounds frames queued behind a running handler before the
// transport read path blocks.
const dispatchQueueDepth = 256

// Connection lifecycle states and events. A connection authenticates on its
// first routable frame and stays authenticated until close.
const (
	stateHandshake = "handshake"
	stateReady     = "ready"
	stateClosed    = "closed"

	eventAuthenticate = "authenticate"
	eventClose        = "close"
)

func newLifecycle() *fsm.FSM {
	return fsm.NewFSM(stateHandshake,
		fsm.Events{
			{Name: eventAuthenticate, Src: []string{stateHandshake}, Dst: stateReady},
			{Name: eventClose, Src: []string{stateHandshake, stateReady}, Dst: stateClosed},
		},
		fsm.Callbacks{},
	)
}

// Session is the router's per-connection state: lifecycle, the data bag shared
// between handlers, and the connection's topic subscriptions. It is handed to
// lifecycle handlers and reachable from every Context.
type Session struct {
	r    *Router
	conn transport.Conn

	// ctx ends when the connection closes; event handlers run under it.
	ctx    context.Context
	cancel context.CancelFunc

	life *fsm.FSM

	// jobs serializes handler dispatch: one drain goroutine per connection
	// keeps handlers starting in frame receive order.
	jobs chan func()

	mu     sync.Mutex
	data   map[string]any
	topics map[string]struct{}
}

func newSession(r *Router, conn transport.Conn) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		r:      r,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		life:   newLifecycle(),
		jobs:   make(chan func(), dispatchQueueDepth),
		data:   make(map[string]any),
		topics: make(map[string]struct{}),
	}
	go s.dispatchLoop()
	return s
}

// dispatchLoop drains queued handlers one at a time, so frames of this
// connection reach their handlers in receive order. Handlers needing
// concurrency within one connection spawn their own goroutines. The loop ends
// with the session.
func (s *Session) dispatchLoop() {
	for {
		select {
		case job := <-s.jobs:
			job()
		case <-s.ctx.Done():
			return
		}
	}
}

// enqueue hands a frame's dispatch to the loop. A full queue blocks the
// transport read path, which is the intended backpressure. Frames arriving
// after close are dropped; their pending RPC records are cancelled by the
// disconnect path.
func (s *Session) enqueue(job func()) {
	select {
	case s.jobs <- job:
	case <-s.ctx.Done():
	}
}

func (s *Session) ClientID() string { return s.conn.ClientID() }

// Authenticated reports whether the first-message auth chain has passed.
func (s *Session) Authenticated() bool { return s.life.Is(stateReady) }

func (s *Session) authenticate() { _ = s.life.Event(s.ctx, eventAuthenticate) }

func (s *Session) markClosed() {
	_ = s.life.Event(context.Background(), eventClose)
	s.cancel()
}

// AssignData stores a value in the connection's data bag.
func (s *Session) AssignData(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
}

// Data reads a value from the connection's data bag.
func (s *Session) Data(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

// Subscribe adds the connection to a topic. Published frames for the topic are
// delivered on this socket until Unsubscribe or close.
func (s *Session) Subscribe(topic string) error {
	if err := s.r.ps.Subscribe(topic, s.ClientID(), s); err != nil {
		return err
	}
	s.mu.Lock()
	s.topics[topic] = struct{}{}
	s.mu.Unlock()
	return nil
}

// Unsubscribe removes the connection from a topic.
func (s *Session) Unsubscribe(topic string) {
	s.r.ps.Unsubscribe(topic, s.ClientID())
	s.mu.Lock()
	delete(s.topics, topic)
	s.mu.Unlock()
}

// Close closes the underlying connection.
func (s *Session) Close(code int, reason string) error {
	return s.conn.Close(code, reason)
}

// Deliver implements pubsub.Subscriber by writing the published frame to this
// connection. Delivery is best effort; a full write queue surfaces as an error
// to the pubsub implementation, never as a blocked publisher.
func (s *Session) Deliver(topic string, frame []byte) error {
	ctx, cancel := contextutil.WithTimeout(s.ctx, deliverTimeout)
	defer cancel()
	return s.conn.Send(ctx, frame)
}
