// Package router is the message core: a type-keyed handler registry with
// middleware, connection lifecycle dispatch, the inbound pipeline (size gate,
// normalization, auth, validation, RPC admission), and the publish gateway.
// It implements transport.Handler; transports stay protocol-only.
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/wirefold/wsrouter/heartbeat"
	"github.com/wirefold/wsrouter/observability"
	"github.com/wirefold/wsrouter/pubsub"
	"github.com/wirefold/wsrouter/rpcmgr"
	"github.com/wirefold/wsrouter/schema"
	"github.com/wirefold/wsrouter/wire"
	"github.com/wirefold/wsrouter/wserrors"
)

// Registration errors.
var (
	ErrValidatorRequired = errors.New("router: config.Validator is required")
	ErrNilSchema         = errors.New("router: nil schema")
	ErrReservedType      = errors.New("router: message type uses the reserved control prefix")
	ErrFamilyMismatch    = errors.New("router: schema family does not match the bound validator")
	ErrNotEvent          = errors.New("router: schema is an rpc; register it with RPC")
	ErrNotRPC            = errors.New("router: schema is not an rpc")
	ErrNoResponse        = errors.New("router: rpc schema has no response descriptor")
	ErrUnknownRoute      = errors.New("router: no handler registered for type")
	ErrNilRouter         = errors.New("router: cannot merge a nil router")
)

// Handler processes one validated inbound message. For RPC routes
// c.Context() carries the deadline and is cancelled on abort, disconnect, or
// expiry.
type Handler func(c *Context) error

// Middleware wraps a Handler. Global middleware runs outside per-route
// middleware, registration order outermost first.
type Middleware func(Handler) Handler

// AuthHandler runs against the first routable frame of a connection. An error
// fails the handshake: the client gets an UNAUTHENTICATED envelope (or the
// coded error it unwraps to) and the connection closes with 1008.
type AuthHandler func(c *Context) error

// OpenHandler observes a new connection before any frame is routed.
type OpenHandler func(s *Session)

// CloseHandler observes a closed connection after its pending RPCs were
// cancelled.
type CloseHandler func(s *Session, code int, reason string)

// ErrorHandler observes a handler error before the automatic error envelope.
// Returning true suppresses the automatic envelope.
type ErrorHandler func(c *Context, err error) (suppress bool)

// LimitHandler observes an oversize inbound frame.
type LimitHandler func(s *Session, size int)

type route struct {
	schema  *schema.Schema
	handler Handler
	mw      []Middleware
}

// RouteInfo describes one registered route.
type RouteInfo struct {
	Type string
	Kind schema.Kind
}

// Router routes inbound frames to registered handlers and fans published
// frames out to subscribers. Registration is expected before serving; it is
// still mutex-guarded so late Merge calls do not race the pipeline.
type Router struct {
	cfg  Config
	log  *slog.Logger
	obs  observability.RouterObserver
	val  schema.Validator
	ps   pubsub.PubSub
	errb *wserrors.Builder
	mgr  *rpcmgr.Manager
	hb   *heartbeat.Controller

	mu       sync.RWMutex
	routes   map[string]*route
	globalMW []Middleware
	onOpen   []OpenHandler
	onClose  []CloseHandler
	onAuth   []AuthHandler
	onError  []ErrorHandler
	onLimit  []LimitHandler

	sessions  sync.Map // clientID -> *Session
	connCount atomic.Int64
}

// New builds a Router from cfg. The validator is mandatory; everything else
// falls back to DefaultConfig values.
func New(cfg Config) (*Router, error) {
	if cfg.Validator == nil {
		return nil, ErrValidatorRequired
	}
	cfg = cfg.withDefaults()
	r := &Router{
		cfg:    cfg,
		log:    cfg.Logger,
		obs:    cfg.Observer,
		val:    cfg.Validator,
		ps:     cfg.PubSub,
		errb:   &wserrors.Builder{Log: cfg.Logger},
		routes: make(map[string]*route),
	}
	r.mgr = rpcmgr.New(rpcmgr.Config{
		MaxInflightPerClient: cfg.RPCMaxInflightPerSocket,
		IdleTimeout:          cfg.RPCIdleTimeout,
		DedupWindow:          cfg.RPCDedupWindow,
		CleanupInterval:      cfg.RPCCleanupInterval,
		Log:                  cfg.Logger,
		Observer:             cfg.Observer,
	})
	r.hb = heartbeat.New(heartbeat.Config{
		Interval: cfg.Heartbeat.Interval,
		Timeout:  cfg.Heartbeat.Timeout,
		OnStale:  cfg.Heartbeat.OnStale,
		Log:      cfg.Logger,
		Observer: cfg.Observer,
	})
	return r, nil
}

// Close stops the RPC sweep loop. Open connections are owned by their
// transports and keep draining through HandleClose.
func (r *Router) Close() { r.mgr.Close() }

func (r *Router) checkSchema(s *schema.Schema) error {
	if s == nil {
		return ErrNilSchema
	}
	typ := schema.TypeOf(s)
	if typ == "" {
		return fmt.Errorf("router: schema has no type literal")
	}
	if wire.IsControl(typ) {
		return fmt.Errorf("%w: %q", ErrReservedType, typ)
	}
	if s.Family() != r.val.Family() {
		return fmt.Errorf("%w: schema %q is %q, validator is %q",
			ErrFamilyMismatch, typ, s.Family(), r.val.Family())
	}
	return nil
}

func (r *Router) register(s *schema.Schema, h Handler, mw []Middleware) {
	typ := schema.TypeOf(s)
	r.mu.Lock()
	if _, dup := r.routes[typ]; dup {
		r.log.Warn("handler re-registered, previous replaced", "type", typ)
	}
	r.routes[typ] = &route{schema: s, handler: h, mw: mw}
	r.mu.Unlock()
}

// On registers an event handler. Per-route middleware wraps inside global
// middleware. Re-registering a type replaces the previous handler with a
// warning.
func (r *Router) On(s *schema.Schema, h Handler, mw ...Middleware) error {
	if err := r.checkSchema(s); err != nil {
		return err
	}
	if schema.KindOf(s) == schema.KindRPC {
		return fmt.Errorf("%w: %q", ErrNotEvent, schema.TypeOf(s))
	}
	r.register(s, h, mw)
	return nil
}

// RPC registers a request/response handler. The schema must carry a response
// descriptor; replies are validated against it.
func (r *Router) RPC(s *schema.Schema, h Handler, mw ...Middleware) error {
	if err := r.checkSchema(s); err != nil {
		return err
	}
	if schema.KindOf(s) != schema.KindRPC {
		return fmt.Errorf("%w: %q", ErrNotRPC, schema.TypeOf(s))
	}
	if schema.ResponseOf(s) == nil {
		return fmt.Errorf("%w: %q", ErrNoResponse, schema.TypeOf(s))
	}
	r.register(s, h, mw)
	return nil
}

// Topic registers a broadcast route: inbound frames of this event type are
// validated and republished to the topic named by the type, fanning out to
// every subscribed connection. onPublish, when non-nil, observes each publish.
func (r *Router) Topic(s *schema.Schema, onPublish func(topic string, receipt pubsub.Receipt)) error {
	topic := schema.TypeOf(s)
	return r.On(s, func(c *Context) error {
		res := r.Publish(c.Context(), topic, s, c.Payload(), PublishOptions{})
		if onPublish != nil {
			onPublish(topic, res.Receipt)
		}
		return res.Err
	})
}

// Off removes a route and reports whether it existed.
func (r *Router) Off(typ string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.routes[typ]
	delete(r.routes, typ)
	return ok
}

// Use appends global middleware. It applies to every route, including routes
// registered later.
func (r *Router) Use(mw ...Middleware) {
	r.mu.Lock()
	r.globalMW = append(r.globalMW, mw...)
	r.mu.Unlock()
}

// UseFor appends middleware to one existing route.
func (r *Router) UseFor(typ string, mw ...Middleware) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.routes[typ]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRoute, typ)
	}
	rt.mw = append(rt.mw, mw...)
	return nil
}

// Lifecycle hooks. Handlers run in registration order.

func (r *Router) OnOpen(fn OpenHandler) {
	r.mu.Lock()
	r.onOpen = append(r.onOpen, fn)
	r.mu.Unlock()
}

func (r *Router) OnClose(fn CloseHandler) {
	r.mu.Lock()
	r.onClose = append(r.onClose, fn)
	r.mu.Unlock()
}

// OnAuth appends to the first-message auth chain. With no AuthHandlers
// registered the first routable frame authenticates trivially.
func (r *Router) OnAuth(fn AuthHandler) {
	r.mu.Lock()
	r.onAuth = append(r.onAuth, fn)
	r.mu.Unlock()
}

func (r *Router) OnError(fn ErrorHandler) {
	r.mu.Lock()
	r.onError = append(r.onError, fn)
	r.mu.Unlock()
}

func (r *Router) OnLimitExceeded(fn LimitHandler) {
	r.mu.Lock()
	r.onLimit = append(r.onLimit, fn)
	r.mu.Unlock()
}

// Merge copies other's routes, middleware, and lifecycle handlers into r.
// Conflicting types are replaced by other's route with a warning. The merged
// router keeps serving with r's config, validator, and pubsub.
func (r *Router) Merge(other *Router) error {
	if other == nil {
		return ErrNilRouter
	}
	if other.val.Family() != r.val.Family() {
		return fmt.Errorf("%w: merging %q into %q", ErrFamilyMismatch, other.val.Family(), r.val.Family())
	}

	other.mu.RLock()
	routes := make(map[string]*route, len(other.routes))
	for typ, rt := range other.routes {
		routes[typ] = rt
	}
	globalMW := append([]Middleware(nil), other.globalMW...)
	onOpen := append([]OpenHandler(nil), other.onOpen...)
	onClose := append([]CloseHandler(nil), other.onClose...)
	onAuth := append([]AuthHandler(nil), other.onAuth...)
	onError := append([]ErrorHandler(nil), other.onError...)
	onLimit := append([]LimitHandler(nil), other.onLimit...)
	other.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	for typ, rt := range routes {
		if _, dup := r.routes[typ]; dup {
			r.log.Warn("merge replaced existing handler", "type", typ)
		}
		r.routes[typ] = rt
	}
	r.globalMW = append(r.globalMW, globalMW...)
	r.onOpen = append(r.onOpen, onOpen...)
	r.onClose = append(r.onClose, onClose...)
	r.onAuth = append(r.onAuth, onAuth...)
	r.onError = append(r.onError, onError...)
	r.onLimit = append(r.onLimit, onLimit...)
	return nil
}

// Routes lists the registered routes, unordered.
func (r *Router) Routes() []RouteInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RouteInfo, 0, len(r.routes))
	for typ, rt := range r.routes {
		out = append(out, RouteInfo{Type: typ, Kind: schema.KindOf(rt.schema)})
	}
	return out
}

// Session returns the live session for clientID, if any.
func (r *Router) Session(clientID string) (*Session, bool) {
	v, ok := r.sessions.Load(clientID)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// ConnCount returns the number of live connections.
func (r *Router) ConnCount() int64 { return r.connCount.Load() }

func (r *Router) lookup(typ string) (*route, []Middleware, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.routes[typ]
	if !ok {
		return nil, nil, false
	}
	return rt, r.globalMW, true
}

// chain composes global and per-route middleware around h, registration order
// outermost first.
func chain(h Handler, global, perRoute []Middleware) Handler {
	for i := len(perRoute) - 1; i >= 0; i-- {
		h = perRoute[i](h)
	}
	for i := len(global) - 1; i >= 0; i-- {
		h = global[i](h)
	}
	return h
}
