package router

import (
	"context"
	"errors"
	"runtime/debug"
	"time"

	"github.com/wirefold/wsrouter/heartbeat"
	"github.com/wirefold/wsrouter/internal/connid"
	"github.com/wirefold/wsrouter/observability"
	"github.com/wirefold/wsrouter/rpcmgr"
	"github.com/wirefold/wsrouter/schema"
	"github.com/wirefold/wsrouter/transport"
	"github.com/wirefold/wsrouter/wire"
	"github.com/wirefold/wsrouter/wserrors"
)

// Router implements transport.Handler: transports hand it raw frames and
// lifecycle edges, the pipeline below does everything else.
var _ transport.Handler = (*Router)(nil)

// HandleOpen registers the connection and runs OnOpen handlers. The
// connection starts unauthenticated; its first routable frame passes the auth
// chain.
func (r *Router) HandleOpen(conn transport.Conn) {
	sess := newSession(r, conn)
	r.sessions.Store(conn.ClientID(), sess)
	r.obs.ConnCount(r.connCount.Add(1))
	r.hb.Start(conn.ClientID(), conn)

	r.mu.RLock()
	open := append([]OpenHandler(nil), r.onOpen...)
	r.mu.RUnlock()
	for _, fn := range open {
		r.runIsolated("onOpen", func() { fn(sess) })
	}
}

// HandleClose cancels the connection's pending RPCs, tears down its
// subscriptions, and runs OnClose handlers. Cancel callbacks fire before the
// close handlers observe the connection.
func (r *Router) HandleClose(conn transport.Conn, code int, reason string) {
	v, ok := r.sessions.LoadAndDelete(conn.ClientID())
	if !ok {
		return
	}
	sess := v.(*Session)

	r.hb.Stop(conn.ClientID())
	r.mgr.Disconnect(conn.ClientID())
	r.ps.UnsubscribeAll(conn.ClientID())
	sess.markClosed()

	r.mu.RLock()
	closeHandlers := append([]CloseHandler(nil), r.onClose...)
	r.mu.RUnlock()
	for _, fn := range closeHandlers {
		r.runIsolated("onClose", func() { fn(sess, code, reason) })
	}

	r.obs.ConnCount(r.connCount.Add(-1))
	r.obs.ConnClosed(closeReasonFor(code, reason))
}

// HandlePong treats a pong as proof of life.
func (r *Router) HandlePong(conn transport.Conn) {
	r.hb.Activity(conn.ClientID())
}

// HandleMessage runs the inbound pipeline for one raw frame. Everything up to
// handler dispatch happens on the transport's read goroutine; the handler
// itself runs on the session's dispatch goroutine, so handlers of one
// connection start in frame receive order while the socket keeps reading.
func (r *Router) HandleMessage(conn transport.Conn, raw []byte) {
	v, ok := r.sessions.Load(conn.ClientID())
	if !ok {
		r.log.Warn("frame for unknown connection", "client_id", conn.ClientID())
		return
	}
	sess := v.(*Session)

	r.hb.Activity(conn.ClientID())

	if len(raw) > r.cfg.MaxPayloadBytes {
		r.handleOversize(sess, raw)
		return
	}

	f, err := wire.Normalize(raw)
	if err != nil {
		result := observability.MessageDroppedParse
		if errors.Is(err, wire.ErrNotObject) || errors.Is(err, wire.ErrMissingType) {
			result = observability.MessageDroppedShape
		}
		r.obs.Message(result)
		r.log.Debug("frame dropped", "client_id", sess.ClientID(), "err", err)
		return
	}

	if wire.IsControl(f.Type) {
		r.obs.Message(observability.MessageControl)
		r.handleControl(sess, f)
		return
	}

	if !sess.Authenticated() && !r.runAuth(sess, f) {
		return
	}

	rt, globalMW, ok := r.lookup(f.Type)
	if !ok {
		r.obs.Message(observability.MessageDroppedNoHandler)
		r.log.Debug("no handler for type", "client_id", sess.ClientID(), "type", f.Type)
		return
	}

	res := r.val.SafeParse(sess.ctx, rt.schema, f.Payload)
	if !res.OK {
		r.obs.Message(observability.MessageDroppedValidation)
		corr, hasCorr := f.CorrelationID()
		if schema.KindOf(rt.schema) == schema.KindRPC && hasCorr {
			if r.mgr.Exists(sess.ClientID(), corr) {
				// The correlation already belongs to an in-flight or just
				// finished RPC; answering would duplicate its terminal frame.
				r.obs.SendDropped(observability.SendDropTerminalDuplicate)
				r.log.Debug("validation error suppressed for known correlation",
					"client_id", sess.ClientID(), "correlation_id", corr)
				return
			}
			// No record exists, so this error bypasses the one-shot guard.
			r.sendRawError(sess, wserrors.MustRPC(corr), wserrors.CodeInvalidArgument,
				wserrors.Options{
					Message: "payload validation failed",
					Details: map[string]any{"issues": res.Issues},
				})
		} else {
			r.log.Debug("payload validation failed", "client_id", sess.ClientID(),
				"type", f.Type, "issues", len(res.Issues))
		}
		return
	}

	now := time.Now()
	f.Meta[wire.MetaClientID] = sess.ClientID()
	f.Meta[wire.MetaReceivedAt] = now.UnixMilli()

	c := &Context{
		r:         r,
		sess:      sess,
		ctx:       sess.ctx,
		frame:     f,
		rt:        rt,
		value:     res.Value,
		validated: true,
	}

	if schema.KindOf(rt.schema) == schema.KindRPC {
		if !r.admitRPC(c, now) {
			return
		}
	}

	r.obs.Message(observability.MessageDispatched)
	h := chain(rt.handler, globalMW, rt.mw)
	sess.enqueue(func() { r.dispatch(c, h) })
}

// admitRPC reserves the correlation id, arms the deadline, and registers the
// expiry notifications. Reports whether dispatch should proceed.
func (r *Router) admitRPC(c *Context, now time.Time) bool {
	corr, ok := c.frame.CorrelationID()
	if !ok {
		// Fire-and-forget RPC call: the reply still carries a correlation id,
		// the server just picks it.
		corr = connid.NewCorrelation()
		c.frame.Meta[wire.MetaCorrelationID] = corr
	}

	timeout := r.cfg.RPCTimeout
	if ms, ok := c.frame.TimeoutMs(); ok {
		timeout = time.Duration(ms) * time.Millisecond
	}
	// The ceiling binds the configured default too, not only client requests.
	if timeout > r.cfg.RPCTimeoutCeiling {
		timeout = r.cfg.RPCTimeoutCeiling
	}
	deadline := now.Add(timeout)

	admit, abortCtx := r.mgr.Admit(c.ClientID(), corr, now, deadline)
	switch admit {
	case rpcmgr.AdmitDuplicate:
		r.log.Debug("duplicate rpc suppressed", "client_id", c.ClientID(),
			"type", c.frame.Type, "correlation_id", corr)
		return false
	case rpcmgr.AdmitLimitExceeded:
		r.obs.RPCFinished(observability.RPCResultAdmissionDenied, 0)
		r.sendRawError(c.sess, wserrors.MustRPC(corr), wserrors.CodeResourceExhausted,
			wserrors.Options{
				Message:      "too many in-flight requests",
				RetryAfterMs: wserrors.Int64(100),
			})
		return false
	}

	// Expired RPCs answer the client even when the handler never returns.
	sess := c.sess
	r.mgr.RegisterCancel(c.ClientID(), corr, func(reason rpcmgr.CancelReason) {
		switch reason {
		case rpcmgr.ReasonDeadline:
			r.sendRawError(sess, wserrors.MustRPC(corr), wserrors.CodeDeadlineExceeded,
				wserrors.Options{Message: "rpc deadline exceeded"})
		case rpcmgr.ReasonIdle:
			r.sendRawError(sess, wserrors.MustRPC(corr), wserrors.CodeCancelled,
				wserrors.Options{Message: "rpc cancelled after idle timeout"})
		}
	})

	ctx, cancel := context.WithDeadline(abortCtx, deadline)
	c.ctx = ctx
	c.cancel = cancel
	c.rpc = true
	c.correlationID = corr
	c.deadline = deadline
	return true
}

// dispatch runs the middleware chain and handler, then settles RPC
// bookkeeping: handler errors map onto error envelopes, and RPCs that return
// without a terminal frame are warned about or, past their deadline, answered
// with DEADLINE_EXCEEDED.
func (r *Router) dispatch(c *Context, h Handler) {
	if c.cancel != nil {
		defer c.cancel()
	}

	var err error
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = &panicError{value: p}
				r.log.Error("handler panic", "type", c.Type(), "panic", p,
					"stack", string(debug.Stack()))
			}
		}()
		err = h(c)
	}()

	if err != nil {
		r.handleHandlerError(c, err)
		return
	}

	if c.rpc && !r.mgr.IsTerminal(c.ClientID(), c.correlationID) {
		if errors.Is(c.ctx.Err(), context.DeadlineExceeded) {
			r.finishRPCError(c.sess, c.correlationID, wserrors.CodeDeadlineExceeded,
				wserrors.Options{Message: "rpc deadline exceeded"},
				observability.RPCResultDeadlineExceeded)
			return
		}
		if !r.cfg.DisableIncompleteRPCWarn {
			r.log.Warn("rpc handler returned without a terminal frame",
				"type", c.Type(), "correlation_id", c.correlationID)
		}
	}
}

type panicError struct{ value any }

func (e *panicError) Error() string { return "handler panic" }

// handleHandlerError runs the OnError chain and, unless suppressed, sends the
// automatic error envelope. Coded errors keep their code and options; plain
// errors become INTERNAL with the error text withheld unless
// ExposeErrorDetails is set.
func (r *Router) handleHandlerError(c *Context, err error) {
	r.mu.RLock()
	handlers := append([]ErrorHandler(nil), r.onError...)
	r.mu.RUnlock()

	suppress := false
	for _, fn := range handlers {
		r.runIsolated("onError", func() {
			if fn(c, err) {
				suppress = true
			}
		})
	}
	if suppress || r.cfg.DisableAutoSendErrorOnThrow {
		return
	}

	code := wserrors.CodeInternal
	opts := wserrors.Options{Message: "internal error"}
	if ce, ok := wserrors.FromError(err); ok {
		code = ce.Code
		opts = ce.Opts
		if opts.Message == "" {
			opts.Message = ce.Message
		}
	} else if r.cfg.ExposeErrorDetails {
		opts.Message = err.Error()
	}

	if c.rpc {
		r.finishRPCError(c.sess, c.correlationID, code, opts, observability.RPCResultError)
	} else {
		r.sendRawError(c.sess, wserrors.Oneway(), code, opts)
	}

	switch code {
	case wserrors.CodeUnauthenticated:
		if r.cfg.Auth.CloseOnUnauthenticated {
			_ = c.sess.Close(1008, string(code))
		}
	case wserrors.CodePermissionDenied:
		if r.cfg.Auth.CloseOnPermissionDenied {
			_ = c.sess.Close(1008, string(code))
		}
	}
}

// runAuth passes the first routable frame through the auth chain. A failure
// answers with an error envelope (correlated when the frame carried a
// correlation id) and closes the connection with 1008; handshake-scope
// failures always close regardless of AuthConfig.
func (r *Router) runAuth(sess *Session, f *wire.Frame) bool {
	r.mu.RLock()
	handlers := append([]AuthHandler(nil), r.onAuth...)
	r.mu.RUnlock()

	c := &Context{r: r, sess: sess, ctx: sess.ctx, frame: f}
	for _, fn := range handlers {
		var err error
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.log.Error("auth handler panic", "client_id", sess.ClientID(), "panic", p)
					err = &panicError{value: p}
				}
			}()
			err = fn(c)
		}()
		if err == nil {
			continue
		}

		r.obs.Message(observability.MessageAuthFailed)
		code := wserrors.CodeUnauthenticated
		opts := wserrors.Options{Message: "authentication failed"}
		if ce, ok := wserrors.FromError(err); ok {
			code = ce.Code
			opts = ce.Opts
			if opts.Message == "" {
				opts.Message = ce.Message
			}
		}
		kind := wserrors.Oneway()
		if corr, hasCorr := f.CorrelationID(); hasCorr {
			kind = wserrors.MustRPC(corr)
		}
		r.sendRawError(sess, kind, code, opts)
		_ = sess.Close(1008, string(code))
		return false
	}

	sess.authenticate()
	return true
}

// handleControl dispatches reserved $ws: frames. Control frames bypass auth;
// an abort for an unknown correlation id is a no-op.
func (r *Router) handleControl(sess *Session, f *wire.Frame) {
	switch f.Type {
	case wire.TypeAbort:
		corr, ok := f.CorrelationID()
		if !ok {
			r.log.Debug("abort without correlation id", "client_id", sess.ClientID())
			return
		}
		r.mgr.Abort(sess.ClientID(), corr, rpcmgr.ReasonClientAbort)
	default:
		r.log.Debug("unknown control frame", "client_id", sess.ClientID(), "type", f.Type)
	}
}

// handleOversize applies the size-gate policy. The raw frame is scanned (not
// parsed) for a correlation id so an oversize RPC still gets a correlated
// rejection.
func (r *Router) handleOversize(sess *Session, raw []byte) {
	size := len(raw)
	r.obs.Message(observability.MessageOversize)
	r.log.Warn("oversize frame", "client_id", sess.ClientID(),
		"size", size, "limit", r.cfg.MaxPayloadBytes)

	if r.cfg.OnExceeded == ExceededCustom {
		r.mu.RLock()
		handlers := append([]LimitHandler(nil), r.onLimit...)
		r.mu.RUnlock()
		for _, fn := range handlers {
			r.runIsolated("onLimitExceeded", func() { fn(sess, size) })
		}
		return
	}

	kind := wserrors.Oneway()
	// A scanned correlation already held by an in-flight RPC falls back to an
	// uncorrelated rejection: that RPC still gets exactly one terminal frame.
	if corr, ok := wire.ScanCorrelationID(raw); ok && !r.mgr.Exists(sess.ClientID(), corr) {
		kind = wserrors.MustRPC(corr)
	}
	r.sendRawError(sess, kind, wserrors.CodeResourceExhausted, wserrors.Options{
		Message: "message exceeds size limit",
		Details: map[string]any{
			"limitBytes": r.cfg.MaxPayloadBytes,
			"sizeBytes":  size,
		},
		RetryAfterMs: wserrors.Int64(100),
	})

	if r.cfg.OnExceeded == ExceededClose {
		_ = sess.Close(r.cfg.CloseCode, "message too large")
	}
}

// runIsolated shields the pipeline from a panicking lifecycle handler.
func (r *Router) runIsolated(name string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("lifecycle handler panic", "hook", name, "panic", p)
		}
	}()
	fn()
}

func closeReasonFor(code int, reason string) observability.CloseReason {
	switch {
	case code == heartbeat.CloseCode && reason == heartbeat.CloseReason:
		return observability.CloseHeartbeatTimeout
	case code == 1000 || code == 1001:
		return observability.CloseNormal
	case code == 1008:
		return observability.ClosePolicyViolation
	case code == 1009:
		return observability.CloseMessageTooBig
	case code == 1006:
		return observability.CloseWriteError
	default:
		return observability.ClosePeerClosed
	}
}
