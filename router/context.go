package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wirefold/wsrouter/observability"
	"github.com/wirefold/wsrouter/rpcmgr"
	"github.com/wirefold/wsrouter/schema"
	"github.com/wirefold/wsrouter/transport"
	"github.com/wirefold/wsrouter/wire"
	"github.com/wirefold/wsrouter/wserrors"
)

// ErrNotRPCContext is returned by RPC-only Context operations on an event
// context.
var ErrNotRPCContext = errors.New("router: not an rpc context")

// Context is the per-message view handed to handlers: the validated frame,
// the owning session, and the send surface. For RPC messages it additionally
// carries the correlation id, the deadline, and cancellation plumbing.
type Context struct {
	r    *Router
	sess *Session

	ctx    context.Context
	cancel context.CancelFunc

	frame     *wire.Frame
	rt        *route
	value     any
	validated bool

	rpc           bool
	correlationID string
	deadline      time.Time
}

// Context returns the message context. For RPCs it carries the deadline and
// is cancelled on client abort, disconnect, idle expiry, or deadline expiry;
// for events it ends with the connection.
func (c *Context) Context() context.Context { return c.ctx }

// Type returns the message type literal.
func (c *Context) Type() string { return c.frame.Type }

// Meta returns the frame meta after server injection: clientId and receivedAt
// hold the server's values regardless of what the client sent.
func (c *Context) Meta() map[string]any { return c.frame.Meta }

// Payload returns the validated payload. Adapters may have transformed it
// (for example into a typed struct); Bind is the raw-JSON alternative.
func (c *Context) Payload() any {
	if c.validated {
		return c.value
	}
	return c.frame.Payload
}

// Bind round-trips the raw payload JSON into v.
func (c *Context) Bind(v any) error {
	b, err := json.Marshal(c.frame.Payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func (c *Context) ClientID() string  { return c.sess.ClientID() }
func (c *Context) Session() *Session { return c.sess }

func (c *Context) AssignData(key string, value any) { c.sess.AssignData(key, value) }
func (c *Context) Data(key string) (any, bool)      { return c.sess.Data(key) }

func (c *Context) Subscribe(topic string) error { return c.sess.Subscribe(topic) }
func (c *Context) Unsubscribe(topic string)     { c.sess.Unsubscribe(topic) }

// IsRPC reports whether the message expects a terminal reply.
func (c *Context) IsRPC() bool { return c.rpc }

// CorrelationID returns the RPC correlation id ("" for events).
func (c *Context) CorrelationID() string { return c.correlationID }

// Deadline returns the RPC deadline (zero for events).
func (c *Context) Deadline() time.Time { return c.deadline }

// TimeRemaining returns the time left before the RPC deadline, clamped at
// zero.
func (c *Context) TimeRemaining() time.Duration {
	if c.deadline.IsZero() {
		return 0
	}
	if d := time.Until(c.deadline); d > 0 {
		return d
	}
	return 0
}

// OnCancel registers cb to run if the RPC is cancelled (client abort,
// disconnect, idle or deadline expiry). Callbacks run in registration order;
// the returned func unregisters. On an event context it is a no-op.
func (c *Context) OnCancel(cb func(reason rpcmgr.CancelReason)) (unregister func()) {
	if !c.rpc {
		return func() {}
	}
	return c.r.mgr.RegisterCancel(c.ClientID(), c.correlationID, cb)
}

// Send validates payload against s and transmits it on this socket only.
func (c *Context) Send(s *schema.Schema, payload any) error {
	return c.r.sendEvent(c.sess, s, payload)
}

// Publish validates payload against s and fans it out to topic subscribers.
func (c *Context) Publish(topic string, s *schema.Schema, payload any, opts PublishOptions) PublishResult {
	return c.r.Publish(c.ctx, topic, s, payload, opts)
}

// SendError sends an error envelope. On an RPC context it is terminal:
// competing with Reply under the one-shot guard, correlated, and suppressed
// if the RPC already finished. Error envelopes are never dropped for
// backpressure.
func (c *Context) SendError(code wserrors.Code, opts wserrors.Options) error {
	if !c.rpc {
		c.r.sendRawError(c.sess, wserrors.Oneway(), code, opts)
		return nil
	}
	c.r.finishRPCError(c.sess, c.correlationID, code, opts, observability.RPCResultError)
	return nil
}

// Reply sends the terminal RPC response. The payload is validated against the
// route's response schema before the one-shot guard is taken; a duplicate
// reply is suppressed. Under backpressure the reply is downgraded to a
// retryable RESOURCE_EXHAUSTED so the requester never waits on a frame that
// cannot be queued.
func (c *Context) Reply(payload any) error {
	if !c.rpc {
		return ErrNotRPCContext
	}
	resp := schema.ResponseOf(c.rt.schema)
	res := c.r.val.SafeParse(c.ctx, resp, payload)
	if !res.OK {
		return fmt.Errorf("router: reply validation failed for %q: %v", schema.TypeOf(resp), res.Issues)
	}

	if !c.r.mgr.ClaimTerminal(c.ClientID(), c.correlationID, observability.RPCResultReply) {
		c.r.obs.SendDropped(observability.SendDropTerminalDuplicate)
		c.r.log.Debug("terminal reply suppressed, rpc already finished",
			"type", c.Type(), "correlation_id", c.correlationID)
		return nil
	}

	if c.r.overPressure(c.sess.conn) {
		c.r.log.Warn("reply downgraded under backpressure",
			"type", c.Type(), "correlation_id", c.correlationID)
		c.r.sendRawError(c.sess, wserrors.MustRPC(c.correlationID), wserrors.CodeResourceExhausted,
			wserrors.Options{
				Message:      "server send buffer exhausted",
				RetryAfterMs: wserrors.Int64(100),
			})
		return nil
	}

	frame, err := marshalEnvelope(schema.TypeOf(resp), map[string]any{
		wire.MetaCorrelationID: c.correlationID,
	}, res.Value, true)
	if err != nil {
		return err
	}
	// The claim is already taken; send under the connection context so a
	// just-expired handler deadline cannot drop the terminal frame.
	return c.sess.conn.Send(c.sess.ctx, frame)
}

// Progress sends a non-terminal RPC progress frame and refreshes the idle
// clock. Progress after the terminal frame is dropped; under backpressure it
// is dropped unless KeepProgressOnBackpressure is set.
func (c *Context) Progress(payload any) error {
	if !c.rpc {
		return ErrNotRPCContext
	}
	if c.r.mgr.IsTerminal(c.ClientID(), c.correlationID) {
		c.r.obs.SendDropped(observability.SendDropProgressTerminal)
		c.r.log.Debug("progress dropped, rpc already finished",
			"type", c.Type(), "correlation_id", c.correlationID)
		return nil
	}
	if !c.r.cfg.KeepProgressOnBackpressure && c.r.overPressure(c.sess.conn) {
		c.r.obs.SendDropped(observability.SendDropProgressPressure)
		c.r.log.Debug("progress dropped under backpressure",
			"type", c.Type(), "correlation_id", c.correlationID)
		return nil
	}
	c.r.mgr.TouchProgress(c.ClientID(), c.correlationID)

	// Progress frames carry their value under "data", not "payload".
	env := map[string]any{
		"type": wire.TypeProgress,
		"meta": map[string]any{
			wire.MetaTimestamp:     time.Now().UnixMilli(),
			wire.MetaCorrelationID: c.correlationID,
		},
	}
	if payload != nil {
		env["data"] = payload
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.sess.conn.Send(c.sess.ctx, frame)
}

// marshalEnvelope assembles an outbound frame. meta entries are layered over
// the server timestamp.
func marshalEnvelope(typ string, meta map[string]any, payload any, hasPayload bool) ([]byte, error) {
	m := map[string]any{wire.MetaTimestamp: time.Now().UnixMilli()}
	for k, v := range meta {
		m[k] = v
	}
	env := map[string]any{"type": typ, "meta": m}
	if hasPayload {
		env["payload"] = payload
	}
	return json.Marshal(env)
}

// sendEvent validates and transmits a one-way frame on a single socket.
func (r *Router) sendEvent(sess *Session, s *schema.Schema, payload any) error {
	if s == nil {
		return ErrNilSchema
	}
	res := r.val.SafeParse(sess.ctx, s, payload)
	if !res.OK {
		return fmt.Errorf("router: send validation failed for %q: %v", schema.TypeOf(s), res.Issues)
	}
	frame, err := marshalEnvelope(schema.TypeOf(s), nil, res.Value, true)
	if err != nil {
		return err
	}
	return sess.conn.Send(sess.ctx, frame)
}

// overPressure reports whether the connection's buffered bytes have reached
// the configured limit. Transports that cannot report buffering keep the
// policy inert.
func (r *Router) overPressure(conn transport.Conn) bool {
	limit := r.cfg.SocketBufferLimitBytes
	if limit < 0 {
		return false
	}
	b := conn.BufferedBytes()
	return b >= 0 && b >= limit
}

// sendRawError builds and transmits an error envelope without touching the
// RPC table. Error envelopes are exempt from the backpressure policy; a
// breach is logged, never dropped.
func (r *Router) sendRawError(sess *Session, kind wserrors.Kind, code wserrors.Code, opts wserrors.Options) {
	env := r.errb.Build(kind, code, opts)
	frame, err := json.Marshal(env)
	if err != nil {
		r.log.Error("error envelope marshal failed", "code", string(code), "err", err)
		return
	}
	if r.overPressure(sess.conn) {
		r.log.Warn("sending error envelope despite backpressure",
			"client_id", sess.ClientID(), "code", string(code))
	}
	if err := sess.conn.Send(sess.ctx, frame); err != nil {
		r.log.Debug("error envelope send failed", "client_id", sess.ClientID(), "err", err)
	}
}

// finishRPCError terminates an RPC with an error envelope under the one-shot
// guard. Suppressed when the RPC already finished.
func (r *Router) finishRPCError(sess *Session, correlationID string, code wserrors.Code, opts wserrors.Options, result observability.RPCResult) {
	if !r.mgr.ClaimTerminal(sess.ClientID(), correlationID, result) {
		r.obs.SendDropped(observability.SendDropTerminalDuplicate)
		r.log.Debug("terminal error suppressed, rpc already finished",
			"correlation_id", correlationID, "code", string(code))
		return
	}
	r.sendRawError(sess, wserrors.MustRPC(correlationID), code, opts)
}
