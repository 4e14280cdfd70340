package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wirefold/wsrouter/schema"
	gjs "github.com/wirefold/wsrouter/schema/gojsonschema"
	"github.com/wirefold/wsrouter/transport"
)

// fakeConn is an in-memory transport.Conn capturing everything the router
// sends.
type fakeConn struct {
	id     string
	sentCh chan []byte

	mu        sync.Mutex
	buffered  int64
	closed    bool
	closeCode int
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, sentCh: make(chan []byte, 64)}
}

func (c *fakeConn) ClientID() string { return c.id }

func (c *fakeConn) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errors.New("fake conn closed")
	}
	c.sentCh <- frame
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.closeCode = code
	}
	return nil
}

func (c *fakeConn) BufferedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

func (c *fakeConn) setBuffered(n int64) {
	c.mu.Lock()
	c.buffered = n
	c.mu.Unlock()
}

func (c *fakeConn) closedWith() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode
}

func (c *fakeConn) ReadyState() transport.ReadyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.StateClosed
	}
	return transport.StateOpen
}

func (c *fakeConn) Ping() error { return nil }

func newTestRouter(t *testing.T, mutate func(*Config)) *Router {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Validator = gjs.New()
	cfg.RPCCleanupInterval = 10 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func openConn(t *testing.T, r *Router, id string) *fakeConn {
	t.Helper()
	c := newFakeConn(id)
	r.HandleOpen(c)
	return c
}

func waitFrame(t *testing.T, c *fakeConn) map[string]any {
	t.Helper()
	select {
	case b := <-c.sentCh:
		var m map[string]any
		require.NoError(t, json.Unmarshal(b, &m))
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("expected a frame, got none")
		return nil
	}
}

func expectNoFrame(t *testing.T, c *fakeConn) {
	t.Helper()
	select {
	case b := <-c.sentCh:
		t.Fatalf("expected no frame, got %s", b)
	case <-time.After(80 * time.Millisecond):
	}
}

func payloadOf(t *testing.T, env map[string]any) map[string]any {
	t.Helper()
	p, ok := env["payload"].(map[string]any)
	require.True(t, ok, "envelope has no object payload: %v", env)
	return p
}

func metaOf(t *testing.T, env map[string]any) map[string]any {
	t.Helper()
	m, ok := env["meta"].(map[string]any)
	require.True(t, ok, "envelope has no meta: %v", env)
	return m
}

// Shared test schemas.
var (
	chatSchema = gjs.MustEvent("chat.message",
		`{"type":"object","required":["text"],"properties":{"text":{"type":"string"}}}`)
	addSchema = gjs.MustRPC("math.add",
		`{"type":"object","required":["a","b"]}`,
		"math.sum",
		`{"type":"object","required":["sum"]}`)
)

func TestNewRequiresValidator(t *testing.T) {
	_, err := New(DefaultConfig())
	if !errors.Is(err, ErrValidatorRequired) {
		t.Fatalf("err = %v, want ErrValidatorRequired", err)
	}
}

func TestRegistryRejections(t *testing.T) {
	r := newTestRouter(t, nil)
	noop := func(*Context) error { return nil }

	require.ErrorIs(t, r.On(nil, noop), ErrNilSchema)
	require.ErrorIs(t, r.On(gjs.MustEvent("$ws:evil", ""), noop), ErrReservedType)
	require.ErrorIs(t, r.On(schema.New("otherfam", "x", schema.KindEvent, nil, nil), noop), ErrFamilyMismatch)
	require.ErrorIs(t, r.On(addSchema, noop), ErrNotEvent)
	require.ErrorIs(t, r.RPC(chatSchema, noop), ErrNotRPC)
	require.ErrorIs(t, r.RPC(schema.New("gojsonschema", "r", schema.KindRPC, nil, nil), noop), ErrNoResponse)
	require.ErrorIs(t, r.UseFor("nope", func(h Handler) Handler { return h }), ErrUnknownRoute)
}

func TestOffRemovesRoute(t *testing.T) {
	r := newTestRouter(t, nil)
	require.NoError(t, r.On(chatSchema, func(*Context) error { return nil }))
	require.True(t, r.Off("chat.message"))
	require.False(t, r.Off("chat.message"))
	require.Empty(t, r.Routes())
}

func TestMiddlewareOrder(t *testing.T) {
	r := newTestRouter(t, nil)
	var mu sync.Mutex
	var order []string
	record := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(c *Context) error {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return next(c)
			}
		}
	}
	done := make(chan struct{})
	r.Use(record("g1"), record("g2"))
	require.NoError(t, r.On(chatSchema, func(*Context) error {
		mu.Lock()
		order = append(order, "handler")
		mu.Unlock()
		close(done)
		return nil
	}, record("route")))

	conn := openConn(t, r, "mw-conn")
	r.HandleMessage(conn, []byte(`{"type":"chat.message","payload":{"text":"hi"}}`))
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"g1", "g2", "route", "handler"}, order)
}

func TestMergeCombinesRoutesAndHooks(t *testing.T) {
	r := newTestRouter(t, nil)
	sub := newTestRouter(t, nil)

	done := make(chan struct{})
	require.NoError(t, sub.On(chatSchema, func(*Context) error {
		close(done)
		return nil
	}))
	require.NoError(t, r.Merge(sub))
	require.ErrorIs(t, r.Merge(nil), ErrNilRouter)
	require.Len(t, r.Routes(), 1)

	conn := openConn(t, r, "merge-conn")
	r.HandleMessage(conn, []byte(`{"type":"chat.message","payload":{"text":"hi"}}`))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("merged handler never ran")
	}
}

func TestSessionDataBag(t *testing.T) {
	r := newTestRouter(t, nil)
	conn := openConn(t, r, "data-conn")

	sess, ok := r.Session(conn.id)
	require.True(t, ok)
	sess.AssignData("user", "u-7")
	v, ok := sess.Data("user")
	require.True(t, ok)
	require.Equal(t, "u-7", v)

	_, ok = sess.Data("absent")
	require.False(t, ok)
}

func TestConnCount(t *testing.T) {
	r := newTestRouter(t, nil)
	a := openConn(t, r, "count-a")
	openConn(t, r, "count-b")
	require.Equal(t, int64(2), r.ConnCount())

	r.HandleClose(a, 1000, "")
	require.Equal(t, int64(1), r.ConnCount())
}
