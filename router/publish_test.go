package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wirefold/wsrouter/pubsub"
)

func TestPublishFansOutToSubscribers(t *testing.T) {
	r := newTestRouter(t, nil)
	a := openConn(t, r, "pub-a")
	b := openConn(t, r, "pub-b")
	c := openConn(t, r, "pub-c")

	sessA, _ := r.Session("pub-a")
	sessB, _ := r.Session("pub-b")
	require.NoError(t, sessA.Subscribe("room:1"))
	require.NoError(t, sessB.Subscribe("room:1"))

	res := r.Publish(context.Background(), "room:1", chatSchema,
		map[string]any{"text": "hello"}, PublishOptions{Meta: map[string]any{"roomId": "1"}})
	require.True(t, res.OK)
	require.NoError(t, res.Err)
	require.Equal(t, pubsub.CapabilityExact, res.Receipt.Capability)
	require.Equal(t, 2, res.Receipt.Matched)

	for _, conn := range []*fakeConn{a, b} {
		env := waitFrame(t, conn)
		require.Equal(t, "chat.message", env["type"])
		require.Equal(t, "hello", payloadOf(t, env)["text"])
		require.Equal(t, "1", metaOf(t, env)["roomId"])
		require.NotContains(t, metaOf(t, env), "clientId")
	}
	expectNoFrame(t, c)
}

func TestPublishValidatesBeforeDelivery(t *testing.T) {
	r := newTestRouter(t, nil)
	conn := openConn(t, r, "pv-a")
	sess, _ := r.Session("pv-a")
	require.NoError(t, sess.Subscribe("room:1"))

	res := r.Publish(context.Background(), "room:1", chatSchema,
		map[string]any{"wrong": true}, PublishOptions{})
	require.False(t, res.OK)
	require.Error(t, res.Err)
	expectNoFrame(t, conn)
}

func TestPublishRefusals(t *testing.T) {
	r := newTestRouter(t, nil)

	res := r.Publish(context.Background(), "t", chatSchema, map[string]any{"text": "x"},
		PublishOptions{ExcludeSelf: true})
	require.ErrorIs(t, res.Err, ErrExcludeSelfUnsupported)

	res = r.Publish(context.Background(), "t", addSchema, map[string]any{"a": 1, "b": 2},
		PublishOptions{})
	require.ErrorIs(t, res.Err, ErrPublishRPC)

	res = r.Publish(context.Background(), "t", nil, nil, PublishOptions{})
	require.ErrorIs(t, res.Err, ErrNilSchema)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	r := newTestRouter(t, nil)
	conn := openConn(t, r, "unsub-a")
	sess, _ := r.Session("unsub-a")
	require.NoError(t, sess.Subscribe("room:1"))
	sess.Unsubscribe("room:1")

	res := r.Publish(context.Background(), "room:1", chatSchema,
		map[string]any{"text": "x"}, PublishOptions{})
	require.True(t, res.OK)
	require.Equal(t, 0, res.Receipt.Matched)
	expectNoFrame(t, conn)
}

func TestCloseUnsubscribesConnection(t *testing.T) {
	r := newTestRouter(t, nil)
	conn := openConn(t, r, "closeunsub-a")
	sess, _ := r.Session("closeunsub-a")
	require.NoError(t, sess.Subscribe("room:1"))

	r.HandleClose(conn, 1000, "")
	res := r.Publish(context.Background(), "room:1", chatSchema,
		map[string]any{"text": "x"}, PublishOptions{})
	require.True(t, res.OK)
	require.Equal(t, 0, res.Receipt.Matched)
}

func TestTopicRouteRebroadcasts(t *testing.T) {
	topicSchema := chatSchema

	r := newTestRouter(t, nil)
	receipts := make(chan pubsub.Receipt, 1)
	require.NoError(t, r.Topic(topicSchema, func(topic string, receipt pubsub.Receipt) {
		require.Equal(t, "chat.message", topic)
		receipts <- receipt
	}))

	sender := openConn(t, r, "topic-sender")
	listener := openConn(t, r, "topic-listener")
	sess, _ := r.Session("topic-listener")
	require.NoError(t, sess.Subscribe("chat.message"))

	r.HandleMessage(sender, []byte(`{"type":"chat.message","payload":{"text":"fan out"}}`))

	env := waitFrame(t, listener)
	require.Equal(t, "chat.message", env["type"])
	require.Equal(t, "fan out", payloadOf(t, env)["text"])
	require.Equal(t, 1, (<-receipts).Matched)
}

func TestContextSubscribePublish(t *testing.T) {
	r := newTestRouter(t, nil)
	require.NoError(t, r.On(chatSchema, func(c *Context) error {
		if err := c.Subscribe("echo"); err != nil {
			return err
		}
		res := c.Publish("echo", chatSchema, map[string]any{"text": "self"}, PublishOptions{})
		return res.Err
	}))

	conn := openConn(t, r, "ctx-pub")
	r.HandleMessage(conn, []byte(`{"type":"chat.message","payload":{"text":"go"}}`))

	env := waitFrame(t, conn)
	require.Equal(t, "chat.message", env["type"])
	require.Equal(t, "self", payloadOf(t, env)["text"])
}
