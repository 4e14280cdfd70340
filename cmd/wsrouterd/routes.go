package main

import (
	"fmt"
	"log/slog"

	"github.com/wirefold/wsrouter/pubsub"
	"github.com/wirefold/wsrouter/router"
	gjs "github.com/wirefold/wsrouter/schema/gojsonschema"
)

// Demo message surface: an echo RPC, a broadcast chat topic, and a
// subscription control event.
var (
	echoSchema = gjs.MustRPC("demo.echo",
		`{"type":"object","required":["message"],"properties":{"message":{"type":"string"}},"additionalProperties":false}`,
		"demo.echo.reply",
		`{"type":"object","required":["message","clientId"],"properties":{"message":{"type":"string"},"clientId":{"type":"string"}}}`)

	chatSchema = gjs.MustEvent("demo.chat",
		`{"type":"object","required":["text"],"properties":{"text":{"type":"string","maxLength":4096}}}`)

	joinSchema = gjs.MustEvent("demo.join",
		`{"type":"object","required":["topic"],"properties":{"topic":{"type":"string","minLength":1}}}`)

	leaveSchema = gjs.MustEvent("demo.leave",
		`{"type":"object","required":["topic"],"properties":{"topic":{"type":"string","minLength":1}}}`)
)

func registerRoutes(r *router.Router, log *slog.Logger) error {
	if err := r.RPC(echoSchema, func(c *router.Context) error {
		var req struct {
			Message string `json:"message"`
		}
		if err := c.Bind(&req); err != nil {
			return err
		}
		return c.Reply(map[string]any{
			"message":  req.Message,
			"clientId": c.ClientID(),
		})
	}); err != nil {
		return err
	}

	if err := r.Topic(chatSchema, func(topic string, receipt pubsub.Receipt) {
		log.Debug("chat broadcast", "topic", topic, "matched", receipt.Matched)
	}); err != nil {
		return err
	}

	if err := r.On(joinSchema, func(c *router.Context) error {
		topic, err := topicOf(c)
		if err != nil {
			return err
		}
		return c.Subscribe(topic)
	}); err != nil {
		return err
	}

	return r.On(leaveSchema, func(c *router.Context) error {
		topic, err := topicOf(c)
		if err != nil {
			return err
		}
		c.Unsubscribe(topic)
		return nil
	})
}

func topicOf(c *router.Context) (string, error) {
	var req struct {
		Topic string `json:"topic"`
	}
	if err := c.Bind(&req); err != nil {
		return "", err
	}
	if req.Topic == "" {
		return "", fmt.Errorf("empty topic")
	}
	return req.Topic, nil
}
