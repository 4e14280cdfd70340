package pubsub

import (
	"context"
	"sync"
)

// Memory is an in-process PubSub with exact subscriber counting. Safe for
// concurrent use.
type Memory struct {
	mu     sync.RWMutex
	topics map[string]map[string]Subscriber
}

func NewMemory() *Memory {
	return &Memory{topics: make(map[string]map[string]Subscriber)}
}

func (m *Memory) Subscribe(topic, id string, sub Subscriber) error {
	if topic == "" || id == "" || sub == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.topics[topic]
	if subs == nil {
		subs = make(map[string]Subscriber)
		m.topics[topic] = subs
	}
	subs[id] = sub
	return nil
}

func (m *Memory) Unsubscribe(topic, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs := m.topics[topic]; subs != nil {
		delete(subs, id)
		if len(subs) == 0 {
			delete(m.topics, topic)
		}
	}
}

func (m *Memory) UnsubscribeAll(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for topic, subs := range m.topics {
		delete(subs, id)
		if len(subs) == 0 {
			delete(m.topics, topic)
		}
	}
}

// Publish delivers frame to the topic's current subscribers. Delivery errors
// are per-subscriber and do not fail the publish; the receipt counts the
// subscribers matched, not deliveries succeeded.
func (m *Memory) Publish(ctx context.Context, topic string, frame []byte) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{Capability: CapabilityExact}, err
	}
	m.mu.RLock()
	subs := make([]Subscriber, 0, len(m.topics[topic]))
	for _, s := range m.topics[topic] {
		subs = append(subs, s)
	}
	m.mu.RUnlock()

	for _, s := range subs {
		_ = s.Deliver(topic, frame)
	}
	return Receipt{Capability: CapabilityExact, Matched: len(subs)}, nil
}

// SubscriberCount returns the current exact subscriber count for topic.
func (m *Memory) SubscriberCount(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.topics[topic])
}
