// Package pubsub defines the topic fan-out port the router broadcasts
// through, plus an in-process implementation with exact subscriber counts.
package pubsub

import "context"

// Capability describes the fidelity of a publish receipt's matched count.
type Capability string

const (
	CapabilityExact    Capability = "exact"
	CapabilityEstimate Capability = "estimate"
	CapabilityUnknown  Capability = "unknown"
)

// Receipt reports delivery scope for one publish.
type Receipt struct {
	Capability Capability
	// Matched is meaningful for CapabilityExact and CapabilityEstimate.
	Matched int
}

// Subscriber receives published frames for topics it is attached to.
// Deliver must not retain frame past the call.
type Subscriber interface {
	Deliver(topic string, frame []byte) error
}

// PubSub is the pluggable broadcast implementation. Subscription state is
// owned here, not by the router.
type PubSub interface {
	Publish(ctx context.Context, topic string, frame []byte) (Receipt, error)
	Subscribe(topic, id string, sub Subscriber) error
	Unsubscribe(topic, id string)
	// UnsubscribeAll detaches id from every topic (connection teardown).
	UnsubscribeAll(id string)
}
