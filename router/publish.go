package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/wirefold/wsrouter/observability"
	"github.com/wirefold/wsrouter/pubsub"
	"github.com/wirefold/wsrouter/schema"
	"github.com/wirefold/wsrouter/wire"
)

// Publish refusal errors.
var (
	// ErrExcludeSelfUnsupported: the delivery layer addresses subscriptions,
	// not publishers, so self-exclusion cannot be honored and is refused
	// uniformly rather than silently ignored.
	ErrExcludeSelfUnsupported = errors.New("router: excludeSelf is not supported")
	// ErrPublishRPC: request/response frames are socket-addressed; replies
	// must never fan out.
	ErrPublishRPC = errors.New("router: rpc schemas cannot be published")
)

// PublishOptions carries caller-controlled publish parameters.
type PublishOptions struct {
	// Meta entries are merged into the outbound frame meta. Server-reserved
	// keys are ignored.
	Meta map[string]any
	// ExcludeSelf is refused; see ErrExcludeSelfUnsupported.
	ExcludeSelf bool
}

// PublishResult reports a publish outcome, including the delivery layer's
// match-count capability.
type PublishResult struct {
	OK      bool
	Receipt pubsub.Receipt
	Err     error
}

// Publish validates payload against s, builds the outbound frame once, and
// hands it to the pub/sub layer for fan-out. Validation happens before
// delivery: an invalid payload reaches no subscriber.
func (r *Router) Publish(ctx context.Context, topic string, s *schema.Schema, payload any, opts PublishOptions) PublishResult {
	refuse := func(err error) PublishResult {
		r.obs.Publish(observability.PublishRefused)
		r.log.Warn("publish refused", "topic", topic, "err", err)
		return PublishResult{Err: err}
	}

	if s == nil {
		return refuse(ErrNilSchema)
	}
	if opts.ExcludeSelf {
		return refuse(ErrExcludeSelfUnsupported)
	}
	if schema.KindOf(s) == schema.KindRPC {
		return refuse(fmt.Errorf("%w: %q", ErrPublishRPC, schema.TypeOf(s)))
	}
	if s.Family() != r.val.Family() {
		return refuse(fmt.Errorf("%w: schema %q is %q, validator is %q",
			ErrFamilyMismatch, schema.TypeOf(s), s.Family(), r.val.Family()))
	}

	res := r.val.SafeParse(ctx, s, payload)
	if !res.OK {
		r.obs.Publish(observability.PublishValidation)
		r.log.Warn("publish payload validation failed",
			"topic", topic, "type", schema.TypeOf(s), "issues", len(res.Issues))
		return PublishResult{Err: fmt.Errorf("router: publish validation failed for %q: %v",
			schema.TypeOf(s), res.Issues)}
	}

	meta := make(map[string]any, len(opts.Meta))
	for k, v := range opts.Meta {
		if k == wire.MetaClientID || k == wire.MetaReceivedAt {
			continue
		}
		meta[k] = v
	}
	frame, err := marshalEnvelope(schema.TypeOf(s), meta, res.Value, true)
	if err != nil {
		r.obs.Publish(observability.PublishTransport)
		return PublishResult{Err: err}
	}

	receipt, err := r.ps.Publish(ctx, topic, frame)
	if err != nil {
		r.obs.Publish(observability.PublishTransport)
		return PublishResult{Receipt: receipt, Err: err}
	}
	r.obs.Publish(observability.PublishOK)
	return PublishResult{OK: true, Receipt: receipt}
}
