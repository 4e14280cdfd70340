// Package schema defines the validator port: a schema descriptor plus the
// three operations the router performs against any validation library
// (TypeOf, SafeParse, ResponseOf). Adapters live in subpackages; the router
// never introspects schema structure beyond this surface.
package schema

import "context"

// Kind distinguishes fire-and-forget events from request/response RPCs.
type Kind string

const (
	KindEvent Kind = "event"
	KindRPC   Kind = "rpc"
)

// Schema describes one routable message type. Instances are built by adapter
// packages; Spec holds the adapter-owned validation object.
type Schema struct {
	typ      string
	kind     Kind
	family   string
	response *Schema
	spec     any
}

// New builds a descriptor. It is intended for adapter packages, not
// application code.
func New(family, typ string, kind Kind, spec any, response *Schema) *Schema {
	return &Schema{typ: typ, kind: kind, family: family, spec: spec, response: response}
}

// TypeOf returns the routing discriminator literal.
func TypeOf(s *Schema) string {
	if s == nil {
		return ""
	}
	return s.typ
}

// ResponseOf returns the declared RPC response schema, or nil.
func ResponseOf(s *Schema) *Schema {
	if s == nil {
		return nil
	}
	return s.response
}

// KindOf returns the schema kind.
func KindOf(s *Schema) Kind {
	if s == nil {
		return ""
	}
	return s.kind
}

// Family identifies the adapter family the schema originated from. A router
// rejects registrations whose family does not match its bound validator.
func (s *Schema) Family() string {
	if s == nil {
		return ""
	}
	return s.family
}

// Spec exposes the adapter-owned validation object to its adapter.
func (s *Schema) Spec() any {
	if s == nil {
		return nil
	}
	return s.spec
}

// Issue is one validation failure.
type Issue struct {
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

// Result is the outcome of SafeParse. On success Value holds the validated
// (possibly transformed) payload.
type Result struct {
	OK     bool
	Value  any
	Issues []Issue
}

// Ok wraps a validated value.
func Ok(v any) Result { return Result{OK: true, Value: v} }

// Fail wraps validation issues.
func Fail(issues ...Issue) Result { return Result{Issues: issues} }

// Validator is the pluggable adapter bound to a router for its lifetime.
//
// SafeParse validates a payload value against the schema's payload spec and
// never panics; adapters that shell out to async validators honor ctx.
type Validator interface {
	Family() string
	SafeParse(ctx context.Context, s *Schema, payload any) Result
}
