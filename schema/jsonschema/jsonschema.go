// Package jsonschema adapts github.com/santhosh-tekuri/jsonschema/v5 to the
// validator port.
package jsonschema

import (
	"context"
	"encoding/json"
	"fmt"

	sj "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/wirefold/wsrouter/schema"
)

const family = "jsonschema"

// Event builds an event schema from a JSON Schema document. An empty document
// means "any payload".
func Event(typ string, schemaJSON string) (*schema.Schema, error) {
	spec, err := compile(typ, schemaJSON)
	if err != nil {
		return nil, err
	}
	return schema.New(family, typ, schema.KindEvent, spec, nil), nil
}

// RPC builds a request schema with its response schema attached.
func RPC(typ, reqJSON, respType, respJSON string) (*schema.Schema, error) {
	respSpec, err := compile(respType, respJSON)
	if err != nil {
		return nil, err
	}
	resp := schema.New(family, respType, schema.KindEvent, respSpec, nil)
	reqSpec, err := compile(typ, reqJSON)
	if err != nil {
		return nil, err
	}
	return schema.New(family, typ, schema.KindRPC, reqSpec, resp), nil
}

// MustEvent is Event, panicking on a bad schema document.
func MustEvent(typ, schemaJSON string) *schema.Schema {
	s, err := Event(typ, schemaJSON)
	if err != nil {
		panic(err)
	}
	return s
}

// MustRPC is RPC, panicking on a bad schema document.
func MustRPC(typ, reqJSON, respType, respJSON string) *schema.Schema {
	s, err := RPC(typ, reqJSON, respType, respJSON)
	if err != nil {
		panic(err)
	}
	return s
}

func compile(typ, schemaJSON string) (*sj.Schema, error) {
	if schemaJSON == "" {
		return nil, nil
	}
	s, err := sj.CompileString(typ+".schema.json", schemaJSON)
	if err != nil {
		return nil, fmt.Errorf("invalid schema for %q: %w", typ, err)
	}
	return s, nil
}

// Validator implements schema.Validator over compiled jsonschema documents.
type Validator struct{}

func New() *Validator { return &Validator{} }

func (*Validator) Family() string { return family }

func (*Validator) SafeParse(_ context.Context, s *schema.Schema, payload any) schema.Result {
	spec := s.Spec()
	if spec == nil {
		return schema.Ok(payload)
	}
	compiled, ok := spec.(*sj.Schema)
	if !ok {
		return schema.Fail(schema.Issue{Message: "schema not owned by this adapter"})
	}
	// The validator requires decoded JSON values; round-trip anything that
	// is not already one (structs from ctx.Send, for example).
	value := payload
	switch payload.(type) {
	case nil, bool, string, float64, map[string]any, []any:
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return schema.Fail(schema.Issue{Message: err.Error()})
		}
		if err := json.Unmarshal(b, &value); err != nil {
			return schema.Fail(schema.Issue{Message: err.Error()})
		}
	}
	if err := compiled.Validate(value); err != nil {
		var ve *sj.ValidationError
		if ok := asValidationError(err, &ve); ok {
			return schema.Fail(flatten(ve)...)
		}
		return schema.Fail(schema.Issue{Message: err.Error()})
	}
	return schema.Ok(payload)
}

func asValidationError(err error, out **sj.ValidationError) bool {
	ve, ok := err.(*sj.ValidationError)
	if !ok {
		return false
	}
	*out = ve
	return true
}

// flatten collects leaf causes so issues point at the failing location
// instead of the synthetic root error.
func flatten(ve *sj.ValidationError) []schema.Issue {
	if len(ve.Causes) == 0 {
		return []schema.Issue{{Path: ve.InstanceLocation, Message: ve.Message}}
	}
	var out []schema.Issue
	for _, c := range ve.Causes {
		out = append(out, flatten(c)...)
	}
	return out
}
