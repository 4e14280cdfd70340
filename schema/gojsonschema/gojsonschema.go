// Package gojsonschema adapts github.com/xeipuuv/gojsonschema to the
// validator port. Schemas are compiled fail-fast at construction.
package gojsonschema

import (
	"context"
	"encoding/json"
	"fmt"

	gjs "github.com/xeipuuv/gojsonschema"

	"github.com/wirefold/wsrouter/schema"
)

const family = "gojsonschema"

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

func compile(typ, schemaJSON string) (*gjs.Schema, error) {
	if schemaJSON == "" {
		return nil, nil
	}
	s, err := gjs.NewSchema(gjs.NewStringLoader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("invalid schema for %q: %w", typ, err)
	}
	return s, nil
}

// Validator implements schema.Validator over compiled gojsonschema documents.
type Validator struct{}

func New() *Validator { return &Validator{} }

func (*Validator) Family() string { return family }

func (*Validator) SafeParse(_ context.Context, s *schema.Schema, payload any) schema.Result {
	spec := s.Spec()
	if spec == nil {
		return schema.Ok(payload)
	}
	compiled, ok := spec.(*gjs.Schema)
	if !ok {
		return schema.Fail(schema.Issue{Message: "schema not owned by this adapter"})
	}
	// Round-trip through JSON so decoded values, structs, and nil all
	// validate uniformly.
	b, err := json.Marshal(payload)
	if err != nil {
		return schema.Fail(schema.Issue{Message: err.Error()})
	}
	res, err := compiled.Validate(gjs.NewBytesLoader(b))
	if err != nil {
		return schema.Fail(schema.Issue{Message: err.Error()})
	}
	if !res.Valid() {
		issues := make([]schema.Issue, 0, len(res.Errors()))
		for _, desc := range res.Errors() {
			issues = append(issues, schema.Issue{Path: desc.Field(), Message: desc.Description()})
		}
		return schema.Fail(issues...)
	}
	return schema.Ok(payload)
}
