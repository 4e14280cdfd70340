// Package structtag adapts github.com/go-playground/validator/v10 to the
// validator port. Schemas carry a prototype struct; SafeParse decodes the
// payload into a fresh instance and returns the typed pointer as the
// validated value.
package structtag

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"reflect"

	playground "github.com/go-playground/validator/v10"

	"github.com/wirefold/wsrouter/schema"
)

const family = "structtag"

// Event builds an event schema from a prototype struct (value or pointer).
// A nil prototype means "any payload".
func Event(typ string, prototype any) *schema.Schema {
	return schema.New(family, typ, schema.KindEvent, prototypeType(prototype), nil)
}

// RPC builds a request schema with its response schema attached.
func RPC(typ string, reqPrototype any, respType string, respPrototype any) *schema.Schema {
	resp := schema.New(family, respType, schema.KindEvent, prototypeType(respPrototype), nil)
	return schema.New(family, typ, schema.KindRPC, prototypeType(reqPrototype), resp)
}

func prototypeType(prototype any) any {
	if prototype == nil {
		return nil
	}
	t := reflect.TypeOf(prototype)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

// Validator implements schema.Validator over struct tags.
type Validator struct {
	v *playground.Validate
}

func New() *Validator {
	return &Validator{v: playground.New(playground.WithRequiredStructEnabled())}
}

func (*Validator) Family() string { return family }

func (a *Validator) SafeParse(_ context.Context, s *schema.Schema, payload any) schema.Result {
	spec := s.Spec()
	if spec == nil {
		return schema.Ok(payload)
	}
	t, ok := spec.(reflect.Type)
	if !ok {
		return schema.Fail(schema.Issue{Message: "schema not owned by this adapter"})
	}
	target := reflect.New(t).Interface()
	b, err := json.Marshal(payload)
	if err != nil {
		return schema.Fail(schema.Issue{Message: err.Error()})
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return schema.Fail(schema.Issue{Message: err.Error()})
	}
	if err := a.v.Struct(target); err != nil {
		var verrs playground.ValidationErrors
		if errors.As(err, &verrs) {
			issues := make([]schema.Issue, 0, len(verrs))
			for _, fe := range verrs {
				issues = append(issues, schema.Issue{Path: fe.Namespace(), Message: "failed validation: " + fe.Tag()})
			}
			return schema.Fail(issues...)
		}
		return schema.Fail(schema.Issue{Message: err.Error()})
	}
	return schema.Ok(target)
}
