package structtag

import (
	"context"
	"testing"

	"github.com/wirefold/wsrouter/schema"
)

type loginReq struct {
	Email    string `json:"email" validate:"required,email"`
	Attempts int    `json:"attempts" validate:"gte=0"`
}

func TestSafeParseTypedValue(t *testing.T) {
	s := Event("auth.login", loginReq{})
	v := New()

	res := v.SafeParse(context.Background(), s, map[string]any{"email": "a@b.co", "attempts": 1})
	if !res.OK {
		t.Fatalf("valid payload rejected: %v", res.Issues)
	}
	typed, ok := res.Value.(*loginReq)
	if !ok || typed.Email != "a@b.co" {
		t.Fatalf("typed value: %#v", res.Value)
	}

	res = v.SafeParse(context.Background(), s, map[string]any{"email": "not-an-email"})
	if res.OK {
		t.Fatal("invalid email accepted")
	}

	// Unknown fields are rejected to keep wire payloads tight.
	res = v.SafeParse(context.Background(), s, map[string]any{"email": "a@b.co", "extra": true})
	if res.OK {
		t.Fatal("unknown field accepted")
	}
}

func TestNilPrototypeAcceptsAnything(t *testing.T) {
	s := Event("free.form", nil)
	res := New().SafeParse(context.Background(), s, map[string]any{"whatever": 1})
	if !res.OK {
		t.Fatalf("nil prototype rejected payload: %v", res.Issues)
	}
	if schema.KindOf(s) != schema.KindEvent {
		t.Fatalf("kind: %v", schema.KindOf(s))
	}
}
