package wserrors

import "errors"

// ErrMissingCorrelation rejects construction of an RPC error kind without a
// correlation id.
var ErrMissingCorrelation = errors.New("rpc error kind requires a correlation id")

// Kind discriminates the two envelope shapes at construction time. The RPC
// variant cannot exist without a correlation id, which keeps
// "RPC_ERROR without correlation" unrepresentable.
type Kind struct {
	rpc           bool
	correlationID string
}

// Oneway is the kind for plain ERROR envelopes.
func Oneway() Kind { return Kind{} }

// RPC builds the kind for RPC_ERROR envelopes tied to correlationID.
func RPC(correlationID string) (Kind, error) {
	if correlationID == "" {
		return Kind{}, ErrMissingCorrelation
	}
	return Kind{rpc: true, correlationID: correlationID}, nil
}

// MustRPC is RPC, panicking on an empty correlation id. Intended for call
// sites that already hold a validated id.
func MustRPC(correlationID string) Kind {
	k, err := RPC(correlationID)
	if err != nil {
		panic(err)
	}
	return k
}

// IsRPC reports whether the kind produces an RPC_ERROR envelope.
func (k Kind) IsRPC() bool { return k.rpc }

// CorrelationID returns the bound correlation id (empty for oneway).
func (k Kind) CorrelationID() string { return k.correlationID }
