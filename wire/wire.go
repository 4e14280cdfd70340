// Package wire defines the JSON message envelope and the inbound
// normalization step that every frame passes before validation.
package wire

// Reserved meta keys. ClientID and ReceivedAt are server-controlled: the
// normalizer strips them from inbound frames and the router re-injects the
// server values after validation.
const (
	MetaClientID       = "clientId"
	MetaReceivedAt     = "receivedAt"
	MetaTimestamp      = "timestamp"
	MetaCorrelationID  = "correlationId"
	MetaTimeoutMs      = "timeoutMs"
	MetaIdempotencyKey = "idempotencyKey"
)

// ReservedTypePrefix marks control frames. User message types must not use it.
const ReservedTypePrefix = "$ws:"

// Control frame types.
const (
	TypeAbort    = ReservedTypePrefix + "abort"
	TypeProgress = ReservedTypePrefix + "rpc-progress"
)

// Outbound error envelope types.
const (
	TypeError    = "ERROR"
	TypeRPCError = "RPC_ERROR"
)

// IsControl reports whether typ is a reserved control frame type.
func IsControl(typ string) bool {
	return len(typ) >= len(ReservedTypePrefix) && typ[:len(ReservedTypePrefix)] == ReservedTypePrefix
}

// Frame is a decoded, normalized message envelope.
//
// Meta is always non-nil after Normalize. Payload preserves the decoded JSON
// value (map[string]any, []any, string, float64, bool, or nil).
type Frame struct {
	Type    string
	Meta    map[string]any
	Payload any

	// HasPayload distinguishes an explicit null payload from an absent one.
	HasPayload bool
}

// CorrelationID returns the client-supplied correlation id, if any.
func (f *Frame) CorrelationID() (string, bool) {
	if f == nil || f.Meta == nil {
		return "", false
	}
	s, ok := f.Meta[MetaCorrelationID].(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// TimeoutMs returns the client-requested RPC timeout in milliseconds, if any.
// Non-positive and non-numeric values are ignored.
func (f *Frame) TimeoutMs() (int64, bool) {
	if f == nil || f.Meta == nil {
		return 0, false
	}
	v, ok := f.Meta[MetaTimeoutMs].(float64)
	if !ok || v <= 0 {
		return 0, false
	}
	return int64(v), true
}
