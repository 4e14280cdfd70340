package wire

import (
	"encoding/json"
	"errors"
	"regexp"
)

var (
	// ErrNotObject reports a frame whose top-level JSON value is not an object.
	ErrNotObject = errors.New("frame is not a json object")
	// ErrMissingType reports a frame without a string "type" discriminator.
	ErrMissingType = errors.New("frame type missing or not a string")
)

// Normalize decodes a raw JSON frame and enforces the envelope shape:
// top-level object, string "type", object "meta" (created when absent).
//
// Server-reserved meta keys (clientId, receivedAt) are deleted from the
// inbound meta here. This is the anti-spoofing boundary: the router re-injects
// server values into the validated frame, never into raw input.
func Normalize(raw []byte) (*Frame, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		// Distinguish "valid JSON, wrong shape" from a parse failure so the
		// caller can log the right reason.
		var probe any
		if jerr := json.Unmarshal(raw, &probe); jerr != nil {
			return nil, jerr
		}
		return nil, ErrNotObject
	}

	var typ string
	rawType, ok := top["type"]
	if !ok || json.Unmarshal(rawType, &typ) != nil || typ == "" {
		return nil, ErrMissingType
	}

	meta := map[string]any{}
	if rawMeta, ok := top["meta"]; ok {
		// A malformed meta (non-object) is replaced with an empty one rather
		// than failing the frame; only the discriminator is load-bearing here.
		_ = json.Unmarshal(rawMeta, &meta)
		if meta == nil {
			meta = map[string]any{}
		}
	}
	delete(meta, MetaClientID)
	delete(meta, MetaReceivedAt)

	f := &Frame{Type: typ, Meta: meta}
	if rawPayload, ok := top["payload"]; ok {
		f.HasPayload = true
		if err := json.Unmarshal(rawPayload, &f.Payload); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// correlationScanLimit bounds the lenient scan on oversize frames.
const correlationScanLimit = 64 * 1024

var correlationRe = regexp.MustCompile(`"correlationId"\s*:\s*"([^"]*)"`)

// ScanCorrelationID performs a bounded, read-only regex scan of a raw frame
// for a correlation id. It exists so that size-limit errors on RPC requests
// can still be correlated back to the caller without parsing the oversize
// body.
func ScanCorrelationID(raw []byte) (string, bool) {
	if len(raw) > correlationScanLimit {
		raw = raw[:correlationScanLimit]
	}
	m := correlationRe.FindSubmatch(raw)
	if m == nil || len(m[1]) == 0 {
		return "", false
	}
	return string(m[1]), true
}
