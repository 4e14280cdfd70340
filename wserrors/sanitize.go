package wserrors

import (
	"encoding/json"
	"strings"
	"time"
)

// maxNestedDetailBytes caps the JSON serialization of any nested object kept
// in outbound details. Primitive strings pass through regardless of size.
const maxNestedDetailBytes = 500

var forbiddenDetailKeys = map[string]struct{}{
	"password":      {},
	"token":         {},
	"authorization": {},
	"cookie":        {},
	"secret":        {},
	"apikey":        {},
	"accesstoken":   {},
	"refreshtoken":  {},
	"credentials":   {},
	"auth":          {},
	"bearer":        {},
	"jwt":           {},
}

// SanitizeDetails strips credential-shaped keys (case-insensitive) at every
// nesting level and drops nested objects whose JSON form exceeds
// maxNestedDetailBytes. The input map is not mutated.
func SanitizeDetails(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		if _, bad := forbiddenDetailKeys[strings.ToLower(k)]; bad {
			continue
		}
		sv, keep := sanitizeValue(v)
		if !keep {
			continue
		}
		out[k] = sv
	}
	return out
}

func sanitizeValue(v any) (any, bool) {
	switch tv := v.(type) {
	case nil, bool, string, float64, float32,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		json.Number:
		return v, true
	case time.Time:
		return tv, true
	case map[string]any:
		nested := SanitizeDetails(tv)
		if oversizeJSON(nested) {
			return nil, false
		}
		return nested, true
	case []any:
		return sanitizeSlice(tv)
	case []map[string]any:
		// Handler-built detail lists; decoded JSON always arrives as []any.
		elems := make([]any, len(tv))
		for i, m := range tv {
			elems[i] = m
		}
		return sanitizeSlice(elems)
	default:
		// Structs and anything else count as nested objects: keep only when
		// their serialized form stays under the cap.
		if oversizeJSON(v) {
			return nil, false
		}
		return v, true
	}
}

// sanitizeSlice recurses into array elements so objects nested inside arrays
// cannot smuggle forbidden keys past the top-level strip. Elements dropped by
// sanitization are omitted.
func sanitizeSlice(elems []any) (any, bool) {
	out := make([]any, 0, len(elems))
	for _, e := range elems {
		se, keep := sanitizeValue(e)
		if !keep {
			continue
		}
		out = append(out, se)
	}
	if oversizeJSON(out) {
		return nil, false
	}
	return out, true
}

func oversizeJSON(v any) bool {
	b, err := json.Marshal(v)
	if err != nil {
		return true
	}
	return len(b) > maxNestedDetailBytes
}
