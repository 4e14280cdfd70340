package cmdutil

import (
	"encoding/json"
	"io"
)

// WriteJSON encodes v to w with a trailing newline, indented when pretty is
// set. CLI tools use it for machine-readable ready/status lines on stdout.
func WriteJSON(w io.Writer, v any, pretty bool) error {
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}
