package cmdutil

import (
	"bytes"
	"strings"
	"testing"
)

func TestWriteJSONCompact(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteJSON(&buf, map[string]any{"status": "ready"}, false); err != nil {
		t.Fatal(err)
	}
	got := buf.String()
	if got != `{"status":"ready"}`+"\n" {
		t.Fatalf("output = %q", got)
	}
}

func TestWriteJSONPretty(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteJSON(&buf, map[string]any{"status": "ready"}, true); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "\n  ") {
		t.Fatalf("expected indented output, got %q", buf.String())
	}
}
