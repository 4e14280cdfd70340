package cmdutil

import (
	"testing"
	"time"
)

func TestEnvString(t *testing.T) {
	t.Setenv("X", "  value  ")
	if got := EnvString("X", "fb"); got != "value" {
		t.Fatalf("got %q", got)
	}
	t.Setenv("X", "   ")
	if got := EnvString("X", "fb"); got != "fb" {
		t.Fatalf("blank should fall back, got %q", got)
	}
}

func TestEnvBool(t *testing.T) {
	t.Setenv("B", "")
	if got, err := EnvBool("B", true); err != nil || !got {
		t.Fatalf("got=%v err=%v", got, err)
	}
	t.Setenv("B", "false")
	if got, err := EnvBool("B", true); err != nil || got {
		t.Fatalf("got=%v err=%v", got, err)
	}
	t.Setenv("B", "maybe")
	if _, err := EnvBool("B", true); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvInt(t *testing.T) {
	t.Setenv("N", "42")
	if got, err := EnvInt("N", 7); err != nil || got != 42 {
		t.Fatalf("got=%v err=%v", got, err)
	}
	t.Setenv("N", "x")
	if _, err := EnvInt("N", 7); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("D", "")
	if got, err := EnvDuration("D", time.Minute); err != nil || got != time.Minute {
		t.Fatalf("got=%v err=%v", got, err)
	}
	t.Setenv("D", "1500ms")
	if got, err := EnvDuration("D", 0); err != nil || got != 1500*time.Millisecond {
		t.Fatalf("got=%v err=%v", got, err)
	}
}

func TestSplitCSVEnv(t *testing.T) {
	t.Setenv("CSV", " a, ,b,, c ")
	got := SplitCSVEnv("CSV")
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("parts = %#v", got)
	}
	t.Setenv("CSV", "")
	if got := SplitCSVEnv("CSV"); got != nil {
		t.Fatalf("expected nil, got %#v", got)
	}
}
