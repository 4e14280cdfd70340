package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wsrouterd.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != "127.0.0.1:0" {
		t.Fatalf("Listen = %q", cfg.Listen)
	}
	if !cfg.Metrics {
		t.Fatal("metrics should default on")
	}
}

func TestLoadConfigFull(t *testing.T) {
	path := writeConfig(t, `
listen: "127.0.0.1:9090"
max_payload_bytes: 4096
socket_buffer_limit_bytes: 8192
rpc_timeout: 15s
rpc_max_inflight_per_socket: 10
expose_error_details: true
close_on_oversize: true
heartbeat:
  interval: 25s
  timeout: 10s
allowed_origins:
  - "https://App.Example.com"
metrics: false
`)
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != "127.0.0.1:9090" {
		t.Fatalf("Listen = %q", cfg.Listen)
	}
	if time.Duration(cfg.RPCTimeout) != 15*time.Second {
		t.Fatalf("RPCTimeout = %v", time.Duration(cfg.RPCTimeout))
	}
	if time.Duration(cfg.Heartbeat.Interval) != 25*time.Second {
		t.Fatalf("Heartbeat.Interval = %v", time.Duration(cfg.Heartbeat.Interval))
	}
	if cfg.AllowedOrigins[0] != "https://app.example.com" {
		t.Fatalf("origin not normalized: %q", cfg.AllowedOrigins[0])
	}
	if cfg.Metrics {
		t.Fatal("metrics should be off")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WSROUTERD_LISTEN", "127.0.0.1:7777")
	t.Setenv("WSROUTERD_METRICS", "false")
	t.Setenv("WSROUTERD_RPC_TIMEOUT", "5s")
	t.Setenv("WSROUTERD_ALLOWED_ORIGINS", "https://a.example.com, https://B.example.com")

	cfg, err := loadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if err := applyEnvOverrides(cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != "127.0.0.1:7777" {
		t.Fatalf("Listen = %q", cfg.Listen)
	}
	if cfg.Metrics {
		t.Fatal("metrics override ignored")
	}
	if time.Duration(cfg.RPCTimeout) != 5*time.Second {
		t.Fatalf("RPCTimeout = %v", time.Duration(cfg.RPCTimeout))
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example.com" {
		t.Fatalf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
}

func TestEnvOverrideRejectsBadValue(t *testing.T) {
	t.Setenv("WSROUTERD_METRICS", "maybe")
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if err := applyEnvOverrides(cfg); err == nil {
		t.Fatal("bad WSROUTERD_METRICS accepted")
	}
}

func TestLoadConfigRejectsBadOrigin(t *testing.T) {
	for _, origin := range []string{
		"ftp://example.com",
		"http://",
		"http://example.com/path",
		"http://example.com?q=1",
	} {
		path := writeConfig(t, "allowed_origins: [\""+origin+"\"]\n")
		if _, err := loadConfig(path); err == nil {
			t.Fatalf("origin %q accepted", origin)
		}
	}
}

func TestLoadConfigRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, "rpc_timeout: \"soon\"\n")
	if _, err := loadConfig(path); err == nil {
		t.Fatal("bad duration accepted")
	}
}

func TestCheckOrigin(t *testing.T) {
	check := checkOriginFunc([]string{"https://app.example.com"})
	if !check("https://app.example.com") {
		t.Fatal("allowed origin rejected")
	}
	if !check(" HTTPS://APP.EXAMPLE.COM ") {
		t.Fatal("case-insensitive match rejected")
	}
	if check("https://evil.example.com") {
		t.Fatal("unknown origin accepted")
	}
}
