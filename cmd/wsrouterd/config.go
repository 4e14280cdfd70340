package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wirefold/wsrouter/internal/cmdutil"
)

// duration lets YAML carry values like "30s".
type duration time.Duration

func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = duration(v)
	return nil
}

type heartbeatConfig struct {
	Interval duration `yaml:"interval"`
	Timeout  duration `yaml:"timeout"`
}

type config struct {
	Listen string `yaml:"listen"`

	MaxPayloadBytes        int   `yaml:"max_payload_bytes"`
	SocketBufferLimitBytes int64 `yaml:"socket_buffer_limit_bytes"`

	RPCTimeout         duration        `yaml:"rpc_timeout"`
	RPCMaxInflight     int             `yaml:"rpc_max_inflight_per_socket"`
	ExposeErrorDetails bool            `yaml:"expose_error_details"`
	CloseOnOversize    bool            `yaml:"close_on_oversize"`
	Heartbeat          heartbeatConfig `yaml:"heartbeat"`

	// AllowedOrigins is the browser origin allowlist for the websocket
	// upgrade. Empty means same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins"`

	Metrics bool `yaml:"metrics"`
}

func defaultConfigFile() *config {
	return &config{
		Listen:  "127.0.0.1:0",
		Metrics: true,
	}
}

// loadConfig reads and validates a YAML config. An empty path yields the
// defaults.
func loadConfig(path string) (*config, error) {
	cfg := defaultConfigFile()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(b) > 1<<20 {
		return nil, errors.New("config too large")
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Listen) == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	for i, origin := range cfg.AllowedOrigins {
		o, err := normalizeOrigin(origin)
		if err != nil {
			return nil, err
		}
		cfg.AllowedOrigins[i] = o
	}
	if cfg.Heartbeat.Interval < 0 || cfg.Heartbeat.Timeout < 0 {
		return nil, errors.New("heartbeat durations must be non-negative")
	}
	return cfg, nil
}

// applyEnvOverrides layers environment values over the file config.
func applyEnvOverrides(cfg *config) error {
	cfg.Listen = cmdutil.EnvString("WSROUTERD_LISTEN", cfg.Listen)

	metrics, err := cmdutil.EnvBool("WSROUTERD_METRICS", cfg.Metrics)
	if err != nil {
		return err
	}
	cfg.Metrics = metrics

	maxPayload, err := cmdutil.EnvInt("WSROUTERD_MAX_PAYLOAD_BYTES", cfg.MaxPayloadBytes)
	if err != nil {
		return err
	}
	cfg.MaxPayloadBytes = maxPayload

	rpcTimeout, err := cmdutil.EnvDuration("WSROUTERD_RPC_TIMEOUT", time.Duration(cfg.RPCTimeout))
	if err != nil {
		return err
	}
	cfg.RPCTimeout = duration(rpcTimeout)

	if origins := cmdutil.SplitCSVEnv("WSROUTERD_ALLOWED_ORIGINS"); len(origins) > 0 {
		normalized := make([]string, 0, len(origins))
		for _, origin := range origins {
			o, err := normalizeOrigin(origin)
			if err != nil {
				return fmt.Errorf("WSROUTERD_ALLOWED_ORIGINS: %w", err)
			}
			normalized = append(normalized, o)
		}
		cfg.AllowedOrigins = normalized
	}
	return nil
}

// normalizeOrigin accepts scheme://host[:port] with nothing else.
func normalizeOrigin(origin string) (string, error) {
	o := strings.TrimSpace(origin)
	u, err := url.Parse(o)
	if err != nil {
		return "", fmt.Errorf("invalid origin %q: %w", origin, err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return "", fmt.Errorf("invalid origin scheme: %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid origin %q: missing host", origin)
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" {
		return "", fmt.Errorf("invalid origin %q: only scheme and host allowed", origin)
	}
	u.Path = ""
	return strings.ToLower(u.String()), nil
}

// checkOriginFunc builds the upgrader origin check from the allowlist.
func checkOriginFunc(allowed []string) func(origin string) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(origin string) bool {
		_, ok := set[strings.ToLower(strings.TrimSpace(origin))]
		return ok
	}
}
