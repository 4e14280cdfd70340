// Package cmdutil has the shared plumbing of the repo's CLI binaries:
// environment lookups with fallbacks and JSON output helpers.
package cmdutil

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

func envRaw(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// EnvString returns the trimmed env value, or fallback when unset or blank.
func EnvString(key, fallback string) string {
	if v := envRaw(key); v != "" {
		return v
	}
	return fallback
}

// EnvBool parses a boolean env value, returning fallback when unset or blank.
func EnvBool(key string, fallback bool) (bool, error) {
	raw := envRaw(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

// EnvInt parses an integer env value, returning fallback when unset or blank.
func EnvInt(key string, fallback int) (int, error) {
	raw := envRaw(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

// EnvDuration parses a duration env value ("30s", "5m"), returning fallback
// when unset or blank.
func EnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := envRaw(key)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// SplitCSVEnv splits a comma-separated env value into trimmed, non-empty
// parts. Unset yields nil.
func SplitCSVEnv(key string) []string {
	raw := envRaw(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}
