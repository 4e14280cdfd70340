// Package version formats the version line printed by the repo's CLI tools.
package version

import (
	"runtime/debug"
	"strings"
)

// String builds a version line from ldflags-injected values, falling back to
// Go module build info for anything unset or left at its placeholder.
func String(version, commit, date string) string {
	v := strings.TrimSpace(version)
	c := strings.TrimSpace(commit)
	d := strings.TrimSpace(date)

	if info, ok := debug.ReadBuildInfo(); ok {
		if isPlaceholder(v, "dev", "(devel)") {
			if mv := strings.TrimSpace(info.Main.Version); mv != "" && mv != "(devel)" {
				v = mv
			}
		}
		if isPlaceholder(c, "unknown") {
			if rev := setting(info, "vcs.revision"); rev != "" {
				c = rev
			}
		}
		if isPlaceholder(d, "unknown") {
			if t := setting(info, "vcs.time"); t != "" {
				d = t
			}
		}
	}

	out := v
	if out == "" {
		out = "dev"
	}
	if !isPlaceholder(c, "unknown") {
		out += " (" + c + ")"
	}
	if !isPlaceholder(d, "unknown") {
		out += " " + d
	}
	return out
}

func isPlaceholder(v string, placeholders ...string) bool {
	if v == "" {
		return true
	}
	for _, p := range placeholders {
		if v == p {
			return true
		}
	}
	return false
}

func setting(info *debug.BuildInfo, key string) string {
	for _, s := range info.Settings {
		if s.Key == key {
			return s.Value
		}
	}
	return ""
}
