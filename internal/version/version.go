// Package version reports the binkpd build identity for --version.
// (The M_NUL VER field advertised during the handshake comes from the
// operator-configured Local.VersionString in addresses.binkp, not from
// this package.)
package version

import (
	"os/exec"
	"strings"
)

// Version is set at build time via ldflags; "dev" falls back to git.
var Version = "dev"

// BuildTime is set at build time via ldflags.
var BuildTime = "unknown"

// GitCommit is set at build time via ldflags.
var GitCommit = "unknown"

// String returns the version, falling back to git describe/rev-parse
// when no ldflags were supplied.
func String() string {
	if Version == "dev" {
		if v := getGitVersion(); v != "" {
			return v
		}
	}
	return Version
}

// Full returns version plus build time and commit when known, suitable
// for --version output.
func Full() string {
	v := String()
	switch {
	case BuildTime != "unknown" && GitCommit != "unknown":
		return v + " (built " + BuildTime + ", commit " + GitCommit + ")"
	case GitCommit != "unknown":
		return v + " (commit " + GitCommit + ")"
	default:
		return v
	}
}

func getGitVersion() string {
	if out, err := exec.Command("git", "describe", "--tags", "--abbrev=0").Output(); err == nil {
		if v := strings.TrimSpace(string(out)); v != "" {
			return strings.TrimPrefix(v, "v")
		}
	}
	if out, err := exec.Command("git", "rev-parse", "--short", "HEAD").Output(); err == nil {
		if c := strings.TrimSpace(string(out)); c != "" {
			return "dev-" + c
		}
	}
	return "dev-unknown"
}
