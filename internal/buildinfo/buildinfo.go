// Package buildinfo exposes the version metadata stamped into the binary
// by the release ldflags, plus a little runtime context for the version
// command.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Overridden at link time, e.g.
//
//	go build -ldflags "-X .../internal/buildinfo.Version=v0.4.1"
//
// Untouched builds report dev/unknown.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Uptime reports how long the process has been running, truncated to
// whole seconds for display.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// Info collects build and runtime facts, keyed for the version command's
// text and JSON output.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// String is the one-line banner logged at startup.
func String() string {
	return fmt.Sprintf("tars %s (%s) built %s", Version, GitCommit, BuildTime)
}

// UserAgent identifies the fleet's outbound HTTP traffic (Ollama,
// OpenAI, bridge fetches).
func UserAgent() string {
	return fmt.Sprintf("tars/%s (%s; %s)", Version, runtime.GOOS, runtime.GOARCH)
}
