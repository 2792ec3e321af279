// Package buildinfo exposes version metadata stamped by the release
// build via -ldflags, plus process uptime.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Stamped by the build; defaults cover plain `go build` trees.
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Uptime reports how long the process has been running, rounded to
// whole seconds.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// String is the one-line banner logged at startup.
func String() string {
	return fmt.Sprintf("Atrium %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}

// UserAgent identifies outbound HTTP requests from this process.
func UserAgent() string {
	return fmt.Sprintf("atrium/%s (%s; %s)", Version, runtime.GOOS, runtime.GOARCH)
}

// Info collects build and runtime facts for the version command and
// the health endpoint.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"git_branch": GitBranch,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}
