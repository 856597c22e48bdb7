// Package buildinfo holds version and build metadata stamped at compile time via ldflags.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// These variables are set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

// ClientName is the implementation name advertised to MCP servers
// during the initialize handshake.
const ClientName = "mcplink"

// Implementation identifies this program in MCP clientInfo and in the
// status API root document.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientInfo returns the implementation sent in the initialize request.
func ClientInfo() Implementation {
	return Implementation{Name: ClientName, Version: Version}
}

var startTime = time.Now()

// Info returns build and runtime details keyed by snake_case name.
func Info() map[string]string {
	return map[string]string{
		"name":       ClientName,
		"version":    Version,
		"git_commit": GitCommit,
		"git_branch": GitBranch,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"started":    startTime.UTC().Format(time.RFC3339),
		"uptime":     Uptime().String(),
	}
}

// Uptime returns the time since process start, truncated to seconds.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UserAgent is sent on push and socket transport requests.
func UserAgent() string {
	return fmt.Sprintf("%s/%s (%s; %s)", ClientName, Version, runtime.GOOS, runtime.GOARCH)
}

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("%s %s (%s@%s) built %s", ClientName, Version, GitCommit, GitBranch, BuildTime)
}
