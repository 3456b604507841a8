package version

import (
	"fmt"
	"runtime"
)

// Name is the program name reported by the CLI and the HTTP API
const Name = "multifetch"

var (
	// Version is the semantic version of the application
	Version = "dev"
	// GitCommit is the git commit hash
	GitCommit = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// Info returns version information as a map
func Info() map[string]string {
	return map[string]string{
		"name":      Name,
		"version":   Version,
		"gitCommit": GitCommit,
		"buildTime": BuildTime,
		"goVersion": runtime.Version(),
	}
}

// String returns a formatted version string
func String() string {
	return fmt.Sprintf("%s %s (commit %s, built %s, %s)", Name, Version, GitCommit, BuildTime, runtime.Version())
}
