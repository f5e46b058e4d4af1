// Package version carries the build metadata stamped into the binary.
package version

import (
	"fmt"
	"runtime"
)

// Injected via -ldflags at release build time; defaults mark a local
// development build.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info renders the full version line printed by the -version flag.
func Info() string {
	return fmt.Sprintf("beamcast %s (commit %s, built %s, %s %s/%s)",
		Version, GitCommit, BuildDate, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Short returns the bare version string.
func Short() string {
	return Version
}

// Map returns the build metadata as labels, in the shape the build-info
// metric expects.
func Map() map[string]string {
	return map[string]string{
		"version":    Version,
		"commit":     GitCommit,
		"build_date": BuildDate,
		"go_version": runtime.Version(),
	}
}
