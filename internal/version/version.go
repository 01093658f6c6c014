// Package version holds build metadata, set at build time via -ldflags:
//
//	go build -ldflags "-X github.com/pysugar/toolbridge/internal/version.Version=v0.3.0" ./cmd/toolbridge
package version

import "fmt"

var (
	// Version is the semantic version of the application
	Version = "dev"

	// Commit is the git commit hash
	Commit = "none"

	// BuildTime is the timestamp of the build
	BuildTime = "unknown"
)

// String renders all build fields on one line.
func String() string {
	return fmt.Sprintf("toolbridge %s (commit %s, built %s)", Version, Commit, BuildTime)
}
